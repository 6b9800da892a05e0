package assignment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/rolecontext/internal/domain/capability"
)

// Service is the administrator-facing mutation surface of the assignment
// store. Every call is scoped to one establishment.
type Service struct {
	repo Repository
	now  func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

func (s *Service) Create(ctx context.Context, establishmentID uuid.UUID, a *Assignment) error {
	a.EstablishmentID = establishmentID
	if a.ProfessionalID == uuid.Nil {
		return fmt.Errorf("%w: professional_id is required", ErrInvalid)
	}
	if _, ok := ParseRole(string(a.Role)); !ok {
		return fmt.Errorf("%w: unknown role %q", ErrInvalid, a.Role)
	}
	for _, tok := range a.Permissions {
		if !capability.ValidToken(tok) {
			return fmt.Errorf("%w: unknown permission %q", ErrInvalid, tok)
		}
	}
	if a.Status == "" {
		a.Status = StatusActive
	} else if _, ok := ParseStatus(string(a.Status)); !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalid, a.Status)
	}
	if a.StartDate.IsZero() {
		a.StartDate = s.now().UTC()
	}
	if a.EndDate != nil && !a.EndDate.After(a.StartDate) {
		return fmt.Errorf("%w: end_date must be after start_date", ErrInvalid)
	}
	if _, err := s.repo.GetProfessional(ctx, a.ProfessionalID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: unknown professional %s", ErrInvalid, a.ProfessionalID)
		}
		return fmt.Errorf("professional %s: %w", a.ProfessionalID, err)
	}
	return s.repo.Create(ctx, a)
}

func (s *Service) Get(ctx context.Context, establishmentID, id uuid.UUID) (*Assignment, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.EstablishmentID != establishmentID {
		return nil, ErrNotFound
	}
	return a, nil
}

// List pages through the establishment's assignments. A nil professionalID
// lists every professional.
func (s *Service) List(ctx context.Context, establishmentID uuid.UUID, professionalID *uuid.UUID, limit, offset int) ([]*Assignment, int, error) {
	return s.repo.ListByEstablishment(ctx, establishmentID, professionalID, limit, offset)
}

// SetStatus suspends, reactivates or ends an assignment. Ending stamps
// end_date with the current time. Reactivating clears an end_date that has
// already passed so the assignment is eligible again; a future one stays.
func (s *Service) SetStatus(ctx context.Context, establishmentID, id uuid.UUID, status Status) error {
	if _, ok := ParseStatus(string(status)); !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalid, status)
	}
	a, err := s.Get(ctx, establishmentID, id)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	end := a.EndDate
	switch status {
	case StatusEnded:
		end = &now
	case StatusActive:
		if end != nil && !end.After(now) {
			end = nil
		}
	}
	return s.repo.UpdateStatus(ctx, id, status, end)
}

func (s *Service) Revoke(ctx context.Context, establishmentID, id uuid.UUID) error {
	if _, err := s.Get(ctx, establishmentID, id); err != nil {
		return err
	}
	return s.repo.Delete(ctx, id)
}
