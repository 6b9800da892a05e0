package assignment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound         = errors.New("assignment: not found")
	ErrDuplicate        = errors.New("assignment: role already held at establishment")
	ErrResolutionFailed = errors.New("assignment: resolution failed")
	ErrInvalid          = errors.New("assignment: invalid")
)

// Repository defines the persistence interface for professionals and their
// establishment assignments.
type Repository interface {
	FindProfessionalByIdentity(ctx context.Context, identityID string) (*Professional, error)
	GetProfessional(ctx context.Context, id uuid.UUID) (*Professional, error)
	ListByProfessional(ctx context.Context, professionalID uuid.UUID) ([]*Assignment, error)
	ListByEstablishment(ctx context.Context, establishmentID uuid.UUID, professionalID *uuid.UUID, limit, offset int) ([]*Assignment, int, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Assignment, error)
	Create(ctx context.Context, a *Assignment) error
	// UpdateStatus sets the status and replaces end_date; nil clears it.
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status, endDate *time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// Feed delivers change notifications for one professional's assignments.
// The returned channel is closed when ctx ends.
type Feed interface {
	Subscribe(ctx context.Context, professionalID uuid.UUID) (<-chan ChangeEvent, error)
}
