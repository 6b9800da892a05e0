package assignment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// Resolution is the eligible assignment set of one identity. Professional
// is nil when the identity owns no professional record.
type Resolution struct {
	Identity     string
	Professional *Professional
	Assignments  []*Assignment
}

// Empty reports whether the identity has no professional context.
func (r *Resolution) Empty() bool {
	return r == nil || len(r.Assignments) == 0
}

// Resolver loads and filters the assignments of an identity.
type Resolver struct {
	repo   Repository
	logger zerolog.Logger
	now    func() time.Time
}

func NewResolver(repo Repository, logger zerolog.Logger) *Resolver {
	return &Resolver{repo: repo, logger: logger, now: time.Now}
}

// SetClock overrides the clock used for the end_date check.
func (r *Resolver) SetClock(now func() time.Time) {
	r.now = now
}

// Resolve returns the eligible assignments of identity ordered by start
// date. A missing professional record yields an empty resolution; any
// backing-store failure yields ErrResolutionFailed and must not be read as
// "no context".
func (r *Resolver) Resolve(ctx context.Context, identity string) (*Resolution, error) {
	res := &Resolution{Identity: identity, Assignments: []*Assignment{}}

	prof, err := r.repo.FindProfessionalByIdentity(ctx, identity)
	if errors.Is(err, ErrNotFound) {
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: find professional: %w", ErrResolutionFailed, err)
	}
	res.Professional = prof

	rows, err := r.repo.ListByProfessional(ctx, prof.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: list assignments: %w", ErrResolutionFailed, err)
	}

	now := r.now()
	for _, a := range rows {
		if _, ok := ParseRole(string(a.Role)); !ok {
			r.logger.Warn().
				Str("assignment_id", a.ID.String()).
				Str("role", string(a.Role)).
				Msg("skipping assignment with unknown role")
			continue
		}
		if !a.Eligible(now) {
			continue
		}
		res.Assignments = append(res.Assignments, a)
	}
	sort.SliceStable(res.Assignments, func(i, j int) bool {
		return Less(res.Assignments[i], res.Assignments[j])
	})
	return res, nil
}
