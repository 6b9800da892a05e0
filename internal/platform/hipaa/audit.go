// Package hipaa records compliance audit trails for acting-context changes:
// which identity acted as which role at which establishment, and when.
package hipaa

import (
	"context"
	"fmt"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/ehr/rolecontext/internal/platform/db"
)

// Audit event kinds.
const (
	EventActivated   = "activated"
	EventInvalidated = "invalidated"
	EventDeactivated = "deactivated"
)

// ActivationRecord is one row of the context_activation_audit table.
type ActivationRecord struct {
	ID              string     `json:"id"`
	Event           string     `json:"event"`
	IdentityID      string     `json:"identity_id"`
	ProfessionalID  *uuid.UUID `json:"professional_id,omitempty"`
	EstablishmentID *uuid.UUID `json:"establishment_id,omitempty"`
	Role            string     `json:"role,omitempty"`
	Selection       string     `json:"selection,omitempty"`
	RecordedAt      time.Time  `json:"recorded_at"`
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// NewID returns a lexicographically sortable audit identifier.
func NewID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

func stamp(rec *ActivationRecord) {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	if rec.ID == "" {
		rec.ID = NewID(rec.RecordedAt)
	}
}

// LogAuditor writes activation records to a zerolog logger.
type LogAuditor struct {
	logger zerolog.Logger
}

func NewLogAuditor(logger zerolog.Logger) *LogAuditor {
	return &LogAuditor{logger: logger.With().Str("component", "activation_audit").Logger()}
}

func (a *LogAuditor) Record(_ context.Context, rec *ActivationRecord) error {
	stamp(rec)
	evt := a.logger.Info().
		Str("audit_id", rec.ID).
		Str("event", rec.Event).
		Str("identity", rec.IdentityID).
		Time("recorded_at", rec.RecordedAt)
	if rec.ProfessionalID != nil {
		evt = evt.Str("professional_id", rec.ProfessionalID.String())
	}
	if rec.EstablishmentID != nil {
		evt = evt.Str("establishment_id", rec.EstablishmentID.String())
	}
	if rec.Role != "" {
		evt = evt.Str("role", rec.Role)
	}
	if rec.Selection != "" {
		evt = evt.Str("selection", rec.Selection)
	}
	evt.Msg("acting context audit")
	return nil
}

// PGAuditor inserts activation records into context_activation_audit.
type PGAuditor struct {
	pool *pgxpool.Pool
}

func NewPGAuditor(pool *pgxpool.Pool) *PGAuditor {
	return &PGAuditor{pool: pool}
}

func (a *PGAuditor) Record(ctx context.Context, rec *ActivationRecord) error {
	stamp(rec)

	const query = `
		INSERT INTO context_activation_audit (
			id, event, identity_id, professional_id, establishment_id, role, selection, recorded_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	args := []any{
		rec.ID, rec.Event, rec.IdentityID, rec.ProfessionalID, rec.EstablishmentID,
		nullable(rec.Role), nullable(rec.Selection), rec.RecordedAt,
	}

	var conn db.Queryable = a.pool
	if tx := db.TxFromContext(ctx); tx != nil {
		conn = tx
	}
	if _, err := conn.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("activation audit: insert: %w", err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
