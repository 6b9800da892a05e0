package assignment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/rolecontext/internal/platform/db"
)

const uniqueViolation = "23505"

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const assignmentColumns = `a.id, a.establishment_id, e.name, e.kind, e.status, a.professional_id, a.role,
	a.department, a.job_position, a.is_admin, a.is_department_head, a.permissions, a.status,
	a.start_date, a.end_date, a.updated_at`

const assignmentFrom = ` FROM establishment_assignment a JOIN establishment e ON e.id = a.establishment_id`

func (r *repoPG) FindProfessionalByIdentity(ctx context.Context, identityID string) (*Professional, error) {
	return r.scanProfessional(r.conn(ctx).QueryRow(ctx, `
		SELECT id, identity_id, display_name, license_number, specialty, created_at
		FROM professional WHERE identity_id = $1`, identityID))
}

func (r *repoPG) GetProfessional(ctx context.Context, id uuid.UUID) (*Professional, error) {
	return r.scanProfessional(r.conn(ctx).QueryRow(ctx, `
		SELECT id, identity_id, display_name, license_number, specialty, created_at
		FROM professional WHERE id = $1`, id))
}

func (r *repoPG) ListByProfessional(ctx context.Context, professionalID uuid.UUID) ([]*Assignment, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+assignmentColumns+assignmentFrom+`
		WHERE a.professional_id = $1
		ORDER BY a.start_date, a.establishment_id, a.role`, professionalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collect(rows)
}

// ListByEstablishment pages through an establishment's assignments,
// optionally narrowed to one professional.
func (r *repoPG) ListByEstablishment(ctx context.Context, establishmentID uuid.UUID, professionalID *uuid.UUID, limit, offset int) ([]*Assignment, int, error) {
	var total int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM establishment_assignment a
		WHERE a.establishment_id = $1 AND ($2::uuid IS NULL OR a.professional_id = $2)`,
		establishmentID, professionalID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+assignmentColumns+assignmentFrom+`
		WHERE a.establishment_id = $1 AND ($2::uuid IS NULL OR a.professional_id = $2)
		ORDER BY a.start_date, a.professional_id, a.role
		LIMIT $3 OFFSET $4`, establishmentID, professionalID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out, err := r.collect(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Assignment, error) {
	a, err := r.scanAssignment(r.conn(ctx).QueryRow(ctx,
		`SELECT `+assignmentColumns+assignmentFrom+` WHERE a.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func (r *repoPG) Create(ctx context.Context, a *Assignment) error {
	a.ID = uuid.New()
	if a.Permissions == nil {
		a.Permissions = []string{}
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO establishment_assignment (
			id, establishment_id, professional_id, role, department, job_position,
			is_admin, is_department_head, permissions, status, start_date, end_date
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING updated_at`,
		a.ID, a.EstablishmentID, a.ProfessionalID, string(a.Role), a.Department, a.JobPosition,
		a.IsAdmin, a.IsDepartmentHead, a.Permissions, string(a.Status), a.StartDate, a.EndDate,
	).Scan(&a.UpdatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicate
	}
	return err
}

func (r *repoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status Status, endDate *time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE establishment_assignment
		SET status = $2, end_date = $3, updated_at = NOW()
		WHERE id = $1`, id, string(status), endDate)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM establishment_assignment WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) collect(rows pgx.Rows) ([]*Assignment, error) {
	var out []*Assignment
	for rows.Next() {
		a, err := r.scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignments: %w", err)
	}
	return out, nil
}

func (r *repoPG) scanAssignment(row pgx.Row) (*Assignment, error) {
	var a Assignment
	var kind, estStatus, role, status string
	err := row.Scan(
		&a.ID, &a.EstablishmentID, &a.EstablishmentName, &kind, &estStatus, &a.ProfessionalID, &role,
		&a.Department, &a.JobPosition, &a.IsAdmin, &a.IsDepartmentHead, &a.Permissions, &status,
		&a.StartDate, &a.EndDate, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.EstablishmentKind = EstablishmentKind(kind)
	a.EstablishmentStatus = EstablishmentStatus(estStatus)
	a.Role = Role(role)
	a.Status = Status(status)
	return &a, nil
}

func (r *repoPG) scanProfessional(row pgx.Row) (*Professional, error) {
	var p Professional
	err := row.Scan(&p.ID, &p.IdentityID, &p.DisplayName, &p.LicenseNumber, &p.Specialty, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
