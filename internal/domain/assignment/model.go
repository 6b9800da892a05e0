package assignment

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle status of an Assignment row.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusEnded     Status = "ended"
)

// ParseStatus validates a status string read from a request or the store.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusActive, StatusSuspended, StatusEnded:
		return Status(s), true
	}
	return "", false
}

// EstablishmentKind classifies an establishment.
type EstablishmentKind string

const (
	KindHospital     EstablishmentKind = "hospital"
	KindClinic       EstablishmentKind = "clinic"
	KindPharmacy     EstablishmentKind = "pharmacy"
	KindLaboratory   EstablishmentKind = "laboratory"
	KindMinistryUnit EstablishmentKind = "ministry_unit"
)

// EstablishmentStatus is the operational status of an establishment.
type EstablishmentStatus string

const (
	EstablishmentActive    EstablishmentStatus = "active"
	EstablishmentSuspended EstablishmentStatus = "suspended"
	EstablishmentClosed    EstablishmentStatus = "closed"
)

// Establishment maps to the establishment table.
type Establishment struct {
	ID        uuid.UUID           `db:"id" json:"id"`
	Name      string              `db:"name" json:"name"`
	Kind      EstablishmentKind   `db:"kind" json:"kind"`
	Status    EstablishmentStatus `db:"status" json:"status"`
	CreatedAt time.Time           `db:"created_at" json:"created_at"`
}

// Professional maps to the professional table. One identity owns at most one
// professional record.
type Professional struct {
	ID            uuid.UUID `db:"id" json:"id"`
	IdentityID    string    `db:"identity_id" json:"identity_id"`
	DisplayName   string    `db:"display_name" json:"display_name"`
	LicenseNumber *string   `db:"license_number" json:"license_number,omitempty"`
	Specialty     *string   `db:"specialty" json:"specialty,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// Assignment maps to the establishment_assignment table: a professional
// holding a role at an establishment. (establishment_id, professional_id,
// role) is unique.
type Assignment struct {
	ID                  uuid.UUID           `db:"id" json:"id"`
	EstablishmentID     uuid.UUID           `db:"establishment_id" json:"establishment_id"`
	EstablishmentName   string              `db:"establishment_name" json:"establishment_name"`
	EstablishmentKind   EstablishmentKind   `db:"establishment_kind" json:"establishment_kind"`
	EstablishmentStatus EstablishmentStatus `db:"establishment_status" json:"establishment_status"`
	ProfessionalID      uuid.UUID           `db:"professional_id" json:"professional_id"`
	Role                Role                `db:"role" json:"role"`
	Department          *string             `db:"department" json:"department,omitempty"`
	JobPosition         *string             `db:"job_position" json:"job_position,omitempty"`
	IsAdmin             bool                `db:"is_admin" json:"is_admin"`
	IsDepartmentHead    bool                `db:"is_department_head" json:"is_department_head"`
	Permissions         []string            `db:"permissions" json:"permissions"`
	Status              Status              `db:"status" json:"status"`
	StartDate           time.Time           `db:"start_date" json:"start_date"`
	EndDate             *time.Time          `db:"end_date" json:"end_date,omitempty"`
	UpdatedAt           time.Time           `db:"updated_at" json:"updated_at"`
}

// Eligible reports whether the assignment may become an active context at
// instant now: status must be active and end_date unset or after now.
func (a *Assignment) Eligible(now time.Time) bool {
	if a.Status != StatusActive {
		return false
	}
	if a.EndDate != nil && !a.EndDate.After(now) {
		return false
	}
	return true
}

// Key returns the (establishment, role) pair identifying the assignment for
// a given professional.
func (a *Assignment) Key() Key {
	return Key{EstablishmentID: a.EstablishmentID, Role: a.Role}
}

// Key is an (establishment, role) pair. It is what gets persisted as a
// selection preference and what callers choose between.
type Key struct {
	EstablishmentID uuid.UUID `json:"establishment_id"`
	Role            Role      `json:"role"`
}

func (k Key) String() string {
	return k.EstablishmentID.String() + "/" + string(k.Role)
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool {
	return k.EstablishmentID == uuid.Nil && k.Role == ""
}

// Less orders assignments by start_date, then establishment id, then role.
// It is the deterministic tie-break used everywhere an ordering is needed.
func Less(a, b *Assignment) bool {
	if !a.StartDate.Equal(b.StartDate) {
		return a.StartDate.Before(b.StartDate)
	}
	if a.EstablishmentID != b.EstablishmentID {
		return a.EstablishmentID.String() < b.EstablishmentID.String()
	}
	return a.Role < b.Role
}

// SameAttributes reports whether two assignments for the same key carry the
// same authoritative attributes.
func SameAttributes(a, b *Assignment) bool {
	if a.ID != b.ID || a.Key() != b.Key() {
		return false
	}
	if a.IsAdmin != b.IsAdmin || a.IsDepartmentHead != b.IsDepartmentHead || a.Status != b.Status {
		return false
	}
	if !a.StartDate.Equal(b.StartDate) || !timePtrEqual(a.EndDate, b.EndDate) {
		return false
	}
	if strPtrVal(a.Department) != strPtrVal(b.Department) || strPtrVal(a.JobPosition) != strPtrVal(b.JobPosition) {
		return false
	}
	if a.EstablishmentName != b.EstablishmentName || a.EstablishmentStatus != b.EstablishmentStatus {
		return false
	}
	if len(a.Permissions) != len(b.Permissions) {
		return false
	}
	for i := range a.Permissions {
		if a.Permissions[i] != b.Permissions[i] {
			return false
		}
	}
	return true
}

// ChangeOp is the kind of row change reported by the change feed.
type ChangeOp string

const (
	OpInsert ChangeOp = "INSERT"
	OpUpdate ChangeOp = "UPDATE"
	OpDelete ChangeOp = "DELETE"
	// OpResync is sent to every subscriber when the feed (re)connects and
	// earlier changes may have been missed.
	OpResync ChangeOp = "RESYNC"
)

// ChangeEvent is a single notification from the assignment change feed.
type ChangeEvent struct {
	Op              ChangeOp  `json:"op"`
	AssignmentID    uuid.UUID `json:"assignment_id"`
	ProfessionalID  uuid.UUID `json:"professional_id"`
	EstablishmentID uuid.UUID `json:"establishment_id"`
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func strPtrVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
