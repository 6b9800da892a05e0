package actingcontext

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/ehr/rolecontext/internal/domain/assignment"
	"github.com/ehr/rolecontext/internal/domain/capability"
)

// State is a Selector state.
type State uint8

const (
	Unresolved State = iota
	NoContext
	AutoSelected
	AwaitingEstablishmentChoice
	AwaitingRoleChoice
	Active

	stateCount
)

var stateNames = [...]string{
	Unresolved:                  "unresolved",
	NoContext:                   "no_context",
	AutoSelected:                "auto_selected",
	AwaitingEstablishmentChoice: "awaiting_establishment_choice",
	AwaitingRoleChoice:          "awaiting_role_choice",
	Active:                      "active",
}

var _ = [1]struct{}{}[len(stateNames)-int(stateCount)]

func (s State) String() string {
	if s < stateCount {
		return stateNames[s]
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Selection records how the active assignment was chosen.
type Selection string

const (
	SelectionNone     Selection = ""
	SelectionAuto     Selection = "auto"
	SelectionRestored Selection = "restored"
	SelectionExplicit Selection = "explicit"
)

// EstablishmentOption is one entry of an establishment prompt.
type EstablishmentOption struct {
	ID     uuid.UUID                      `json:"id"`
	Name   string                         `json:"name"`
	Kind   assignment.EstablishmentKind   `json:"kind"`
	Status assignment.EstablishmentStatus `json:"status"`
	Roles  []assignment.Role              `json:"roles"`
}

// RoleOption is one entry of a role prompt.
type RoleOption struct {
	assignment.RoleDescriptor
	AssignmentID uuid.UUID `json:"assignment_id"`
}

// Snapshot is one published session context. Snapshots are immutable once
// handed to the Store; readers may keep the pointer.
type Snapshot struct {
	Version     uint64                     `json:"version"`
	State       State                      `json:"state"`
	Selection   Selection                  `json:"selection,omitempty"`
	Assignment  *assignment.Assignment     `json:"assignment,omitempty"`
	Role        *assignment.RoleDescriptor `json:"role,omitempty"`
	Permissions capability.Set             `json:"permissions"`

	// Prompt data. Establishments is set while awaiting an establishment,
	// Roles and PendingEstablishment while awaiting a role.
	Establishments       []EstablishmentOption `json:"establishments,omitempty"`
	PendingEstablishment *uuid.UUID            `json:"pending_establishment_id,omitempty"`
	Roles                []RoleOption          `json:"roles,omitempty"`
	Suggested            *assignment.Key       `json:"suggested,omitempty"`

	// Discarded is the stale or ineligible choice dropped by the transition
	// that produced this snapshot.
	Discarded *assignment.Key `json:"discarded,omitempty"`
}

var emptySnapshot = &Snapshot{State: Unresolved}

// Key returns the active (establishment, role) pair, or the zero Key.
func (s *Snapshot) Key() assignment.Key {
	if s == nil || s.Assignment == nil {
		return assignment.Key{}
	}
	return s.Assignment.Key()
}

// IsActive reports whether an assignment is bound.
func (s *Snapshot) IsActive() bool {
	return s != nil && s.State == Active && s.Assignment != nil
}
