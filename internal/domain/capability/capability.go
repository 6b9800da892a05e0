// Package capability defines the closed set of capability tokens an
// assignment can grant, plus the "all" wildcard.
package capability

import (
	"encoding/json"
	"sort"
)

// Capability is a single capability. The zero value is not a capability.
type Capability uint8

const (
	invalid Capability = iota
	ViewPatients
	EditPatients
	Consultation
	Prescription
	ViewMedicalRecords
	EditMedicalRecords
	LabOrders
	LabResults
	DispenseMedication
	ManageInventory
	ManageAppointments
	Billing
	ManageStaff
	ManageDepartments
	ManageEstablishment
	ViewReports
	ViewAnalytics
	Oversight

	count
)

// WildcardToken grants every capability, including ones added after the
// assignment was written.
const WildcardToken = "all"

var tokens = [...]string{
	invalid:             "",
	ViewPatients:        "view_patients",
	EditPatients:        "edit_patients",
	Consultation:        "consultation",
	Prescription:        "prescription",
	ViewMedicalRecords:  "view_medical_records",
	EditMedicalRecords:  "edit_medical_records",
	LabOrders:           "lab_orders",
	LabResults:          "lab_results",
	DispenseMedication:  "dispense_medication",
	ManageInventory:     "manage_inventory",
	ManageAppointments:  "manage_appointments",
	Billing:             "billing",
	ManageStaff:         "manage_staff",
	ManageDepartments:   "manage_departments",
	ManageEstablishment: "manage_establishment",
	ViewReports:         "view_reports",
	ViewAnalytics:       "view_analytics",
	Oversight:           "oversight",
}

// A capability constant without a token breaks the build here.
var _ = [1]struct{}{}[len(tokens)-int(count)]

var byToken = func() map[string]Capability {
	m := make(map[string]Capability, count)
	for c := Capability(1); c < count; c++ {
		m[tokens[c]] = c
	}
	return m
}()

// String returns the wire token of c.
func (c Capability) String() string {
	if c == invalid || c >= count {
		return "unknown"
	}
	return tokens[c]
}

// Valid reports whether c belongs to the closed set.
func (c Capability) Valid() bool {
	return c > invalid && c < count
}

// Parse maps a token to its capability.
func Parse(token string) (Capability, bool) {
	c, ok := byToken[token]
	return c, ok
}

// All returns every capability in declaration order.
func All() []Capability {
	out := make([]Capability, 0, count-1)
	for c := Capability(1); c < count; c++ {
		out = append(out, c)
	}
	return out
}

// ValidToken reports whether token is a known capability or the wildcard.
func ValidToken(token string) bool {
	if token == WildcardToken {
		return true
	}
	_, ok := byToken[token]
	return ok
}

// Set is an effective capability set. The zero value denies everything.
type Set struct {
	all  bool
	bits uint64
}

// GrantAll returns the wildcard set.
func GrantAll() Set {
	return Set{all: true}
}

// Of builds a set from explicit capabilities. Invalid values are ignored.
func Of(caps ...Capability) Set {
	var s Set
	for _, c := range caps {
		s = s.With(c)
	}
	return s
}

// With returns s plus c.
func (s Set) With(c Capability) Set {
	if c.Valid() {
		s.bits |= 1 << c
	}
	return s
}

// Union returns s ∪ o.
func (s Set) Union(o Set) Set {
	return Set{all: s.all || o.all, bits: s.bits | o.bits}
}

// IsAll reports whether s is the wildcard set.
func (s Set) IsAll() bool { return s.all }

// Has reports whether c is granted. Anything outside the set is denied.
func (s Set) Has(c Capability) bool {
	if s.all {
		return true
	}
	if !c.Valid() {
		return false
	}
	return s.bits&(1<<c) != 0
}

// HasToken checks a raw token. With the wildcard every token is granted,
// known or not; otherwise unknown tokens are denied.
func (s Set) HasToken(token string) bool {
	if s.all {
		return true
	}
	c, ok := Parse(token)
	if !ok {
		return false
	}
	return s.Has(c)
}

// Tokens lists the granted tokens, sorted. The wildcard set lists only
// WildcardToken.
func (s Set) Tokens() []string {
	if s.all {
		return []string{WildcardToken}
	}
	out := []string{}
	for c := Capability(1); c < count; c++ {
		if s.Has(c) {
			out = append(out, tokens[c])
		}
	}
	sort.Strings(out)
	return out
}

// Equal reports whether two sets grant the same capabilities.
func (s Set) Equal(o Set) bool {
	return s == o
}

// MarshalJSON encodes the set as its token list.
func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Tokens())
}
