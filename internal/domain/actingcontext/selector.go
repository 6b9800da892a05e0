package actingcontext

import (
	"sort"

	"github.com/google/uuid"

	"github.com/ehr/rolecontext/internal/domain/assignment"
)

// Outcome describes one Selector transition.
type Outcome struct {
	From  State
	To    State
	Trail []State // every state entered, starting with From

	// Changed is false when the published context must stay untouched.
	Changed   bool
	Selection Selection

	// Discarded is a persisted or requested pair found ineligible.
	Discarded *assignment.Key
	// Invalidated is the previously active assignment when it lost
	// eligibility.
	Invalidated *assignment.Assignment
	// Rejected is set when the request does not apply to the current state.
	Rejected bool
}

// Activated reports whether the transition bound a new active assignment
// or refreshed the bound one.
func (o Outcome) Activated() bool {
	return o.Changed && o.To == Active
}

// Selector is the acting-context state machine. It does no I/O; every
// method is total and returns an Outcome. Not safe for concurrent use.
type Selector struct {
	eligible  []*assignment.Assignment
	state     State
	active    *assignment.Assignment
	pending   uuid.UUID
	selection Selection
}

func NewSelector() *Selector {
	return &Selector{}
}

func (s *Selector) State() State { return s.state }

func (s *Selector) Active() *assignment.Assignment { return s.active }

func (s *Selector) Selection() Selection { return s.selection }

func (s *Selector) Eligible() []*assignment.Assignment { return s.eligible }

// PendingEstablishment is the establishment whose roles are being offered.
func (s *Selector) PendingEstablishment() (uuid.UUID, bool) {
	return s.pending, s.state == AwaitingRoleChoice
}

// Resolved applies a fresh resolution at session start. A preferred pair
// still present among the eligible assignments is restored directly;
// otherwise it is discarded and the cardinality rules apply.
func (s *Selector) Resolved(eligible []*assignment.Assignment, preferred *assignment.Key) Outcome {
	t := s.begin()
	s.setEligible(eligible)
	t.decide(preferred)
	return t.done()
}

// AssignmentsChanged applies a re-resolution triggered by the change feed.
func (s *Selector) AssignmentsChanged(eligible []*assignment.Assignment) Outcome {
	t := s.begin()
	if s.state == Unresolved {
		t.out.Rejected = true
		return t.done()
	}
	s.setEligible(eligible)

	switch s.state {
	case Active:
		current := s.find(s.active.Key())
		if current == nil {
			t.out.Invalidated = s.active
			t.fallback(s.active.EstablishmentID)
			break
		}
		if !assignment.SameAttributes(current, s.active) {
			t.activate(current, s.selection)
		}
	case AwaitingRoleChoice:
		t.fallback(s.pending)
	default:
		t.decide(nil)
	}
	return t.done()
}

// ChooseEstablishment answers an establishment prompt.
func (s *Selector) ChooseEstablishment(id uuid.UUID) Outcome {
	t := s.begin()
	if s.state != AwaitingEstablishmentChoice {
		t.out.Rejected = true
		return t.done()
	}
	roles := s.rolesAt(id)
	switch len(roles) {
	case 0:
		t.out.Discarded = &assignment.Key{EstablishmentID: id}
		t.decide(nil)
	case 1:
		t.activate(roles[0], SelectionExplicit)
	default:
		t.awaitRole(id)
	}
	return t.done()
}

// ChooseRole answers a role prompt.
func (s *Selector) ChooseRole(role assignment.Role) Outcome {
	t := s.begin()
	if s.state != AwaitingRoleChoice {
		t.out.Rejected = true
		return t.done()
	}
	key := assignment.Key{EstablishmentID: s.pending, Role: role}
	if a := s.find(key); a != nil {
		t.activate(a, SelectionExplicit)
		return t.done()
	}
	t.out.Discarded = &key
	t.fallback(s.pending)
	return t.done()
}

// SwitchEstablishment drops the active context and re-enters the full
// establishment prompt. The previous role is never carried over.
func (s *Selector) SwitchEstablishment() Outcome {
	t := s.begin()
	switch s.state {
	case Active, AwaitingRoleChoice:
		t.clear()
		t.enter(AwaitingEstablishmentChoice)
	case AwaitingEstablishmentChoice:
	default:
		t.out.Rejected = true
	}
	return t.done()
}

// SwitchRole changes role within the active establishment. An empty role
// asks for the alternatives: a single other role is activated directly,
// several produce a role prompt. Switching to the active role is a no-op.
func (s *Selector) SwitchRole(role assignment.Role) Outcome {
	t := s.begin()
	if s.state != Active {
		t.out.Rejected = true
		return t.done()
	}
	est := s.active.EstablishmentID
	if role == s.active.Role {
		return t.done()
	}
	if role != "" {
		key := assignment.Key{EstablishmentID: est, Role: role}
		if a := s.find(key); a != nil {
			t.activate(a, SelectionExplicit)
			return t.done()
		}
		t.out.Discarded = &key
	}

	var others []*assignment.Assignment
	for _, a := range s.rolesAt(est) {
		if a.Role != s.active.Role {
			others = append(others, a)
		}
	}
	switch len(others) {
	case 0:
		t.out.Rejected = true
	case 1:
		t.activate(others[0], SelectionAuto)
	default:
		t.clear()
		t.awaitRole(est)
	}
	return t.done()
}

// Reset returns to Unresolved, e.g. on logout.
func (s *Selector) Reset() Outcome {
	t := s.begin()
	t.clear()
	s.eligible = nil
	if s.state != Unresolved {
		t.enter(Unresolved)
	}
	return t.done()
}

// Establishments groups the eligible set for an establishment prompt,
// ordered by each establishment's earliest assignment.
func (s *Selector) Establishments() []EstablishmentOption {
	var out []EstablishmentOption
	idx := make(map[uuid.UUID]int)
	for _, a := range s.eligible {
		i, ok := idx[a.EstablishmentID]
		if !ok {
			i = len(out)
			idx[a.EstablishmentID] = i
			out = append(out, EstablishmentOption{
				ID:     a.EstablishmentID,
				Name:   a.EstablishmentName,
				Kind:   a.EstablishmentKind,
				Status: a.EstablishmentStatus,
			})
		}
		out[i].Roles = append(out[i].Roles, a.Role)
	}
	return out
}

// RoleOptions lists the roles offered at an establishment.
func (s *Selector) RoleOptions(est uuid.UUID) []RoleOption {
	var out []RoleOption
	for _, a := range s.rolesAt(est) {
		out = append(out, RoleOption{RoleDescriptor: assignment.Describe(a.Role), AssignmentID: a.ID})
	}
	return out
}

// Suggested is the deterministic default for the current prompt: the
// earliest-started eligible assignment among the offered ones.
func (s *Selector) Suggested() *assignment.Key {
	var pool []*assignment.Assignment
	switch s.state {
	case AwaitingEstablishmentChoice:
		pool = s.eligible
	case AwaitingRoleChoice:
		pool = s.rolesAt(s.pending)
	}
	if len(pool) == 0 {
		return nil
	}
	k := pool[0].Key()
	if s.state == AwaitingEstablishmentChoice {
		k.Role = ""
	}
	return &k
}

func (s *Selector) setEligible(eligible []*assignment.Assignment) {
	sorted := make([]*assignment.Assignment, len(eligible))
	copy(sorted, eligible)
	sort.SliceStable(sorted, func(i, j int) bool { return assignment.Less(sorted[i], sorted[j]) })
	s.eligible = sorted
}

func (s *Selector) find(k assignment.Key) *assignment.Assignment {
	for _, a := range s.eligible {
		if a.Key() == k {
			return a
		}
	}
	return nil
}

func (s *Selector) rolesAt(est uuid.UUID) []*assignment.Assignment {
	var out []*assignment.Assignment
	for _, a := range s.eligible {
		if a.EstablishmentID == est {
			out = append(out, a)
		}
	}
	return out
}

func (s *Selector) establishmentCount() int {
	seen := make(map[uuid.UUID]struct{})
	for _, a := range s.eligible {
		seen[a.EstablishmentID] = struct{}{}
	}
	return len(seen)
}

// view is the part of the selector that a snapshot renders.
type view struct {
	state     State
	active    *assignment.Assignment
	pending   uuid.UUID
	selection Selection
	eligible  []*assignment.Assignment
}

type transition struct {
	sel    *Selector
	before view
	out    Outcome
}

func (s *Selector) begin() *transition {
	return &transition{
		sel:    s,
		before: view{s.state, s.active, s.pending, s.selection, s.eligible},
		out:    Outcome{From: s.state, Trail: []State{s.state}},
	}
}

func (t *transition) enter(st State) {
	t.sel.state = st
	t.out.Trail = append(t.out.Trail, st)
}

func (t *transition) clear() {
	t.sel.active = nil
	t.sel.pending = uuid.Nil
	t.sel.selection = SelectionNone
}

func (t *transition) activate(a *assignment.Assignment, how Selection) {
	t.sel.active = a
	t.sel.pending = uuid.Nil
	t.sel.selection = how
	t.out.Selection = how
	t.enter(Active)
}

func (t *transition) awaitRole(est uuid.UUID) {
	t.sel.active = nil
	t.sel.selection = SelectionNone
	t.sel.pending = est
	t.enter(AwaitingRoleChoice)
}

// decide applies the cardinality rules to the whole eligible set.
func (t *transition) decide(preferred *assignment.Key) {
	s := t.sel
	t.clear()
	if len(s.eligible) == 0 {
		t.enter(NoContext)
		return
	}
	if preferred != nil && !preferred.IsZero() {
		if a := s.find(*preferred); a != nil {
			t.activate(a, SelectionRestored)
			return
		}
		k := *preferred
		t.out.Discarded = &k
	}
	if len(s.eligible) == 1 {
		t.enter(AutoSelected)
		t.activate(s.eligible[0], SelectionAuto)
		return
	}
	if s.establishmentCount() > 1 {
		t.enter(AwaitingEstablishmentChoice)
		return
	}
	est := s.eligible[0].EstablishmentID
	t.awaitRole(est)
}

// fallback re-resolves within est first and widens to the cardinality
// rules when est has nothing eligible left.
func (t *transition) fallback(est uuid.UUID) {
	roles := t.sel.rolesAt(est)
	switch len(roles) {
	case 0:
		t.decide(nil)
	case 1:
		t.activate(roles[0], SelectionAuto)
	default:
		t.awaitRole(est)
	}
}

func (t *transition) done() Outcome {
	s := t.sel
	t.out.To = s.state
	after := view{s.state, s.active, s.pending, s.selection, s.eligible}
	t.out.Changed = !t.out.Rejected && (t.out.Discarded != nil || !sameView(t.before, after))
	if !t.out.Changed && !t.out.Rejected {
		t.out.Selection = SelectionNone
	}
	return t.out
}

func sameView(a, b view) bool {
	if a.state != b.state || a.pending != b.pending || a.selection != b.selection {
		return false
	}
	if (a.active == nil) != (b.active == nil) {
		return false
	}
	if a.active != nil && !assignment.SameAttributes(a.active, b.active) {
		return false
	}
	if a.state == Active {
		return true
	}
	if len(a.eligible) != len(b.eligible) {
		return false
	}
	for i := range a.eligible {
		if !assignment.SameAttributes(a.eligible[i], b.eligible[i]) {
			return false
		}
	}
	return true
}
