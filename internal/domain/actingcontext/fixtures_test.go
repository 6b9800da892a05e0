package actingcontext

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/rolecontext/internal/domain/assignment"
	"github.com/ehr/rolecontext/internal/platform/hipaa"
)

var (
	estA = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	estB = uuid.MustParse("00000000-0000-0000-0000-00000000000b")
	estC = uuid.MustParse("00000000-0000-0000-0000-00000000000c")

	baseDate = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

// grant builds an eligible assignment. day offsets its start date.
func grant(est uuid.UUID, role assignment.Role, day int, perms ...string) *assignment.Assignment {
	return &assignment.Assignment{
		ID:                uuid.New(),
		EstablishmentID:   est,
		EstablishmentName: "Establishment " + est.String()[len(est.String())-1:],
		EstablishmentKind: assignment.KindHospital,
		Role:              role,
		Permissions:       perms,
		Status:            assignment.StatusActive,
		StartDate:         baseDate.AddDate(0, 0, day),
	}
}

func clone(a *assignment.Assignment) *assignment.Assignment {
	c := *a
	c.Permissions = append([]string(nil), a.Permissions...)
	return &c
}

func keyOf(est uuid.UUID, role assignment.Role) *assignment.Key {
	return &assignment.Key{EstablishmentID: est, Role: role}
}

// fakeResolver serves a mutable assignment set. Calls can be held at a gate
// to simulate slow reads.
type fakeResolver struct {
	mu      sync.Mutex
	prof    *assignment.Professional
	rows    []*assignment.Assignment
	err     error
	calls   int
	gates   []chan struct{}
	started chan int
}

func newFakeResolver(rows ...*assignment.Assignment) *fakeResolver {
	return &fakeResolver{
		prof:    &assignment.Professional{ID: uuid.New(), IdentityID: "idp|p"},
		rows:    rows,
		started: make(chan int, 256),
	}
}

func (f *fakeResolver) set(rows ...*assignment.Assignment) {
	f.mu.Lock()
	f.rows = rows
	f.mu.Unlock()
}

func (f *fakeResolver) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// hold makes the next call block until the returned channel is closed.
// The call captures its rows before blocking.
func (f *fakeResolver) hold() chan struct{} {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gates = append(f.gates, gate)
	f.mu.Unlock()
	return gate
}

func (f *fakeResolver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeResolver) Resolve(ctx context.Context, identity string) (*assignment.Resolution, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	var gate chan struct{}
	if len(f.gates) > 0 {
		gate = f.gates[0]
		f.gates = f.gates[1:]
	}
	err := f.err
	rows := make([]*assignment.Assignment, len(f.rows))
	for i, a := range f.rows {
		rows[i] = clone(a)
	}
	f.mu.Unlock()
	f.started <- n

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &assignment.Resolution{Identity: identity, Professional: f.prof, Assignments: rows}, nil
}

type recordingAuditor struct {
	mu      sync.Mutex
	records []hipaa.ActivationRecord
}

func (r *recordingAuditor) Record(_ context.Context, rec *hipaa.ActivationRecord) error {
	r.mu.Lock()
	r.records = append(r.records, *rec)
	r.mu.Unlock()
	return nil
}

func (r *recordingAuditor) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.records))
	for i, rec := range r.records {
		out[i] = rec.Event
	}
	return out
}

func (r *recordingAuditor) last() hipaa.ActivationRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[len(r.records)-1]
}

type recordingMetrics struct {
	mu          sync.Mutex
	transitions map[string]int
	resolutions map[string]int
	checks      map[bool]int
	sessions    int
	changes     map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		transitions: make(map[string]int),
		resolutions: make(map[string]int),
		checks:      make(map[bool]int),
		changes:     make(map[string]int),
	}
}

func (m *recordingMetrics) Transition(from, to string) {
	m.mu.Lock()
	m.transitions[from+"->"+to]++
	m.mu.Unlock()
}

func (m *recordingMetrics) Resolution(outcome string, _ time.Duration) {
	m.mu.Lock()
	m.resolutions[outcome]++
	m.mu.Unlock()
}

func (m *recordingMetrics) PermissionCheck(granted bool) {
	m.mu.Lock()
	m.checks[granted]++
	m.mu.Unlock()
}

func (m *recordingMetrics) SessionOpened() {
	m.mu.Lock()
	m.sessions++
	m.mu.Unlock()
}

func (m *recordingMetrics) SessionClosed() {
	m.mu.Lock()
	m.sessions--
	m.mu.Unlock()
}

func (m *recordingMetrics) ChangeEvent(op string) {
	m.mu.Lock()
	m.changes[op]++
	m.mu.Unlock()
}

func (m *recordingMetrics) count(f func(*recordingMetrics) int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return f(m)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
