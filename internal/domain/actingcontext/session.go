package actingcontext

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/rolecontext/internal/domain/assignment"
	"github.com/ehr/rolecontext/internal/platform/hipaa"
	"github.com/ehr/rolecontext/internal/platform/prefstore"
	"github.com/ehr/rolecontext/internal/platform/websocket"
)

var (
	ErrNotStarted     = errors.New("actingcontext: session not started")
	ErrSuperseded     = errors.New("actingcontext: superseded by a newer request")
	ErrSessionClosed  = errors.New("actingcontext: session closed")
	ErrUnknownSession = errors.New("actingcontext: unknown session")
	ErrInvalidChoice  = errors.New("actingcontext: choice not available")
)

const defaultRetryInterval = 2 * time.Second

// Resolver produces the eligible assignments of an identity.
// *assignment.Resolver implements it.
type Resolver interface {
	Resolve(ctx context.Context, identity string) (*assignment.Resolution, error)
}

// Config carries the collaborators of a Session. Resolver is required.
type Config struct {
	Resolver    Resolver
	Preferences prefstore.Store
	Feed        assignment.Feed
	Auditor     Auditor
	Metrics     Metrics
	// Publisher, if set, receives every published snapshot on the
	// identity's Topic.
	Publisher websocket.EventPublisher
	Logger    zerolog.Logger
	// RetryInterval spaces re-resolution attempts after a failed refresh.
	RetryInterval time.Duration
}

type opKind uint8

const (
	opStart opKind = iota
	opChooseEstablishment
	opChooseRole
	opSwitchEstablishment
	opSwitchRole
	opLogout
)

var opNames = [...]string{"start", "choose_establishment", "choose_role", "switch_establishment", "switch_role", "logout"}

func (k opKind) String() string { return opNames[k] }

type reply struct {
	snap *Snapshot
	err  error
}

type request struct {
	kind  opKind
	est   uuid.UUID
	role  assignment.Role
	ctx   context.Context
	reply chan reply
}

func (r *request) answer(snap *Snapshot, err error) {
	r.reply <- reply{snap: snap, err: err}
}

// read is one in-flight resolver call. req is nil for change-driven
// refreshes.
type read struct {
	seq    uint64
	req    *request
	cancel context.CancelFunc
}

type readResult struct {
	seq       uint64
	res       *assignment.Resolution
	preferred *assignment.Key
	err       error
	took      time.Duration
}

// Session is the acting context of one identity. All state changes run on
// a single goroutine in arrival order; exported methods block until their
// effect is published to the Store.
type Session struct {
	identity string
	cfg      Config
	store    *Store
	sel      *Selector

	requests chan *request
	notices  chan struct{}
	results  chan readResult
	closing  chan struct{}
	done     chan struct{}
	once     sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	lastUsed atomic.Int64

	// Owned by the loop goroutine.
	logger       zerolog.Logger
	seq          uint64
	inflight     *read
	refreshing   *read
	deferred     bool
	refreshAgain bool
	retry        *time.Timer
	expiry       *time.Timer
	version      uint64
	professional *assignment.Professional
	listener     *Listener
}

// NewSession starts the session goroutine. The session is Unresolved until
// Start succeeds.
func NewSession(identity string, cfg Config) *Session {
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.Auditor == nil {
		cfg.Auditor = nopAuditor{}
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	logger := cfg.Logger.With().Str("identity", identity).Logger()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		identity: identity,
		cfg:      cfg,
		store:    newStore(identity, cfg.Preferences, cfg.Metrics, logger),
		sel:      NewSelector(),
		requests: make(chan *request),
		notices:  make(chan struct{}, 1),
		results:  make(chan readResult),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}
	if cfg.Publisher != nil {
		s.store.Subscribe(s.publish)
	}
	s.touch()
	go s.run()
	return s
}

// EventContextChanged is the event type pushed on every published snapshot.
const EventContextChanged = "context.changed"

// Topic is the push topic carrying the snapshots of identity.
func Topic(identity string) string {
	return "context:" + identity
}

// SnapshotEvent wraps snap for push delivery.
func SnapshotEvent(identity, typ string, snap *Snapshot) (websocket.Event, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return websocket.Event{}, err
	}
	return websocket.Event{Type: typ, Topic: Topic(identity), Timestamp: time.Now().UTC(), Data: data}, nil
}

func (s *Session) publish(snap *Snapshot) {
	evt, err := SnapshotEvent(s.identity, EventContextChanged, snap)
	if err == nil {
		err = s.cfg.Publisher.Publish(s.ctx, evt)
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to push context change")
	}
}

func (s *Session) Identity() string { return s.identity }

// Store is the read side of the session: current context, subscriptions
// and capability checks.
func (s *Session) Store() *Store { return s.store }

// LastUsed is the time of the most recent API call.
func (s *Session) LastUsed() time.Time {
	return time.Unix(0, s.lastUsed.Load())
}

func (s *Session) touch() {
	s.lastUsed.Store(time.Now().UnixNano())
}

// Start resolves the identity's assignments and applies the restoration
// policy and cardinality rules. A resolution failure leaves the session
// Unresolved and wraps assignment.ErrResolutionFailed.
func (s *Session) Start(ctx context.Context) (*Snapshot, error) {
	return s.do(ctx, &request{kind: opStart})
}

func (s *Session) ChooseEstablishment(ctx context.Context, id uuid.UUID) (*Snapshot, error) {
	return s.do(ctx, &request{kind: opChooseEstablishment, est: id})
}

func (s *Session) ChooseRole(ctx context.Context, role assignment.Role) (*Snapshot, error) {
	return s.do(ctx, &request{kind: opChooseRole, role: role})
}

// SwitchEstablishment always lands in the establishment prompt.
func (s *Session) SwitchEstablishment(ctx context.Context) (*Snapshot, error) {
	return s.do(ctx, &request{kind: opSwitchEstablishment})
}

// SwitchRole moves to role within the active establishment. An empty role
// activates the only other role or prompts among several.
func (s *Session) SwitchRole(ctx context.Context, role assignment.Role) (*Snapshot, error) {
	return s.do(ctx, &request{kind: opSwitchRole, role: role})
}

// Logout drops the active context. The persisted selection is kept for the
// next session.
func (s *Session) Logout(ctx context.Context) error {
	_, err := s.do(ctx, &request{kind: opLogout})
	return err
}

// Refresh asks for a re-resolution, as a change notification does. It never
// blocks; bursts coalesce into one read.
func (s *Session) Refresh() {
	select {
	case s.notices <- struct{}{}:
	default:
	}
}

// Close stops the session and its change listener. Pending calls return
// ErrSessionClosed.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.closing)
	})
	<-s.done
}

func (s *Session) do(ctx context.Context, req *request) (*Snapshot, error) {
	s.touch()
	req.ctx = ctx
	req.reply = make(chan reply, 1)

	select {
	case s.requests <- req:
	case <-s.closing:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-req.reply:
		return r.snap, r.err
	case <-s.done:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case req := <-s.requests:
			s.handleRequest(req)
		case <-s.notices:
			s.handleNotice()
		case r := <-s.results:
			s.handleResult(r)
		case <-s.closing:
			s.shutdown()
			return
		}
	}
}

func (s *Session) handleRequest(req *request) {
	if req.kind == opLogout {
		s.supersede(ErrSuperseded)
		s.dropRefresh()
		s.apply(req.ctx, s.sel.Reset(), false)
		req.answer(s.store.Current(), nil)
		return
	}
	if req.kind != opStart && s.sel.State() == Unresolved {
		req.answer(s.store.Current(), ErrNotStarted)
		return
	}

	// A user request reads after everything pending, so it subsumes any
	// refresh and replaces any older request.
	s.supersede(ErrSuperseded)
	s.dropRefresh()
	s.inflight = s.startRead(req)
}

func (s *Session) handleNotice() {
	switch {
	case s.inflight != nil:
		s.deferred = true
	case s.refreshing != nil:
		s.refreshAgain = true
	case s.sel.State() == Unresolved:
	default:
		s.refreshing = s.startRead(nil)
	}
}

func (s *Session) handleResult(r readResult) {
	switch {
	case s.inflight != nil && s.inflight.seq == r.seq:
		rd := s.inflight
		s.inflight = nil
		rd.cancel()
		s.finishRequest(rd.req, r)
		if s.deferred {
			s.deferred = false
			s.handleNotice()
		}
	case s.refreshing != nil && s.refreshing.seq == r.seq:
		s.refreshing.cancel()
		s.refreshing = nil
		s.finishRefresh(r)
		if s.refreshAgain {
			s.refreshAgain = false
			s.handleNotice()
		}
	default:
		s.cfg.Metrics.Resolution("superseded", r.took)
		s.logger.Debug().Uint64("seq", r.seq).Msg("discarding superseded resolution")
	}
}

func (s *Session) finishRequest(req *request, r readResult) {
	if r.err != nil {
		s.cfg.Metrics.Resolution("failed", r.took)
		s.logger.Warn().Err(r.err).Str("op", req.kind.String()).Msg("resolution failed")
		req.answer(s.store.Current(), r.err)
		return
	}
	s.cfg.Metrics.Resolution("ok", r.took)
	s.observe(r.res)

	if req.kind == opStart {
		out := s.sel.Resolved(r.res.Assignments, r.preferred)
		err := s.apply(req.ctx, out, true)
		req.answer(s.store.Current(), err)
		return
	}

	// Reconcile with the fresh read first so the request is judged against
	// current eligibility.
	reconcile := s.sel.AssignmentsChanged(r.res.Assignments)
	err := s.apply(req.ctx, reconcile, false)

	var out Outcome
	switch req.kind {
	case opChooseEstablishment:
		out = s.sel.ChooseEstablishment(req.est)
	case opChooseRole:
		out = s.sel.ChooseRole(req.role)
	case opSwitchEstablishment:
		out = s.sel.SwitchEstablishment()
	case opSwitchRole:
		out = s.sel.SwitchRole(req.role)
	}
	if applyErr := s.apply(req.ctx, out, false); applyErr != nil {
		err = applyErr
	}
	if out.Rejected {
		err = fmt.Errorf("%w: %s in state %s", ErrInvalidChoice, req.kind, s.sel.State())
	}
	req.answer(s.store.Current(), err)
}

func (s *Session) finishRefresh(r readResult) {
	if r.err != nil {
		s.cfg.Metrics.Resolution("failed", r.took)
		s.logger.Warn().Err(r.err).Dur("retry_in", s.cfg.RetryInterval).
			Msg("refresh failed; keeping current context")
		s.scheduleRetry()
		return
	}
	s.cfg.Metrics.Resolution("ok", r.took)
	s.observe(r.res)
	if s.sel.State() == Unresolved {
		return
	}
	s.apply(s.ctx, s.sel.AssignmentsChanged(r.res.Assignments), false)
}

// apply publishes the selector state after a transition.
func (s *Session) apply(ctx context.Context, out Outcome, starting bool) error {
	defer s.armExpiry()
	for i := 1; i < len(out.Trail); i++ {
		s.cfg.Metrics.Transition(out.Trail[i-1].String(), out.Trail[i].String())
	}
	if !out.Changed {
		return nil
	}
	if out.Discarded != nil {
		s.logger.Warn().Str("discarded", out.Discarded.String()).Msg("discarding ineligible selection")
		if starting && s.cfg.Preferences != nil {
			if err := s.cfg.Preferences.Clear(ctx, s.identity); err != nil {
				s.logger.Warn().Err(err).Msg("failed to clear stale selection")
			}
		}
	}

	prev := s.store.Current()
	next := s.snapshot(out)
	s.audit(ctx, prev, next, out)

	s.logger.Info().
		Str("from", out.From.String()).
		Str("to", out.To.String()).
		Str("selection", string(next.Selection)).
		Uint64("version", next.Version).
		Msg("acting context changed")
	return s.store.replace(ctx, next)
}

func (s *Session) snapshot(out Outcome) *Snapshot {
	s.version++
	snap := &Snapshot{
		Version:   s.version,
		State:     s.sel.State(),
		Selection: s.sel.Selection(),
		Discarded: out.Discarded,
	}
	switch snap.State {
	case Active:
		a := s.sel.Active()
		d := assignment.Describe(a.Role)
		snap.Assignment = a
		snap.Role = &d
		snap.Permissions = Evaluate(a, s.logger)
	case AwaitingEstablishmentChoice:
		snap.Establishments = s.sel.Establishments()
		snap.Suggested = s.sel.Suggested()
	case AwaitingRoleChoice:
		est, _ := s.sel.PendingEstablishment()
		snap.PendingEstablishment = &est
		snap.Roles = s.sel.RoleOptions(est)
		snap.Suggested = s.sel.Suggested()
	}
	return snap
}

func (s *Session) audit(ctx context.Context, prev, next *Snapshot, out Outcome) {
	sameKey := prev.IsActive() && next.IsActive() && prev.Key() == next.Key()
	if sameKey {
		return
	}
	if prev.IsActive() {
		event := hipaa.EventDeactivated
		if out.Invalidated != nil {
			event = hipaa.EventInvalidated
		}
		s.record(ctx, event, prev)
	}
	if next.IsActive() {
		s.record(ctx, hipaa.EventActivated, next)
	}
}

func (s *Session) record(ctx context.Context, event string, snap *Snapshot) {
	est := snap.Assignment.EstablishmentID
	rec := &hipaa.ActivationRecord{
		Event:           event,
		IdentityID:      s.identity,
		EstablishmentID: &est,
		Role:            string(snap.Assignment.Role),
		Selection:       string(snap.Selection),
	}
	if s.professional != nil {
		id := s.professional.ID
		rec.ProfessionalID = &id
	}
	if err := s.cfg.Auditor.Record(ctx, rec); err != nil {
		s.logger.Error().Err(err).Str("event", event).Msg("failed to record activation audit")
	}
}

// observe tracks the professional behind the identity and keeps the change
// listener subscribed to it.
func (s *Session) observe(res *assignment.Resolution) {
	if res.Professional == nil {
		return
	}
	if s.professional == nil || s.professional.ID != res.Professional.ID {
		s.logger = s.logger.With().Str("professional_id", res.Professional.ID.String()).Logger()
	}
	s.professional = res.Professional
	if s.cfg.Feed == nil {
		return
	}
	if s.listener != nil && s.listener.ProfessionalID() == res.Professional.ID {
		return
	}
	if s.listener != nil {
		s.listener.Stop()
	}
	s.listener = StartListener(s.ctx, ListenerConfig{
		Feed:           s.cfg.Feed,
		ProfessionalID: res.Professional.ID,
		Notify:         s.Refresh,
		Metrics:        s.cfg.Metrics,
		Logger:         s.logger,
		RetryInterval:  s.cfg.RetryInterval,
	})
}

func (s *Session) startRead(req *request) *read {
	s.seq++
	ctx, cancel := context.WithCancel(s.ctx)
	preferences := false
	if req != nil {
		// The read also ends when the caller gives up.
		stop := context.AfterFunc(req.ctx, cancel)
		release := cancel
		cancel = func() {
			stop()
			release()
		}
		preferences = req.kind == opStart && s.cfg.Preferences != nil
	}
	seq := s.seq
	logger := s.logger

	go func() {
		start := time.Now()
		res, err := s.cfg.Resolver.Resolve(ctx, s.identity)
		if err == nil {
			res.Assignments = eligibleAt(res.Assignments, time.Now())
		}
		r := readResult{seq: seq, res: res, err: err}
		if err == nil && preferences {
			k, ok, perr := s.cfg.Preferences.Get(ctx, s.identity)
			switch {
			case perr != nil:
				logger.Warn().Err(perr).Msg("failed to load persisted selection")
			case ok:
				r.preferred = &k
			}
		}
		r.took = time.Since(start)
		select {
		case s.results <- r:
		case <-s.done:
		}
	}()
	return &read{seq: seq, req: req, cancel: cancel}
}

// supersede cancels the in-flight user request and answers it with err.
func (s *Session) supersede(err error) {
	if s.inflight == nil {
		return
	}
	s.inflight.cancel()
	s.inflight.req.answer(s.store.Current(), err)
	s.inflight = nil
}

func (s *Session) dropRefresh() {
	if s.refreshing != nil {
		s.refreshing.cancel()
		s.refreshing = nil
	}
	s.refreshAgain = false
	s.deferred = false
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}

func (s *Session) scheduleRetry() {
	if s.retry != nil {
		s.retry.Stop()
	}
	s.retry = time.AfterFunc(s.cfg.RetryInterval, s.Refresh)
}

// armExpiry schedules a refresh for the moment the active assignment's
// end date passes.
func (s *Session) armExpiry() {
	if s.expiry != nil {
		s.expiry.Stop()
		s.expiry = nil
	}
	if s.sel.State() != Active {
		return
	}
	if a := s.sel.Active(); a != nil && a.EndDate != nil {
		s.expiry = time.AfterFunc(time.Until(*a.EndDate), s.Refresh)
	}
}

func eligibleAt(rows []*assignment.Assignment, now time.Time) []*assignment.Assignment {
	out := rows[:0:0]
	for _, a := range rows {
		if a.Eligible(now) {
			out = append(out, a)
		}
	}
	return out
}

func (s *Session) shutdown() {
	s.supersede(ErrSessionClosed)
	s.dropRefresh()
	if s.expiry != nil {
		s.expiry.Stop()
	}
	if s.listener != nil {
		s.listener.Stop()
	}
	s.cancel()
}
