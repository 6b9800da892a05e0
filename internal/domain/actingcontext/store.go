package actingcontext

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/rolecontext/internal/domain/capability"
	"github.com/ehr/rolecontext/internal/platform/prefstore"
)

// ErrPreferenceNotPersisted is returned alongside a successfully published
// context whose selection could not be written to the preference store.
var ErrPreferenceNotPersisted = errors.New("actingcontext: selection not persisted")

// Store holds the published context of one session. Reads are lock-free
// and always observe a whole Snapshot. Only the owning Session replaces it.
type Store struct {
	identity string
	current  atomic.Pointer[Snapshot]
	prefs    prefstore.Store
	metrics  Metrics
	logger   zerolog.Logger

	mu     sync.Mutex
	subs   map[int]func(*Snapshot)
	nextID int
}

func newStore(identity string, prefs prefstore.Store, metrics Metrics, logger zerolog.Logger) *Store {
	s := &Store{
		identity: identity,
		prefs:    prefs,
		metrics:  metrics,
		logger:   logger,
		subs:     make(map[int]func(*Snapshot)),
	}
	s.current.Store(emptySnapshot)
	return s
}

// Current returns the published snapshot. It is never nil.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Subscribe registers fn for every future replacement. fn runs on the
// session goroutine and must not block. The returned function removes it.
func (s *Store) Subscribe(fn func(*Snapshot)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// HasPermission checks c against the active context. Without an active
// context everything is denied.
func (s *Store) HasPermission(c capability.Capability) bool {
	snap := s.Current()
	granted := snap.IsActive() && snap.Permissions.Has(c)
	s.metrics.PermissionCheck(granted)
	return granted
}

// Check reports whether one snapshot of the active context grants every
// capability in caps, and returns the establishment of that same snapshot.
func (s *Store) Check(caps ...capability.Capability) (uuid.UUID, bool) {
	snap := s.Current()
	granted := snap.IsActive() && len(caps) > 0
	for _, c := range caps {
		if !granted {
			break
		}
		granted = snap.Permissions.Has(c)
	}
	s.metrics.PermissionCheck(granted)
	if !granted {
		return uuid.Nil, false
	}
	return snap.Key().EstablishmentID, true
}

// HasPermissionToken checks a raw token. Unknown tokens are denied unless
// the active context holds the wildcard.
func (s *Store) HasPermissionToken(token string) bool {
	snap := s.Current()
	granted := snap.IsActive() && snap.Permissions.HasToken(token)
	s.metrics.PermissionCheck(granted)
	return granted
}

// replace publishes next and notifies subscribers. Replacing with the
// current pointer does nothing. An active next is persisted as the
// identity's preferred selection; the snapshot is published even when
// persisting fails.
func (s *Store) replace(ctx context.Context, next *Snapshot) error {
	if s.current.Load() == next {
		return nil
	}
	s.current.Store(next)

	s.mu.Lock()
	subs := make([]func(*Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(next)
	}

	if !next.IsActive() || s.prefs == nil {
		return nil
	}
	if err := s.prefs.Set(ctx, s.identity, next.Key()); err != nil {
		s.logger.Warn().Err(err).Str("selection", next.Key().String()).Msg("failed to persist selection")
		return fmt.Errorf("%w: %w", ErrPreferenceNotPersisted, err)
	}
	return nil
}

func (s *Store) subscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
