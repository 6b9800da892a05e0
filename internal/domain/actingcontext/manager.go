package actingcontext

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/rolecontext/internal/domain/capability"
)

// Manager owns one Session per logged-in identity.
type Manager struct {
	cfg         Config
	idleTimeout time.Duration
	logger      zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates sessions from cfg. Sessions unused for idleTimeout are
// closed by Run; zero disables reaping.
func NewManager(cfg Config, idleTimeout time.Duration) *Manager {
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	return &Manager{
		cfg:         cfg,
		idleTimeout: idleTimeout,
		logger:      cfg.Logger.With().Str("component", "session_manager").Logger(),
		sessions:    make(map[string]*Session),
	}
}

// Login starts, or restarts, the session of identity.
func (m *Manager) Login(ctx context.Context, identity string) (*Snapshot, error) {
	return m.open(identity).Start(ctx)
}

func (m *Manager) open(identity string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[identity]; ok {
		return s
	}
	s := NewSession(identity, m.cfg)
	m.sessions[identity] = s
	m.cfg.Metrics.SessionOpened()
	m.logger.Debug().Str("identity", identity).Msg("session opened")
	return s
}

// Session returns the live session of identity.
func (m *Manager) Session(identity string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[identity]
	if !ok {
		return nil, ErrUnknownSession
	}
	return s, nil
}

// Logout deactivates and closes the session of identity.
func (m *Manager) Logout(ctx context.Context, identity string) error {
	s, err := m.Session(identity)
	if err != nil {
		return err
	}
	err = s.Logout(ctx)
	m.remove(identity, s)
	return err
}

func (m *Manager) remove(identity string, s *Session) {
	m.mu.Lock()
	if m.sessions[identity] != s {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, identity)
	m.mu.Unlock()

	s.Close()
	m.cfg.Metrics.SessionClosed()
	m.logger.Debug().Str("identity", identity).Msg("session closed")
}

// CheckCapabilities reports whether the active context of identity grants
// every capability in caps, and the establishment that context is bound to.
// Both answers come from the same snapshot.
func (m *Manager) CheckCapabilities(identity string, caps ...capability.Capability) (uuid.UUID, bool) {
	s, err := m.Session(identity)
	if err != nil {
		return uuid.Nil, false
	}
	return s.Store().Check(caps...)
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Run reaps idle sessions until ctx is cancelled, then closes every
// session.
func (m *Manager) Run(ctx context.Context) {
	defer m.Close()
	if m.idleTimeout <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(m.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.reap(now)
		}
	}
}

func (m *Manager) reap(now time.Time) int {
	type idle struct {
		identity string
		s        *Session
	}
	var stale []idle
	m.mu.Lock()
	for id, s := range m.sessions {
		if now.Sub(s.LastUsed()) >= m.idleTimeout {
			stale = append(stale, idle{id, s})
		}
	}
	m.mu.Unlock()

	for _, it := range stale {
		m.remove(it.identity, it.s)
	}
	if len(stale) > 0 {
		m.logger.Info().Int("count", len(stale)).Msg("reaped idle sessions")
	}
	return len(stale)
}

// Close closes every session.
func (m *Manager) Close() {
	m.mu.Lock()
	all := make(map[string]*Session, len(m.sessions))
	for id, s := range m.sessions {
		all[id] = s
	}
	m.mu.Unlock()
	for id, s := range all {
		m.remove(id, s)
	}
}
