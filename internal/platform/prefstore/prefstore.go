// Package prefstore persists the last (establishment, role) pair each
// identity activated, so a new session can restore it without prompting.
package prefstore

import (
	"context"
	"sync"

	"github.com/ehr/rolecontext/internal/domain/assignment"
)

// Store is durable per-identity storage of one selection. Get reports
// ok=false when nothing is stored. Entries never expire.
type Store interface {
	Get(ctx context.Context, identity string) (key assignment.Key, ok bool, err error)
	Set(ctx context.Context, identity string, key assignment.Key) error
	Clear(ctx context.Context, identity string) error
}

// Memory is a process-local Store.
type Memory struct {
	mu    sync.RWMutex
	prefs map[string]assignment.Key
}

func NewMemory() *Memory {
	return &Memory{prefs: make(map[string]assignment.Key)}
}

func (m *Memory) Get(_ context.Context, identity string) (assignment.Key, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.prefs[identity]
	return k, ok, nil
}

func (m *Memory) Set(_ context.Context, identity string, key assignment.Key) error {
	m.mu.Lock()
	m.prefs[identity] = key
	m.mu.Unlock()
	return nil
}

func (m *Memory) Clear(_ context.Context, identity string) error {
	m.mu.Lock()
	delete(m.prefs, identity)
	m.mu.Unlock()
	return nil
}
