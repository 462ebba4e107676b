package session

import (
	"context"
	"sync"
)

// Manager owns the single live session. The realtime service runs one
// generation per client, so a second start while one is live is refused
// rather than queued.
type Manager struct {
	mu     sync.Mutex
	active *Session
}

func NewManager() *Manager {
	return &Manager{}
}

// Start normalizes p, creates a session, and begins the run. It fails with
// ErrSessionActive while a previous run is still live; once that run's Done
// channel closes the slot frees up again.
func (m *Manager) Start(ctx context.Context, cfg Config, p Params) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && !m.active.Finished() {
		return nil, ErrSessionActive
	}
	s := newSession(ctx, cfg, p)
	m.active = s
	s.begin()
	return s, nil
}

// Active returns the live session, or nil when none is running.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.Finished() {
		return nil
	}
	return m.active
}

// Stop requests a stop on the live session, if any.
func (m *Manager) Stop() {
	if s := m.Active(); s != nil {
		s.Stop()
	}
}
