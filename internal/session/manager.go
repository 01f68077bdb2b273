package session

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrSessionNotFound is returned for unknown session ids
var ErrSessionNotFound = errors.New("session not found")

// SourceFactory builds the location source of a new session. The push flag
// tells whether the client intends to push samples itself.
type SourceFactory func(owner string, push bool) (Deps, error)

// Manager keeps the live sessions of the service
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	cfg      Config
	deps     SourceFactory
}

// NewManager creates a manager building sessions with cfg and the
// collaborators returned by deps
func NewManager(cfg Config, deps SourceFactory) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		cfg:      cfg,
		deps:     deps,
	}
}

// Create builds and registers a new, not yet started session
func (m *Manager) Create(owner string, push bool) (*Session, error) {
	deps, err := m.deps(owner, push)
	if err != nil {
		return nil, err
	}

	s := New(uuid.New().String(), owner, m.cfg, deps)
	s.release = func() { m.forget(s) }

	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	log.Info().
		Str("session_id", s.ID()).
		Str("owner", owner).
		Bool("push", push).
		Msg("Session created")

	return s, nil
}

// Get returns a registered session
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Stop stops and forgets a session
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	s.Stop()
	return nil
}

// forget drops a session that ended on its own, such as after a
// permission denial
func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessions[s.ID()] == s {
		delete(m.sessions, s.ID())
		log.Info().Str("session_id", s.ID()).Msg("Session released")
	}
}

// List returns the ids of registered sessions, sorted
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered sessions
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown stops every session
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, s := range sessions {
			s.Stop()
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info().Int("sessions", len(sessions)).Msg("All sessions stopped")
	case <-ctx.Done():
		log.Warn().Msg("Session shutdown timeout exceeded")
	}
}
