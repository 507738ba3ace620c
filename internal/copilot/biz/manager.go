package biz

import (
	"sync"

	"github.com/zenflow/copilot-stream/internal/copilot/stream"
	"github.com/zenflow/copilot-stream/internal/copilot/tools"
	"github.com/zenflow/copilot-stream/internal/pkg/logger"
	"github.com/zenflow/copilot-stream/internal/pkg/workerpool"
)

// Manager hands out one Session per conversation. Sessions share the tool
// registry, the chat backend and the executor pool; everything else is
// per-session state.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	registry tools.Registry
	backend  ChatBackend
	todos    stream.TodoMutator
	exec     *workerpool.Pool
	cfg      SessionConfig
	log      *logger.Logger
}

// NewManager creates the session manager
func NewManager(registry tools.Registry, backend ChatBackend, todos stream.TodoMutator, exec *workerpool.Pool, cfg SessionConfig, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.L()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		registry: registry,
		backend:  backend,
		todos:    todos,
		exec:     exec,
		cfg:      cfg,
		log:      log,
	}
}

// GetOrCreate returns the session for id, creating it on first use. An
// empty id allocates a fresh session.
func (m *Manager) GetOrCreate(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id != "" {
		if s, ok := m.sessions[id]; ok {
			return s
		}
	}
	s := NewSession(id, m.registry, m.backend, m.todos, m.exec, m.cfg, m.log)
	m.sessions[s.ID()] = s
	return s
}

// Get returns an existing session
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Remove closes and drops a session
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		s.Close()
	}
}

// Close shuts down every session
func (m *Manager) Close() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
}
