package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/loom/internal/store"
	"github.com/nextlevelbuilder/loom/pkg/protocol"
)

// Manager caches open sessions and routes permission answers from the
// gateway to the session holding the matching pending request.
type Manager struct {
	deps Deps

	mu   sync.Mutex
	open map[string]*Session
}

// NewManager builds an empty session manager.
func NewManager(deps Deps) *Manager {
	return &Manager{deps: deps, open: make(map[string]*Session)}
}

// Open returns the cached session for id, loading or creating it on
// first use. An empty id always creates a fresh session.
func (m *Manager) Open(ctx context.Context, id string) (*Session, error) {
	if id != "" {
		m.mu.Lock()
		if s, ok := m.open[id]; ok {
			m.mu.Unlock()
			return s, nil
		}
		m.mu.Unlock()
	}

	s, err := Open(ctx, id, m.deps)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.open[s.ID()]; ok {
		return existing, nil
	}
	m.open[s.ID()] = s
	return s, nil
}

// Get returns an already-open session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.open[id]
	return s, ok
}

// HandlePermissionResponse routes a permission answer to its session.
// Resuming can run tools and model calls, so gateway callers should
// invoke this off their read loop.
func (m *Manager) HandlePermissionResponse(ctx context.Context, resp protocol.PermissionResponse) (*Reply, error) {
	s, ok := m.Get(resp.SessionID)
	if !ok {
		return nil, fmt.Errorf("session %s is not open", resp.SessionID)
	}
	return s.HandlePermissionResponse(ctx, resp.RequestID, resp.Action)
}

// List returns every persisted session row.
func (m *Manager) List(ctx context.Context) ([]*store.Session, error) {
	return m.deps.Sessions.ListSessions(ctx)
}
