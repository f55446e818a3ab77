package sessions

import (
	"context"
	"errors"
	"sync"

	"github.com/haasonsaas/parley/pkg/models"
)

// MemoryStore provides an in-memory Store implementation for testing and local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[Scope]map[string]*models.Session
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: map[Scope]map[string]*models.Session{},
	}
}

func (m *MemoryStore) List(ctx context.Context, scope Scope) ([]*models.SessionMeta, error) {
	scope, err := scope.Normalized()
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	metas := make([]*models.SessionMeta, 0, len(m.sessions[scope]))
	for _, s := range m.sessions[scope] {
		metas = append(metas, s.Meta())
	}
	sortMetas(metas)
	return metas, nil
}

func (m *MemoryStore) Load(ctx context.Context, scope Scope, id string) (*models.Session, error) {
	scope, err := scope.Normalized()
	if err != nil {
		return nil, err
	}
	if err := validateID(id); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[scope][id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Save(ctx context.Context, scope Scope, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	scope, err := scope.Normalized()
	if err != nil {
		return err
	}
	if err := validateID(session.ID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	part, ok := m.sessions[scope]
	if !ok {
		part = map[string]*models.Session{}
		m.sessions[scope] = part
	}
	part[session.ID] = session.Clone()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, scope Scope, id string) (bool, error) {
	scope, err := scope.Normalized()
	if err != nil {
		return false, err
	}
	if err := validateID(id); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[scope][id]; !ok {
		return false, nil
	}
	delete(m.sessions[scope], id)
	return true, nil
}
