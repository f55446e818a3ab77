package sessions

import (
	"context"
	"sync"
)

// SessionLockManager serializes writers of the same session. Turns for one
// session run one at a time so a later turn sees the earlier one's messages.
//
// Thread Safety:
// SessionLockManager is safe for concurrent use.
type SessionLockManager struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	ch   chan struct{}
	refs int
}

// NewSessionLockManager creates a new session lock manager.
func NewSessionLockManager() *SessionLockManager {
	return &SessionLockManager{locks: make(map[string]*sessionLock)}
}

// Acquire blocks until the lock for key is held or ctx ends. The returned
// release function must be called exactly once.
func (m *SessionLockManager) Acquire(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &sessionLock{ch: make(chan struct{}, 1)}
		m.locks[key] = lock
	}
	lock.refs++
	m.mu.Unlock()

	select {
	case lock.ch <- struct{}{}:
	case <-ctx.Done():
		m.unref(key, lock)
		return nil, ctx.Err()
	}

	return m.releaser(key, lock), nil
}

// IsLocked reports whether key is currently held.
func (m *SessionLockManager) IsLocked(key string) bool {
	m.mu.Lock()
	lock, ok := m.locks[key]
	m.mu.Unlock()
	return ok && len(lock.ch) == 1
}

func (m *SessionLockManager) releaser(key string, lock *sessionLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-lock.ch
			m.unref(key, lock)
		})
	}
}

func (m *SessionLockManager) unref(key string, lock *sessionLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(m.locks, key)
	}
}
