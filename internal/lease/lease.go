// Package lease provides per-entity exclusive leases so that only one step runs
// per simulation run and only one advance runs per suite run.
package lease

import (
	"context"
	"errors"
	"sync"
)

// ErrHeld is returned when the key is already leased.
var ErrHeld = errors.New("lease held")

// ReleaseFunc gives the lease back. It is safe to call more than once.
type ReleaseFunc func()

// Locker hands out non-blocking leases keyed by entity.
type Locker interface {
	Acquire(ctx context.Context, key string) (ReleaseFunc, error)
}

// Memory is an in-process Locker.
type Memory struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemory creates an in-process locker.
func NewMemory() *Memory {
	return &Memory{held: make(map[string]struct{})}
}

// Acquire takes the lease for key or returns ErrHeld.
func (m *Memory) Acquire(ctx context.Context, key string) (ReleaseFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[key]; ok {
		return nil, ErrHeld
	}
	m.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.held, key)
			m.mu.Unlock()
		})
	}, nil
}

// Held reports whether key is currently leased.
func (m *Memory) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[key]
	return ok
}
