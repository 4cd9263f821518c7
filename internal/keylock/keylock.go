// Package keylock provides per-key mutual exclusion for in-process
// serialization of allocations (per site) and leases (per machine).
package keylock

import (
	"context"
	"sync"
)

// Map hands out one lock per key. Locks are created on first use and
// dropped when no goroutine holds or waits for them. The zero value is
// ready to use.
type Map struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

// Lock blocks until the lock for key is held or ctx is done. The returned
// func releases the lock and must be called exactly once.
func (m *Map) Lock(ctx context.Context, key string) (unlock func(), err error) {
	e := m.acquire(key)
	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(key, e)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			m.release(key, e)
		})
	}, nil
}

// Len reports how many keys currently have a lock allocated.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *Map) acquire(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks == nil {
		m.locks = make(map[string]*entry)
	}
	e, ok := m.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		m.locks[key] = e
	}
	e.refs++
	return e
}

func (m *Map) release(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
}
