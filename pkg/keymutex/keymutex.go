// Package keymutex provides an in-process mutex keyed by string.
package keymutex

import (
	"context"
	"sync"
)

// lease is the per-key state. The buffered channel of size one is the lock;
// waiters counts holders and waiters so idle keys can be evicted.
type lease struct {
	ch      chan struct{}
	waiters int
}

// Mutex serializes callers sharing a key. The zero value is not usable;
// create one with New.
type Mutex struct {
	mu     sync.Mutex
	leases map[string]*lease
}

// New creates an empty Mutex.
func New() *Mutex {
	return &Mutex{leases: make(map[string]*lease)}
}

// Lock blocks until key is free or ctx is done. The returned function
// releases the key and must be called exactly once.
func (m *Mutex) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	l, ok := m.leases[key]
	if !ok {
		l = &lease{ch: make(chan struct{}, 1)}
		m.leases[key] = l
	}
	l.waiters++
	m.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			m.release(key, l)
		})
	}, nil
}

// Len returns the number of keys currently held or waited on.
func (m *Mutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leases)
}

func (m *Mutex) release(key string, l *lease) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l.waiters--
	if l.waiters == 0 {
		delete(m.leases, key)
	}
}
