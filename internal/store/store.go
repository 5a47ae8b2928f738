// Package store provides the persistence hooks consumed by the session
// layer: durable document state keyed by session name, plus an
// object-storage archive for named snapshots. The sync path never
// blocks on any of these; saves are debounced and best-effort.
package store

import (
	"context"
	"sync"
)

// DocumentStore is the load/save contract the session layer calls.
// LoadState runs once when a session is first opened; SaveState runs on
// the debounce cycle and at shutdown.
type DocumentStore interface {
	// LoadState returns the last saved state for a document, or nil
	// when nothing has been saved yet.
	LoadState(ctx context.Context, name string) ([]byte, error)
	SaveState(ctx context.Context, name string, state []byte) error
	Ping(ctx context.Context) error
}

// Memory is an in-process DocumentStore. It backs tests and
// single-node deployments that can afford to lose state on restart.
type Memory struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[string][]byte)}
}

func (m *Memory) LoadState(_ context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.docs[name]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), state...), nil
}

func (m *Memory) SaveState(_ context.Context, name string, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[name] = append([]byte(nil), state...)
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }
