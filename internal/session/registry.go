package session

import (
	"context"
	"fmt"
	"sync"

	"tourvision/sync/internal/protocol"
)

// Registry maps document names to live sessions. Sessions are created
// on first access, hydrating from the store's load hook; sessions for
// different names are fully independent.
type Registry struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(opts Options) *Registry {
	if opts.DebounceWait <= 0 {
		opts.DebounceWait = defaultDebounceWait
	}
	if opts.DebounceMaxWait <= 0 {
		opts.DebounceMaxWait = defaultDebounceMaxWait
	}
	if opts.FrameLimit <= 0 {
		opts.FrameLimit = protocol.DefaultFrameLimit
	}
	return &Registry{
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// Get returns the session for a document name, creating it on first
// access.
func (r *Registry) Get(ctx context.Context, name string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[name]; ok {
		return s, nil
	}
	state, err := r.opts.Store.LoadState(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load document %q: %w", name, err)
	}
	s, err := newSession(name, state, r.opts)
	if err != nil {
		return nil, fmt.Errorf("hydrate document %q: %w", name, err)
	}
	r.sessions[name] = s
	return s, nil
}

// Evict closes and drops one session. The next access rehydrates from
// storage.
func (r *Registry) Evict(name string) {
	r.mu.Lock()
	s := r.sessions[name]
	delete(r.sessions, name)
	r.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

// CloseAll shuts every session down, flushing pending saves.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}
