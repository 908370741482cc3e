package amqphub

import (
	"context"
	"sync"
)

// Shared reference-counts holders of a single *Scope so that all the links
// of one top-level client (a producer client, or a consumer client and its
// partition clients) multiplex one TCP connection and one CBS task.
type Shared struct {
	mu       sync.Mutex
	scope    *Scope
	refCount int
	opener   func() (*Scope, error)
}

// NewShared builds a Shared wrapper that lazily opens its Scope via opener
// the first time Acquire is called with no scope established yet.
func NewShared(opener func() (*Scope, error)) *Shared {
	return &Shared{opener: opener}
}

// Acquire returns the underlying scope, opening it if this is the first
// holder. Every successful Acquire must be matched by a Release.
func (s *Shared) Acquire() (*Scope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scope == nil {
		scope, err := s.opener()
		if err != nil {
			return nil, err
		}
		s.scope = scope
	}
	s.refCount++
	return s.scope, nil
}

// Release drops one reference; the scope is closed once the last holder
// releases it.
func (s *Shared) Release(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scope == nil {
		return nil
	}
	s.refCount--
	if s.refCount > 0 {
		return nil
	}
	scope := s.scope
	s.scope = nil
	return scope.Close(ctx)
}
