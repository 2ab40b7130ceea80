package histstore

import (
	"context"
	"sync"

	"github.com/rickgao/mdregistry/internal/model"
)

// Local is an in-memory DataStore. It backs the "memory" database driver
// and tests.
type Local[T any] struct {
	mu      sync.RWMutex
	indexes map[string][]model.Sequenced[T]
	closed  bool
}

// NewLocal creates an empty in-memory store.
func NewLocal[T any]() *Local[T] {
	return &Local[T]{indexes: make(map[string][]model.Sequenced[T])}
}

// Store implements DataStore.
func (s *Local[T]) Store(ctx context.Context, values ...model.Sequenced[T]) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	for _, v := range values {
		s.indexes[v.Index], _ = insertSorted(s.indexes[v.Index], v)
	}
	return nil
}

// Load implements DataStore.
func (s *Local[T]) Load(ctx context.Context, q Query[T]) ([]model.Sequenced[T], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	return selectMatching(s.indexes[q.Index], q), nil
}

// Close implements DataStore.
func (s *Local[T]) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Len returns the number of stored values across all indexes.
func (s *Local[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, values := range s.indexes {
		n += len(values)
	}
	return n
}
