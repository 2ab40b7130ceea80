package histstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rickgao/mdregistry/internal/model"
)

var errUnavailable = errors.New("database unavailable")

var baseTime = time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC)

func tas(index string, seq model.Sequence, price string) model.Sequenced[model.TimeAndSale] {
	ts := baseTime.Add(time.Duration(seq) * time.Second)
	return model.Sequenced[model.TimeAndSale]{
		Value: model.TimeAndSale{
			Timestamp: ts,
			Price:     model.NewMoney(price),
			Size:      100,
			Venue:     "TSX",
		},
		Index:     index,
		Sequence:  seq,
		Timestamp: ts,
	}
}

func sequences[T any](values []model.Sequenced[T]) []model.Sequence {
	out := make([]model.Sequence, len(values))
	for i, v := range values {
		out[i] = v.Sequence
	}
	return out
}

func equalSequences(got []model.Sequence, want ...model.Sequence) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// flakyStore wraps a Local store, failing the first failures writes and
// counting loads. Writes containing the reject sequence fail permanently.
type flakyStore[T any] struct {
	*Local[T]

	mu       sync.Mutex
	failures int
	failWith error
	attempts int
	loads    int
	reject   model.Sequence
	gate     chan struct{} // If set, Store waits for it
}

func newFlakyStore[T any](failures int) *flakyStore[T] {
	return &flakyStore[T]{Local: NewLocal[T](), failures: failures, failWith: errUnavailable}
}

func (s *flakyStore[T]) Store(ctx context.Context, values ...model.Sequenced[T]) error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	s.attempts++
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return s.failWith
	}
	s.mu.Unlock()
	for _, v := range values {
		if s.reject != 0 && v.Sequence == s.reject {
			return fmt.Errorf("%w: sequence %d rejected", ErrPermanent, v.Sequence)
		}
	}
	return s.Local.Store(ctx, values...)
}

func (s *flakyStore[T]) Load(ctx context.Context, q Query[T]) ([]model.Sequenced[T], error) {
	s.mu.Lock()
	s.loads++
	s.mu.Unlock()
	return s.Local.Load(ctx, q)
}

func (s *flakyStore[T]) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *flakyStore[T]) Loads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}
