package histstore

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rickgao/mdregistry/internal/model"
)

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")

	// ErrPermanent marks a durable write failure that retrying cannot fix.
	ErrPermanent = errors.New("permanent store failure")
)

// DataStore persists and loads sequenced values of one market data type.
type DataStore[T any] interface {
	// Store persists values. Values already stored under the same
	// (index, sequence) are ignored.
	Store(ctx context.Context, values ...model.Sequenced[T]) error

	// Load returns matching values ordered by ascending sequence.
	Load(ctx context.Context, q Query[T]) ([]model.Sequenced[T], error)

	// Close flushes pending writes and releases resources.
	Close(ctx context.Context) error
}

// Range bounds a query by sequence and, optionally, by timestamp.
// A zero End means unbounded. Zero times are unbounded.
type Range struct {
	Start     model.Sequence
	End       model.Sequence
	StartTime time.Time
	EndTime   time.Time
}

// Live returns the range covering all history and every future value.
func Live() Range {
	return Range{Start: model.FirstSequence, End: model.LastSequence}
}

// SequenceRange returns the range [start, end].
func SequenceRange(start, end model.Sequence) Range {
	return Range{Start: start, End: end}
}

// Since returns the open-ended range starting at start.
func Since(start model.Sequence) Range {
	return Range{Start: start, End: model.LastSequence}
}

func (r Range) end() model.Sequence {
	if r.End == 0 {
		return model.LastSequence
	}
	return r.End
}

// IsOpenEnded reports whether the range has no upper bound.
func (r Range) IsOpenEnded() bool {
	return r.end() == model.LastSequence && r.EndTime.IsZero()
}

// Contains reports whether a value with the given sequence and timestamp
// falls inside the range.
func (r Range) Contains(seq model.Sequence, ts time.Time) bool {
	if seq < r.Start || seq > r.end() {
		return false
	}
	if !r.StartTime.IsZero() && ts.Before(r.StartTime) {
		return false
	}
	if !r.EndTime.IsZero() && ts.After(r.EndTime) {
		return false
	}
	return true
}

// LimitKind selects which end of a result a limit keeps.
type LimitKind int

const (
	Unlimited LimitKind = iota
	Head
	Tail
)

// SnapshotLimit caps the number of values a query returns.
type SnapshotLimit struct {
	Kind LimitKind
	Size int
}

// HeadLimit keeps the first n values.
func HeadLimit(n int) SnapshotLimit { return SnapshotLimit{Kind: Head, Size: n} }

// TailLimit keeps the last n values.
func TailLimit(n int) SnapshotLimit { return SnapshotLimit{Kind: Tail, Size: n} }

// Query selects values for one index.
type Query[T any] struct {
	Index  string
	Range  Range
	Limit  SnapshotLimit
	Filter func(T) bool // Optional
}

// Matches reports whether v satisfies the query, ignoring the limit.
func (q Query[T]) Matches(v model.Sequenced[T]) bool {
	if v.Index != q.Index {
		return false
	}
	if !q.Range.Contains(v.Sequence, v.Timestamp) {
		return false
	}
	return q.Filter == nil || q.Filter(v.Value)
}

// ApplyLimit trims values, which must be in ascending sequence order.
func ApplyLimit[T any](values []model.Sequenced[T], limit SnapshotLimit) []model.Sequenced[T] {
	if limit.Kind == Unlimited || limit.Size < 0 || len(values) <= limit.Size {
		return values
	}
	if limit.Kind == Head {
		return values[:limit.Size]
	}
	return values[len(values)-limit.Size:]
}

// selectMatching returns the values matching q, limited. values must be
// sorted by sequence.
func selectMatching[T any](values []model.Sequenced[T], q Query[T]) []model.Sequenced[T] {
	var out []model.Sequenced[T]
	for _, v := range values {
		if q.Matches(v) {
			out = append(out, v)
		}
	}
	return ApplyLimit(out, q.Limit)
}

// mergeSequenced merges two ascending slices, dropping duplicate sequences.
func mergeSequenced[T any](a, b []model.Sequenced[T]) []model.Sequenced[T] {
	if len(b) == 0 {
		return a
	}
	if len(a) == 0 {
		return b
	}
	out := make([]model.Sequenced[T], 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i].Sequence < b[j].Sequence:
			out = append(out, a[i])
			i++
		case a[i].Sequence > b[j].Sequence:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

// insertSorted inserts v into an ascending slice. Returns false if the
// sequence is already present.
func insertSorted[T any](values []model.Sequenced[T], v model.Sequenced[T]) ([]model.Sequenced[T], bool) {
	n := len(values)
	if n == 0 || values[n-1].Sequence < v.Sequence {
		return append(values, v), true
	}
	i := sort.Search(n, func(i int) bool { return values[i].Sequence >= v.Sequence })
	if i < n && values[i].Sequence == v.Sequence {
		return values, false
	}
	values = append(values, model.Sequenced[T]{})
	copy(values[i+1:], values[i:])
	values[i] = v
	return values, true
}
