package histstore

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rickgao/mdregistry/internal/model"
)

// SessionCachedConfig holds configuration for a SessionCached store.
type SessionCachedConfig struct {
	BlockSize int // Values kept per cached index
	MaxBlocks int // Cached indexes before FIFO eviction
}

// DefaultSessionCachedConfig returns sensible defaults.
func DefaultSessionCachedConfig() SessionCachedConfig {
	return SessionCachedConfig{
		BlockSize: 1000,
		MaxBlocks: 512,
	}
}

// CacheStats holds read-path counters.
type CacheStats struct {
	Hits      int64
	Misses    int64
	Backfills int64
	Evictions int64
	Blocks    int
}

// block holds every stored value of one index with sequence >= from.
type block[T any] struct {
	from   model.Sequence
	values []model.Sequenced[T]
}

// covers reports whether q can be answered from the block alone.
func (b *block[T]) covers(q Query[T]) bool {
	if b.from <= model.FirstSequence {
		return true
	}
	if q.Range.Start >= b.from {
		return true
	}
	// The block is a suffix, so the last n matches are all inside it once
	// it holds n of them.
	if q.Limit.Kind == Tail && q.Limit.Size > 0 && q.Range.IsOpenEnded() {
		n := 0
		for i := len(b.values) - 1; i >= 0; i-- {
			if q.Matches(b.values[i]) {
				n++
				if n >= q.Limit.Size {
					return true
				}
			}
		}
	}
	return false
}

// SessionCached wraps a store with a bounded in-memory read cache. Each
// cached index owns one block. Blocks are evicted in insertion order once
// MaxBlocks is exceeded.
type SessionCached[T any] struct {
	cfg    SessionCachedConfig
	store  DataStore[T]
	logger *slog.Logger

	mu     sync.Mutex
	blocks map[string]*block[T]
	order  []string          // Block insertion order, oldest first
	epochs map[string]uint64 // Writes seen per index
	stats  CacheStats
}

// NewSessionCached wraps store with a read cache.
func NewSessionCached[T any](store DataStore[T], cfg SessionCachedConfig, logger *slog.Logger) *SessionCached[T] {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultSessionCachedConfig()
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = defaults.BlockSize
	}
	if cfg.MaxBlocks <= 0 {
		cfg.MaxBlocks = defaults.MaxBlocks
	}
	return &SessionCached[T]{
		cfg:    cfg,
		store:  store,
		logger: logger,
		blocks: make(map[string]*block[T]),
		epochs: make(map[string]uint64),
	}
}

// Store writes through to the wrapped store, then appends to cached blocks.
func (c *SessionCached[T]) Store(ctx context.Context, values ...model.Sequenced[T]) error {
	if err := c.store.Store(ctx, values...); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, v := range values {
		c.epochs[v.Index]++
		b, ok := c.blocks[v.Index]
		if !ok || v.Sequence < b.from {
			continue
		}
		b.values, _ = insertSorted(b.values, v)
		c.trim(b)
	}
	return nil
}

// Load serves covered queries from memory and falls through otherwise.
func (c *SessionCached[T]) Load(ctx context.Context, q Query[T]) ([]model.Sequenced[T], error) {
	c.mu.Lock()
	if b, ok := c.blocks[q.Index]; ok && b.covers(q) {
		result := selectMatching(b.values, q)
		c.stats.Hits++
		c.mu.Unlock()
		return result, nil
	}
	epoch := c.epochs[q.Index]
	c.stats.Misses++
	c.mu.Unlock()

	values, err := c.store.Load(ctx, q)
	if err != nil {
		return nil, err
	}

	from, ok := backfillStart(q, values)
	if !ok {
		return values, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// A write landed while loading; the result may already be stale.
	if c.epochs[q.Index] != epoch {
		return values, nil
	}
	if existing, ok := c.blocks[q.Index]; ok && existing.from <= from {
		return values, nil
	}

	b := &block[T]{from: from, values: append([]model.Sequenced[T](nil), values...)}
	c.trim(b)
	c.insert(q.Index, b)
	c.stats.Backfills++
	return values, nil
}

// Close closes the wrapped store, flushing it, then drops the cache.
func (c *SessionCached[T]) Close(ctx context.Context) error {
	err := c.store.Close(ctx)

	c.mu.Lock()
	c.blocks = make(map[string]*block[T])
	c.order = nil
	c.mu.Unlock()

	return err
}

// Stats returns current counters.
func (c *SessionCached[T]) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Blocks = len(c.blocks)
	return s
}

// backfillStart returns the block start for a loaded result when the result
// is a complete suffix of the index.
func backfillStart[T any](q Query[T], values []model.Sequenced[T]) (model.Sequence, bool) {
	if q.Filter != nil || !q.Range.IsOpenEnded() || !q.Range.StartTime.IsZero() {
		return 0, false
	}
	from := q.Range.Start
	if from < model.FirstSequence {
		from = model.FirstSequence
	}
	switch q.Limit.Kind {
	case Unlimited:
		return from, true
	case Tail:
		if q.Limit.Size <= 0 {
			return 0, false
		}
		if len(values) >= q.Limit.Size {
			return values[0].Sequence, true
		}
		return from, true
	default:
		return 0, false
	}
}

// trim keeps at most BlockSize values, raising the block start.
func (c *SessionCached[T]) trim(b *block[T]) {
	if excess := len(b.values) - c.cfg.BlockSize; excess > 0 {
		b.values = append([]model.Sequenced[T](nil), b.values[excess:]...)
		b.from = b.values[0].Sequence
	}
}

// insert adds or replaces a block and evicts the oldest beyond MaxBlocks.
func (c *SessionCached[T]) insert(index string, b *block[T]) {
	if _, ok := c.blocks[index]; ok {
		for i, name := range c.order {
			if name == index {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	}
	c.blocks[index] = b
	c.order = append(c.order, index)

	for len(c.order) > c.cfg.MaxBlocks {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.blocks, oldest)
		c.stats.Evictions++
		c.logger.Debug("evicted cache block", "index", oldest)
	}
}
