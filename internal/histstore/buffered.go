package histstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/mdregistry/internal/model"
)

// BufferedConfig holds configuration for a Buffered store.
type BufferedConfig struct {
	BufferSize     int           // Pending values that trigger an early flush
	FlushInterval  time.Duration // Periodic flush
	RetryBaseDelay time.Duration // First retry backoff
	RetryMaxDelay  time.Duration // Backoff cap
}

// DefaultBufferedConfig returns sensible defaults.
func DefaultBufferedConfig() BufferedConfig {
	return BufferedConfig{
		BufferSize:     1000,
		FlushInterval:  time.Second,
		RetryBaseDelay: 100 * time.Millisecond,
		RetryMaxDelay:  10 * time.Second,
	}
}

// BufferedStats holds write-path counters.
type BufferedStats struct {
	Buffered int64 // Values accepted by Store
	Flushed  int64 // Values written to the durable store
	Flushes  int64
	Retries  int64
	Dropped  int64 // Values lost to permanent failures
	Pending  int   // Values not yet durable
}

// Buffered wraps a durable store with an in-memory write buffer flushed in
// the background. Store never waits on the durable store. Load merges the
// durable result with values that have not been flushed yet.
type Buffered[T any] struct {
	cfg    BufferedConfig
	store  DataStore[T]
	logger *slog.Logger

	mu       sync.Mutex
	pending  []model.Sequenced[T]
	flushing []model.Sequenced[T] // Batch currently being written
	closed   bool
	err      error // Unrecoverable flush failures, reported by Close
	stats    BufferedStats

	flushReq chan struct{}
	stop     chan struct{}
	done     chan struct{}

	// abort cancels in-flight durable writes when Close gives up.
	abortCtx context.Context
	abort    context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// NewBuffered wraps store and starts the background flusher.
func NewBuffered[T any](store DataStore[T], cfg BufferedConfig, logger *slog.Logger) *Buffered[T] {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultBufferedConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaults.BufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaults.RetryBaseDelay
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = cfg.RetryBaseDelay
	}

	b := &Buffered[T]{
		cfg:      cfg,
		store:    store,
		logger:   logger,
		pending:  make([]model.Sequenced[T], 0, cfg.BufferSize),
		flushReq: make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	b.abortCtx, b.abort = context.WithCancel(context.Background())

	go b.flushLoop()
	return b
}

// Store buffers values and returns immediately.
func (b *Buffered[T]) Store(ctx context.Context, values ...model.Sequenced[T]) error {
	if len(values) == 0 {
		return nil
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.pending = append(b.pending, values...)
	b.stats.Buffered += int64(len(values))
	shouldFlush := len(b.pending) >= b.cfg.BufferSize
	b.mu.Unlock()

	if shouldFlush {
		select {
		case b.flushReq <- struct{}{}:
		default:
		}
	}
	return nil
}

// Load returns durable values merged with unflushed ones.
func (b *Buffered[T]) Load(ctx context.Context, q Query[T]) ([]model.Sequenced[T], error) {
	// Snapshot the buffers before reading the durable store. A value flushed
	// in between is then seen twice and deduplicated, never missed.
	b.mu.Lock()
	var buffered []model.Sequenced[T]
	for _, v := range b.flushing {
		if q.Matches(v) {
			buffered, _ = insertSorted(buffered, v)
		}
	}
	for _, v := range b.pending {
		if q.Matches(v) {
			buffered, _ = insertSorted(buffered, v)
		}
	}
	b.mu.Unlock()

	durable, err := b.store.Load(ctx, q)
	if err != nil {
		return nil, err
	}
	return ApplyLimit(mergeSequenced(durable, buffered), q.Limit), nil
}

// Close stops accepting writes, flushes everything pending and closes the
// wrapped store. If ctx expires first, the remaining values are abandoned
// and the context error is returned.
func (b *Buffered[T]) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		close(b.stop)

		select {
		case <-b.done:
		case <-ctx.Done():
			b.abort()
			<-b.done
			b.mu.Lock()
			lost := len(b.pending) + len(b.flushing)
			b.mu.Unlock()
			b.logger.Error("buffered store close timed out", "pending", lost)
			b.closeErr = fmt.Errorf("close buffered store: %d values not flushed: %w", lost, ctx.Err())
			return
		}
		b.abort()

		b.mu.Lock()
		flushErr := b.err
		b.mu.Unlock()
		b.closeErr = errors.Join(flushErr, b.store.Close(ctx))
	})
	return b.closeErr
}

// Stats returns current counters.
func (b *Buffered[T]) Stats() BufferedStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Pending = len(b.pending) + len(b.flushing)
	return s
}

// flushLoop flushes on the interval, on size-threshold requests, and drains
// on stop.
func (b *Buffered[T]) flushLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			b.drain()
			return
		case <-ticker.C:
			b.flush()
		case <-b.flushReq:
			b.flush()
		}
	}
}

// drain flushes until nothing is pending or the store is aborted. Values
// that fail permanently are dropped and draining continues.
func (b *Buffered[T]) drain() {
	for {
		b.mu.Lock()
		empty := len(b.pending) == 0
		b.mu.Unlock()
		if empty {
			return
		}
		if !b.flush() && b.abortCtx.Err() != nil {
			return
		}
	}
}

// flush writes the pending batch, retrying with exponential backoff until it
// is written or the store is aborted. A permanent failure splits the batch in
// halves so that only values that fail on their own are dropped. Returns
// false if the store was aborted before the batch was written.
func (b *Buffered[T]) flush() bool {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return true
	}
	batch := b.pending
	b.flushing = batch
	b.pending = make([]model.Sequenced[T], 0, b.cfg.BufferSize)
	b.mu.Unlock()

	start := time.Now()
	chunks := [][]model.Sequenced[T]{batch}
	written, dropped := 0, 0
	delay := b.cfg.RetryBaseDelay
	for attempt := 1; len(chunks) > 0; attempt++ {
		chunk := chunks[0]
		err := b.store.Store(b.abortCtx, chunk...)
		if err == nil {
			chunks = chunks[1:]
			written += len(chunk)
			delay = b.cfg.RetryBaseDelay
			continue
		}

		if errors.Is(err, ErrPermanent) && b.abortCtx.Err() == nil {
			chunks = chunks[1:]
			if len(chunk) > 1 {
				mid := len(chunk) / 2
				chunks = append([][]model.Sequenced[T]{chunk[:mid], chunk[mid:]}, chunks...)
				continue
			}
			dropped++
			b.mu.Lock()
			b.err = errors.Join(b.err, err)
			b.mu.Unlock()

			b.logger.Error("dropping value rejected by durable store",
				"error", err,
				"index", chunk[0].Index,
				"sequence", chunk[0].Sequence,
			)
			continue
		}

		if b.abortCtx.Err() != nil {
			b.abandon(written, dropped, chunks)
			return false
		}

		b.mu.Lock()
		b.stats.Retries++
		b.mu.Unlock()

		b.logger.Warn("flush failed, retrying",
			"error", err,
			"count", len(chunk),
			"attempt", attempt,
			"backoff", delay,
		)

		select {
		case <-time.After(delay):
		case <-b.abortCtx.Done():
			b.abandon(written, dropped, chunks)
			return false
		}

		delay *= 2
		if delay > b.cfg.RetryMaxDelay {
			delay = b.cfg.RetryMaxDelay
		}
	}

	b.mu.Lock()
	b.flushing = nil
	b.stats.Flushed += int64(written)
	b.stats.Dropped += int64(dropped)
	b.stats.Flushes++
	b.mu.Unlock()

	b.logger.Debug("flushed buffered values",
		"count", written,
		"dropped", dropped,
		"duration", time.Since(start),
	)
	return true
}

// abandon records an aborted flush, leaving the unwritten chunks as the
// flushing batch so Close can report them.
func (b *Buffered[T]) abandon(written, dropped int, chunks [][]model.Sequenced[T]) {
	var left []model.Sequenced[T]
	for _, c := range chunks {
		left = append(left, c...)
	}

	b.mu.Lock()
	b.flushing = left
	b.stats.Flushed += int64(written)
	b.stats.Dropped += int64(dropped)
	b.mu.Unlock()
}
