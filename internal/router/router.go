package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rickgao/mdregistry/internal/model"
)

// ErrUnknownSource is returned for a source that was never accepted or has
// been closed.
var ErrUnknownSource = errors.New("unknown source")

// Publisher receives decoded feed updates. service.Service implements it.
type Publisher interface {
	PublishBboQuote(ctx context.Context, ticker model.Ticker, q model.BboQuote, source model.SourceID) error
	PublishMarketQuote(ctx context.Context, ticker model.Ticker, q model.MarketQuote, source model.SourceID) error
	UpdateBookQuote(ctx context.Context, ticker model.Ticker, q model.BookQuote, source model.SourceID) error
	PublishTimeAndSale(ctx context.Context, ticker model.Ticker, t model.TimeAndSale, source model.SourceID) error
	PublishOrderImbalance(ctx context.Context, venue model.Venue, imb model.OrderImbalance, source model.SourceID) error

	// Clear withdraws every book quote source contributed.
	Clear(source model.SourceID)
}

// Router assigns source ids to feed connections and dispatches their
// messages to a Publisher.
type Router interface {
	// Accept registers a new feed connection and returns its source id.
	Accept() model.SourceID

	// Handle publishes msgs on behalf of source. A message that fails is
	// logged and skipped; the rest of the batch is still published.
	Handle(ctx context.Context, source model.SourceID, msgs []FeedMessage) error

	// HandleRaw decodes a frame and publishes it.
	HandleRaw(ctx context.Context, source model.SourceID, data []byte) error

	// Close unregisters source and withdraws its book quotes. Idempotent.
	Close(source model.SourceID)

	// Stats returns current router statistics.
	Stats() RouterStats
}

// RouterStats contains runtime statistics.
type RouterStats struct {
	SourcesAccepted  int64
	SourcesActive    int
	MessagesReceived int64
	MessagesRouted   int64
	ParseErrors      int64
	UnknownMessages  int64
	PublishErrors    int64
}

// router is the internal implementation.
type router struct {
	publisher Publisher
	logger    *slog.Logger

	mu      sync.RWMutex
	nextID  model.SourceID
	sources map[model.SourceID]struct{}

	// Stats
	accepted        int64
	received        int64
	routed          int64
	parseErrors     int64
	unknownMessages int64
	publishErrors   int64
}

// NewRouter creates a router publishing to p.
func NewRouter(p Publisher, logger *slog.Logger) Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &router{
		publisher: p,
		logger:    logger,
		sources:   make(map[model.SourceID]struct{}),
	}
}

// Accept implements Router.
func (r *router) Accept() model.SourceID {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.sources[id] = struct{}{}
	r.accepted++
	r.mu.Unlock()

	r.logger.Info("feed source accepted", "source_id", id)
	return id
}

// Close implements Router.
func (r *router) Close(source model.SourceID) {
	r.mu.Lock()
	_, ok := r.sources[source]
	delete(r.sources, source)
	r.mu.Unlock()

	if !ok {
		return
	}
	r.publisher.Clear(source)
	r.logger.Info("feed source closed", "source_id", source)
}

func (r *router) active(source model.SourceID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sources[source]
	return ok
}

// HandleRaw implements Router.
func (r *router) HandleRaw(ctx context.Context, source model.SourceID, data []byte) error {
	msgs, err := DecodeBatch(data)
	if err != nil {
		r.mu.Lock()
		if errors.Is(err, ErrUnknownMessage) {
			r.unknownMessages++
		} else {
			r.parseErrors++
		}
		r.mu.Unlock()
		r.logger.Warn("failed to decode feed frame",
			"source_id", source,
			"decoded", len(msgs),
			"error", err,
		)
	}
	if len(msgs) == 0 {
		return err
	}
	if herr := r.Handle(ctx, source, msgs); herr != nil {
		return herr
	}
	return err
}

// Handle implements Router.
func (r *router) Handle(ctx context.Context, source model.SourceID, msgs []FeedMessage) error {
	if !r.active(source) {
		return fmt.Errorf("%w: %d", ErrUnknownSource, source)
	}

	r.mu.Lock()
	r.received += int64(len(msgs))
	r.mu.Unlock()

	for _, msg := range msgs {
		if err := r.route(ctx, source, msg); err != nil {
			r.mu.Lock()
			if errors.Is(err, ErrUnknownMessage) {
				r.unknownMessages++
			} else {
				r.publishErrors++
			}
			r.mu.Unlock()
			r.logger.Warn("failed to publish feed message",
				"source_id", source,
				"type", fmt.Sprintf("%T", msg),
				"error", err,
			)
			continue
		}
		r.mu.Lock()
		r.routed++
		r.mu.Unlock()
	}
	return nil
}

// route publishes a single message. A panic in the publisher is reported as
// an error so one bad update cannot take down the feed connection.
func (r *router) route(ctx context.Context, source model.SourceID, msg FeedMessage) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("publish panicked: %v", p)
		}
	}()

	switch m := msg.(type) {
	case BboQuoteMessage:
		return r.publisher.PublishBboQuote(ctx, m.Ticker, m.Quote, source)
	case MarketQuoteMessage:
		return r.publisher.PublishMarketQuote(ctx, m.Ticker, m.Quote, source)
	case BookQuoteMessage:
		return r.publisher.UpdateBookQuote(ctx, m.Ticker, m.Quote, source)
	case TimeAndSaleMessage:
		return r.publisher.PublishTimeAndSale(ctx, m.Ticker, m.TimeAndSale, source)
	case OrderImbalanceMessage:
		return r.publisher.PublishOrderImbalance(ctx, m.Venue, m.Imbalance, source)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}
}

// Stats implements Router.
func (r *router) Stats() RouterStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return RouterStats{
		SourcesAccepted:  r.accepted,
		SourcesActive:    len(r.sources),
		MessagesReceived: r.received,
		MessagesRouted:   r.routed,
		ParseErrors:      r.parseErrors,
		UnknownMessages:  r.unknownMessages,
		PublishErrors:    r.publishErrors,
	}
}
