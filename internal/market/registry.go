package market

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rickgao/mdregistry/internal/histstore"
	"github.com/rickgao/mdregistry/internal/model"
)

// HistoryLoader supplies the state a new entry continues from.
// *histstore.HistoricalDataStore implements it.
type HistoryLoader interface {
	LoadTickerSequences(ctx context.Context, ticker model.Ticker) (histstore.TickerSequences, error)
	LoadVenueSequence(ctx context.Context, venue model.Venue) (model.Sequence, error)
	LoadClosePrice(ctx context.Context, ticker model.Ticker) (model.Money, bool, error)
}

// Registry is the market data registry.
type Registry interface {
	// PublishBboQuote records the BBO for ticker and always commits it with
	// a new sequence.
	PublishBboQuote(ctx context.Context, ticker model.Ticker, q model.BboQuote, source model.SourceID, f func(model.Sequenced[model.BboQuote]))

	// PublishMarketQuote records a single venue's quote for ticker.
	PublishMarketQuote(ctx context.Context, ticker model.Ticker, q model.MarketQuote, source model.SourceID, f func(model.Sequenced[model.MarketQuote]))

	// UpdateBookQuote replaces the quote source contributes for (venue, side).
	// A size of zero or less removes it. f runs only if the book changed.
	UpdateBookQuote(ctx context.Context, ticker model.Ticker, q model.BookQuote, source model.SourceID, f func(model.Sequenced[model.BookQuote]))

	// PublishTimeAndSale records a trade and updates session technicals.
	PublishTimeAndSale(ctx context.Context, ticker model.Ticker, t model.TimeAndSale, source model.SourceID, f func(model.Sequenced[model.TimeAndSale]))

	// PublishOrderImbalance records an imbalance on venue. A zero reference
	// price is replaced with the ticker's BBO price on the imbalance side.
	PublishOrderImbalance(ctx context.Context, venue model.Venue, imb model.OrderImbalance, source model.SourceID, f func(model.Sequenced[model.OrderImbalance]))

	// Clear removes every book quote source contributed. f, if not nil,
	// receives a zero-size removal update for each. Idempotent.
	Clear(source model.SourceID, f func(model.Sequenced[model.BookQuote]))

	// FindSnapshot returns the ticker's aggregate state, or false if the
	// ticker was never referenced.
	FindSnapshot(ticker model.Ticker) (model.TickerSnapshot, bool)

	// FindSessionCandlestick returns the ticker's session technicals. The
	// close falls back to the last stored trade price before any trade.
	FindSessionCandlestick(ctx context.Context, ticker model.Ticker) (model.Candlestick, bool)

	// Add registers static metadata; info.Ticker becomes the primary listing.
	Add(info model.TickerInfo)

	// SearchTickerInfo matches symbol and name, case-insensitively.
	SearchTickerInfo(query string) []model.TickerInfo

	// GetPrimaryListing resolves a ticker to its primary venue, returning the
	// input unchanged when unknown.
	GetPrimaryListing(ticker model.Ticker) model.Ticker

	// Tickers returns the primary listing of every referenced instrument.
	Tickers() []model.Ticker

	// Stats returns current counters.
	Stats() Stats
}

// Config holds registry configuration.
type Config struct {
	// LoadTimeout bounds the history loads performed when an entry is created.
	LoadTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{LoadTimeout: 5 * time.Second}
}

// Stats holds registry counters.
type Stats struct {
	Securities      int
	Venues          int
	BboQuotes       int64
	MarketQuotes    int64
	BookQuotes      int64
	BookNoops       int64 // Book updates that changed nothing
	TimeAndSales    int64
	OrderImbalances int64
	Cleared         int64 // Book quotes removed by Clear
	LoadErrors      int64
}

type registryStats struct {
	bboQuotes       atomic.Int64
	marketQuotes    atomic.Int64
	bookQuotes      atomic.Int64
	bookNoops       atomic.Int64
	timeAndSales    atomic.Int64
	orderImbalances atomic.Int64
	cleared         atomic.Int64
	loadErrors      atomic.Int64
}

// registryImpl implements the Registry interface.
type registryImpl struct {
	cfg    Config
	loader HistoryLoader
	logger *slog.Logger

	securities sync.Map // instrument key -> *lazy[securityEntry]
	venues     sync.Map // venue -> *lazy[venueEntry]
	listings   *listingState

	closeLoads singleflight.Group

	stats registryStats
	now   func() time.Time
}

// NewRegistry creates a registry. loader may be nil, in which case every
// entry starts at the first sequence.
func NewRegistry(cfg Config, loader HistoryLoader, logger *slog.Logger) Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = DefaultConfig().LoadTimeout
	}
	return &registryImpl{
		cfg:      cfg,
		loader:   loader,
		logger:   logger,
		listings: newListingState(),
		now:      time.Now,
	}
}

// lazy is a get-or-create slot whose initializer runs once.
type lazy[E any] struct {
	once  sync.Once
	done  chan struct{}
	value *E
}

func getOrCreate[E any](m *sync.Map, key string, init func() *E) *E {
	v, ok := m.Load(key)
	if !ok {
		v, _ = m.LoadOrStore(key, &lazy[E]{done: make(chan struct{})})
	}
	l := v.(*lazy[E])
	l.once.Do(func() {
		l.value = init()
		close(l.done)
	})
	return l.value
}

// find returns an existing entry, waiting for an in-progress creation.
func find[E any](m *sync.Map, key string) (*E, bool) {
	v, ok := m.Load(key)
	if !ok {
		return nil, false
	}
	l := v.(*lazy[E])
	<-l.done
	return l.value, true
}

func (r *registryImpl) loadContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.cfg.LoadTimeout)
}

// security returns the entry for ticker's instrument, creating it on first
// reference.
func (r *registryImpl) security(ctx context.Context, ticker model.Ticker) *securityEntry {
	key := ticker.Key()
	return getOrCreate(&r.securities, key, func() *securityEntry {
		primary := ticker
		if info, ok := r.listings.get(key); ok {
			primary = info.Ticker
		}

		next := histstore.TickerSequences{
			BboQuote:    model.FirstSequence,
			MarketQuote: model.FirstSequence,
			BookQuote:   model.FirstSequence,
			TimeAndSale: model.FirstSequence,
		}
		if r.loader != nil {
			loadCtx, cancel := r.loadContext(ctx)
			defer cancel()
			seqs, err := r.loader.LoadTickerSequences(loadCtx, primary)
			if err != nil {
				r.stats.loadErrors.Add(1)
				r.logger.Error("load initial sequences failed, starting from first",
					"ticker", primary.String(),
					"error", err,
				)
			} else {
				next = seqs
			}
		}

		r.logger.Debug("created security entry", "ticker", primary.String())
		return newSecurityEntry(primary, next)
	})
}

func (r *registryImpl) venue(ctx context.Context, venue model.Venue) *venueEntry {
	return getOrCreate(&r.venues, string(venue), func() *venueEntry {
		next := model.FirstSequence
		if r.loader != nil {
			loadCtx, cancel := r.loadContext(ctx)
			defer cancel()
			seq, err := r.loader.LoadVenueSequence(loadCtx, venue)
			if err != nil {
				r.stats.loadErrors.Add(1)
				r.logger.Error("load initial venue sequence failed, starting from first",
					"venue", venue,
					"error", err,
				)
			} else {
				next = seq
			}
		}
		return newVenueEntry(venue, next)
	})
}

func (r *registryImpl) stamp(ts time.Time) time.Time {
	if ts.IsZero() {
		return r.now().UTC()
	}
	return ts
}

// PublishBboQuote implements Registry.
func (r *registryImpl) PublishBboQuote(ctx context.Context, ticker model.Ticker, q model.BboQuote, source model.SourceID, f func(model.Sequenced[model.BboQuote])) {
	q.Timestamp = r.stamp(q.Timestamp)
	e := r.security(ctx, ticker)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ticker.Venue == "" && ticker.Venue != "" {
		e.ticker.Venue = ticker.Venue
	}
	v := e.publishBboQuote(q)
	r.stats.bboQuotes.Add(1)
	if f != nil {
		f(v)
	}
}

// PublishMarketQuote implements Registry.
func (r *registryImpl) PublishMarketQuote(ctx context.Context, ticker model.Ticker, q model.MarketQuote, source model.SourceID, f func(model.Sequenced[model.MarketQuote])) {
	q.Timestamp = r.stamp(q.Timestamp)
	if q.Venue == "" {
		q.Venue = ticker.Venue
	}
	e := r.security(ctx, ticker)

	e.mu.Lock()
	defer e.mu.Unlock()

	v := e.publishMarketQuote(q)
	r.stats.marketQuotes.Add(1)
	if f != nil {
		f(v)
	}
}

// UpdateBookQuote implements Registry.
func (r *registryImpl) UpdateBookQuote(ctx context.Context, ticker model.Ticker, q model.BookQuote, source model.SourceID, f func(model.Sequenced[model.BookQuote])) {
	q.Timestamp = r.stamp(q.Timestamp)
	if q.Venue == "" {
		q.Venue = ticker.Venue
	}
	e := r.security(ctx, ticker)

	e.mu.Lock()
	defer e.mu.Unlock()

	v, changed := e.updateBookQuote(q, source)
	if !changed {
		r.stats.bookNoops.Add(1)
		return
	}
	r.stats.bookQuotes.Add(1)
	if f != nil {
		f(v)
	}
}

// PublishTimeAndSale implements Registry.
func (r *registryImpl) PublishTimeAndSale(ctx context.Context, ticker model.Ticker, t model.TimeAndSale, source model.SourceID, f func(model.Sequenced[model.TimeAndSale])) {
	t.Timestamp = r.stamp(t.Timestamp)
	e := r.security(ctx, ticker)

	e.mu.Lock()
	defer e.mu.Unlock()

	v := e.publishTimeAndSale(t)
	r.stats.timeAndSales.Add(1)
	if f != nil {
		f(v)
	}
}

// PublishOrderImbalance implements Registry.
func (r *registryImpl) PublishOrderImbalance(ctx context.Context, venue model.Venue, imb model.OrderImbalance, source model.SourceID, f func(model.Sequenced[model.OrderImbalance])) {
	imb.Timestamp = r.stamp(imb.Timestamp)

	if imb.Ticker.IsValid() {
		sec := r.security(ctx, imb.Ticker)
		sec.mu.Lock()
		if sec.ticker.Venue != "" {
			imb.Ticker = sec.ticker
		}
		if imb.ReferencePrice.IsZero() {
			if imb.Side == model.SideBid {
				imb.ReferencePrice = sec.bbo.Value.Bid.Price
			} else {
				imb.ReferencePrice = sec.bbo.Value.Ask.Price
			}
		}
		sec.mu.Unlock()
	}

	e := r.venue(ctx, venue)

	e.mu.Lock()
	defer e.mu.Unlock()

	v := e.publishOrderImbalance(imb)
	r.stats.orderImbalances.Add(1)
	if f != nil {
		f(v)
	}
}

// Clear implements Registry.
func (r *registryImpl) Clear(source model.SourceID, f func(model.Sequenced[model.BookQuote])) {
	removed := 0
	r.securities.Range(func(_, v any) bool {
		l := v.(*lazy[securityEntry])
		select {
		case <-l.done:
		default:
			// Still being created, so it holds no book quotes yet.
			return true
		}

		e := l.value
		e.mu.Lock()
		updates := e.clear(source)
		if f != nil {
			for _, u := range updates {
				f(u)
			}
		}
		e.mu.Unlock()

		removed += len(updates)
		return true
	})

	r.stats.cleared.Add(int64(removed))
	r.logger.Info("cleared source", "source_id", source, "book_quotes", removed)
}

// FindSnapshot implements Registry.
func (r *registryImpl) FindSnapshot(ticker model.Ticker) (model.TickerSnapshot, bool) {
	e, ok := find[securityEntry](&r.securities, ticker.Key())
	if !ok {
		return model.TickerSnapshot{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(), true
}

type closePrice struct {
	price model.Money
	found bool
}

// FindSessionCandlestick implements Registry.
func (r *registryImpl) FindSessionCandlestick(ctx context.Context, ticker model.Ticker) (model.Candlestick, bool) {
	e, ok := find[securityEntry](&r.securities, ticker.Key())
	if !ok {
		return model.Candlestick{}, false
	}

	e.mu.Lock()
	needsClose := !e.closeLoaded && r.loader != nil
	primary := e.ticker
	e.mu.Unlock()

	if needsClose {
		v, err, _ := r.closeLoads.Do(primary.Key(), func() (any, error) {
			price, found, err := r.loader.LoadClosePrice(ctx, primary)
			return closePrice{price: price, found: found}, err
		})
		if err != nil {
			r.stats.loadErrors.Add(1)
			r.logger.Warn("load close price failed", "ticker", primary.String(), "error", err)
		} else {
			cp := v.(closePrice)
			e.mu.Lock()
			if !e.closeLoaded {
				e.closeLoaded = true
				if cp.found {
					e.closePrice = cp.price
				}
			}
			e.mu.Unlock()
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.candle
	if !e.traded {
		c.Close = e.closePrice
	}
	return c, true
}

// Add implements Registry.
func (r *registryImpl) Add(info model.TickerInfo) {
	r.listings.upsert(info)

	if e, ok := find[securityEntry](&r.securities, info.Ticker.Key()); ok && info.Ticker.Venue != "" {
		e.mu.Lock()
		e.ticker = info.Ticker
		e.mu.Unlock()
	}
}

// SearchTickerInfo implements Registry.
func (r *registryImpl) SearchTickerInfo(query string) []model.TickerInfo {
	return r.listings.search(query)
}

// GetPrimaryListing implements Registry.
func (r *registryImpl) GetPrimaryListing(ticker model.Ticker) model.Ticker {
	if e, ok := find[securityEntry](&r.securities, ticker.Key()); ok {
		e.mu.Lock()
		primary := e.ticker
		e.mu.Unlock()
		if primary.Venue != "" {
			return primary
		}
	}
	if info, ok := r.listings.get(ticker.Key()); ok && info.Ticker.Venue != "" {
		return info.Ticker
	}
	return ticker
}

// Tickers implements Registry.
func (r *registryImpl) Tickers() []model.Ticker {
	var out []model.Ticker
	r.securities.Range(func(_, v any) bool {
		l := v.(*lazy[securityEntry])
		select {
		case <-l.done:
			l.value.mu.Lock()
			out = append(out, l.value.ticker)
			l.value.mu.Unlock()
		default:
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Stats implements Registry.
func (r *registryImpl) Stats() Stats {
	s := Stats{
		BboQuotes:       r.stats.bboQuotes.Load(),
		MarketQuotes:    r.stats.marketQuotes.Load(),
		BookQuotes:      r.stats.bookQuotes.Load(),
		BookNoops:       r.stats.bookNoops.Load(),
		TimeAndSales:    r.stats.timeAndSales.Load(),
		OrderImbalances: r.stats.orderImbalances.Load(),
		Cleared:         r.stats.cleared.Load(),
		LoadErrors:      r.stats.loadErrors.Load(),
	}
	r.securities.Range(func(_, _ any) bool { s.Securities++; return true })
	r.venues.Range(func(_, _ any) bool { s.Venues++; return true })
	return s
}
