package histstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"

	"github.com/rickgao/mdregistry/internal/model"
)

// HistoricalDataStore bundles one DataStore per market data type.
//
// Security data (BBO, market, book quotes and time and sales) is indexed by
// Ticker.String(); order imbalances by venue.
type HistoricalDataStore struct {
	BboQuotes       DataStore[model.BboQuote]
	MarketQuotes    DataStore[model.MarketQuote]
	BookQuotes      DataStore[model.BookQuote]
	TimeAndSales    DataStore[model.TimeAndSale]
	OrderImbalances DataStore[model.OrderImbalance]
}

// NewLocalStore returns a bundle of in-memory stores.
func NewLocalStore() *HistoricalDataStore {
	return &HistoricalDataStore{
		BboQuotes:       NewLocal[model.BboQuote](),
		MarketQuotes:    NewLocal[model.MarketQuote](),
		BookQuotes:      NewLocal[model.BookQuote](),
		TimeAndSales:    NewLocal[model.TimeAndSale](),
		OrderImbalances: NewLocal[model.OrderImbalance](),
	}
}

// NewPostgresHistoricalStore returns a bundle backed by the market_data table.
func NewPostgresHistoricalStore(pool *pgxpool.Pool, logger *slog.Logger) *HistoricalDataStore {
	return &HistoricalDataStore{
		BboQuotes:       NewPostgresStore[model.BboQuote](pool, model.BboQuoteType, logger),
		MarketQuotes:    NewPostgresStore[model.MarketQuote](pool, model.MarketQuoteType, logger),
		BookQuotes:      NewPostgresStore[model.BookQuote](pool, model.BookQuoteType, logger),
		TimeAndSales:    NewPostgresStore[model.TimeAndSale](pool, model.TimeAndSaleType, logger),
		OrderImbalances: NewPostgresStore[model.OrderImbalance](pool, model.OrderImbalanceType, logger),
	}
}

// NewSQLiteHistoricalStore returns a bundle backed by a gorm SQLite database.
func NewSQLiteHistoricalStore(db *gorm.DB, logger *slog.Logger) *HistoricalDataStore {
	return &HistoricalDataStore{
		BboQuotes:       NewSQLiteStore[model.BboQuote](db, model.BboQuoteType, logger),
		MarketQuotes:    NewSQLiteStore[model.MarketQuote](db, model.MarketQuoteType, logger),
		BookQuotes:      NewSQLiteStore[model.BookQuote](db, model.BookQuoteType, logger),
		TimeAndSales:    NewSQLiteStore[model.TimeAndSale](db, model.TimeAndSaleType, logger),
		OrderImbalances: NewSQLiteStore[model.OrderImbalance](db, model.OrderImbalanceType, logger),
	}
}

// WrapBuffered wraps every store of h with a Buffered store.
func WrapBuffered(h *HistoricalDataStore, cfg BufferedConfig, logger *slog.Logger) *HistoricalDataStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoricalDataStore{
		BboQuotes:       NewBuffered(h.BboQuotes, cfg, logger.With("data_type", model.BboQuoteType.String())),
		MarketQuotes:    NewBuffered(h.MarketQuotes, cfg, logger.With("data_type", model.MarketQuoteType.String())),
		BookQuotes:      NewBuffered(h.BookQuotes, cfg, logger.With("data_type", model.BookQuoteType.String())),
		TimeAndSales:    NewBuffered(h.TimeAndSales, cfg, logger.With("data_type", model.TimeAndSaleType.String())),
		OrderImbalances: NewBuffered(h.OrderImbalances, cfg, logger.With("data_type", model.OrderImbalanceType.String())),
	}
}

// WrapSessionCached wraps every store of h with a SessionCached store.
func WrapSessionCached(h *HistoricalDataStore, cfg SessionCachedConfig, logger *slog.Logger) *HistoricalDataStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoricalDataStore{
		BboQuotes:       NewSessionCached(h.BboQuotes, cfg, logger.With("data_type", model.BboQuoteType.String())),
		MarketQuotes:    NewSessionCached(h.MarketQuotes, cfg, logger.With("data_type", model.MarketQuoteType.String())),
		BookQuotes:      NewSessionCached(h.BookQuotes, cfg, logger.With("data_type", model.BookQuoteType.String())),
		TimeAndSales:    NewSessionCached(h.TimeAndSales, cfg, logger.With("data_type", model.TimeAndSaleType.String())),
		OrderImbalances: NewSessionCached(h.OrderImbalances, cfg, logger.With("data_type", model.OrderImbalanceType.String())),
	}
}

// TickerSequences holds the next sequence to assign per security stream.
type TickerSequences struct {
	BboQuote    model.Sequence
	MarketQuote model.Sequence
	BookQuote   model.Sequence
	TimeAndSale model.Sequence
}

// LoadTickerSequences returns the next sequence per stream for a ticker,
// continuing after the last stored value so restarts never reuse sequences.
func (h *HistoricalDataStore) LoadTickerSequences(ctx context.Context, ticker model.Ticker) (TickerSequences, error) {
	index := ticker.String()
	var (
		seqs TickerSequences
		err  error
	)
	if seqs.BboQuote, err = nextSequence(ctx, h.BboQuotes, index); err != nil {
		return TickerSequences{}, fmt.Errorf("load %s sequence: %w", model.BboQuoteType, err)
	}
	if seqs.MarketQuote, err = nextSequence(ctx, h.MarketQuotes, index); err != nil {
		return TickerSequences{}, fmt.Errorf("load %s sequence: %w", model.MarketQuoteType, err)
	}
	if seqs.BookQuote, err = nextSequence(ctx, h.BookQuotes, index); err != nil {
		return TickerSequences{}, fmt.Errorf("load %s sequence: %w", model.BookQuoteType, err)
	}
	if seqs.TimeAndSale, err = nextSequence(ctx, h.TimeAndSales, index); err != nil {
		return TickerSequences{}, fmt.Errorf("load %s sequence: %w", model.TimeAndSaleType, err)
	}
	return seqs, nil
}

// LoadVenueSequence returns the next order imbalance sequence for a venue.
func (h *HistoricalDataStore) LoadVenueSequence(ctx context.Context, venue model.Venue) (model.Sequence, error) {
	seq, err := nextSequence(ctx, h.OrderImbalances, string(venue))
	if err != nil {
		return 0, fmt.Errorf("load %s sequence: %w", model.OrderImbalanceType, err)
	}
	return seq, nil
}

// LoadClosePrice returns the price of the last stored time and sale.
func (h *HistoricalDataStore) LoadClosePrice(ctx context.Context, ticker model.Ticker) (model.Money, bool, error) {
	values, err := h.TimeAndSales.Load(ctx, Query[model.TimeAndSale]{
		Index: ticker.String(),
		Range: Live(),
		Limit: TailLimit(1),
	})
	if err != nil {
		return model.Zero, false, fmt.Errorf("load close price: %w", err)
	}
	if len(values) == 0 {
		return model.Zero, false, nil
	}
	return values[0].Value.Price, true, nil
}

// Close closes every store in reverse order and joins their errors.
func (h *HistoricalDataStore) Close(ctx context.Context) error {
	var errs []error
	closers := []interface{ Close(context.Context) error }{
		h.BboQuotes, h.MarketQuotes, h.BookQuotes, h.TimeAndSales, h.OrderImbalances,
	}
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func nextSequence[T any](ctx context.Context, store DataStore[T], index string) (model.Sequence, error) {
	values, err := store.Load(ctx, Query[T]{Index: index, Range: Live(), Limit: TailLimit(1)})
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return model.FirstSequence, nil
	}
	return values[len(values)-1].Sequence + 1, nil
}

// BufferedStats returns counters for the stores of h that are Buffered.
func (h *HistoricalDataStore) BufferedStats() map[model.MarketDataType]BufferedStats {
	out := make(map[model.MarketDataType]BufferedStats)
	for typ, s := range h.stores() {
		if b, ok := s.(interface{ Stats() BufferedStats }); ok {
			out[typ] = b.Stats()
		}
	}
	return out
}

// CacheStats returns counters for the stores of h that are SessionCached.
func (h *HistoricalDataStore) CacheStats() map[model.MarketDataType]CacheStats {
	out := make(map[model.MarketDataType]CacheStats)
	for typ, s := range h.stores() {
		if c, ok := s.(interface{ Stats() CacheStats }); ok {
			out[typ] = c.Stats()
		}
	}
	return out
}

func (h *HistoricalDataStore) stores() map[model.MarketDataType]any {
	return map[model.MarketDataType]any{
		model.BboQuoteType:       h.BboQuotes,
		model.MarketQuoteType:    h.MarketQuotes,
		model.BookQuoteType:      h.BookQuotes,
		model.TimeAndSaleType:    h.TimeAndSales,
		model.OrderImbalanceType: h.OrderImbalances,
	}
}
