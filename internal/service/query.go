package service

import (
	"context"
	"fmt"

	"github.com/rickgao/mdregistry/internal/entitlement"
	"github.com/rickgao/mdregistry/internal/histstore"
	"github.com/rickgao/mdregistry/internal/model"
)

// SecurityQuery selects a ticker's values of one data type.
// An open-ended Range also subscribes to live updates.
type SecurityQuery[T any] struct {
	Ticker model.Ticker
	Range  histstore.Range
	Limit  histstore.SnapshotLimit
	Filter func(T) bool // Optional
}

// VenueQuery selects a venue's order imbalances.
type VenueQuery struct {
	Venue  model.Venue
	Range  histstore.Range
	Limit  histstore.SnapshotLimit
	Filter func(model.OrderImbalance) bool // Optional
}

// QueryResult is a query's snapshot. ID identifies the live subscription
// on Index, and is zero when none was registered.
type QueryResult[T any] struct {
	ID       uint64
	Index    string
	Snapshot []model.Sequenced[T]
}

// runQuery implements the query protocol shared by every data type:
// register a pending subscription, load the snapshot, then commit. Values
// published during the load are appended to the snapshot by commit, so the
// snapshot and the live updates that follow it are contiguous.
func runQuery[T any](ctx context.Context, subs *subscriptions[T], store histstore.DataStore[T], session *Session, q histstore.Query[T], reply func(QueryResult[T])) (QueryResult[T], error) {
	live := q.Range.IsOpenEnded()

	var id uint64
	if live {
		id = subs.initialize(session, q)
	}

	snapshot, err := store.Load(ctx, q)
	if err != nil {
		if live {
			subs.end(session, q.Index, id)
		}
		return QueryResult[T]{}, fmt.Errorf("load %s for %s: %w", subs.dataType, q.Index, err)
	}

	if !live {
		result := QueryResult[T]{Index: q.Index, Snapshot: snapshot}
		if reply != nil {
			reply(result)
		}
		return result, nil
	}
	return subs.commit(q.Index, id, snapshot, reply), nil
}

// empty answers a denied or unresolvable query.
func empty[T any](reply func(QueryResult[T])) (QueryResult[T], error) {
	var result QueryResult[T]
	if reply != nil {
		reply(result)
	}
	return result, nil
}

// resolve normalizes ticker to its primary listing and checks the session
// holds t for the listing venue.
func (s *Service) resolve(session *Session, ticker model.Ticker, t model.MarketDataType) (model.Ticker, bool) {
	if !ticker.IsValid() {
		return model.Ticker{}, false
	}
	primary := s.registry.GetPrimaryListing(ticker)
	if primary.Venue == "" {
		return model.Ticker{}, false
	}
	if !session.Entitlements.Has(entitlement.NewKey(primary.Venue), t) {
		s.denied.Add(1)
		return model.Ticker{}, false
	}
	return primary, true
}

func securityQuery[T any](index string, q SecurityQuery[T]) histstore.Query[T] {
	return histstore.Query[T]{
		Index:  index,
		Range:  q.Range,
		Limit:  q.Limit,
		Filter: q.Filter,
	}
}

// QueryBboQuotes loads a ticker's BBO quotes and, for an open-ended range,
// subscribes to new ones. A query the session is not entitled to returns an
// empty result. reply, if not nil, receives the result before any live
// update is queued for the subscription.
func (s *Service) QueryBboQuotes(ctx context.Context, session *Session, q SecurityQuery[model.BboQuote], reply func(QueryResult[model.BboQuote])) (QueryResult[model.BboQuote], error) {
	primary, ok := s.resolve(session, q.Ticker, model.BboQuoteType)
	if !ok {
		return empty(reply)
	}
	return runQuery(ctx, s.bboQuotes, s.store.BboQuotes, session, securityQuery(primary.String(), q), reply)
}

// QueryMarketQuotes is QueryBboQuotes for market quotes.
func (s *Service) QueryMarketQuotes(ctx context.Context, session *Session, q SecurityQuery[model.MarketQuote], reply func(QueryResult[model.MarketQuote])) (QueryResult[model.MarketQuote], error) {
	primary, ok := s.resolve(session, q.Ticker, model.MarketQuoteType)
	if !ok {
		return empty(reply)
	}
	return runQuery(ctx, s.marketQuotes, s.store.MarketQuotes, session, securityQuery(primary.String(), q), reply)
}

// QueryBookQuotes is QueryBboQuotes for book quotes. Live book quotes are
// further filtered per update by the venue they originate from.
func (s *Service) QueryBookQuotes(ctx context.Context, session *Session, q SecurityQuery[model.BookQuote], reply func(QueryResult[model.BookQuote])) (QueryResult[model.BookQuote], error) {
	primary, ok := s.resolve(session, q.Ticker, model.BookQuoteType)
	if !ok {
		return empty(reply)
	}
	sq := securityQuery(primary.String(), q)
	entitled := bookQuoteEntitled(session, primary.Venue)
	if q.Filter == nil {
		sq.Filter = entitled
	} else {
		sq.Filter = func(v model.BookQuote) bool { return entitled(v) && q.Filter(v) }
	}
	return runQuery(ctx, s.bookQuotes, s.store.BookQuotes, session, sq, reply)
}

// QueryTimeAndSales is QueryBboQuotes for time and sales.
func (s *Service) QueryTimeAndSales(ctx context.Context, session *Session, q SecurityQuery[model.TimeAndSale], reply func(QueryResult[model.TimeAndSale])) (QueryResult[model.TimeAndSale], error) {
	primary, ok := s.resolve(session, q.Ticker, model.TimeAndSaleType)
	if !ok {
		return empty(reply)
	}
	return runQuery(ctx, s.timeAndSales, s.store.TimeAndSales, session, securityQuery(primary.String(), q), reply)
}

// QueryOrderImbalances loads a venue's order imbalances and, for an
// open-ended range, subscribes to new ones.
func (s *Service) QueryOrderImbalances(ctx context.Context, session *Session, q VenueQuery, reply func(QueryResult[model.OrderImbalance])) (QueryResult[model.OrderImbalance], error) {
	if q.Venue == "" {
		return empty(reply)
	}
	if !session.Entitlements.Has(entitlement.NewKey(q.Venue), model.OrderImbalanceType) {
		s.denied.Add(1)
		return empty(reply)
	}
	hq := histstore.Query[model.OrderImbalance]{
		Index:  string(q.Venue),
		Range:  q.Range,
		Limit:  q.Limit,
		Filter: q.Filter,
	}
	return runQuery(ctx, s.orderImbalances, s.store.OrderImbalances, session, hq, reply)
}

// EndQuery ends the session's subscription id on index. Ending an unknown
// or already ended subscription does nothing.
func (s *Service) EndQuery(session *Session, t model.MarketDataType, index string, id uint64) bool {
	switch t {
	case model.BboQuoteType:
		return s.bboQuotes.end(session, index, id)
	case model.MarketQuoteType:
		return s.marketQuotes.end(session, index, id)
	case model.BookQuoteType:
		return s.bookQuotes.end(session, index, id)
	case model.TimeAndSaleType:
		return s.timeAndSales.end(session, index, id)
	case model.OrderImbalanceType:
		return s.orderImbalances.end(session, index, id)
	}
	return false
}

// bookQuoteEntitled returns a predicate admitting the book quotes the
// session may see on a ticker listed on primary.
func bookQuoteEntitled(session *Session, primary model.Venue) func(model.BookQuote) bool {
	return func(q model.BookQuote) bool {
		return session.Entitlements.Has(entitlement.Key{Destination: primary, Source: q.Venue}, model.BookQuoteType)
	}
}
