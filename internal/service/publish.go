package service

import (
	"context"
	"fmt"

	"github.com/rickgao/mdregistry/internal/entitlement"
	"github.com/rickgao/mdregistry/internal/model"
)

// The registry invokes the commit callbacks below while holding the
// ticker's entry lock, so sequence order and delivery order agree. Store
// and outbox pushes only queue in memory and never block.

func (s *Service) storeFailed(t model.MarketDataType, index string, err error) error {
	s.storeErrors.Add(1)
	s.logger.Error("store market data failed",
		"data_type", t.String(),
		"index", index,
		"error", err,
	)
	return fmt.Errorf("store %s for %s: %w", t, index, err)
}

// PublishBboQuote implements router.Publisher.
func (s *Service) PublishBboQuote(ctx context.Context, ticker model.Ticker, q model.BboQuote, source model.SourceID) error {
	var err error
	s.registry.PublishBboQuote(ctx, ticker, q, source, func(v model.Sequenced[model.BboQuote]) {
		if serr := s.store.BboQuotes.Store(ctx, v); serr != nil {
			err = s.storeFailed(model.BboQuoteType, v.Index, serr)
		}
		s.delivered.Add(int64(s.bboQuotes.publish(v, nil)))
	})
	return err
}

// PublishMarketQuote implements router.Publisher.
func (s *Service) PublishMarketQuote(ctx context.Context, ticker model.Ticker, q model.MarketQuote, source model.SourceID) error {
	var err error
	s.registry.PublishMarketQuote(ctx, ticker, q, source, func(v model.Sequenced[model.MarketQuote]) {
		if serr := s.store.MarketQuotes.Store(ctx, v); serr != nil {
			err = s.storeFailed(model.MarketQuoteType, v.Index, serr)
		}
		s.delivered.Add(int64(s.marketQuotes.publish(v, nil)))
	})
	return err
}

// UpdateBookQuote implements router.Publisher. Each update is delivered only
// to subscribers entitled to book quotes from the quote's venue.
func (s *Service) UpdateBookQuote(ctx context.Context, ticker model.Ticker, q model.BookQuote, source model.SourceID) error {
	var err error
	s.registry.UpdateBookQuote(ctx, ticker, q, source, func(v model.Sequenced[model.BookQuote]) {
		if serr := s.store.BookQuotes.Store(ctx, v); serr != nil {
			err = s.storeFailed(model.BookQuoteType, v.Index, serr)
		}
		s.publishBookQuote(v)
	})
	return err
}

// publishBookQuote fans v out to the subscribers entitled to its
// (listing venue, quote venue) pair.
func (s *Service) publishBookQuote(v model.Sequenced[model.BookQuote]) {
	primary, err := model.ParseTicker(v.Index)
	if err != nil {
		// No listing venue to check entitlements against.
		return
	}
	key := entitlement.Key{Destination: primary.Venue, Source: v.Value.Venue}
	n := s.bookQuotes.publish(v, func(session *Session) bool {
		return session.Entitlements.Has(key, model.BookQuoteType)
	})
	s.delivered.Add(int64(n))
}

// PublishTimeAndSale implements router.Publisher.
func (s *Service) PublishTimeAndSale(ctx context.Context, ticker model.Ticker, t model.TimeAndSale, source model.SourceID) error {
	var err error
	s.registry.PublishTimeAndSale(ctx, ticker, t, source, func(v model.Sequenced[model.TimeAndSale]) {
		if serr := s.store.TimeAndSales.Store(ctx, v); serr != nil {
			err = s.storeFailed(model.TimeAndSaleType, v.Index, serr)
		}
		s.delivered.Add(int64(s.timeAndSales.publish(v, nil)))
	})
	return err
}

// PublishOrderImbalance implements router.Publisher.
func (s *Service) PublishOrderImbalance(ctx context.Context, venue model.Venue, imb model.OrderImbalance, source model.SourceID) error {
	var err error
	s.registry.PublishOrderImbalance(ctx, venue, imb, source, func(v model.Sequenced[model.OrderImbalance]) {
		if serr := s.store.OrderImbalances.Store(ctx, v); serr != nil {
			err = s.storeFailed(model.OrderImbalanceType, v.Index, serr)
		}
		s.delivered.Add(int64(s.orderImbalances.publish(v, nil)))
	})
	return err
}

// Clear implements router.Publisher. The removal of each of the source's
// book quotes is stored and delivered like any other book update.
func (s *Service) Clear(source model.SourceID) {
	ctx := context.Background()
	s.registry.Clear(source, func(v model.Sequenced[model.BookQuote]) {
		if err := s.store.BookQuotes.Store(ctx, v); err != nil {
			s.storeFailed(model.BookQuoteType, v.Index, err)
		}
		s.publishBookQuote(v)
	})
}
