package service

import (
	"context"

	"github.com/rickgao/mdregistry/internal/entitlement"
	"github.com/rickgao/mdregistry/internal/model"
)

// LoadTickerSnapshot returns the ticker's current aggregate state with the
// fields the session is not entitled to redacted. Unentitled book quotes are
// removed from the ladders. A snapshot with nothing left after redaction is
// reported as not found, the same as an unknown ticker.
func (s *Service) LoadTickerSnapshot(session *Session, ticker model.Ticker) (model.TickerSnapshot, bool) {
	if !ticker.IsValid() {
		return model.TickerSnapshot{}, false
	}
	snap, ok := s.registry.FindSnapshot(ticker)
	if !ok || snap.Ticker.Venue == "" {
		return model.TickerSnapshot{}, false
	}

	ent := session.Entitlements
	key := entitlement.NewKey(snap.Ticker.Venue)
	visible := false

	if ent.Has(key, model.BboQuoteType) {
		visible = true
	} else {
		snap.BboQuote = model.Sequenced[model.BboQuote]{}
	}
	if ent.Has(key, model.TimeAndSaleType) {
		visible = true
	} else {
		snap.TimeAndSale = model.Sequenced[model.TimeAndSale]{}
	}
	if ent.Has(key, model.MarketQuoteType) {
		visible = true
	} else {
		snap.MarketQuotes = map[model.Venue]model.Sequenced[model.MarketQuote]{}
	}

	entitled := bookQuoteEntitled(session, snap.Ticker.Venue)
	snap.BidBook = filterBook(snap.BidBook, entitled)
	snap.AskBook = filterBook(snap.AskBook, entitled)
	if len(snap.BidBook) > 0 || len(snap.AskBook) > 0 {
		visible = true
	}

	if !visible {
		s.denied.Add(1)
		return model.TickerSnapshot{}, false
	}
	return snap, true
}

// filterBook keeps the entries keep admits, preserving ladder order.
func filterBook(book []model.Sequenced[model.BookQuote], keep func(model.BookQuote) bool) []model.Sequenced[model.BookQuote] {
	out := book[:0]
	for _, q := range book {
		if keep(q.Value) {
			out = append(out, q)
		}
	}
	return out
}

// LoadSessionCandlestick returns the ticker's session technicals to a
// session entitled to its time and sales.
func (s *Service) LoadSessionCandlestick(ctx context.Context, session *Session, ticker model.Ticker) (model.Candlestick, bool) {
	primary, ok := s.resolve(session, ticker, model.TimeAndSaleType)
	if !ok {
		return model.Candlestick{}, false
	}
	return s.registry.FindSessionCandlestick(ctx, primary)
}

// SearchTickerInfo matches query against ticker symbols and names.
func (s *Service) SearchTickerInfo(query string) []model.TickerInfo {
	return s.registry.SearchTickerInfo(query)
}

// AddTickerInfo registers static ticker metadata.
func (s *Service) AddTickerInfo(info model.TickerInfo) {
	s.registry.Add(info)
}
