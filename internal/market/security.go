package market

import (
	"sync"

	"github.com/rickgao/mdregistry/internal/histstore"
	"github.com/rickgao/mdregistry/internal/model"
)

// securityEntry holds the live state of one instrument across its venues.
// All fields are guarded by mu.
type securityEntry struct {
	mu sync.Mutex

	ticker model.Ticker // Primary listing; Venue empty until known

	bbo          model.Sequenced[model.BboQuote]
	marketQuotes map[model.Venue]model.Sequenced[model.MarketQuote]
	bids         *bookSide
	asks         *bookSide
	timeAndSale  model.Sequenced[model.TimeAndSale]

	candle      model.Candlestick
	traded      bool // A time and sale arrived this session
	closePrice  model.Money
	closeLoaded bool

	next histstore.TickerSequences
}

func newSecurityEntry(ticker model.Ticker, next histstore.TickerSequences) *securityEntry {
	return &securityEntry{
		ticker:       ticker,
		marketQuotes: make(map[model.Venue]model.Sequenced[model.MarketQuote]),
		bids:         newBookSide(model.SideBid),
		asks:         newBookSide(model.SideAsk),
		next:         next,
	}
}

// index is the key under which the entry's data is sequenced and stored.
func (e *securityEntry) index() string {
	return e.ticker.String()
}

func (e *securityEntry) publishBboQuote(q model.BboQuote) model.Sequenced[model.BboQuote] {
	e.bbo = model.Sequenced[model.BboQuote]{
		Value:     q,
		Index:     e.index(),
		Sequence:  e.next.BboQuote,
		Timestamp: q.Timestamp,
	}
	e.next.BboQuote++
	return e.bbo
}

func (e *securityEntry) publishMarketQuote(q model.MarketQuote) model.Sequenced[model.MarketQuote] {
	v := model.Sequenced[model.MarketQuote]{
		Value:     q,
		Index:     e.index(),
		Sequence:  e.next.MarketQuote,
		Timestamp: q.Timestamp,
	}
	e.next.MarketQuote++
	e.marketQuotes[q.Venue] = v
	return v
}

func (e *securityEntry) bookSide(side model.Side) *bookSide {
	if side == model.SideAsk {
		return e.asks
	}
	return e.bids
}

// updateBookQuote replaces the quote contributed by (source, venue) on the
// quote's side. A size of zero or less removes it. Returns false when the
// book did not change.
func (e *securityEntry) updateBookQuote(q model.BookQuote, source model.SourceID) (model.Sequenced[model.BookQuote], bool) {
	side := e.bookSide(q.Quote.Side)
	key := bookKey{source: source, venue: q.Venue}

	if q.Quote.Size <= 0 {
		if _, ok := side.remove(key); !ok {
			return model.Sequenced[model.BookQuote]{}, false
		}
		q.Quote.Size = 0
		return e.sequenceBookQuote(q), true
	}

	if existing, ok := side.get(key); ok && sameBookQuote(existing.quote.Value, q) {
		return model.Sequenced[model.BookQuote]{}, false
	}

	v := e.sequenceBookQuote(q)
	side.set(&bookEntry{key: key, quote: v})
	return v, true
}

func (e *securityEntry) sequenceBookQuote(q model.BookQuote) model.Sequenced[model.BookQuote] {
	v := model.Sequenced[model.BookQuote]{
		Value:     q,
		Index:     e.index(),
		Sequence:  e.next.BookQuote,
		Timestamp: q.Timestamp,
	}
	e.next.BookQuote++
	return v
}

func sameBookQuote(a, b model.BookQuote) bool {
	return a.MPID == b.MPID &&
		a.IsPrimaryMPID == b.IsPrimaryMPID &&
		a.Venue == b.Venue &&
		a.Quote.Side == b.Quote.Side &&
		a.Quote.Size == b.Quote.Size &&
		a.Quote.Price.Equal(b.Quote.Price)
}

func (e *securityEntry) publishTimeAndSale(t model.TimeAndSale) model.Sequenced[model.TimeAndSale] {
	if !e.traded {
		e.candle.Open = t.Price
		e.candle.High = t.Price
		e.candle.Low = t.Price
		e.traded = true
	} else {
		if t.Price.Cmp(e.candle.High) > 0 {
			e.candle.High = t.Price
		}
		if t.Price.Cmp(e.candle.Low) < 0 {
			e.candle.Low = t.Price
		}
	}
	e.candle.Close = t.Price
	e.candle.Volume += t.Size

	e.timeAndSale = model.Sequenced[model.TimeAndSale]{
		Value:     t,
		Index:     e.index(),
		Sequence:  e.next.TimeAndSale,
		Timestamp: t.Timestamp,
	}
	e.next.TimeAndSale++
	return e.timeAndSale
}

// clear removes every book quote contributed by source and returns a
// zero-size removal update for each.
func (e *securityEntry) clear(source model.SourceID) []model.Sequenced[model.BookQuote] {
	var out []model.Sequenced[model.BookQuote]
	for _, side := range []*bookSide{e.bids, e.asks} {
		for _, removed := range side.removeSource(source) {
			q := removed.quote.Value
			q.Quote.Size = 0
			out = append(out, e.sequenceBookQuote(q))
		}
	}
	return out
}

func (e *securityEntry) snapshot() model.TickerSnapshot {
	s := model.TickerSnapshot{
		Ticker:       e.ticker,
		BboQuote:     e.bbo,
		TimeAndSale:  e.timeAndSale,
		MarketQuotes: make(map[model.Venue]model.Sequenced[model.MarketQuote], len(e.marketQuotes)),
		BidBook:      e.bids.snapshot(),
		AskBook:      e.asks.snapshot(),
	}
	for venue, q := range e.marketQuotes {
		s.MarketQuotes[venue] = q
	}
	return s
}
