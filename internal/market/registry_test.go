package market

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/mdregistry/internal/histstore"
	"github.com/rickgao/mdregistry/internal/model"
)

var tsx = model.Ticker{Symbol: "T", Venue: "TSX", Country: "CA"}

func money(s string) model.Money { return model.NewMoney(s) }

func bbo(bid, ask string) model.BboQuote {
	return model.BboQuote{
		Bid: model.Quote{Price: money(bid), Size: 100, Side: model.SideBid},
		Ask: model.Quote{Price: money(ask), Size: 100, Side: model.SideAsk},
	}
}

func bookQuote(venue model.Venue, side model.Side, price string, size int64) model.BookQuote {
	return model.BookQuote{
		MPID:  string(venue),
		Venue: venue,
		Quote: model.Quote{Price: money(price), Size: size, Side: side},
	}
}

func newTestRegistry(loader HistoryLoader) *registryImpl {
	return NewRegistry(DefaultConfig(), loader, nil).(*registryImpl)
}

func TestRegistry_BboScenario(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(nil)

	if _, ok := r.FindSnapshot(tsx); ok {
		t.Fatal("expected no snapshot before any publish")
	}

	var committed []model.Sequenced[model.BboQuote]
	collect := func(v model.Sequenced[model.BboQuote]) { committed = append(committed, v) }

	r.PublishBboQuote(ctx, tsx, bbo("1.00", "1.01"), 1, collect)
	snap, ok := r.FindSnapshot(tsx)
	if !ok {
		t.Fatal("snapshot not found")
	}
	if snap.BboQuote.Sequence != 1 {
		t.Errorf("Sequence = %d, want 1", snap.BboQuote.Sequence)
	}
	if !snap.BboQuote.Value.Ask.Price.Equal(money("1.01")) {
		t.Errorf("Ask = %s, want 1.01", snap.BboQuote.Value.Ask.Price)
	}
	if snap.BboQuote.Index != "T.TSX" {
		t.Errorf("Index = %q, want %q", snap.BboQuote.Index, "T.TSX")
	}

	r.PublishBboQuote(ctx, tsx, bbo("1.00", "1.02"), 1, collect)
	snap, _ = r.FindSnapshot(tsx)
	if snap.BboQuote.Sequence != 2 {
		t.Errorf("Sequence = %d, want 2", snap.BboQuote.Sequence)
	}
	if !snap.BboQuote.Value.Ask.Price.Equal(money("1.02")) {
		t.Errorf("Ask = %s, want 1.02", snap.BboQuote.Value.Ask.Price)
	}

	// Identical BBOs are still re-sequenced.
	r.PublishBboQuote(ctx, tsx, bbo("1.00", "1.02"), 1, collect)
	if len(committed) != 3 || committed[2].Sequence != 3 {
		t.Errorf("committed = %d values, last seq %d; want 3, 3", len(committed), committed[len(committed)-1].Sequence)
	}
}

func TestRegistry_BookTwoSourcesAndClear(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(nil)

	r.UpdateBookQuote(ctx, tsx, bookQuote("TSX", model.SideBid, "1.00", 100), 1, nil)
	r.UpdateBookQuote(ctx, tsx, bookQuote("TSX", model.SideBid, "1.01", 200), 2, nil)

	snap, _ := r.FindSnapshot(tsx)
	if len(snap.BidBook) != 2 {
		t.Fatalf("len(BidBook) = %d, want 2", len(snap.BidBook))
	}
	if !snap.BidBook[0].Value.Quote.Price.Equal(money("1.01")) {
		t.Errorf("best bid = %s, want 1.01", snap.BidBook[0].Value.Quote.Price)
	}

	var removals []model.Sequenced[model.BookQuote]
	r.Clear(2, func(v model.Sequenced[model.BookQuote]) { removals = append(removals, v) })

	snap, _ = r.FindSnapshot(tsx)
	if len(snap.BidBook) != 1 || !snap.BidBook[0].Value.Quote.Price.Equal(money("1.00")) {
		t.Fatalf("BidBook after clear = %+v, want single 1.00 bid", snap.BidBook)
	}
	if len(removals) != 1 || removals[0].Value.Quote.Size != 0 {
		t.Errorf("removals = %+v, want one zero-size update", removals)
	}
	if removals[0].Sequence != 3 {
		t.Errorf("removal Sequence = %d, want 3", removals[0].Sequence)
	}

	// Second clear is a no-op.
	removals = nil
	r.Clear(2, func(v model.Sequenced[model.BookQuote]) { removals = append(removals, v) })
	if len(removals) != 0 {
		t.Errorf("second clear emitted %d updates, want 0", len(removals))
	}
	after, _ := r.FindSnapshot(tsx)
	if len(after.BidBook) != 1 {
		t.Errorf("len(BidBook) = %d after second clear, want 1", len(after.BidBook))
	}
}

func TestRegistry_BookMergeIsOrderIndependent(t *testing.T) {
	type update struct {
		source model.SourceID
		quote  model.BookQuote
	}
	updates := []update{
		{1, bookQuote("TSX", model.SideBid, "1.00", 100)},
		{2, bookQuote("TSX", model.SideBid, "1.01", 200)},
		{3, bookQuote("CHIX", model.SideBid, "1.01", 300)},
		{1, bookQuote("TSX", model.SideAsk, "1.05", 100)},
		{2, bookQuote("CHIX", model.SideAsk, "1.04", 100)},
		{3, bookQuote("CHIX", model.SideAsk, "1.04", 100)},
		{2, bookQuote("ALPHA", model.SideBid, "0.99", 50)},
	}

	ladder := func(book []model.Sequenced[model.BookQuote]) string {
		s := ""
		for _, q := range book {
			s += fmt.Sprintf("%s/%s/%d ", q.Value.Venue, q.Value.Quote.Price, q.Value.Quote.Size)
		}
		return s
	}

	var wantBids, wantAsks string
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		perm := rng.Perm(len(updates))
		r := newTestRegistry(nil)
		for _, j := range perm {
			r.UpdateBookQuote(context.Background(), tsx, updates[j].quote, updates[j].source, nil)
		}
		snap, _ := r.FindSnapshot(tsx)
		bids, asks := ladder(snap.BidBook), ladder(snap.AskBook)
		if i == 0 {
			wantBids, wantAsks = bids, asks
			continue
		}
		if bids != wantBids || asks != wantAsks {
			t.Fatalf("permutation %v:\nbids %s\nwant %s\nasks %s\nwant %s", perm, bids, wantBids, asks, wantAsks)
		}
	}

	if wantBids != "CHIX/1.01/300 TSX/1.01/200 TSX/1/100 ALPHA/0.99/50 " {
		t.Errorf("bids = %q", wantBids)
	}
}

func TestRegistry_ClearMatchesNeverPublished(t *testing.T) {
	ctx := context.Background()
	withSource := newTestRegistry(nil)
	without := newTestRegistry(nil)

	withSource.UpdateBookQuote(ctx, tsx, bookQuote("TSX", model.SideBid, "1.00", 100), 1, nil)
	without.UpdateBookQuote(ctx, tsx, bookQuote("TSX", model.SideBid, "1.00", 100), 1, nil)
	withSource.UpdateBookQuote(ctx, tsx, bookQuote("TSX", model.SideBid, "1.02", 100), 2, nil)
	withSource.UpdateBookQuote(ctx, tsx, bookQuote("CHIX", model.SideAsk, "1.03", 100), 2, nil)

	withSource.Clear(2, nil)

	a, _ := withSource.FindSnapshot(tsx)
	b, _ := without.FindSnapshot(tsx)
	if len(a.BidBook) != len(b.BidBook) || len(a.AskBook) != len(b.AskBook) {
		t.Fatalf("books differ: %d/%d vs %d/%d", len(a.BidBook), len(a.AskBook), len(b.BidBook), len(b.AskBook))
	}
	if !a.BidBook[0].Value.Quote.Price.Equal(b.BidBook[0].Value.Quote.Price) {
		t.Errorf("best bid = %s, want %s", a.BidBook[0].Value.Quote.Price, b.BidBook[0].Value.Quote.Price)
	}
}

func TestRegistry_BookNoopsAndRemoval(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(nil)

	calls := 0
	count := func(model.Sequenced[model.BookQuote]) { calls++ }

	q := bookQuote("TSX", model.SideAsk, "2.00", 100)
	r.UpdateBookQuote(ctx, tsx, q, 1, count)
	r.UpdateBookQuote(ctx, tsx, q, 1, count) // Identical
	if calls != 1 {
		t.Errorf("calls = %d after identical update, want 1", calls)
	}

	q.Quote.Size = 0
	r.UpdateBookQuote(ctx, tsx, q, 2, count) // Removing another source's key
	if calls != 1 {
		t.Errorf("calls = %d after removing absent key, want 1", calls)
	}

	r.UpdateBookQuote(ctx, tsx, q, 1, count)
	if calls != 2 {
		t.Errorf("calls = %d after removal, want 2", calls)
	}
	snap, _ := r.FindSnapshot(tsx)
	if len(snap.AskBook) != 0 {
		t.Errorf("len(AskBook) = %d, want 0", len(snap.AskBook))
	}

	if got := r.Stats().BookNoops; got != 2 {
		t.Errorf("BookNoops = %d, want 2", got)
	}
}

func TestRegistry_ConcurrentSequencesAreGapFree(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(nil)

	const publishers, perPublisher = 8, 200

	var mu sync.Mutex
	var seen []model.Sequence
	record := func(v model.Sequenced[model.TimeAndSale]) {
		// Runs under the entry lock, so appends follow sequence order.
		mu.Lock()
		seen = append(seen, v.Sequence)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(source model.SourceID) {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				r.PublishTimeAndSale(ctx, tsx, model.TimeAndSale{Price: money("1.00"), Size: 1}, source, record)
			}
		}(model.SourceID(p + 1))
	}
	wg.Wait()

	if len(seen) != publishers*perPublisher {
		t.Fatalf("len(seen) = %d, want %d", len(seen), publishers*perPublisher)
	}
	for i, seq := range seen {
		if seq != model.Sequence(i+1) {
			t.Fatalf("seen[%d] = %d, want %d", i, seq, i+1)
		}
	}

	candle, _ := r.FindSessionCandlestick(ctx, tsx)
	if candle.Volume != publishers*perPublisher {
		t.Errorf("Volume = %d, want %d", candle.Volume, publishers*perPublisher)
	}
}

type fakeLoader struct {
	mu         sync.Mutex
	seqs       histstore.TickerSequences
	venueSeq   model.Sequence
	closePrice model.Money
	closeCalls int
	err        error
}

func (l *fakeLoader) LoadTickerSequences(ctx context.Context, ticker model.Ticker) (histstore.TickerSequences, error) {
	return l.seqs, l.err
}

func (l *fakeLoader) LoadVenueSequence(ctx context.Context, venue model.Venue) (model.Sequence, error) {
	return l.venueSeq, l.err
}

func (l *fakeLoader) LoadClosePrice(ctx context.Context, ticker model.Ticker) (model.Money, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeCalls++
	return l.closePrice, true, l.err
}

func TestRegistry_ContinuesFromHistory(t *testing.T) {
	ctx := context.Background()
	loader := &fakeLoader{
		seqs:       histstore.TickerSequences{BboQuote: 42, MarketQuote: 1, BookQuote: 7, TimeAndSale: 9},
		venueSeq:   5,
		closePrice: money("3.50"),
	}
	r := newTestRegistry(loader)

	var got model.Sequence
	r.PublishBboQuote(ctx, tsx, bbo("1", "2"), 1, func(v model.Sequenced[model.BboQuote]) { got = v.Sequence })
	if got != 42 {
		t.Errorf("BBO sequence = %d, want 42", got)
	}

	candle, ok := r.FindSessionCandlestick(ctx, tsx)
	if !ok || !candle.Close.Equal(money("3.50")) {
		t.Errorf("Close = %s, %v; want 3.50", candle.Close, ok)
	}
	r.FindSessionCandlestick(ctx, tsx)
	if loader.closeCalls != 1 {
		t.Errorf("closeCalls = %d, want 1", loader.closeCalls)
	}

	r.PublishTimeAndSale(ctx, tsx, model.TimeAndSale{Price: money("3.60"), Size: 10}, 1, nil)
	candle, _ = r.FindSessionCandlestick(ctx, tsx)
	if !candle.Close.Equal(money("3.60")) || !candle.Open.Equal(money("3.60")) || candle.Volume != 10 {
		t.Errorf("candle = %+v, want open/close 3.60 volume 10", candle)
	}

	var imbSeq model.Sequence
	r.PublishOrderImbalance(ctx, "TSX", model.OrderImbalance{Ticker: tsx, Side: model.SideAsk, Size: 500}, 1,
		func(v model.Sequenced[model.OrderImbalance]) {
			imbSeq = v.Sequence
			if !v.Value.ReferencePrice.Equal(money("2")) {
				t.Errorf("ReferencePrice = %s, want ask 2", v.Value.ReferencePrice)
			}
			if v.Index != "TSX" {
				t.Errorf("Index = %q, want TSX", v.Index)
			}
		})
	if imbSeq != 5 {
		t.Errorf("imbalance sequence = %d, want 5", imbSeq)
	}
}

func TestRegistry_LoadFailureStartsFromFirst(t *testing.T) {
	r := newTestRegistry(&fakeLoader{err: errors.New("db down")})

	var got model.Sequence
	r.PublishTimeAndSale(context.Background(), tsx, model.TimeAndSale{Price: money("1"), Size: 1}, 1,
		func(v model.Sequenced[model.TimeAndSale]) { got = v.Sequence })
	if got != model.FirstSequence {
		t.Errorf("sequence = %d, want 1", got)
	}
	if r.Stats().LoadErrors != 1 {
		t.Errorf("LoadErrors = %d, want 1", r.Stats().LoadErrors)
	}
}

func TestRegistry_PrimaryListingAndSearch(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(nil)

	chix := model.Ticker{Symbol: "T", Venue: "CHIX", Country: "CA"}
	if got := r.GetPrimaryListing(chix); got != chix {
		t.Errorf("GetPrimaryListing(unknown) = %v, want input %v", got, chix)
	}

	r.Add(model.TickerInfo{Ticker: tsx, Name: "Telus Corp", BoardLot: 100})
	if got := r.GetPrimaryListing(chix); got != tsx {
		t.Errorf("GetPrimaryListing = %v, want %v", got, tsx)
	}

	// Quotes published against an alternate venue land on the primary index.
	var index string
	r.PublishBboQuote(ctx, chix, bbo("1", "2"), 1, func(v model.Sequenced[model.BboQuote]) { index = v.Index })
	if index != "T.TSX" {
		t.Errorf("Index = %q, want T.TSX", index)
	}

	// First BBO sets the primary venue of an unregistered instrument.
	ry := model.Ticker{Symbol: "RY", Venue: "TSX", Country: "CA"}
	r.PublishBboQuote(ctx, ry, bbo("1", "2"), 1, nil)
	if got := r.GetPrimaryListing(model.Ticker{Symbol: "RY", Country: "CA"}); got != ry {
		t.Errorf("GetPrimaryListing(RY) = %v, want %v", got, ry)
	}

	infos := []model.TickerInfo{
		{Ticker: model.Ticker{Symbol: "TD", Venue: "TSX", Country: "CA"}, Name: "Toronto-Dominion Bank"},
		{Ticker: model.Ticker{Symbol: "BNS", Venue: "TSX", Country: "CA"}, Name: "Bank of Nova Scotia"},
		{Ticker: model.Ticker{Symbol: "BMO", Venue: "TSX", Country: "CA"}, Name: "Bank of Montreal"},
		{Ticker: model.Ticker{Symbol: "XBT", Venue: "TSX", Country: "CA"}, Name: "Bitcoin Trust"},
	}
	for _, info := range infos {
		r.Add(info)
	}

	got := r.SearchTickerInfo("b")
	want := []string{"BMO", "BNS", "XBT", "TD"}
	if len(got) != len(want) {
		t.Fatalf("Search(b) = %d results, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Ticker.Symbol != w {
			t.Errorf("Search(b)[%d] = %s, want %s", i, got[i].Ticker.Symbol, w)
		}
	}

	for i := 0; i < 20; i++ {
		r.Add(model.TickerInfo{Ticker: model.Ticker{Symbol: fmt.Sprintf("Z%02d", i), Country: "CA"}})
	}
	if got := len(r.SearchTickerInfo("z")); got != MaxSearchResults {
		t.Errorf("len(Search(z)) = %d, want %d", got, MaxSearchResults)
	}
	if got := r.SearchTickerInfo("  "); len(got) != 0 {
		t.Errorf("Search(blank) = %d results, want 0", len(got))
	}
}

func TestRegistry_ReAddMovesSearchOrder(t *testing.T) {
	r := newTestRegistry(nil)

	us := model.Ticker{Symbol: "SHOP", Venue: "XNYS", Country: "US"}
	ca := model.Ticker{Symbol: "SHOP", Venue: "TSX", Country: "CA"}
	r.Add(model.TickerInfo{Ticker: us, Name: "Shopify Inc"})
	r.Add(model.TickerInfo{Ticker: ca, Name: "Shopify Inc"})

	tests := []struct {
		name string
		add  *model.TickerInfo
		want []model.Venue
	}{
		{"initial", nil, []model.Venue{"TSX", "XNYS"}},
		{"same venue", &model.TickerInfo{Ticker: ca, Name: "Shopify"}, []model.Venue{"TSX", "XNYS"}},
		{"venue sorts after", &model.TickerInfo{Ticker: model.Ticker{Symbol: "SHOP", Venue: "XTSE", Country: "CA"}}, []model.Venue{"XNYS", "XTSE"}},
		{"venue sorts before", &model.TickerInfo{Ticker: model.Ticker{Symbol: "SHOP", Venue: "ARCX", Country: "CA"}}, []model.Venue{"ARCX", "XNYS"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.add != nil {
				r.Add(*tt.add)
			}
			got := r.SearchTickerInfo("shop")
			if len(got) != len(tt.want) {
				t.Fatalf("Search(shop) = %d results, want %d", len(got), len(tt.want))
			}
			for i, w := range tt.want {
				if got[i].Ticker.Venue != w {
					t.Errorf("Search(shop)[%d].Venue = %s, want %s", i, got[i].Ticker.Venue, w)
				}
			}
		})
	}
}

func TestRegistry_StampsMissingTimestamps(t *testing.T) {
	r := newTestRegistry(nil)
	fixed := time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	var ts time.Time
	r.PublishMarketQuote(context.Background(), tsx, model.MarketQuote{}, 1,
		func(v model.Sequenced[model.MarketQuote]) { ts = v.Timestamp })
	if !ts.Equal(fixed) {
		t.Errorf("Timestamp = %v, want %v", ts, fixed)
	}

	snap, _ := r.FindSnapshot(tsx)
	if _, ok := snap.MarketQuotes["TSX"]; !ok {
		t.Error("market quote should default to the ticker's venue")
	}
	if got := r.Tickers(); len(got) != 1 || got[0] != tsx {
		t.Errorf("Tickers() = %v, want [%v]", got, tsx)
	}
}
