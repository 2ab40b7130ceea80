package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/mdregistry/internal/model"
)

// recordingPublisher records every call it receives.
type recordingPublisher struct {
	mu      sync.Mutex
	calls   []string
	cleared []model.SourceID
	failOn  string
	panicOn string
}

func (p *recordingPublisher) record(kind string, source model.SourceID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if kind == p.panicOn {
		panic("boom")
	}
	if kind == p.failOn {
		return errors.New("publish failed")
	}
	p.calls = append(p.calls, kind)
	return nil
}

func (p *recordingPublisher) PublishBboQuote(_ context.Context, _ model.Ticker, _ model.BboQuote, s model.SourceID) error {
	return p.record("bbo", s)
}

func (p *recordingPublisher) PublishMarketQuote(_ context.Context, _ model.Ticker, _ model.MarketQuote, s model.SourceID) error {
	return p.record("market", s)
}

func (p *recordingPublisher) UpdateBookQuote(_ context.Context, _ model.Ticker, _ model.BookQuote, s model.SourceID) error {
	return p.record("book", s)
}

func (p *recordingPublisher) PublishTimeAndSale(_ context.Context, _ model.Ticker, _ model.TimeAndSale, s model.SourceID) error {
	return p.record("tas", s)
}

func (p *recordingPublisher) PublishOrderImbalance(_ context.Context, _ model.Venue, _ model.OrderImbalance, s model.SourceID) error {
	return p.record("imbalance", s)
}

func (p *recordingPublisher) Clear(s model.SourceID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleared = append(p.cleared, s)
}

func (p *recordingPublisher) snapshot() ([]string, []model.SourceID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...), append([]model.SourceID(nil), p.cleared...)
}

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		check   func(t *testing.T, msg FeedMessage)
		wantErr error
	}{
		{
			name: "bbo quote",
			data: `{"type":"bbo_quote","msg":{"ticker":"td.tsx","country":"CA","bid":{"price":"1.01","size":100},"ask":{"price":"1.02","size":200},"ts":1700000000000000}}`,
			check: func(t *testing.T, msg FeedMessage) {
				m, ok := msg.(BboQuoteMessage)
				if !ok {
					t.Fatalf("type = %T, want BboQuoteMessage", msg)
				}
				if m.Ticker.String() != "TD.TSX" || m.Ticker.Country != "CA" {
					t.Errorf("Ticker = %+v, want TD.TSX/CA", m.Ticker)
				}
				if !m.Quote.Bid.Price.Equal(model.NewMoney("1.01")) || m.Quote.Bid.Side != model.SideBid {
					t.Errorf("Bid = %+v, want 1.01 BID", m.Quote.Bid)
				}
				if m.Quote.Ask.Size != 200 || m.Quote.Ask.Side != model.SideAsk {
					t.Errorf("Ask = %+v, want size 200 ASK", m.Quote.Ask)
				}
				if got := m.Quote.Timestamp.UnixMicro(); got != 1700000000000000 {
					t.Errorf("Timestamp = %d, want 1700000000000000", got)
				}
			},
		},
		{
			name: "book quote removal",
			data: `{"type":"book_quote","msg":{"ticker":"RY.TSX","mpid":"ANON","venue":"CHIX","side":"ask","price":"98.5","size":0}}`,
			check: func(t *testing.T, msg FeedMessage) {
				m, ok := msg.(BookQuoteMessage)
				if !ok {
					t.Fatalf("type = %T, want BookQuoteMessage", msg)
				}
				if m.Quote.Venue != "CHIX" || m.Quote.Quote.Side != model.SideAsk || m.Quote.Quote.Size != 0 {
					t.Errorf("Quote = %+v, want CHIX ASK size 0", m.Quote)
				}
				if !m.Quote.Timestamp.IsZero() {
					t.Errorf("Timestamp = %v, want zero when ts is omitted", m.Quote.Timestamp)
				}
			},
		},
		{
			name: "order imbalance",
			data: `{"type":"order_imbalance","msg":{"venue":"TSX","ticker":"BNS.TSX","side":"bid","size":5000}}`,
			check: func(t *testing.T, msg FeedMessage) {
				m, ok := msg.(OrderImbalanceMessage)
				if !ok {
					t.Fatalf("type = %T, want OrderImbalanceMessage", msg)
				}
				if m.Venue != "TSX" || m.Imbalance.Size != 5000 || !m.Imbalance.ReferencePrice.IsZero() {
					t.Errorf("Imbalance = %+v", m)
				}
			},
		},
		{
			name:    "unknown type",
			data:    `{"type":"heartbeat","msg":{}}`,
			wantErr: ErrUnknownMessage,
		},
		{
			name:    "bad price",
			data:    `{"type":"time_and_sale","msg":{"ticker":"TD.TSX","price":"abc","size":1}}`,
			wantErr: ErrInvalidMessage,
		},
		{
			name:    "bad ticker",
			data:    `{"type":"time_and_sale","msg":{"ticker":"TD","price":"1","size":1}}`,
			wantErr: ErrInvalidMessage,
		},
		{
			name:    "imbalance without venue",
			data:    `{"type":"order_imbalance","msg":{"ticker":"TD.TSX","side":"bid","size":1}}`,
			wantErr: ErrInvalidMessage,
		},
		{
			name:    "not json",
			data:    `{"type":`,
			wantErr: ErrInvalidMessage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeMessage([]byte(tt.data))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("DecodeMessage() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeMessage() error = %v", err)
			}
			tt.check(t, msg)
		})
	}
}

func TestDecodeBatch(t *testing.T) {
	data := `[
		{"type":"time_and_sale","msg":{"ticker":"TD.TSX","price":"80.10","size":100}},
		{"type":"market_quote","msg":{"ticker":"TD.TSX","venue":"CHIX","bid":{"price":"80","size":1},"ask":{"price":"80.2","size":2}}},
		{"type":"bogus","msg":{}},
		{"type":"bbo_quote","msg":{"ticker":"TD.TSX","bid":{},"ask":{}}}
	]`

	msgs, err := DecodeBatch([]byte(data))
	if !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("DecodeBatch() error = %v, want ErrUnknownMessage", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("DecodeBatch() decoded %d messages, want 2", len(msgs))
	}
	if _, ok := msgs[1].(MarketQuoteMessage); !ok {
		t.Errorf("msgs[1] type = %T, want MarketQuoteMessage", msgs[1])
	}

	if _, err := DecodeBatch([]byte("  ")); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("DecodeBatch(empty) error = %v, want ErrInvalidMessage", err)
	}
}

func TestEncodeMessage_Decodes(t *testing.T) {
	ts := time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)
	in := TimeAndSaleMessage{
		Ticker: model.Ticker{Symbol: "ENB", Venue: "TSX", Country: "CA"},
		TimeAndSale: model.TimeAndSale{
			Timestamp: ts,
			Price:     model.NewMoney("52.37"),
			Size:      300,
			Venue:     "ALPHA",
			BuyerMPID: "7",
		},
	}

	data, err := EncodeMessage(in)
	if err != nil {
		t.Fatalf("EncodeMessage() error = %v", err)
	}
	msg, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("DecodeMessage() error = %v", err)
	}
	out := msg.(TimeAndSaleMessage)
	if out.Ticker != in.Ticker {
		t.Errorf("Ticker = %+v, want %+v", out.Ticker, in.Ticker)
	}
	if !out.TimeAndSale.Price.Equal(in.TimeAndSale.Price) || !out.TimeAndSale.Timestamp.Equal(ts) {
		t.Errorf("TimeAndSale = %+v, want %+v", out.TimeAndSale, in.TimeAndSale)
	}
}

func TestRouter_AcceptAssignsIncreasingIDs(t *testing.T) {
	r := NewRouter(&recordingPublisher{}, nil)

	a := r.Accept()
	b := r.Accept()
	if b <= a {
		t.Errorf("Accept() ids = %d, %d, want increasing", a, b)
	}
	if got := r.Stats().SourcesActive; got != 2 {
		t.Errorf("SourcesActive = %d, want 2", got)
	}
}

func TestRouter_HandleDispatchesByType(t *testing.T) {
	p := &recordingPublisher{}
	r := NewRouter(p, nil)
	src := r.Accept()
	ticker := model.Ticker{Symbol: "TD", Venue: "TSX"}

	msgs := []FeedMessage{
		BboQuoteMessage{Ticker: ticker},
		MarketQuoteMessage{Ticker: ticker},
		BookQuoteMessage{Ticker: ticker},
		TimeAndSaleMessage{Ticker: ticker},
		OrderImbalanceMessage{Venue: "TSX"},
	}
	if err := r.Handle(context.Background(), src, msgs); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	calls, _ := p.snapshot()
	want := []string{"bbo", "market", "book", "tas", "imbalance"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("calls[%d] = %q, want %q", i, calls[i], want[i])
		}
	}

	stats := r.Stats()
	if stats.MessagesReceived != 5 || stats.MessagesRouted != 5 {
		t.Errorf("Stats = %+v, want 5 received and routed", stats)
	}
}

func TestRouter_FailingMessageIsSkipped(t *testing.T) {
	p := &recordingPublisher{failOn: "book", panicOn: "tas"}
	r := NewRouter(p, nil)
	src := r.Accept()

	msgs := []FeedMessage{
		BookQuoteMessage{},
		TimeAndSaleMessage{},
		BboQuoteMessage{},
	}
	if err := r.Handle(context.Background(), src, msgs); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	calls, _ := p.snapshot()
	if len(calls) != 1 || calls[0] != "bbo" {
		t.Errorf("calls = %v, want [bbo]", calls)
	}
	stats := r.Stats()
	if stats.PublishErrors != 2 || stats.MessagesRouted != 1 {
		t.Errorf("Stats = %+v, want 2 publish errors and 1 routed", stats)
	}
}

func TestRouter_HandleRaw(t *testing.T) {
	p := &recordingPublisher{}
	r := NewRouter(p, nil)
	src := r.Accept()
	ctx := context.Background()

	if err := r.HandleRaw(ctx, src, []byte(`{"type":"time_and_sale","msg":{"ticker":"TD.TSX","price":"1","size":1}}`)); err != nil {
		t.Errorf("HandleRaw() error = %v", err)
	}
	if err := r.HandleRaw(ctx, src, []byte(`not json`)); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("HandleRaw(garbage) error = %v, want ErrInvalidMessage", err)
	}
	if err := r.HandleRaw(ctx, src, []byte(`{"type":"status","msg":{}}`)); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("HandleRaw(unknown) error = %v, want ErrUnknownMessage", err)
	}

	stats := r.Stats()
	if stats.ParseErrors != 1 || stats.UnknownMessages != 1 || stats.MessagesRouted != 1 {
		t.Errorf("Stats = %+v, want 1 parse error, 1 unknown, 1 routed", stats)
	}
}

func TestRouter_CloseClearsOnce(t *testing.T) {
	p := &recordingPublisher{}
	r := NewRouter(p, nil)
	a := r.Accept()
	b := r.Accept()

	r.Close(a)
	r.Close(a)

	_, cleared := p.snapshot()
	if len(cleared) != 1 || cleared[0] != a {
		t.Errorf("cleared = %v, want [%d]", cleared, a)
	}

	err := r.Handle(context.Background(), a, []FeedMessage{BboQuoteMessage{}})
	if !errors.Is(err, ErrUnknownSource) {
		t.Errorf("Handle() after Close error = %v, want ErrUnknownSource", err)
	}
	if err := r.Handle(context.Background(), b, []FeedMessage{BboQuoteMessage{}}); err != nil {
		t.Errorf("Handle() on open source error = %v", err)
	}
	if got := r.Stats().SourcesActive; got != 1 {
		t.Errorf("SourcesActive = %d, want 1", got)
	}
}
