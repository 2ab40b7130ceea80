package main

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/mdregistry/internal/model"
	"github.com/rickgao/mdregistry/internal/router"
)

var (
	tick     = decimal.RequireFromString("0.01")
	minPrice = decimal.RequireFromString("0.05")
	mpids    = []string{"RBC", "TD", "CIBC", "BMO", "GSCO", "MSCO"}
)

// instrument is one simulated ticker with a random walk mid price.
type instrument struct {
	ticker model.Ticker
	mid    decimal.Decimal
}

// parseInstruments parses "SYMBOL.VENUE:COUNTRY:PRICE" items.
func parseInstruments(spec string) ([]*instrument, error) {
	var out []*instrument
	for _, item := range strings.Split(spec, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("instrument %q: want SYMBOL.VENUE:COUNTRY:PRICE", item)
		}
		ticker, err := model.ParseTicker(parts[0])
		if err != nil {
			return nil, err
		}
		ticker.Country = strings.ToUpper(parts[1])
		mid, err := decimal.NewFromString(parts[2])
		if err != nil {
			return nil, fmt.Errorf("instrument %q: %w", item, err)
		}
		out = append(out, &instrument{ticker: ticker, mid: mid})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no instruments in %q", spec)
	}
	return out, nil
}

// simulator produces batches of feed messages.
type simulator struct {
	instruments []*instrument
	rng         *rand.Rand
	batches     int
}

func newSimulator(instruments []*instrument, seed uint64) *simulator {
	return &simulator{
		instruments: instruments,
		rng:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (s *simulator) ticks(n int) decimal.Decimal {
	return tick.Mul(decimal.NewFromInt(int64(n)))
}

func (s *simulator) quote(price decimal.Decimal, side model.Side) model.Quote {
	return model.Quote{
		Price: model.Money{Decimal: price},
		Size:  int64(1+s.rng.IntN(20)) * 100,
		Side:  side,
	}
}

// next moves one instrument and returns its updates.
func (s *simulator) next(now time.Time) []router.FeedMessage {
	s.batches++
	in := s.instruments[s.rng.IntN(len(s.instruments))]

	in.mid = in.mid.Add(s.ticks(s.rng.IntN(3) - 1))
	if in.mid.LessThan(minPrice) {
		in.mid = minPrice
	}

	bid := s.quote(in.mid.Sub(tick), model.SideBid)
	ask := s.quote(in.mid.Add(tick), model.SideAsk)

	msgs := []router.FeedMessage{
		router.BboQuoteMessage{
			Ticker: in.ticker,
			Quote:  model.BboQuote{Bid: bid, Ask: ask, Timestamp: now},
		},
		router.MarketQuoteMessage{
			Ticker: in.ticker,
			Quote:  model.MarketQuote{Venue: in.ticker.Venue, Bid: bid, Ask: ask, Timestamp: now},
		},
	}

	// Book quotes, about one in five a removal.
	side := model.SideBid
	price := in.mid.Sub(s.ticks(1 + s.rng.IntN(5)))
	if s.rng.IntN(2) == 0 {
		side = model.SideAsk
		price = in.mid.Add(s.ticks(1 + s.rng.IntN(5)))
	}
	q := s.quote(price, side)
	if s.rng.IntN(5) == 0 {
		q.Size = 0
	}
	mpid := mpids[s.rng.IntN(len(mpids))]
	msgs = append(msgs, router.BookQuoteMessage{
		Ticker: in.ticker,
		Quote: model.BookQuote{
			MPID:          mpid,
			IsPrimaryMPID: mpid == mpids[0],
			Venue:         in.ticker.Venue,
			Quote:         q,
			Timestamp:     now,
		},
	})

	if s.rng.IntN(3) == 0 {
		msgs = append(msgs, router.TimeAndSaleMessage{
			Ticker: in.ticker,
			TimeAndSale: model.TimeAndSale{
				Timestamp:  now,
				Price:      model.Money{Decimal: in.mid},
				Size:       int64(1+s.rng.IntN(10)) * 100,
				Venue:      in.ticker.Venue,
				BuyerMPID:  mpids[s.rng.IntN(len(mpids))],
				SellerMPID: mpids[s.rng.IntN(len(mpids))],
			},
		})
	}

	if s.batches%100 == 0 {
		imbSide := model.SideBid
		if s.rng.IntN(2) == 0 {
			imbSide = model.SideAsk
		}
		msgs = append(msgs, router.OrderImbalanceMessage{
			Venue: in.ticker.Venue,
			Imbalance: model.OrderImbalance{
				Ticker:    in.ticker,
				Side:      imbSide,
				Size:      int64(1+s.rng.IntN(50)) * 1000,
				Timestamp: now,
			},
		})
	}

	return msgs
}

// encodeBatch encodes msgs as one JSON array frame.
func encodeBatch(msgs []router.FeedMessage) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, msg := range msgs {
		data, err := router.EncodeMessage(msg)
		if err != nil {
			return nil, err
		}
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(data)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}
