package router

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rickgao/mdregistry/internal/model"
)

var (
	// ErrUnknownMessage is returned for a well-formed frame with an
	// unrecognized type.
	ErrUnknownMessage = errors.New("unknown message type")

	// ErrInvalidMessage is returned for a frame that cannot be decoded.
	ErrInvalidMessage = errors.New("invalid message")
)

// FeedMessage is a market data update received from a feed.
// The concrete type is one of the *Message types in this package.
type FeedMessage interface {
	feedMessage()
}

// BboQuoteMessage carries a source's best bid and offer for a ticker.
type BboQuoteMessage struct {
	Ticker model.Ticker
	Quote  model.BboQuote
}

// MarketQuoteMessage carries one venue's best bid and offer.
type MarketQuoteMessage struct {
	Ticker model.Ticker
	Quote  model.MarketQuote
}

// BookQuoteMessage carries a single book quote add, change or removal.
type BookQuoteMessage struct {
	Ticker model.Ticker
	Quote  model.BookQuote
}

// TimeAndSaleMessage carries a trade print.
type TimeAndSaleMessage struct {
	Ticker      model.Ticker
	TimeAndSale model.TimeAndSale
}

// OrderImbalanceMessage carries an auction imbalance for a venue.
type OrderImbalanceMessage struct {
	Venue     model.Venue
	Imbalance model.OrderImbalance
}

func (BboQuoteMessage) feedMessage()       {}
func (MarketQuoteMessage) feedMessage()    {}
func (BookQuoteMessage) feedMessage()      {}
func (TimeAndSaleMessage) feedMessage()    {}
func (OrderImbalanceMessage) feedMessage() {}

// Wire message types.
const (
	typeBboQuote       = "bbo_quote"
	typeMarketQuote    = "market_quote"
	typeBookQuote      = "book_quote"
	typeTimeAndSale    = "time_and_sale"
	typeOrderImbalance = "order_imbalance"
)

// Wire types for JSON parsing.
//
// Every frame is {"type": ..., "msg": {...}}. Prices are decimal strings,
// timestamps are microseconds since the epoch (0 means unset), and tickers
// are "SYMBOL.VENUE".

type messageEnvelope struct {
	Type string          `json:"type"`
	Msg  json.RawMessage `json:"msg"`
}

type quoteWire struct {
	Price string `json:"price,omitempty"`
	Size  int64  `json:"size"`
}

type bboQuoteWire struct {
	Ticker  string    `json:"ticker"`
	Country string    `json:"country,omitempty"`
	Bid     quoteWire `json:"bid"`
	Ask     quoteWire `json:"ask"`
	Ts      int64     `json:"ts,omitempty"`
}

type marketQuoteWire struct {
	Ticker  string    `json:"ticker"`
	Country string    `json:"country,omitempty"`
	Venue   string    `json:"venue,omitempty"`
	Bid     quoteWire `json:"bid"`
	Ask     quoteWire `json:"ask"`
	Ts      int64     `json:"ts,omitempty"`
}

type bookQuoteWire struct {
	Ticker      string `json:"ticker"`
	Country     string `json:"country,omitempty"`
	MPID        string `json:"mpid,omitempty"`
	PrimaryMPID bool   `json:"primary_mpid,omitempty"`
	Venue       string `json:"venue,omitempty"`
	Side        string `json:"side"`
	Price       string `json:"price"`
	Size        int64  `json:"size"`
	Ts          int64  `json:"ts,omitempty"`
}

type timeAndSaleWire struct {
	Ticker     string `json:"ticker"`
	Country    string `json:"country,omitempty"`
	Price      string `json:"price"`
	Size       int64  `json:"size"`
	Condition  string `json:"condition,omitempty"`
	Venue      string `json:"venue,omitempty"`
	BuyerMPID  string `json:"buyer_mpid,omitempty"`
	SellerMPID string `json:"seller_mpid,omitempty"`
	Ts         int64  `json:"ts,omitempty"`
}

type orderImbalanceWire struct {
	Venue          string `json:"venue"`
	Ticker         string `json:"ticker"`
	Country        string `json:"country,omitempty"`
	Side           string `json:"side"`
	Size           int64  `json:"size"`
	ReferencePrice string `json:"reference_price,omitempty"`
	Ts             int64  `json:"ts,omitempty"`
}

// DecodeBatch decodes a frame holding either a single message object or a
// JSON array of them. Decoding stops at the first bad element; the messages
// decoded before it are returned with the error.
func DecodeBatch(data []byte) ([]FeedMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrInvalidMessage)
	}
	if data[0] != '[' {
		msg, err := DecodeMessage(data)
		if err != nil {
			return nil, err
		}
		return []FeedMessage{msg}, nil
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	msgs := make([]FeedMessage, 0, len(raws))
	for i, raw := range raws {
		msg, err := DecodeMessage(raw)
		if err != nil {
			return msgs, fmt.Errorf("element %d: %w", i, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// DecodeMessage decodes a single message object.
func DecodeMessage(data []byte) (FeedMessage, error) {
	var env messageEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if len(env.Msg) == 0 {
		return nil, fmt.Errorf("%w: %q has no msg", ErrInvalidMessage, env.Type)
	}

	var (
		msg FeedMessage
		err error
	)
	switch env.Type {
	case typeBboQuote:
		msg, err = parseBboQuote(env.Msg)
	case typeMarketQuote:
		msg, err = parseMarketQuote(env.Msg)
	case typeBookQuote:
		msg, err = parseBookQuote(env.Msg)
	case typeTimeAndSale:
		msg, err = parseTimeAndSale(env.Msg)
	case typeOrderImbalance:
		msg, err = parseOrderImbalance(env.Msg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, env.Type, err)
	}
	return msg, nil
}

func parseBboQuote(data []byte) (FeedMessage, error) {
	var w bboQuoteWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	ticker, err := parseTicker(w.Ticker, w.Country)
	if err != nil {
		return nil, err
	}
	bid, err := parseQuote(w.Bid, model.SideBid)
	if err != nil {
		return nil, fmt.Errorf("bid: %w", err)
	}
	ask, err := parseQuote(w.Ask, model.SideAsk)
	if err != nil {
		return nil, fmt.Errorf("ask: %w", err)
	}
	return BboQuoteMessage{
		Ticker: ticker,
		Quote:  model.BboQuote{Bid: bid, Ask: ask, Timestamp: fromMicros(w.Ts)},
	}, nil
}

func parseMarketQuote(data []byte) (FeedMessage, error) {
	var w marketQuoteWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	ticker, err := parseTicker(w.Ticker, w.Country)
	if err != nil {
		return nil, err
	}
	bid, err := parseQuote(w.Bid, model.SideBid)
	if err != nil {
		return nil, fmt.Errorf("bid: %w", err)
	}
	ask, err := parseQuote(w.Ask, model.SideAsk)
	if err != nil {
		return nil, fmt.Errorf("ask: %w", err)
	}
	return MarketQuoteMessage{
		Ticker: ticker,
		Quote: model.MarketQuote{
			Venue:     model.Venue(w.Venue),
			Bid:       bid,
			Ask:       ask,
			Timestamp: fromMicros(w.Ts),
		},
	}, nil
}

func parseBookQuote(data []byte) (FeedMessage, error) {
	var w bookQuoteWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	ticker, err := parseTicker(w.Ticker, w.Country)
	if err != nil {
		return nil, err
	}
	side, err := model.ParseSide(w.Side)
	if err != nil {
		return nil, err
	}
	q, err := parseQuote(quoteWire{Price: w.Price, Size: w.Size}, side)
	if err != nil {
		return nil, err
	}
	return BookQuoteMessage{
		Ticker: ticker,
		Quote: model.BookQuote{
			MPID:          w.MPID,
			IsPrimaryMPID: w.PrimaryMPID,
			Venue:         model.Venue(w.Venue),
			Quote:         q,
			Timestamp:     fromMicros(w.Ts),
		},
	}, nil
}

func parseTimeAndSale(data []byte) (FeedMessage, error) {
	var w timeAndSaleWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	ticker, err := parseTicker(w.Ticker, w.Country)
	if err != nil {
		return nil, err
	}
	price, err := parsePrice(w.Price)
	if err != nil {
		return nil, err
	}
	return TimeAndSaleMessage{
		Ticker: ticker,
		TimeAndSale: model.TimeAndSale{
			Timestamp:  fromMicros(w.Ts),
			Price:      price,
			Size:       w.Size,
			Condition:  w.Condition,
			Venue:      model.Venue(w.Venue),
			BuyerMPID:  w.BuyerMPID,
			SellerMPID: w.SellerMPID,
		},
	}, nil
}

func parseOrderImbalance(data []byte) (FeedMessage, error) {
	var w orderImbalanceWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	if w.Venue == "" {
		return nil, errors.New("venue is required")
	}
	ticker, err := parseTicker(w.Ticker, w.Country)
	if err != nil {
		return nil, err
	}
	side, err := model.ParseSide(w.Side)
	if err != nil {
		return nil, err
	}
	ref, err := parsePrice(w.ReferencePrice)
	if err != nil {
		return nil, err
	}
	return OrderImbalanceMessage{
		Venue: model.Venue(w.Venue),
		Imbalance: model.OrderImbalance{
			Ticker:         ticker,
			Side:           side,
			Size:           w.Size,
			ReferencePrice: ref,
			Timestamp:      fromMicros(w.Ts),
		},
	}, nil
}

func parseTicker(s, country string) (model.Ticker, error) {
	t, err := model.ParseTicker(s)
	if err != nil {
		return model.Ticker{}, err
	}
	t.Country = country
	return t, nil
}

func parseQuote(w quoteWire, side model.Side) (model.Quote, error) {
	price, err := parsePrice(w.Price)
	if err != nil {
		return model.Quote{}, err
	}
	return model.Quote{Price: price, Size: w.Size, Side: side}, nil
}

// parsePrice parses a decimal string; empty means zero.
func parsePrice(s string) (model.Money, error) {
	if s == "" {
		return model.Zero, nil
	}
	m, err := model.ParseMoney(s)
	if err != nil {
		return model.Money{}, fmt.Errorf("price %q: %w", s, err)
	}
	return m, nil
}

func fromMicros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}

func toMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func formatPrice(m model.Money) string {
	return m.String()
}

func sideName(s model.Side) string {
	switch s {
	case model.SideBid:
		return "bid"
	case model.SideAsk:
		return "ask"
	}
	return ""
}

// EncodeMessage encodes msg in the feed wire format.
func EncodeMessage(msg FeedMessage) ([]byte, error) {
	var (
		typ  string
		body any
	)
	switch m := msg.(type) {
	case BboQuoteMessage:
		typ = typeBboQuote
		body = bboQuoteWire{
			Ticker:  m.Ticker.String(),
			Country: m.Ticker.Country,
			Bid:     quoteWire{Price: formatPrice(m.Quote.Bid.Price), Size: m.Quote.Bid.Size},
			Ask:     quoteWire{Price: formatPrice(m.Quote.Ask.Price), Size: m.Quote.Ask.Size},
			Ts:      toMicros(m.Quote.Timestamp),
		}
	case MarketQuoteMessage:
		typ = typeMarketQuote
		body = marketQuoteWire{
			Ticker:  m.Ticker.String(),
			Country: m.Ticker.Country,
			Venue:   string(m.Quote.Venue),
			Bid:     quoteWire{Price: formatPrice(m.Quote.Bid.Price), Size: m.Quote.Bid.Size},
			Ask:     quoteWire{Price: formatPrice(m.Quote.Ask.Price), Size: m.Quote.Ask.Size},
			Ts:      toMicros(m.Quote.Timestamp),
		}
	case BookQuoteMessage:
		typ = typeBookQuote
		body = bookQuoteWire{
			Ticker:      m.Ticker.String(),
			Country:     m.Ticker.Country,
			MPID:        m.Quote.MPID,
			PrimaryMPID: m.Quote.IsPrimaryMPID,
			Venue:       string(m.Quote.Venue),
			Side:        sideName(m.Quote.Quote.Side),
			Price:       formatPrice(m.Quote.Quote.Price),
			Size:        m.Quote.Quote.Size,
			Ts:          toMicros(m.Quote.Timestamp),
		}
	case TimeAndSaleMessage:
		typ = typeTimeAndSale
		body = timeAndSaleWire{
			Ticker:     m.Ticker.String(),
			Country:    m.Ticker.Country,
			Price:      formatPrice(m.TimeAndSale.Price),
			Size:       m.TimeAndSale.Size,
			Condition:  m.TimeAndSale.Condition,
			Venue:      string(m.TimeAndSale.Venue),
			BuyerMPID:  m.TimeAndSale.BuyerMPID,
			SellerMPID: m.TimeAndSale.SellerMPID,
			Ts:         toMicros(m.TimeAndSale.Timestamp),
		}
	case OrderImbalanceMessage:
		typ = typeOrderImbalance
		body = orderImbalanceWire{
			Venue:          string(m.Venue),
			Ticker:         m.Imbalance.Ticker.String(),
			Country:        m.Imbalance.Ticker.Country,
			Side:           sideName(m.Imbalance.Side),
			Size:           m.Imbalance.Size,
			ReferencePrice: formatPrice(m.Imbalance.ReferencePrice),
			Ts:             toMicros(m.Imbalance.Timestamp),
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(messageEnvelope{Type: typ, Msg: raw})
}
