package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// -----------------------------------------------------------------------------
// Identity
// -----------------------------------------------------------------------------

// Venue identifies a trading venue (e.g. "TSX", "XNAS").
type Venue string

// Ticker identifies a tradable instrument.
//
// Symbol and Country identify the instrument itself; Venue is the market the
// ticker is listed on. An instrument quoted on several venues shares its Key.
type Ticker struct {
	Symbol  string `json:"symbol"`
	Venue   Venue  `json:"venue,omitempty"`
	Country string `json:"country,omitempty"`
}

// ErrInvalidTicker is returned by ParseTicker for malformed input.
var ErrInvalidTicker = errors.New("invalid ticker")

// ParseTicker parses "SYMBOL.VENUE". The country is left empty.
func ParseTicker(s string) (Ticker, error) {
	i := strings.LastIndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return Ticker{}, fmt.Errorf("%w: %q", ErrInvalidTicker, s)
	}
	return Ticker{
		Symbol: strings.ToUpper(s[:i]),
		Venue:  Venue(strings.ToUpper(s[i+1:])),
	}, nil
}

// String returns "SYMBOL.VENUE", or just the symbol when the venue is unknown.
func (t Ticker) String() string {
	if t.Venue == "" {
		return t.Symbol
	}
	return t.Symbol + "." + string(t.Venue)
}

// Key identifies the instrument independent of the listing venue.
func (t Ticker) Key() string {
	return t.Symbol + "|" + t.Country
}

// IsValid reports whether the ticker names an instrument.
func (t Ticker) IsValid() bool {
	return t.Symbol != ""
}

// -----------------------------------------------------------------------------
// Money
// -----------------------------------------------------------------------------

// Money is a decimal price.
type Money struct {
	decimal.Decimal
}

// Zero is the zero price.
var Zero = Money{decimal.Zero}

// NewMoney parses a decimal string such as "1.01". Panics on malformed input,
// use ParseMoney for untrusted data.
func NewMoney(s string) Money {
	return Money{decimal.RequireFromString(s)}
}

// ParseMoney parses a decimal string.
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, err
	}
	return Money{d}, nil
}

// MoneyFromFloat converts a float price.
func MoneyFromFloat(f float64) Money {
	return Money{decimal.NewFromFloat(f)}
}

// Cmp compares two prices.
func (m Money) Cmp(o Money) int {
	return m.Decimal.Cmp(o.Decimal)
}

// Equal reports whether two prices are equal.
func (m Money) Equal(o Money) bool {
	return m.Decimal.Equal(o.Decimal)
}

// -----------------------------------------------------------------------------
// Market data values
// -----------------------------------------------------------------------------

// Side is the side of a quote.
type Side int

const (
	SideNone Side = iota
	SideBid
	SideAsk
)

func (s Side) String() string {
	switch s {
	case SideBid:
		return "BID"
	case SideAsk:
		return "ASK"
	default:
		return "NONE"
	}
}

// ParseSide parses "bid"/"ask" (case-insensitive).
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(s) {
	case "BID", "B":
		return SideBid, nil
	case "ASK", "A", "OFFER":
		return SideAsk, nil
	}
	return SideNone, fmt.Errorf("invalid side %q", s)
}

// MarshalText encodes the side as its name.
func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts any form ParseSide does, plus "NONE" or empty.
func (s *Side) UnmarshalText(text []byte) error {
	if len(text) == 0 || strings.EqualFold(string(text), "NONE") {
		*s = SideNone
		return nil
	}
	v, err := ParseSide(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Quote is a price/size pair on one side.
type Quote struct {
	Price Money `json:"price"`
	Size  int64 `json:"size"`
	Side  Side  `json:"side"`
}

// BboQuote is the best bid and offer reported by a source.
type BboQuote struct {
	Bid       Quote     `json:"bid"`
	Ask       Quote     `json:"ask"`
	Timestamp time.Time `json:"timestamp"`
}

// BookQuote is one participant's resting quote contributing to the book.
type BookQuote struct {
	MPID          string    `json:"mpid"`
	IsPrimaryMPID bool      `json:"is_primary_mpid"`
	Venue         Venue     `json:"venue"` // Originating venue
	Quote         Quote     `json:"quote"`
	Timestamp     time.Time `json:"timestamp"`
}

// MarketQuote is the best bid and offer on a single venue.
type MarketQuote struct {
	Venue     Venue     `json:"venue"`
	Bid       Quote     `json:"bid"`
	Ask       Quote     `json:"ask"`
	Timestamp time.Time `json:"timestamp"`
}

// TimeAndSale is an executed trade print.
type TimeAndSale struct {
	Timestamp  time.Time `json:"timestamp"`
	Price      Money     `json:"price"`
	Size       int64     `json:"size"`
	Condition  string    `json:"condition,omitempty"`
	Venue      Venue     `json:"venue,omitempty"`
	BuyerMPID  string    `json:"buyer_mpid,omitempty"`
	SellerMPID string    `json:"seller_mpid,omitempty"`
}

// OrderImbalance is an auction imbalance published for a venue.
type OrderImbalance struct {
	Ticker         Ticker    `json:"ticker"`
	Side           Side      `json:"side"`
	Size           int64     `json:"size"`
	ReferencePrice Money     `json:"reference_price"`
	Timestamp      time.Time `json:"timestamp"`
}

// -----------------------------------------------------------------------------
// Sequencing
// -----------------------------------------------------------------------------

// Sequence orders values within a single (index, data type) stream.
type Sequence uint64

const (
	// FirstSequence is the lowest sequence assigned to a value.
	FirstSequence Sequence = 1

	// LastSequence is an open upper bound (live-forever).
	LastSequence Sequence = ^Sequence(0)
)

// SourceID identifies the feed connection that contributed a value.
type SourceID uint64

// Sequenced is a value tagged with its index and registry-assigned sequence.
type Sequenced[T any] struct {
	Value     T         `json:"value"`
	Index     string    `json:"index"`
	Sequence  Sequence  `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

// -----------------------------------------------------------------------------
// Registry views
// -----------------------------------------------------------------------------

// TickerInfo is static descriptive metadata for a ticker.
type TickerInfo struct {
	Ticker   Ticker `json:"ticker"`
	Name     string `json:"name"`
	BoardLot int64  `json:"board_lot"`
}

// Candlestick holds the running day-session technicals for a ticker.
type Candlestick struct {
	Open   Money `json:"open"`
	High   Money `json:"high"`
	Low    Money `json:"low"`
	Close  Money `json:"close"`
	Volume int64 `json:"volume"`
}

// TickerSnapshot is a point-in-time read of a ticker's aggregate state.
type TickerSnapshot struct {
	Ticker       Ticker                           `json:"ticker"`
	BboQuote     Sequenced[BboQuote]              `json:"bbo_quote"`
	TimeAndSale  Sequenced[TimeAndSale]           `json:"time_and_sale"`
	MarketQuotes map[Venue]Sequenced[MarketQuote] `json:"market_quotes"`
	BidBook      []Sequenced[BookQuote]           `json:"bid_book"` // Best first
	AskBook      []Sequenced[BookQuote]           `json:"ask_book"` // Best first
}
