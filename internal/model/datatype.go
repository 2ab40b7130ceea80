package model

import (
	"fmt"
	"strings"
)

// MarketDataType enumerates the market data streams.
type MarketDataType int

const (
	BboQuoteType MarketDataType = iota
	MarketQuoteType
	BookQuoteType
	TimeAndSaleType
	OrderImbalanceType
)

// AllMarketDataTypes lists every stream in declaration order.
var AllMarketDataTypes = []MarketDataType{
	BboQuoteType,
	MarketQuoteType,
	BookQuoteType,
	TimeAndSaleType,
	OrderImbalanceType,
}

var dataTypeNames = [...]string{
	BboQuoteType:       "BBO_QUOTE",
	MarketQuoteType:    "MARKET_QUOTE",
	BookQuoteType:      "BOOK_QUOTE",
	TimeAndSaleType:    "TIME_AND_SALE",
	OrderImbalanceType: "ORDER_IMBALANCE",
}

func (t MarketDataType) String() string {
	if t < 0 || int(t) >= len(dataTypeNames) {
		return fmt.Sprintf("MarketDataType(%d)", int(t))
	}
	return dataTypeNames[t]
}

// ParseMarketDataType parses names such as "BBO_QUOTE" or "bbo_quote".
func ParseMarketDataType(s string) (MarketDataType, error) {
	upper := strings.ToUpper(s)
	for i, name := range dataTypeNames {
		if name == upper {
			return MarketDataType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown market data type %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t MarketDataType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *MarketDataType) UnmarshalText(b []byte) error {
	parsed, err := ParseMarketDataType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
