// Package model defines shared data types used across the market data registry.
//
// Conventions:
//   - Prices: model.Money (decimal, no floating point rounding)
//   - Sizes: int64 shares/contracts
//   - Timestamps: time.Time in UTC
//   - Indexes: Ticker.String() for security data, Venue for market-wide data
//   - Sequences: per (index, data type), strictly increasing from 1
package model
