// Package model defines shared data types used across the chainprice pipeline.
//
// Conventions:
//   - BTC amounts: decimal.Decimal on the wire (exact satoshis), float64 once
//     inside the histogram/estimation math
//   - USD prices: float64
//   - Timestamps: time.Time internally, float64 epoch seconds on published
//     snapshots
package model
