package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// WindowID identifies a rolling transaction window.
type WindowID string

const (
	// WindowBaseline holds recently confirmed transactions.
	WindowBaseline WindowID = "baseline"

	// WindowMempool holds unconfirmed mempool transactions.
	WindowMempool WindowID = "mempool"
)

// Valid reports whether the window id is one of the known windows.
func (w WindowID) Valid() bool {
	return w == WindowBaseline || w == WindowMempool
}

// EventKind tags a ValueEvent. Dispatch on it must be exhaustive.
type EventKind int

const (
	// EventAdd introduces a transaction's output values into a window.
	EventAdd EventKind = iota

	// EventRemove evicts a transaction (replace-by-fee, conflict).
	EventRemove

	// EventConfirm moves a transaction's values into the baseline window.
	EventConfirm
)

// String returns the kind's wire name.
func (k EventKind) String() string {
	switch k {
	case EventAdd:
		return "add"
	case EventRemove:
		return "remove"
	case EventConfirm:
		return "confirm"
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// ValueEvent is a single upstream notification. Values are already filtered
// by the upstream parser (no coinbase, no dust, no round-BTC denominations)
// and are positive BTC amounts.
type ValueEvent struct {
	Kind      EventKind
	TxID      string
	Values    []decimal.Decimal
	Window    WindowID
	Timestamp time.Time
}

// Value is a transaction output amount in both the forms the estimator
// needs: float64 BTC for histogram math and exact satoshis for round-amount
// checks.
type Value struct {
	BTC  float64
	Sats int64
}

// ValueFromDecimal converts a wire-format BTC amount.
func ValueFromDecimal(d decimal.Decimal) Value {
	return Value{
		BTC:  d.InexactFloat64(),
		Sats: d.Shift(8).IntPart(),
	}
}

// PriceEstimate is the output of one estimation pass. Immutable once
// produced; a later tick supersedes it rather than mutating it.
type PriceEstimate struct {
	Price      float64
	Confidence float64 // in [0,1]
	SampleSize int     // intraday points behind the estimate
	Timestamp  time.Time
	Valid      bool
	Stale      bool // Valid price carried over from an earlier tick
	Iterations int
	Converged  bool
}

// Snapshot is the published form of an estimate, delivered to sinks.
type Snapshot struct {
	Price      float64  `json:"price"`
	Confidence float64  `json:"confidence"`
	SampleSize uint     `json:"sample_size"`
	Timestamp  float64  `json:"timestamp"` // epoch seconds
	WindowID   WindowID `json:"window_id"`
	Valid      bool     `json:"valid"`
	Stale      bool     `json:"stale"`
}

// SnapshotFrom converts an estimate into its published form.
func SnapshotFrom(e PriceEstimate, w WindowID) Snapshot {
	return Snapshot{
		Price:      e.Price,
		Confidence: e.Confidence,
		SampleSize: uint(e.SampleSize),
		Timestamp:  float64(e.Timestamp.UnixMicro()) / 1e6,
		WindowID:   w,
		Valid:      e.Valid,
		Stale:      e.Stale,
	}
}

// MalformedEventError reports an upstream event that could not be applied.
// Such events are dropped and counted, never forwarded to the histogram.
type MalformedEventError struct {
	Reason string
}

func (e *MalformedEventError) Error() string {
	return "malformed event: " + e.Reason
}
