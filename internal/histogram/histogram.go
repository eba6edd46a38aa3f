// Package histogram maintains a log-binned count of observed BTC output
// values. The histogram is not goroutine-safe on its own: it is owned and
// mutated by a single writer (the rolling window manager), and every other
// consumer works on a Clone.
package histogram

import (
	"log/slog"

	"github.com/jstrand/chainprice/internal/stencil"
)

// Histogram is a fixed-geometry binned count of BTC amounts.
type Histogram struct {
	counts []float64
	logger *slog.Logger
}

// New creates an empty histogram.
func New(logger *slog.Logger) *Histogram {
	if logger == nil {
		logger = slog.Default()
	}
	return &Histogram{
		counts: make([]float64, stencil.BinCount),
		logger: logger,
	}
}

// usableBin maps an amount to its bin, or -1 for amounts outside the
// [1e-5, 1e5) BTC range the estimator considers.
func usableBin(v float64) int {
	b := stencil.BinFor(v)
	if b < stencil.UsableLow || b >= stencil.UsableHigh {
		return -1
	}
	return b
}

// Add increments the bin for v. Amounts outside the usable range are
// ignored; this is a filter, not an error.
func (h *Histogram) Add(v float64) {
	if b := usableBin(v); b >= 0 {
		h.counts[b]++
	}
}

// Remove decrements the bin for v, clamping at zero. A zero-bin removal is
// unreachable under the single-writer rule, so it is logged as a correctness
// bug signal rather than returned as an error.
func (h *Histogram) Remove(v float64) {
	b := usableBin(v)
	if b < 0 {
		return
	}
	if h.counts[b] <= 0 {
		h.counts[b] = 0
		h.logger.Warn("bin count underflow clamped to zero",
			"bin", b,
			"amount_btc", v,
		)
		return
	}
	h.counts[b]--
}

// SmoothRoundBTC replaces each round-BTC denomination bin with the average
// of its immediate neighbors, removing spending-habit artifacts that would
// otherwise distort pattern matching.
func (h *Histogram) SmoothRoundBTC() {
	for _, b := range stencil.RoundBTCBins {
		if b <= 0 || b >= len(h.counts)-1 {
			continue
		}
		h.counts[b] = (h.counts[b-1] + h.counts[b+1]) / 2
	}
}

// Normalize divides every usable-range bin by the range's total count and
// clips each to the maximum density. It reports false, leaving the counts
// untouched, when the range is empty; the caller must then treat any
// downstream match as invalid.
func (h *Histogram) Normalize() bool {
	var sum float64
	for b := stencil.UsableLow; b < stencil.UsableHigh; b++ {
		sum += h.counts[b]
	}
	if sum == 0 {
		return false
	}
	for b := stencil.UsableLow; b < stencil.UsableHigh; b++ {
		h.counts[b] /= sum
		if h.counts[b] > stencil.MaxDensity {
			h.counts[b] = stencil.MaxDensity
		}
	}
	return true
}

// Counts returns a copy of all bin counts.
func (h *Histogram) Counts() []float64 {
	out := make([]float64, len(h.counts))
	copy(out, h.counts)
	return out
}

// CountAt returns the count of the bin holding v, or 0 for out-of-range
// amounts.
func (h *Histogram) CountAt(v float64) float64 {
	b := usableBin(v)
	if b < 0 {
		return 0
	}
	return h.counts[b]
}

// Clone deep-copies the histogram for read-only consumers.
func (h *Histogram) Clone() *Histogram {
	return &Histogram{
		counts: h.Counts(),
		logger: h.logger,
	}
}

// Empty reports whether every bin is zero.
func (h *Histogram) Empty() bool {
	for _, c := range h.counts {
		if c != 0 {
			return false
		}
	}
	return true
}
