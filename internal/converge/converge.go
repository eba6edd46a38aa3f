// Package converge turns a rough stencil price into a robust final estimate.
// It derives implied USD prices from window values that look like round-dollar
// spends, then iteratively re-centers on the point minimizing total absolute
// deviation until the price stabilizes.
package converge

import (
	"errors"
	"math"
	"sort"
	"time"

	"github.com/jstrand/chainprice/internal/model"
)

// ErrInsufficientData is returned when too few implied-price points exist to
// converge. The caller keeps its previous valid estimate with a staleness
// flag.
var ErrInsufficientData = errors.New("not enough implied-price points to converge")

// noteSizes are the canonical USD note amounts a round-dollar spend is
// assumed to target.
var noteSizes = []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000}

// noteTolerance is the relative distance from a note size within which a
// USD-converted value counts as a round-dollar spend.
const noteTolerance = 0.25

// Band excludes near-round-satoshi amounts at one magnitude. An amount with
// at least MinSats satoshis is excluded when it sits within Tolerance of a
// multiple of Modulus.
type Band struct {
	MinSats   int64
	Modulus   int64
	Tolerance int64
}

// DefaultBands returns the magnitude-dependent exclusion bands.
func DefaultBands() []Band {
	return []Band{
		{MinSats: 100_000_000, Modulus: 10_000_000, Tolerance: 1_000},
		{MinSats: 10_000_000, Modulus: 1_000_000, Tolerance: 100},
		{MinSats: 1_000_000, Modulus: 100_000, Tolerance: 10},
		{MinSats: 100_000, Modulus: 10_000, Tolerance: 1},
		{MinSats: 0, Modulus: 1_000, Tolerance: 0},
	}
}

// isRoundSats reports whether the amount is suspiciously close to a round
// satoshi figure. Bands must be ordered by descending MinSats; the first
// band covering the magnitude applies.
func isRoundSats(sats int64, bands []Band) bool {
	for _, b := range bands {
		if sats < b.MinSats {
			continue
		}
		r := sats % b.Modulus
		return r <= b.Tolerance || b.Modulus-r <= b.Tolerance
	}
	return false
}

// CollectPoints scans window values and produces one implied USD price per
// (value, note) pair where value*rough lands within the note tolerance.
// Near-round-satoshi amounts are excluded first: they are BTC-denominated
// spends and carry no USD signal.
func CollectPoints(values []model.Value, rough float64, bands []Band) []float64 {
	if rough <= 0 {
		return nil
	}
	points := make([]float64, 0, len(values))
	for _, v := range values {
		if v.BTC <= 0 || isRoundSats(v.Sats, bands) {
			continue
		}
		usd := v.BTC * rough
		for _, note := range noteSizes {
			if math.Abs(usd-note) <= noteTolerance*note {
				points = append(points, note/v.BTC)
			}
		}
	}
	return points
}

// Options tunes the refinement loop.
type Options struct {
	// Epsilon is the relative stability tolerance: iteration stops once
	// |p_new - p_old| < Epsilon*p_old. Exact-repeat termination is unsafe
	// under floating point, which can cycle between near-equal values.
	Epsilon float64

	// MaxIterations caps the loop; hitting it halves the confidence.
	MaxIterations int

	// MinPoints is the minimum sample below which no estimate is produced.
	MinPoints int

	// BandLow and BandHigh bound refinement candidates relative to the
	// current price.
	BandLow, BandHigh float64

	// MaxRelMAD is the relative MAD at which confidence reaches zero.
	MaxRelMAD float64

	// SmallSample and SmallSampleCap cap confidence for thin samples.
	SmallSample    int
	SmallSampleCap float64
}

// DefaultOptions returns the standard refinement tuning.
func DefaultOptions() Options {
	return Options{
		Epsilon:        1e-6,
		MaxIterations:  50,
		MinPoints:      10,
		BandLow:        0.95,
		BandHigh:       1.05,
		MaxRelMAD:      0.05,
		SmallSample:    30,
		SmallSampleCap: 0.7,
	}
}

// Refine iterates from the rough price to the fixed point of the banded
// L1-minimizer and scores its confidence. The returned estimate is invalid
// (with ErrInsufficientData) when fewer than MinPoints points exist.
func Refine(rough float64, points []float64, now time.Time, opts Options) (model.PriceEstimate, error) {
	if len(points) < opts.MinPoints {
		return model.PriceEstimate{
			SampleSize: len(points),
			Timestamp:  now,
		}, ErrInsufficientData
	}

	sorted := make([]float64, len(points))
	copy(sorted, points)
	sort.Float64s(sorted)

	// prefix[i] holds the sum of sorted[:i], so the total L1 distance from
	// any candidate to all points is O(1) per candidate.
	n := len(sorted)
	prefix := make([]float64, n+1)
	for i, v := range sorted {
		prefix[i+1] = prefix[i] + v
	}
	total := prefix[n]

	l1 := func(i int) float64 {
		c := sorted[i]
		left := c*float64(i) - prefix[i]
		right := (total - prefix[i]) - c*float64(n-i)
		return left + right
	}

	p := rough
	converged := false
	iterations := 0
	for it := 1; it <= opts.MaxIterations; it++ {
		iterations = it

		lo := sort.SearchFloat64s(sorted, p*opts.BandLow)
		hi := sort.SearchFloat64s(sorted, p*opts.BandHigh)
		if lo >= hi {
			// No points in band; snap to the nearest point.
			lo = nearestIndex(sorted, p)
			hi = lo + 1
		}

		bestCost := math.Inf(1)
		best := lo
		for i := lo; i < hi; i++ {
			if c := l1(i); c < bestCost {
				bestCost = c
				best = i
			}
		}

		pNew := sorted[best]
		if math.Abs(pNew-p) < opts.Epsilon*p {
			p = pNew
			converged = true
			break
		}
		p = pNew
	}

	conf := confidence(sorted, p, opts)
	if !converged {
		conf *= 0.5
	}

	return model.PriceEstimate{
		Price:      p,
		Confidence: conf,
		SampleSize: n,
		Timestamp:  now,
		Valid:      true,
		Iterations: iterations,
		Converged:  converged,
	}, nil
}

// nearestIndex returns the index of the sorted value closest to p.
func nearestIndex(sorted []float64, p float64) int {
	i := sort.SearchFloat64s(sorted, p)
	if i == len(sorted) {
		return len(sorted) - 1
	}
	if i == 0 {
		return 0
	}
	if p-sorted[i-1] <= sorted[i]-p {
		return i - 1
	}
	return i
}

// confidence maps the relative MAD of the points around the final price into
// [0,1], with a ceiling for small samples.
func confidence(sorted []float64, p float64, opts Options) float64 {
	if p <= 0 {
		return 0
	}
	dev := make([]float64, len(sorted))
	for i, v := range sorted {
		dev[i] = math.Abs(v - p)
	}
	sort.Float64s(dev)
	mad := median(dev)

	conf := 1 - (mad/p)/opts.MaxRelMAD
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	if len(sorted) < opts.SmallSample && conf > opts.SmallSampleCap {
		conf = opts.SmallSampleCap
	}
	return conf
}

// median of an already-sorted slice.
func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
