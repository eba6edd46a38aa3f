package stencil

import (
	"math"
	"math/rand"
	"testing"
)

func TestBinFor(t *testing.T) {
	tests := []struct {
		v    float64
		want int
	}{
		{1e-6, 0},
		{1e-5, 200},
		{1e-4, 400},
		{0.001, 600},
		{0.01, 800},
		{0.1, 1000},
		{1, 1200},
		{10, 1400},
		{1e5, 2200},
		{2e-4, 460}, // 200 * (log10(2e-4) + 6) = 460.2
	}
	for _, tt := range tests {
		if got := BinFor(tt.v); got != tt.want {
			t.Errorf("BinFor(%v) = %d, want %d", tt.v, got, tt.want)
		}
	}
}

func TestBinForOutOfRange(t *testing.T) {
	for _, v := range []float64{0, -1, 1e-7, 1e7} {
		if got := BinFor(v); got != -1 {
			t.Errorf("BinFor(%v) = %d, want -1", v, got)
		}
	}
}

func TestAmountForBinRoundTrip(t *testing.T) {
	for _, b := range []int{0, 200, 400, 1200, 2200, 2399} {
		v := AmountForBin(b)
		if got := BinFor(v); got != b {
			t.Errorf("BinFor(AmountForBin(%d)) = %d, want %d", b, got, b)
		}
	}
}

func TestPriceForSlide(t *testing.T) {
	tests := []struct {
		slide float64
		want  float64
	}{
		{-40, 1e6},
		{160, 1e5},
		{360, 1e4},
		{560, 1e3},
		{620, math.Pow(10, 2.7)}, // lower search bound, ~501.2
	}
	for _, tt := range tests {
		got := PriceForSlide(tt.slide)
		if math.Abs(got-tt.want)/tt.want > 1e-9 {
			t.Errorf("PriceForSlide(%v) = %v, want %v", tt.slide, got, tt.want)
		}
	}
}

func TestTemplatesFixedLength(t *testing.T) {
	if got := len(SmoothWeights()); got != TemplateLen {
		t.Errorf("len(SmoothWeights()) = %d, want %d", got, TemplateLen)
	}
	if got := len(SpikeWeights()); got != TemplateLen {
		t.Errorf("len(SpikeWeights()) = %d, want %d", got, TemplateLen)
	}
	// The spike template concentrates weight at the popular note offsets.
	spike := SpikeWeights()
	if spike[240] <= spike[239] || spike[240] <= spike[241] {
		t.Errorf("spike $10 anchor %v not above shoulders %v, %v", spike[240], spike[239], spike[241])
	}
}

func TestFindPriceEmptyHistogram(t *testing.T) {
	counts := make([]float64, BinCount)
	res := FindPrice(counts)
	if res.Valid {
		t.Errorf("FindPrice(empty).Valid = true, want false")
	}
	if res.Price != 0 {
		t.Errorf("FindPrice(empty).Price = %v, want 0", res.Price)
	}
}

func TestFindPriceDeterministic(t *testing.T) {
	counts := syntheticCounts(50000, 0.25, 42)
	a := FindPrice(counts)
	b := FindPrice(counts)
	if a != b {
		t.Errorf("FindPrice not deterministic: %+v vs %+v", a, b)
	}
}

// TestFindPriceJitteredClusters feeds a histogram of round-dollar spends at a
// known price with heavy per-value jitter and requires the recovered price to
// land within ten percent.
func TestFindPriceJitteredClusters(t *testing.T) {
	const truth = 50000.0

	for _, seed := range []int64{1, 7, 1234} {
		counts := syntheticCounts(truth, 0.25, seed)
		res := FindPrice(counts)
		if !res.Valid {
			t.Fatalf("seed %d: FindPrice.Valid = false, want true", seed)
		}
		if res.Price < truth*0.9 || res.Price > truth*1.1 {
			t.Errorf("seed %d: Price = %v, want within 10%% of %v", seed, res.Price, truth)
		}
		// The winning slide must come from note alignment, not from the
		// smooth template drifting toward the histogram's mass centroid.
		if res.Offset < 200 || res.Offset > 240 {
			t.Errorf("seed %d: Offset = %d, want near 220", seed, res.Offset)
		}
	}
}

func TestFindPriceSharpPeaks(t *testing.T) {
	// No jitter at all: every value sits exactly on its note amount.
	counts := syntheticCounts(30000, 0, 1)
	res := FindPrice(counts)
	if !res.Valid {
		t.Fatal("FindPrice.Valid = false, want true")
	}
	if res.Price < 30000*0.95 || res.Price > 30000*1.05 {
		t.Errorf("Price = %v, want within 5%% of 30000", res.Price)
	}
}

// syntheticCounts builds a normalized histogram of round-dollar spends at the
// given USD price, each value jittered by a uniform relative factor.
func syntheticCounts(price, jitter float64, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	counts := make([]float64, BinCount)

	notes := []float64{5, 10, 20, 50, 100}
	for _, note := range notes {
		for i := 0; i < 2000; i++ {
			v := note / price * (1 + 2*jitter*(rng.Float64()-0.5))
			if b := BinFor(v); b >= 0 {
				counts[b]++
			}
		}
	}

	var sum float64
	for b := UsableLow; b < UsableHigh; b++ {
		sum += counts[b]
	}
	for b := UsableLow; b < UsableHigh; b++ {
		counts[b] /= sum
		if counts[b] > MaxDensity {
			counts[b] = MaxDensity
		}
	}
	return counts
}
