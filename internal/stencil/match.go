// Package stencil estimates a rough BTC/USD price level by sliding two fixed
// weight templates across a normalized value histogram and scoring the
// cross-correlation at each offset.
package stencil

import "math"

// Result is the outcome of a slide search.
type Result struct {
	// Offset is the winning integer slide offset.
	Offset int

	// Score is the combined score at the winning offset.
	Score float64

	// Price is the implied USD price per BTC, refined around the winning
	// offset. Zero when Valid is false.
	Price float64

	// Valid is false when no offset scored above MinValidScore.
	Valid bool
}

// FindPrice slides both templates across the histogram counts and returns the
// best-fit price level. Counts must be the full histogram (BinCount bins),
// smoothed and normalized by the caller; a flat or empty histogram yields an
// invalid Result. The search is deterministic: equal scores resolve to the
// lowest offset.
func FindPrice(counts []float64) Result {
	scores := make([]float64, SlideMax-SlideMin+1)

	best := math.Inf(-1)
	bestSlide := SlideMin
	for s := SlideMin; s <= SlideMax; s++ {
		score := scoreAt(counts, s)
		scores[s-SlideMin] = score
		if score > best {
			best = score
			bestSlide = s
		}
	}

	if best < MinValidScore {
		return Result{Offset: bestSlide}
	}

	return Result{
		Offset: bestSlide,
		Score:  best,
		Price:  PriceForSlide(refineSlide(scores, bestSlide)),
		Valid:  true,
	}
}

// scoreAt computes spike + SmoothWeight*smooth at one slide offset.
func scoreAt(counts []float64, slide int) float64 {
	lo := 0
	if slide < 0 {
		lo = -slide
	}
	hi := TemplateLen
	if slide+hi > len(counts) {
		hi = len(counts) - slide
	}

	var spike, smooth float64
	for t := lo; t < hi; t++ {
		c := counts[slide+t]
		spike += spikeTemplate[t] * c
		smooth += smoothTemplate[t] * c
	}
	return spike + SmoothWeight*smooth
}

// refineSlide turns the winning integer offset into a fractional one by
// taking the baseline-subtracted, score-weighted centroid of its
// neighborhood. A raw argmax sits on the dense edge of a wide value cluster;
// the centroid recovers the cluster center and collapses to the argmax for
// sharp peaks.
func refineSlide(scores []float64, bestSlide int) float64 {
	lo := bestSlide - centroidRadius
	if lo < SlideMin {
		lo = SlideMin
	}
	hi := bestSlide + centroidRadius
	if hi > SlideMax {
		hi = SlideMax
	}

	baseline := math.Inf(1)
	for s := lo; s <= hi; s++ {
		if v := scores[s-SlideMin]; v < baseline {
			baseline = v
		}
	}

	var num, den float64
	for s := lo; s <= hi; s++ {
		w := scores[s-SlideMin] - baseline
		num += float64(s) * w
		den += w
	}
	if den <= 0 {
		return float64(bestSlide)
	}
	return num / den
}
