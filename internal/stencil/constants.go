package stencil

import "math"

// Bin geometry for the value histogram. The stencil templates are calibrated
// against this exact geometry; neither may change independently of the other.
const (
	// BinsPerDecade is the number of log-spaced subdivisions per factor of 10.
	BinsPerDecade = 200

	// LowExp and HighExp bound the histogram at 1e-6..1e6 BTC.
	LowExp  = -6
	HighExp = 6

	// BinCount is the total number of histogram bins.
	BinCount = BinsPerDecade * (HighExp - LowExp)

	// UsableLow and UsableHigh bound the bins that participate in
	// normalization and matching: [1e-5, 1e5) BTC. UsableHigh is exclusive.
	UsableLow  = BinsPerDecade * (-5 - LowExp) // bin for 1e-5
	UsableHigh = BinsPerDecade * (5 - LowExp)  // bin for 1e5

	// MaxDensity clips a single normalized bin so dust spam cannot swamp
	// the stencil match.
	MaxDensity = 0.008

	// binEdgeEps keeps exact powers of ten from landing one bin low when
	// log10 rounds just under the edge.
	binEdgeEps = 1e-9
)

// BinFor maps a BTC amount to its histogram bin, or -1 when the amount falls
// outside the histogram bounds.
func BinFor(v float64) int {
	if v <= 0 {
		return -1
	}
	b := int(math.Floor(BinsPerDecade*(math.Log10(v)-LowExp) + binEdgeEps))
	if b < 0 || b >= BinCount {
		return -1
	}
	return b
}

// AmountForBin returns the BTC amount at the lower edge of a bin.
func AmountForBin(b int) float64 {
	return math.Pow(10, float64(b)/BinsPerDecade+LowExp)
}

// RoundBTCBins lists the bins holding human-habitual round BTC denominations
// (1k sats through 1 BTC). These are spending-convenience artifacts, not
// price signals, and are smoothed away before matching.
var RoundBTCBins = []int{
	200,  // 1k sats
	260,  // 2k sats
	295,  // 3k sats
	339,  // 5k sats
	400,  // 10k sats
	460,  // 20k sats
	495,  // 30k sats
	539,  // 50k sats
	600,  // 100k sats
	660,  // 0.002 BTC
	695,  // 0.003 BTC
	739,  // 0.005 BTC
	800,  // 0.01 BTC
	860,  // 0.02 BTC
	895,  // 0.03 BTC
	939,  // 0.05 BTC
	1000, // 0.1 BTC
	1060, // 0.2 BTC
	1095, // 0.3 BTC
	1139, // 0.5 BTC
	1200, // 1 BTC
}

// Template geometry and scoring parameters.
const (
	// TemplateLen is the fixed length of both stencil templates.
	TemplateLen = 803

	// dollarAnchor is the template index aligned with the $1 output bin.
	dollarAnchor = 40

	// SlideMin and SlideMax bound the slide search, covering implied prices
	// of $1,000,000 down to $500 per BTC.
	SlideMin = -40
	SlideMax = 620

	// SmoothWeight scales the smooth template's score against the spike
	// template's in the combined slide score.
	SmoothWeight = 0.65

	// MinValidScore is the floor below which a best match is reported
	// invalid rather than converted to a price.
	MinValidScore = 1e-9

	// centroidRadius bounds the score-weighted refinement around the
	// winning slide offset.
	centroidRadius = 30

	// spikeSpread is the half-width, in bins, of the triangular dispersion
	// applied to each spike anchor. Real spends scatter around the note
	// amount as fees and price drift smear the BTC value, so each anchor
	// scores a neighborhood rather than a single bin. 24 bins covers a
	// roughly +/-25% scatter at 200 bins per decade.
	spikeSpread = 24
)

// Smooth template shape: a broad bell falloff with a shallow linear ramp.
// The amplitude keeps the smooth term a weak prior: across the slide range
// its variation stays well under the spike correlation's margin between a
// correct and a one-note-shifted alignment, so it breaks ties toward
// plausible mass placement without ever overriding the spikes.
// Calibrated; do not re-derive.
const (
	smoothAmp  = 0.0001
	smoothMean = 411.0
	smoothStd  = 201.7
	smoothRamp = 0.00000002
)

// spikeCalibration holds the calibrated spike weights. Each entry is a
// template offset (dollarAnchor + round(200*log10(note)) for USD note sizes
// $1..$1000, popular notes with one-bin shoulders) and its empirical weight.
// Calibrated; do not re-derive.
var spikeCalibration = []struct {
	offset int
	weight float64
}{
	{40, 0.001300198324984352},  // $1
	{100, 0.001676746949820743}, // $2
	{135, 0.001468805546942046}, // $3
	{160, 0.001405066647961839}, // $4
	{179, 0.001341772718156079}, // $5
	{180, 0.003341772718156079},
	{181, 0.001588902624584287},
	{196, 0.001577893841190244}, // $6
	{221, 0.001676117748975647}, // $8
	{239, 0.002918457489366139}, // $10
	{240, 0.006174500465286022},
	{241, 0.004417068070043504},
	{256, 0.001258828161543839}, // $12
	{275, 0.001697463611984264}, // $15
	{299, 0.002345811575152181}, // $20
	{300, 0.004073244356813073},
	{301, 0.002129445163798684},
	{320, 0.001998069076757039}, // $25
	{335, 0.001917913337408884}, // $30
	{360, 0.001861532512476094}, // $40
	{379, 0.001874514610361451}, // $50
	{380, 0.003724815555952555},
	{381, 0.001872863010919682},
	{396, 0.001492948745285358}, // $60
	{421, 0.001390452081979463}, // $80
	{439, 0.002028851354375256}, // $100
	{440, 0.004805932568315542},
	{441, 0.002320723994867401},
	{475, 0.001265227700816714}, // $150
	{500, 0.002931204563784221}, // $200
	{535, 0.001651117748975647}, // $300
	{580, 0.002219484004573972}, // $500
	{640, 0.002755975679007964}, // $1000
}

var (
	smoothTemplate [TemplateLen]float64
	spikeTemplate  [TemplateLen]float64
)

func init() {
	for i := 0; i < TemplateLen; i++ {
		d := float64(i) - smoothMean
		smoothTemplate[i] = smoothAmp*math.Exp(-d*d/(2*smoothStd*smoothStd)) + smoothRamp*float64(i)
	}
	// Each anchor's weight is spread over a unit-sum triangular kernel so a
	// value cluster centered on a note correlates to a peak at its center
	// rather than a flat plateau with edge bias.
	for _, c := range spikeCalibration {
		for db := -spikeSpread; db <= spikeSpread; db++ {
			i := c.offset + db
			if i < 0 || i >= TemplateLen {
				continue
			}
			ad := db
			if ad < 0 {
				ad = -ad
			}
			spikeTemplate[i] += c.weight * (1 - float64(ad)/spikeSpread) / spikeSpread
		}
	}
}

// SmoothWeights returns a copy of the smooth template.
func SmoothWeights() []float64 {
	out := make([]float64, TemplateLen)
	copy(out, smoothTemplate[:])
	return out
}

// SpikeWeights returns a copy of the spike template.
func SpikeWeights() []float64 {
	out := make([]float64, TemplateLen)
	copy(out, spikeTemplate[:])
	return out
}

// PriceForSlide converts a (possibly fractional) slide offset to the implied
// USD price of one BTC.
func PriceForSlide(slide float64) float64 {
	return math.Pow(10, float64(HighExp)-(slide+dollarAnchor)/BinsPerDecade)
}
