package micro

import "math"

// DerivativesMetrics relates perp pricing to its index.
type DerivativesMetrics struct {
	MarkLastDevBps   *float64 `json:"markLastDevBps"`
	IndexLastDevBps  *float64 `json:"indexLastDevBps"`
	BasisBps         *float64 `json:"basisBps"` // mark vs index
	BasisZ           *float64 `json:"basisZ"`
	LiquidationProxy *float64 `json:"liquidationProxy"` // [-1, 1]
	OIDropPct        *float64 `json:"oiDropPct"`        // negative = OI falling
}

// Derivatives tracks mark/index/last relationships and open interest.
type Derivatives struct {
	basisHist []float64 // rolling basis bps samples
	basisCap  int

	oiHist []oiSample
	oiSpan int64 // ms window for drop detection
}

type oiSample struct {
	tsMs  int64
	value float64
}

// NewDerivatives creates a tracker. basisSamples bounds the basis z-score
// history; oiWindowMs bounds open-interest drop detection.
func NewDerivatives(basisSamples int, oiWindowMs int64) *Derivatives {
	if basisSamples <= 0 {
		basisSamples = 300
	}
	if oiWindowMs <= 0 {
		oiWindowMs = 60_000
	}
	return &Derivatives{basisCap: basisSamples, oiSpan: oiWindowMs}
}

// ObserveFunding folds a mark-price tick.
func (d *Derivatives) ObserveFunding(markPrice, indexPrice float64) {
	if markPrice <= 0 || indexPrice <= 0 {
		return
	}
	basis := (markPrice - indexPrice) / indexPrice * 10_000
	d.basisHist = append(d.basisHist, basis)
	if len(d.basisHist) > d.basisCap {
		d.basisHist = d.basisHist[len(d.basisHist)-d.basisCap:]
	}
}

// ObserveOI folds an open-interest poll.
func (d *Derivatives) ObserveOI(tsMs int64, value float64) {
	d.oiHist = append(d.oiHist, oiSample{tsMs: tsMs, value: value})
	cutoff := tsMs - d.oiSpan
	i := 0
	for i < len(d.oiHist) && d.oiHist[i].tsMs < cutoff {
		i++
	}
	if i > 0 {
		d.oiHist = d.oiHist[i:]
	}
}

// Metrics derives the current snapshot. deltaZ5s feeds the liquidation
// proxy; pass 0,false when unavailable.
func (d *Derivatives) Metrics(markPrice, indexPrice, lastPrice, deltaZ5s float64, deltaZOk bool) DerivativesMetrics {
	var m DerivativesMetrics

	if lastPrice > 0 {
		if markPrice > 0 {
			m.MarkLastDevBps = ratio((markPrice-lastPrice)*10_000, lastPrice)
		}
		if indexPrice > 0 {
			m.IndexLastDevBps = ratio((indexPrice-lastPrice)*10_000, lastPrice)
		}
	}
	if markPrice > 0 && indexPrice > 0 {
		m.BasisBps = ratio((markPrice-indexPrice)*10_000, indexPrice)
	}

	if m.BasisBps != nil && len(d.basisHist) >= 30 {
		mean, std := meanStd(d.basisHist)
		if std > 0 {
			m.BasisZ = val((*m.BasisBps - mean) / std)
		}
	}

	// Liquidation proxy: one-sided flow pressure amplified by basis
	// dislocation. Cascades show extreme signed flow while the perp is
	// pinned away from index.
	if deltaZOk && m.BasisZ != nil {
		amp := 1 + math.Min(math.Abs(*m.BasisZ)/2, 1)
		m.LiquidationProxy = val(clampSigned(deltaZ5s / 4 * amp))
	}

	if len(d.oiHist) >= 2 {
		first := d.oiHist[0]
		last := d.oiHist[len(d.oiHist)-1]
		if first.value > 0 {
			m.OIDropPct = val((last.value - first.value) / first.value * 100)
		}
	}
	return m
}
