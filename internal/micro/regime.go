package micro

import "math"

// RegimeMetrics characterizes the current volatility and trend regime.
type RegimeMetrics struct {
	RealizedVol1m  *float64 `json:"realizedVol1m"` // stdev of 1s log returns, per-window
	RealizedVol5m  *float64 `json:"realizedVol5m"`
	RealizedVol15m *float64 `json:"realizedVol15m"`
	VolOfVol       *float64 `json:"volOfVol"`
	MicroATR       *float64 `json:"microAtr"`   // EWMA of |price change| per second
	Chop           *float64 `json:"chop"`       // [0,1], 1 = pure chop
	Trendiness     *float64 `json:"trendiness"` // [0,1], 1 = pure trend
}

// Regime tracks second-resolution prices for volatility and trend metrics.
type Regime struct {
	prices []priceSample // one per second, last wins
	cap    int

	rvHist []float64 // rolling 1m realized vols for vol-of-vol
	rvCap  int

	microATR   float64
	atrPrimed  bool
	lastPrice  float64
	lastSec    int64
	atrAlpha   float64
	minSamples int
}

type priceSample struct {
	sec   int64
	price float64
}

// NewRegime creates a tracker holding a 15m price horizon.
func NewRegime() *Regime {
	return &Regime{
		cap:        900,
		rvCap:      120,
		atrAlpha:   0.1,
		minSamples: 30,
	}
}

// Observe folds one price observation (typically per trade or per tick).
func (r *Regime) Observe(tsMs int64, price float64) {
	if price <= 0 {
		return
	}
	sec := tsMs / 1000

	if n := len(r.prices); n > 0 && r.prices[n-1].sec == sec {
		r.prices[n-1].price = price
	} else {
		r.prices = append(r.prices, priceSample{sec: sec, price: price})
		if len(r.prices) > r.cap {
			r.prices = r.prices[len(r.prices)-r.cap:]
		}
		// Once per second: update micro-ATR and the vol-of-vol history.
		if r.atrPrimed && r.lastPrice > 0 {
			r.microATR = r.microATR*(1-r.atrAlpha) + math.Abs(price-r.lastPrice)*r.atrAlpha
		} else {
			r.atrPrimed = true
		}
		if rv, ok := r.realizedVol(60); ok {
			r.rvHist = append(r.rvHist, rv)
			if len(r.rvHist) > r.rvCap {
				r.rvHist = r.rvHist[len(r.rvHist)-r.rvCap:]
			}
		}
	}
	r.lastPrice = price
	r.lastSec = sec
}

// Metrics derives the regime snapshot.
func (r *Regime) Metrics() RegimeMetrics {
	var m RegimeMetrics

	if rv, ok := r.realizedVol(60); ok {
		m.RealizedVol1m = val(rv)
	}
	if rv, ok := r.realizedVol(300); ok {
		m.RealizedVol5m = val(rv)
	}
	if rv, ok := r.realizedVol(900); ok {
		m.RealizedVol15m = val(rv)
	}

	if len(r.rvHist) >= r.minSamples {
		_, std := meanStd(r.rvHist)
		m.VolOfVol = val(std)
	}

	if r.atrPrimed && r.microATR > 0 {
		m.MicroATR = val(r.microATR)
	}

	if trend, chop, ok := r.efficiency(300); ok {
		m.Trendiness = val(trend)
		m.Chop = val(chop)
	}
	return m
}

// realizedVol is the population stdev of per-second log returns over the
// trailing windowSecs.
func (r *Regime) realizedVol(windowSecs int64) (float64, bool) {
	if len(r.prices) < 2 {
		return 0, false
	}
	cutoff := r.lastSec - windowSecs
	var rets []float64
	for i := 1; i < len(r.prices); i++ {
		if r.prices[i].sec < cutoff {
			continue
		}
		prev := r.prices[i-1].price
		cur := r.prices[i].price
		if prev <= 0 || cur <= 0 {
			continue
		}
		rets = append(rets, math.Log(cur/prev))
	}
	if len(rets) < r.minSamples {
		return 0, false
	}
	_, std := meanStd(rets)
	if math.IsNaN(std) || math.IsInf(std, 0) {
		return 0, false
	}
	return std * math.Sqrt(float64(len(rets))), true
}

// efficiency is the Kaufman-style ratio |net move| / path length over the
// window: trendiness = ratio, chop = 1 - ratio.
func (r *Regime) efficiency(windowSecs int64) (trend, chop float64, ok bool) {
	if len(r.prices) < 2 {
		return 0, 0, false
	}
	cutoff := r.lastSec - windowSecs
	var path float64
	var first, last float64
	n := 0
	for i := 1; i < len(r.prices); i++ {
		if r.prices[i].sec < cutoff {
			continue
		}
		if first == 0 {
			first = r.prices[i-1].price
		}
		path += math.Abs(r.prices[i].price - r.prices[i-1].price)
		last = r.prices[i].price
		n++
	}
	if n < r.minSamples || path == 0 || first == 0 {
		return 0, 0, false
	}
	trend = clamp01(math.Abs(last-first) / path)
	return trend, 1 - trend, true
}
