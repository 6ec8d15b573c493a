// Package tape aggregates the aggressive trade flow for one symbol.
//
// It maintains per-second buckets over a 15 minute horizon and derives the
// rolling-window aggregates the telemetry layer publishes: aggressive
// buy/sell volume, trade counts by size bucket, signed-delta z-scores,
// cumulative volume delta per timeframe, same-side burst detection, and a
// decaying prints-per-second estimate.
//
// Owned by the symbol pipeline goroutine; not concurrency-safe.
package tape

import (
	"math"

	"perpflow/pkg/types"
)

// horizonSec is the longest window served (15m).
const horizonSec = 900

// CVDState tiers the 1m delta z-score for display.
type CVDState string

const (
	CVDNormal  CVDState = "Normal"
	CVDHighVol CVDState = "HighVol"
	CVDExtreme CVDState = "Extreme"
)

// Config tunes bucket boundaries and tiering bands.
type Config struct {
	SmallMaxNotional float64 // upper bound of the "small" bucket (USD)
	MidMaxNotional   float64 // upper bound of the "mid" bucket (USD)
	ZBandHigh        float64 // |z| above this: HighVol
	ZBandExtreme     float64 // |z| above this: Extreme
	PPSTauSec        float64 // EWMA time constant for prints/sec
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SmallMaxNotional: 1_000,
		MidMaxNotional:   25_000,
		ZBandHigh:        2.0,
		ZBandExtreme:     4.0,
		PPSTauSec:        5,
	}
}

// WindowStats are the aggregates over one rolling window.
type WindowStats struct {
	BuyVolume   float64 `json:"buyVolume"`
	SellVolume  float64 `json:"sellVolume"`
	Delta       float64 `json:"delta"` // buy - sell
	BuyCount    int     `json:"buyCount"`
	SellCount   int     `json:"sellCount"`
	SmallCount  int     `json:"smallCount"`
	MidCount    int     `json:"midCount"`
	LargeCount  int     `json:"largeCount"`
	Notional    float64 `json:"notional"`
	TradeCount  int     `json:"tradeCount"`
	WindowSecs  int     `json:"windowSecs"`
	LastPrice   float64 `json:"lastPrice"`
	LastTradeMs int64   `json:"lastTradeMs"`
}

// TimeframeCVD is the per-timeframe cumulative volume delta state.
// CVD carries across bar boundaries; Delta resets each bar.
type TimeframeCVD struct {
	CVD      float64  `json:"cvd"`
	Delta    float64  `json:"delta"`
	State    CVDState `json:"state"`
	BarStart int64    `json:"barStartMs"`
}

// Burst reports the current run of consecutive same-side aggressive trades.
type Burst struct {
	Side  types.Side `json:"side"`
	Count int        `json:"count"`
}

type secBucket struct {
	sec        int64
	buyVol     float64
	sellVol    float64
	buyCount   int
	sellCount  int
	smallCount int
	midCount   int
	largeCount int
	notional   float64
	cvdAtEnd   float64 // session CVD after the last trade of this second
}

// Tape is the per-symbol trade aggregator.
type Tape struct {
	cfg     Config
	buckets [horizonSec]secBucket

	tfs map[types.Timeframe]*TimeframeCVD

	sessionCVD    float64
	totalVolume   float64
	totalNotional float64
	tradeCount    int64
	lastPrice     float64
	lastTradeMs   int64

	burst Burst

	pps       float64
	ppsLastMs int64
}

// New creates an empty tape.
func New(cfg Config) *Tape {
	return &Tape{
		cfg: cfg,
		tfs: map[types.Timeframe]*TimeframeCVD{
			types.TF1m:  {State: CVDNormal},
			types.TF5m:  {State: CVDNormal},
			types.TF15m: {State: CVDNormal},
		},
	}
}

// OnTrade folds one trade into all windows. bestBid/bestAsk classify the
// aggressor: executions at or through the ask are buys, at or through the
// bid are sells; inside the spread the stream's maker flag decides.
func (t *Tape) OnTrade(tr types.Trade, bestBid, bestAsk float64) {
	buy := !tr.IsBuyerMaker
	switch {
	case bestAsk > 0 && tr.Price >= bestAsk:
		buy = true
	case bestBid > 0 && tr.Price <= bestBid:
		buy = false
	}

	signed := tr.Qty
	if !buy {
		signed = -tr.Qty
	}
	notional := tr.Price * tr.Qty

	sec := tr.TimeMs / 1000
	b := t.bucket(sec)
	if buy {
		b.buyVol += tr.Qty
		b.buyCount++
	} else {
		b.sellVol += tr.Qty
		b.sellCount++
	}
	switch {
	case notional <= t.cfg.SmallMaxNotional:
		b.smallCount++
	case notional <= t.cfg.MidMaxNotional:
		b.midCount++
	default:
		b.largeCount++
	}
	b.notional += notional

	t.sessionCVD += signed
	b.cvdAtEnd = t.sessionCVD
	t.totalVolume += tr.Qty
	t.totalNotional += notional
	t.tradeCount++
	t.lastPrice = tr.Price
	t.lastTradeMs = tr.TimeMs

	t.rotateCVD(tr.TimeMs)
	for _, tf := range t.tfs {
		tf.CVD += signed
		tf.Delta += signed
	}
	t.retier(tr.TimeMs)

	// Burst: consecutive same-side aggressive prints.
	side := types.SELL
	if buy {
		side = types.BUY
	}
	if t.burst.Side == side {
		t.burst.Count++
	} else {
		t.burst = Burst{Side: side, Count: 1}
	}

	// Prints/sec as a decaying event-rate EWMA.
	if t.ppsLastMs > 0 && t.cfg.PPSTauSec > 0 {
		dt := float64(tr.TimeMs-t.ppsLastMs) / 1000
		if dt > 0 {
			t.pps *= math.Exp(-dt / t.cfg.PPSTauSec)
		}
	}
	if t.cfg.PPSTauSec > 0 {
		t.pps += 1 / t.cfg.PPSTauSec
	}
	t.ppsLastMs = tr.TimeMs
}

// Window aggregates the last windowSecs seconds ending at nowMs.
func (t *Tape) Window(windowSecs int, nowMs int64) WindowStats {
	if windowSecs > horizonSec {
		windowSecs = horizonSec
	}
	nowSec := nowMs / 1000
	out := WindowStats{
		WindowSecs:  windowSecs,
		LastPrice:   t.lastPrice,
		LastTradeMs: t.lastTradeMs,
	}
	for s := nowSec - int64(windowSecs) + 1; s <= nowSec; s++ {
		b := &t.buckets[s%horizonSec]
		if b.sec != s {
			continue
		}
		out.BuyVolume += b.buyVol
		out.SellVolume += b.sellVol
		out.BuyCount += b.buyCount
		out.SellCount += b.sellCount
		out.SmallCount += b.smallCount
		out.MidCount += b.midCount
		out.LargeCount += b.largeCount
		out.Notional += b.notional
	}
	out.Delta = out.BuyVolume - out.SellVolume
	out.TradeCount = out.BuyCount + out.SellCount
	return out
}

// DeltaZ is the z-score of the signed 5s delta against the distribution of
// per-second deltas over the full horizon. Returns false when fewer than
// 30 seconds of history exist or variance is zero.
func (t *Tape) DeltaZ(nowMs int64) (float64, bool) {
	return t.deltaZOver(5, nowMs)
}

func (t *Tape) deltaZOver(windowSecs int, nowMs int64) (float64, bool) {
	nowSec := nowMs / 1000
	var sum, sumSq float64
	var n int
	for s := nowSec - horizonSec + 1; s <= nowSec; s++ {
		b := &t.buckets[s%horizonSec]
		if b.sec != s {
			continue
		}
		d := b.buyVol - b.sellVol
		sum += d
		sumSq += d * d
		n++
	}
	if n < 30 {
		return 0, false
	}
	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	if variance <= 0 {
		return 0, false
	}
	std := math.Sqrt(variance)

	w := t.Window(windowSecs, nowMs)
	z := (w.Delta - mean*float64(windowSecs)) / (std * math.Sqrt(float64(windowSecs)))
	if math.IsNaN(z) || math.IsInf(z, 0) {
		return 0, false
	}
	return z, true
}

// CVD returns the per-timeframe CVD snapshot, rotating bars to nowMs first.
func (t *Tape) CVD(tf types.Timeframe, nowMs int64) TimeframeCVD {
	t.rotateCVD(nowMs)
	if s, ok := t.tfs[tf]; ok {
		return *s
	}
	return TimeframeCVD{State: CVDNormal}
}

// SessionCVD returns the running aggressor-signed volume sum.
func (t *Tape) SessionCVD() float64 { return t.sessionCVD }

// CVDSlope estimates the session CVD slope in qty/sec over the trailing
// window. Returns false without enough populated seconds.
func (t *Tape) CVDSlope(windowSecs int, nowMs int64) (float64, bool) {
	if windowSecs > horizonSec {
		windowSecs = horizonSec
	}
	nowSec := nowMs / 1000
	var first, last *secBucket
	for s := nowSec - int64(windowSecs) + 1; s <= nowSec; s++ {
		b := &t.buckets[s%horizonSec]
		if b.sec != s {
			continue
		}
		if first == nil {
			first = b
		}
		last = b
	}
	if first == nil || last == nil || first == last || last.sec == first.sec {
		return 0, false
	}
	return (last.cvdAtEnd - first.cvdAtEnd) / float64(last.sec-first.sec), true
}

// Burst returns the current same-side run.
func (t *Tape) Burst() Burst { return t.burst }

// PrintsPerSecond returns the decayed event rate as of nowMs.
func (t *Tape) PrintsPerSecond(nowMs int64) float64 {
	if t.ppsLastMs == 0 || t.cfg.PPSTauSec <= 0 {
		return 0
	}
	dt := float64(nowMs-t.ppsLastMs) / 1000
	if dt <= 0 {
		return t.pps
	}
	return t.pps * math.Exp(-dt/t.cfg.PPSTauSec)
}

// Totals returns session-wide volume, notional, and trade count.
func (t *Tape) Totals() (volume, notional float64, trades int64) {
	return t.totalVolume, t.totalNotional, t.tradeCount
}

// LastPrice returns the most recent trade price (0 before any trade).
func (t *Tape) LastPrice() float64 { return t.lastPrice }

func (t *Tape) bucket(sec int64) *secBucket {
	b := &t.buckets[sec%horizonSec]
	if b.sec != sec {
		*b = secBucket{sec: sec, cvdAtEnd: t.sessionCVD}
	}
	return b
}

// rotateCVD resets per-bar deltas when a timeframe crosses a bar boundary.
// The running CVD carries across the boundary.
func (t *Tape) rotateCVD(nowMs int64) {
	for tf, s := range t.tfs {
		barStart := (nowMs / tf.Millis()) * tf.Millis()
		if s.BarStart == 0 {
			s.BarStart = barStart
			continue
		}
		if barStart > s.BarStart {
			s.Delta = 0
			s.BarStart = barStart
		}
	}
}

// retier updates the display tier from the 1m delta z-score.
func (t *Tape) retier(nowMs int64) {
	z, ok := t.deltaZOver(60, nowMs)
	state := CVDNormal
	if ok {
		az := math.Abs(z)
		switch {
		case az >= t.cfg.ZBandExtreme:
			state = CVDExtreme
		case az >= t.cfg.ZBandHigh:
			state = CVDHighVol
		}
	}
	for _, s := range t.tfs {
		s.State = state
	}
}
