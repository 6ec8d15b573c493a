package micro

import "time"

// SessionName identifies a trading session anchored to UTC.
type SessionName string

const (
	SessionAsia   SessionName = "asia"   // 00:00-08:00 UTC
	SessionLondon SessionName = "london" // 08:00-13:00 UTC
	SessionNY     SessionName = "ny"     // 13:00-24:00 UTC
)

// SessionVWAPSnapshot is the published session-anchored VWAP state.
type SessionVWAPSnapshot struct {
	Name             SessionName `json:"name"`
	SessionStartMs   int64       `json:"sessionStartMs"`
	ElapsedMs        int64       `json:"elapsedMs"`
	Value            *float64    `json:"value"`
	PriceDistanceBps *float64    `json:"priceDistanceBps"`
	SessionHigh      *float64    `json:"sessionHigh"`
	SessionLow       *float64    `json:"sessionLow"`
	SessionRangePct  *float64    `json:"sessionRangePct"`
}

// SessionVWAP accumulates a piecewise per-session anchored VWAP.
// Accumulators reset when the UTC session boundary rolls over.
type SessionVWAP struct {
	name    SessionName
	startMs int64

	pvSum  float64 // sum(price * qty)
	volSum float64
	high   float64
	low    float64
}

// NewSessionVWAP creates an empty tracker; the first observation anchors it.
func NewSessionVWAP() *SessionVWAP {
	return &SessionVWAP{}
}

// sessionAt maps a UTC timestamp to its session and start time.
func sessionAt(tsMs int64) (SessionName, int64) {
	t := time.UnixMilli(tsMs).UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch h := t.Hour(); {
	case h < 8:
		return SessionAsia, day.UnixMilli()
	case h < 13:
		return SessionLondon, day.Add(8 * time.Hour).UnixMilli()
	default:
		return SessionNY, day.Add(13 * time.Hour).UnixMilli()
	}
}

// Observe folds one trade into the session accumulators, rolling the
// session over first when the boundary has passed.
func (s *SessionVWAP) Observe(tsMs int64, price, qty float64) {
	if price <= 0 || qty < 0 {
		return
	}
	name, start := sessionAt(tsMs)
	if start != s.startMs || name != s.name {
		*s = SessionVWAP{name: name, startMs: start}
	}

	s.pvSum += price * qty
	s.volSum += qty
	if s.high == 0 || price > s.high {
		s.high = price
	}
	if s.low == 0 || price < s.low {
		s.low = price
	}
}

// Snapshot renders the current state. lastPrice feeds the distance metric;
// pass 0 when unknown.
func (s *SessionVWAP) Snapshot(nowMs int64, lastPrice float64) SessionVWAPSnapshot {
	snap := SessionVWAPSnapshot{
		Name:           s.name,
		SessionStartMs: s.startMs,
	}
	if s.startMs > 0 {
		snap.ElapsedMs = nowMs - s.startMs
	}
	vwap := ratio(s.pvSum, s.volSum)
	snap.Value = vwap
	if vwap != nil && lastPrice > 0 {
		snap.PriceDistanceBps = ratio((lastPrice-*vwap)*10_000, *vwap)
	}
	if s.high > 0 {
		snap.SessionHigh = val(s.high)
		snap.SessionLow = val(s.low)
		if s.low > 0 {
			snap.SessionRangePct = ratio((s.high-s.low)*100, s.low)
		}
	}
	return snap
}
