package micro

import (
	"testing"
	"time"
)

func utcMs(hour, min int) int64 {
	return time.Date(2026, 3, 2, hour, min, 0, 0, time.UTC).UnixMilli()
}

func TestSessionAt(t *testing.T) {
	t.Parallel()

	cases := []struct {
		ts        int64
		wantName  SessionName
		wantStart int64
	}{
		{utcMs(0, 0), SessionAsia, utcMs(0, 0)},
		{utcMs(7, 59), SessionAsia, utcMs(0, 0)},
		{utcMs(8, 0), SessionLondon, utcMs(8, 0)},
		{utcMs(12, 30), SessionLondon, utcMs(8, 0)},
		{utcMs(13, 0), SessionNY, utcMs(13, 0)},
		{utcMs(23, 59), SessionNY, utcMs(13, 0)},
	}
	for _, c := range cases {
		name, start := sessionAt(c.ts)
		if name != c.wantName || start != c.wantStart {
			t.Errorf("sessionAt(%d) = %s/%d, want %s/%d", c.ts, name, start, c.wantName, c.wantStart)
		}
	}
}

func TestSessionVWAPAccumulation(t *testing.T) {
	t.Parallel()

	v := NewSessionVWAP()
	v.Observe(utcMs(1, 0), 100, 1)
	v.Observe(utcMs(2, 0), 102, 1)

	snap := v.Snapshot(utcMs(3, 0), 102)
	if snap.Name != SessionAsia {
		t.Errorf("name = %s, want asia", snap.Name)
	}
	if snap.Value == nil || !almostEq(*snap.Value, 101) {
		t.Errorf("vwap = %v, want 101", deref(snap.Value))
	}
	if snap.PriceDistanceBps == nil || !almostEq(*snap.PriceDistanceBps, (102-101.0)*10_000/101) {
		t.Errorf("priceDistanceBps = %v", deref(snap.PriceDistanceBps))
	}
	if snap.SessionHigh == nil || *snap.SessionHigh != 102 || snap.SessionLow == nil || *snap.SessionLow != 100 {
		t.Errorf("high/low = %v/%v", deref(snap.SessionHigh), deref(snap.SessionLow))
	}
	if snap.SessionRangePct == nil || !almostEq(*snap.SessionRangePct, 2) {
		t.Errorf("rangePct = %v, want 2", deref(snap.SessionRangePct))
	}
}

func TestSessionVWAPRollover(t *testing.T) {
	t.Parallel()

	v := NewSessionVWAP()
	v.Observe(utcMs(7, 0), 100, 10)
	v.Observe(utcMs(9, 0), 200, 1) // london boundary crossed, accumulators reset

	snap := v.Snapshot(utcMs(9, 1), 200)
	if snap.Name != SessionLondon {
		t.Errorf("name = %s, want london", snap.Name)
	}
	if snap.Value == nil || !almostEq(*snap.Value, 200) {
		t.Errorf("vwap = %v, want 200 after reset", deref(snap.Value))
	}
	if snap.SessionLow == nil || *snap.SessionLow != 200 {
		t.Errorf("sessionLow = %v, want 200 after reset", deref(snap.SessionLow))
	}
}

func TestSessionVWAPEmpty(t *testing.T) {
	t.Parallel()

	snap := NewSessionVWAP().Snapshot(utcMs(1, 0), 100)
	if snap.Value != nil || snap.SessionHigh != nil {
		t.Error("empty tracker must report nil values")
	}
}
