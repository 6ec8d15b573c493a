package tape

import (
	"testing"

	"perpflow/pkg/types"
)

const baseMs = int64(1_700_000_000_000)

func trade(offsetMs int64, price, qty float64, buyerMaker bool) types.Trade {
	return types.Trade{
		Symbol:       "BTCUSDT",
		TimeMs:       baseMs + offsetMs,
		Price:        price,
		Qty:          qty,
		IsBuyerMaker: buyerMaker,
	}
}

func TestAggressorClassification(t *testing.T) {
	t.Parallel()
	tp := New(DefaultConfig())

	// Executed at the ask: buy regardless of the maker flag.
	tp.OnTrade(trade(0, 101, 2, true), 100, 101)
	// Executed at the bid: sell.
	tp.OnTrade(trade(100, 100, 1, false), 100, 101)
	// Inside the spread: maker flag decides (buyerMaker=false -> buy).
	tp.OnTrade(trade(200, 100.5, 3, false), 100, 101)

	w := tp.Window(5, baseMs+200)
	if w.BuyVolume != 5 {
		t.Errorf("buyVolume = %v, want 5", w.BuyVolume)
	}
	if w.SellVolume != 1 {
		t.Errorf("sellVolume = %v, want 1", w.SellVolume)
	}
	if w.Delta != 4 {
		t.Errorf("delta = %v, want 4", w.Delta)
	}
}

func TestSizeBuckets(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.SmallMaxNotional = 1_000
	cfg.MidMaxNotional = 10_000
	tp := New(cfg)

	tp.OnTrade(trade(0, 100, 5, false), 99, 100)    // 500 notional: small
	tp.OnTrade(trade(10, 100, 50, false), 99, 100)  // 5k: mid
	tp.OnTrade(trade(20, 100, 500, false), 99, 100) // 50k: large

	w := tp.Window(5, baseMs+20)
	if w.SmallCount != 1 || w.MidCount != 1 || w.LargeCount != 1 {
		t.Errorf("buckets = %d/%d/%d, want 1/1/1", w.SmallCount, w.MidCount, w.LargeCount)
	}
}

func TestWindowExcludesOldTrades(t *testing.T) {
	t.Parallel()
	tp := New(DefaultConfig())

	tp.OnTrade(trade(0, 100, 1, false), 99, 100)
	tp.OnTrade(trade(10_000, 100, 2, false), 99, 100)

	w := tp.Window(5, baseMs+10_000)
	if w.BuyVolume != 2 {
		t.Errorf("5s window buyVolume = %v, want 2", w.BuyVolume)
	}
	w = tp.Window(60, baseMs+10_000)
	if w.BuyVolume != 3 {
		t.Errorf("60s window buyVolume = %v, want 3", w.BuyVolume)
	}
}

func TestCVDRotation(t *testing.T) {
	t.Parallel()
	tp := New(DefaultConfig())

	// Land two buys in one 1m bar, then one sell in the next bar.
	barStart := (baseMs / 60_000) * 60_000
	tp.OnTrade(types.Trade{TimeMs: barStart + 1_000, Price: 100, Qty: 2}, 99, 100)
	tp.OnTrade(types.Trade{TimeMs: barStart + 2_000, Price: 100, Qty: 3}, 99, 100)

	c := tp.CVD(types.TF1m, barStart+2_000)
	if c.CVD != 5 || c.Delta != 5 {
		t.Fatalf("cvd=%v delta=%v, want 5/5", c.CVD, c.Delta)
	}

	tp.OnTrade(types.Trade{TimeMs: barStart + 61_000, Price: 100, Qty: 1, IsBuyerMaker: true}, 100, 101)
	c = tp.CVD(types.TF1m, barStart+61_000)
	if c.CVD != 4 {
		t.Errorf("cvd = %v, want 4 (carried)", c.CVD)
	}
	if c.Delta != -1 {
		t.Errorf("delta = %v, want -1 (reset at bar)", c.Delta)
	}

	// 15m bar has not rotated.
	c15 := tp.CVD(types.TF15m, barStart+61_000)
	if c15.Delta != 4 {
		t.Errorf("15m delta = %v, want 4", c15.Delta)
	}
}

func TestBurstTracking(t *testing.T) {
	t.Parallel()
	tp := New(DefaultConfig())

	for i := int64(0); i < 4; i++ {
		tp.OnTrade(trade(i*100, 101, 1, false), 100, 101)
	}
	b := tp.Burst()
	if b.Side != types.BUY || b.Count != 4 {
		t.Errorf("burst = %+v, want BUY x4", b)
	}

	tp.OnTrade(trade(500, 100, 1, true), 100, 101)
	b = tp.Burst()
	if b.Side != types.SELL || b.Count != 1 {
		t.Errorf("burst after flip = %+v, want SELL x1", b)
	}
}

func TestDeltaZNeedsHistory(t *testing.T) {
	t.Parallel()
	tp := New(DefaultConfig())

	tp.OnTrade(trade(0, 100, 1, false), 99, 100)
	if _, ok := tp.DeltaZ(baseMs); ok {
		t.Error("deltaZ available with one second of history")
	}

	// Spread 60 seconds of balanced flow, then a one-sided 5s burst.
	for i := int64(0); i < 60; i++ {
		tp.OnTrade(trade(i*1000, 100, 1, false), 99, 100)
		tp.OnTrade(trade(i*1000+500, 100, 1, true), 99, 100)
	}
	for i := int64(60); i < 65; i++ {
		tp.OnTrade(trade(i*1000, 100, 10, false), 99, 100)
	}
	z, ok := tp.DeltaZ(baseMs + 64_000)
	if !ok {
		t.Fatal("deltaZ unavailable after a minute of history")
	}
	if z <= 1 {
		t.Errorf("z = %v, want strongly positive after buy burst", z)
	}
}

func TestPrintsPerSecondDecay(t *testing.T) {
	t.Parallel()
	tp := New(DefaultConfig())

	for i := int64(0); i < 50; i++ {
		tp.OnTrade(trade(i*100, 100, 1, false), 99, 100)
	}
	fast := tp.PrintsPerSecond(baseMs + 5_000)
	if fast <= 0 {
		t.Fatal("pps should be positive during activity")
	}
	later := tp.PrintsPerSecond(baseMs + 60_000)
	if later >= fast {
		t.Errorf("pps did not decay: %v -> %v", fast, later)
	}
}

func TestCVDSlope(t *testing.T) {
	t.Parallel()
	tp := New(DefaultConfig())

	for i := int64(0); i < 30; i++ {
		tp.OnTrade(trade(i*1000, 100, 2, false), 99, 100)
	}
	slope, ok := tp.CVDSlope(30, baseMs+29_000)
	if !ok {
		t.Fatal("slope unavailable")
	}
	if slope <= 0 {
		t.Errorf("slope = %v, want positive for steady buying", slope)
	}
}

func TestTotals(t *testing.T) {
	t.Parallel()
	tp := New(DefaultConfig())

	tp.OnTrade(trade(0, 100, 2, false), 99, 100)
	tp.OnTrade(trade(10, 200, 1, true), 199, 200)

	vol, notional, n := tp.Totals()
	if vol != 3 || notional != 400 || n != 2 {
		t.Errorf("totals = %v/%v/%d", vol, notional, n)
	}
	if tp.LastPrice() != 200 {
		t.Errorf("lastPrice = %v", tp.LastPrice())
	}
}
