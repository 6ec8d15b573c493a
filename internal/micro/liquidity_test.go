package micro

import (
	"math"
	"testing"
)

func almostEq(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestComputeLiquidityBasics(t *testing.T) {
	t.Parallel()

	in := LiquidityInputs{
		Bids: []PriceLevel{{Price: 100, Qty: 2}, {Price: 99, Qty: 3}},
		Asks: []PriceLevel{{Price: 101, Qty: 1}, {Price: 102, Qty: 4}},
	}
	m := ComputeLiquidity(in)

	if m.Microprice == nil || !almostEq(*m.Microprice, (100*1+101*2)/3.0) {
		t.Errorf("microprice = %v", deref(m.Microprice))
	}
	if m.SpreadBps == nil || !almostEq(*m.SpreadBps, 1.0*10_000/100.5) {
		t.Errorf("spreadBps = %v", deref(m.SpreadBps))
	}
	if m.Imbalance1 == nil || !almostEq(*m.Imbalance1, (2.0-1.0)/3.0) {
		t.Errorf("imbalance1 = %v", deref(m.Imbalance1))
	}
	if m.Imbalance5 == nil || !almostEq(*m.Imbalance5, 0) {
		t.Errorf("imbalance5 = %v, want 0 (5 vs 5)", deref(m.Imbalance5))
	}
}

func TestComputeLiquidityEmptyBook(t *testing.T) {
	t.Parallel()

	m := ComputeLiquidity(LiquidityInputs{Bids: []PriceLevel{{Price: 100, Qty: 1}}})
	if m.Microprice != nil || m.SpreadBps != nil || m.Imbalance1 != nil {
		t.Error("one-sided book must yield nil metrics")
	}
}

func TestExpectedSlippage(t *testing.T) {
	t.Parallel()

	asks := []PriceLevel{{Price: 101, Qty: 1}, {Price: 102, Qty: 4}}
	mid := 100.5

	// Exactly one level: fill VWAP is 101.
	got := expectedSlippageBps(asks, 101, mid)
	want := (101 - mid) / mid * 10_000
	if got == nil || !almostEq(*got, want) {
		t.Errorf("slippage = %v, want %v", deref(got), want)
	}

	// Book cannot absorb the notional at all.
	if expectedSlippageBps(asks, 1_000_000, mid) != nil {
		t.Error("unabsorbable notional must yield nil")
	}
}

func TestEffectiveAndRealizedSpread(t *testing.T) {
	t.Parallel()

	in := LiquidityInputs{
		Bids:           []PriceLevel{{Price: 100, Qty: 2}},
		Asks:           []PriceLevel{{Price: 101, Qty: 1}},
		LastTradePrice: 101,
		PrevTradePrice: 101,
		PrevTradeIsBuy: true,
		MidNow:         100.5,
	}
	m := ComputeLiquidity(in)

	wantEff := 2 * 0.5 * 10_000 / 100.5
	if m.EffectiveSpreadBps == nil || !almostEq(*m.EffectiveSpreadBps, wantEff) {
		t.Errorf("effectiveSpreadBps = %v, want %v", deref(m.EffectiveSpreadBps), wantEff)
	}

	// A buyer paid 101 and mid settled back to 100.5: the maker kept spread.
	wantReal := 2 * -1.0 * (100.5 - 101) * 10_000 / 100.5
	if m.RealizedSpreadBps == nil || !almostEq(*m.RealizedSpreadBps, wantReal) {
		t.Errorf("realizedSpreadBps = %v, want %v", deref(m.RealizedSpreadBps), wantReal)
	}
	if *m.RealizedSpreadBps <= 0 {
		t.Error("price reversion after a buy should be maker-positive")
	}
}

func TestWallAndVoidScore(t *testing.T) {
	t.Parallel()

	// One dominant level on the bid side.
	bids := []PriceLevel{{Price: 100, Qty: 90}, {Price: 99, Qty: 5}}
	asks := []PriceLevel{{Price: 101, Qty: 5}}
	wall := wallScore(bids, asks, 20)
	if wall == nil || !almostEq(*wall, 0.9) {
		t.Errorf("wallScore = %v, want 0.9", deref(wall))
	}

	// Widest gap dominates the span.
	bids = []PriceLevel{{Price: 100, Qty: 1}, {Price: 99.9, Qty: 1}, {Price: 90, Qty: 1}}
	void := voidScore(bids, asks, 20)
	if void == nil || *void < 0.9 {
		t.Errorf("voidScore = %v, want near 1", deref(void))
	}
}
