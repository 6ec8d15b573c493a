package micro

import "testing"

func TestPassiveFlowDecomposition(t *testing.T) {
	t.Parallel()

	pf := NewPassiveFlow(10_000)
	pf.Observe(0, []PriceLevel{{Price: 100, Qty: 10}}, []PriceLevel{{Price: 101, Qty: 10}}, 0, 0)

	// Bid depth grew 4 with nothing traded: pure adds. Ask depth shrank 3
	// with 1 traded: 2 canceled, 1 executed.
	pf.Observe(1000, []PriceLevel{{Price: 100, Qty: 14}}, []PriceLevel{{Price: 101, Qty: 7}}, 0, 1)

	m := pf.Metrics(2000)
	if m.AddRateBid == nil || !almostEq(*m.AddRateBid, 4) {
		t.Errorf("addRateBid = %v, want 4", deref(m.AddRateBid))
	}
	if m.CancelRateAsk == nil || !almostEq(*m.CancelRateAsk, 2) {
		t.Errorf("cancelRateAsk = %v, want 2", deref(m.CancelRateAsk))
	}
	if m.AddedShare == nil || !almostEq(*m.AddedShare, 4.0/7.0) {
		t.Errorf("addedShare = %v, want 4/7", deref(m.AddedShare))
	}
	if m.CanceledShare == nil || !almostEq(*m.CanceledShare, 2.0/7.0) {
		t.Errorf("canceledShare = %v, want 2/7", deref(m.CanceledShare))
	}
	if m.TradedShare == nil || !almostEq(*m.TradedShare, 1.0/7.0) {
		t.Errorf("tradedShare = %v, want 1/7", deref(m.TradedShare))
	}
	if m.SpoofScore == nil || !almostEq(*m.SpoofScore, 2.0/6.0) {
		t.Errorf("spoofScore = %v, want 1/3", deref(m.SpoofScore))
	}
	// Bid queue +4, ask queue -3: signed best-level delta is +7.
	if m.QueueDeltaBest == nil || !almostEq(*m.QueueDeltaBest, 7) {
		t.Errorf("queueDeltaBest = %v, want 7", deref(m.QueueDeltaBest))
	}
}

func TestPassiveFlowRefresh(t *testing.T) {
	t.Parallel()

	pf := NewPassiveFlow(10_000)
	pf.Observe(0, []PriceLevel{{Price: 100, Qty: 10}}, []PriceLevel{{Price: 101, Qty: 10}}, 0, 0)
	// Best bid depleted below half.
	pf.Observe(500, []PriceLevel{{Price: 100, Qty: 3}}, []PriceLevel{{Price: 101, Qty: 10}}, 7, 0)
	// And refilled.
	pf.Observe(1000, []PriceLevel{{Price: 100, Qty: 9}}, []PriceLevel{{Price: 101, Qty: 10}}, 0, 0)

	m := pf.Metrics(1500)
	if m.RefreshRate == nil || !almostEq(*m.RefreshRate, 1) {
		t.Errorf("refreshRate = %v, want 1 (one depletion, one refresh)", deref(m.RefreshRate))
	}
}

func TestPassiveFlowEviction(t *testing.T) {
	t.Parallel()

	pf := NewPassiveFlow(10_000)
	pf.Observe(0, []PriceLevel{{Price: 100, Qty: 10}}, []PriceLevel{{Price: 101, Qty: 10}}, 0, 0)
	pf.Observe(1000, []PriceLevel{{Price: 100, Qty: 12}}, []PriceLevel{{Price: 101, Qty: 10}}, 0, 0)

	m := pf.Metrics(20_000)
	if m.AddRateBid != nil {
		t.Error("samples outside the window must be evicted")
	}
}
