package micro

import "math"

// LiquidityMetrics describes the instantaneous shape of the book.
type LiquidityMetrics struct {
	Microprice          *float64 `json:"microprice"`
	Imbalance1          *float64 `json:"imbalance1"`
	Imbalance5          *float64 `json:"imbalance5"`
	Imbalance10         *float64 `json:"imbalance10"`
	Imbalance20         *float64 `json:"imbalance20"`
	Imbalance50         *float64 `json:"imbalance50"`
	SlopeBid            *float64 `json:"slopeBid"`
	SlopeAsk            *float64 `json:"slopeAsk"`
	Convexity           *float64 `json:"convexity"`
	WallScore           *float64 `json:"wallScore"`
	VoidScore           *float64 `json:"voidScore"`
	ExpectedSlippageBps *float64 `json:"expectedSlippageBps"`
	EffectiveSpreadBps  *float64 `json:"effectiveSpreadBps"`
	RealizedSpreadBps   *float64 `json:"realizedSpreadBps"`
	SpreadBps           *float64 `json:"spreadBps"`
}

// LiquidityInputs carries everything liquidity derivation needs.
type LiquidityInputs struct {
	Bids []PriceLevel // best first
	Asks []PriceLevel // best first

	LastTradePrice float64 // 0 when no trade yet
	LastTradeIsBuy bool
	MidNow         float64 // current mid (0 when unavailable)
	MidPrev        float64 // mid one short window ago (0 when unavailable)
	PrevTradePrice float64 // trade price one short window ago
	PrevTradeIsBuy bool

	SlippageNotional float64 // fixed notional for expected-slippage walk
}

// ComputeLiquidity derives the liquidity metric set. Missing inputs yield
// nil fields rather than zeros.
func ComputeLiquidity(in LiquidityInputs) LiquidityMetrics {
	var m LiquidityMetrics
	if len(in.Bids) == 0 || len(in.Asks) == 0 {
		return m
	}

	bid, ask := in.Bids[0], in.Asks[0]
	mid := (bid.Price + ask.Price) / 2

	m.Microprice = ratio(bid.Price*ask.Qty+ask.Price*bid.Qty, bid.Qty+ask.Qty)
	m.SpreadBps = ratio((ask.Price-bid.Price)*10_000, mid)

	m.Imbalance1 = imbalanceAt(in.Bids, in.Asks, 1)
	m.Imbalance5 = imbalanceAt(in.Bids, in.Asks, 5)
	m.Imbalance10 = imbalanceAt(in.Bids, in.Asks, 10)
	m.Imbalance20 = imbalanceAt(in.Bids, in.Asks, 20)
	m.Imbalance50 = imbalanceAt(in.Bids, in.Asks, 50)

	m.SlopeBid = bookSlope(in.Bids, 10)
	m.SlopeAsk = bookSlope(in.Asks, 10)
	m.Convexity = convexity(in.Bids, in.Asks)

	m.WallScore = wallScore(in.Bids, in.Asks, 20)
	m.VoidScore = voidScore(in.Bids, in.Asks, 20)

	if in.SlippageNotional > 0 {
		m.ExpectedSlippageBps = expectedSlippageBps(in.Asks, in.SlippageNotional, mid)
	}

	if in.LastTradePrice > 0 {
		m.EffectiveSpreadBps = ratio(2*math.Abs(in.LastTradePrice-mid)*10_000, mid)
	}
	if in.PrevTradePrice > 0 && in.MidNow > 0 {
		// Realized spread: what the passive side actually earned once the
		// price settled. Positive means the maker kept part of the spread.
		sign := 1.0
		if in.PrevTradeIsBuy {
			sign = -1.0
		}
		m.RealizedSpreadBps = ratio(2*sign*(in.MidNow-in.PrevTradePrice)*10_000, in.MidNow)
	}

	return m
}

// imbalanceAt is (bidQty - askQty) / (bidQty + askQty) over the top n levels.
func imbalanceAt(bids, asks []PriceLevel, n int) *float64 {
	b := sumQty(bids, n)
	a := sumQty(asks, n)
	return ratio(b-a, b+a)
}

// bookSlope is cumulative qty per unit of relative price distance over the
// top n levels: how fast liquidity accumulates away from the touch.
func bookSlope(side []PriceLevel, n int) *float64 {
	if n > len(side) {
		n = len(side)
	}
	if n < 2 {
		return nil
	}
	span := math.Abs(side[n-1].Price-side[0].Price) / side[0].Price
	return ratio(sumQty(side, n), span*10_000)
}

// convexity compares deep slope to touch slope; positive means liquidity
// thickens with depth.
func convexity(bids, asks []PriceLevel) *float64 {
	near := avgSlope(bids, asks, 5)
	deep := avgSlope(bids, asks, 20)
	if near == nil || deep == nil || *near == 0 {
		return nil
	}
	return val((*deep - *near) / *near)
}

func avgSlope(bids, asks []PriceLevel, n int) *float64 {
	sb := bookSlope(bids, n)
	sa := bookSlope(asks, n)
	if sb == nil || sa == nil {
		return nil
	}
	return val((*sb + *sa) / 2)
}

// wallScore is the share of top-n depth concentrated in the single largest
// level, in [0, 1]. A lone iceberg dominates the book as this approaches 1.
func wallScore(bids, asks []PriceLevel, n int) *float64 {
	var maxQty, total float64
	for _, side := range [][]PriceLevel{bids, asks} {
		limit := n
		if limit > len(side) {
			limit = len(side)
		}
		for i := 0; i < limit; i++ {
			total += side[i].Qty
			if side[i].Qty > maxQty {
				maxQty = side[i].Qty
			}
		}
	}
	r := ratio(maxQty, total)
	if r == nil {
		return nil
	}
	return val(clamp01(*r))
}

// voidScore is the widest gap between adjacent levels relative to the side
// span, in [0, 1]. Large voids mean thin air behind the touch.
func voidScore(bids, asks []PriceLevel, n int) *float64 {
	var worst float64
	found := false
	for _, side := range [][]PriceLevel{bids, asks} {
		limit := n
		if limit > len(side) {
			limit = len(side)
		}
		if limit < 2 {
			continue
		}
		span := math.Abs(side[limit-1].Price - side[0].Price)
		if span == 0 {
			continue
		}
		for i := 1; i < limit; i++ {
			gap := math.Abs(side[i].Price-side[i-1].Price) / span
			if gap > worst {
				worst = gap
			}
		}
		found = true
	}
	if !found {
		return nil
	}
	return val(clamp01(worst))
}

// expectedSlippageBps walks the ask side with a fixed notional and reports
// the fill VWAP deviation from mid. Nil when the book cannot absorb the
// notional at all.
func expectedSlippageBps(asks []PriceLevel, notional, mid float64) *float64 {
	if mid <= 0 {
		return nil
	}
	remaining := notional
	var qtySum, costSum float64
	for _, lvl := range asks {
		lvlNotional := lvl.Price * lvl.Qty
		take := lvlNotional
		if take > remaining {
			take = remaining
		}
		qty := take / lvl.Price
		qtySum += qty
		costSum += take
		remaining -= take
		if remaining <= 0 {
			break
		}
	}
	if qtySum == 0 || remaining > 0 {
		return nil
	}
	vwap := costSum / qtySum
	return val((vwap - mid) / mid * 10_000)
}
