package engine

import (
	"math"

	"github.com/shopspring/decimal"

	"perpflow/internal/api"
	"perpflow/internal/book"
	"perpflow/internal/fixedpoint"
	"perpflow/internal/micro"
	"perpflow/internal/orchestrator"
	"perpflow/internal/policy"
	"perpflow/internal/session"
	"perpflow/internal/sim"
	"perpflow/pkg/types"
)

const (
	slippageProbeNotional = 1_000
	burstSaturation       = 10

	// Notional basis for AI-plan sizing; targetNotionalPct scales this.
	aiBaseNotional       = 1_000
	aiMinConfidence      = 0.5
	aiDefaultNotionalPct = 0.25

	cvdSlopeWindowSec = 60
)

// telemetry is the derived metric state computed each event tick and
// published on the snapshot cadence.
type telemetry struct {
	liq      micro.LiquidityMetrics
	pf       micro.PassiveFlowMetrics
	deriv    micro.DerivativesMetrics
	tox      micro.ToxicityMetrics
	regime   micro.RegimeMetrics
	vwap     micro.SessionVWAPSnapshot
	deltaZ   *float64
	cvdSlope *float64
	score    *float64
}

// wireFloat parses an upstream decimal string without float round-trips in
// the hot path choking on exotic notations.
func wireFloat(s string) (float64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return d.InexactFloat64(), nil
}

// computeTelemetry refreshes every derived metric set from the current
// book, tape, and tracker state. Runs once per event tick.
func (a *actor) computeTelemetry(now int64, state types.BookState, _ book.Integrity) {
	bids, asks := a.book.DepthAt(50)
	fBids := priceLevels(bids)
	fAsks := priceLevels(asks)

	var mid float64
	if m, ok := a.book.MidPrice(); ok {
		mid = fixedpoint.FromFp(m)
	}

	a.tele.liq = micro.ComputeLiquidity(micro.LiquidityInputs{
		Bids:             fBids,
		Asks:             fAsks,
		LastTradePrice:   a.lastTradePrice,
		LastTradeIsBuy:   a.lastTradeIsBuy,
		MidNow:           mid,
		MidPrev:          a.prevMid,
		PrevTradePrice:   a.prevTradePrice,
		PrevTradeIsBuy:   a.prevTradeIsBuy,
		SlippageNotional: slippageProbeNotional,
	})

	// Split session volume into aggressive buy/sell legs; the inter-tick
	// deltas are the traded volumes the passive-flow decomposition needs.
	totalVol, _, _ := a.tape.Totals()
	cvd := a.tape.SessionCVD()
	buyVol := (totalVol + cvd) / 2
	sellVol := (totalVol - cvd) / 2
	tradedAsk := math.Max(buyVol-a.prevBuyVol, 0)
	tradedBid := math.Max(sellVol-a.prevSellVol, 0)
	a.pf.Observe(now, fBids, fAsks, tradedBid, tradedAsk)
	a.tele.pf = a.pf.Metrics(now)

	w1m := a.tape.Window(60, now)
	w5s := a.tape.Window(5, now)
	var priceChange5s float64
	if prev := a.priceAgo(now, 5); prev > 0 && a.lastTradePrice > 0 {
		priceChange5s = a.lastTradePrice - prev
	}
	a.tele.tox = micro.ComputeToxicity(micro.ToxicityInputs{
		BuyVolume1m:     w1m.BuyVolume,
		SellVolume1m:    w1m.SellVolume,
		Notional5s:      w5s.Notional,
		Delta5s:         w5s.Delta,
		PriceChange5s:   priceChange5s,
		MidPrice:        mid,
		TopDepthQty:     topDepthQty(fBids, fAsks, 20),
		BurstCount:      a.tape.Burst().Count,
		BurstSaturation: burstSaturation,
	})

	a.tele.regime = a.regime.Metrics()

	z, zOK := a.tape.DeltaZ(now)
	a.tele.deltaZ = nil
	if zOK {
		zz := z
		a.tele.deltaZ = &zz
	}
	a.tele.deriv = a.deriv.Metrics(a.mark, a.index, a.tape.LastPrice(), z, zOK)

	a.tele.cvdSlope = nil
	if slope, ok := a.tape.CVDSlope(cvdSlopeWindowSec, now); ok {
		ss := slope
		a.tele.cvdSlope = &ss
	}

	a.tele.vwap = a.vwap.Snapshot(now, a.tape.LastPrice())
	a.tele.score = signalScore(a.tele.deltaZ, a.tele.regime.Trendiness, a.tele.liq.Imbalance20)

	if state == types.BookLive && mid > 0 {
		a.samples++
	}

	a.prevBuyVol, a.prevSellVol = buyVol, sellVol
	a.prevMid = mid
	a.prevTradePrice, a.prevTradeIsBuy = a.lastTradePrice, a.lastTradeIsBuy
}

// signalScore condenses the strongest directional inputs into [0, 1].
// Nil until at least one input exists.
func signalScore(deltaZ, trendiness, obiDeep *float64) *float64 {
	var sum float64
	var n int
	if deltaZ != nil {
		sum += clamp01(math.Abs(*deltaZ) / 3)
		n++
	}
	if trendiness != nil {
		sum += clamp01(*trendiness)
		n++
	}
	if obiDeep != nil {
		sum += clamp01(math.Abs(*obiDeep))
		n++
	}
	if n == 0 {
		return nil
	}
	score := sum / float64(n)
	return &score
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// tickInput builds the orchestrator's view for one session from the
// freshly computed telemetry.
func (a *actor) tickInput(now int64, state types.BookState, integ book.Integrity, sess *session.Session) orchestrator.TickInput {
	st := sess.Status()

	in := orchestrator.TickInput{
		TimestampMs: now,
		BookState:   state,
		Integrity:   integ.Level,

		MarkPrice: a.markOrMid(),
		SpreadBps: a.tele.liq.SpreadBps,

		Trendiness: a.tele.regime.Trendiness,
		Chop:       a.tele.regime.Chop,
		VolOfVol:   a.tele.regime.VolOfVol,
		OIDropPct:  a.tele.deriv.OIDropPct,

		OBIDeep:         a.tele.liq.Imbalance20,
		DeltaZ:          a.tele.deltaZ,
		PrintsPerSecond: a.tape.PrintsPerSecond(now),

		DistanceToVWAPBps: a.tele.vwap.PriceDistanceBps,
		RealizedVol1m:     a.tele.regime.RealizedVol1m,
		SignalScore:       a.tele.score,

		Samples:      a.samples,
		BackfillDone: a.bf.State(a.symbol).Done,

		Position: st.Position,
	}
	if a.tele.cvdSlope != nil {
		in.CVDSlope = *a.tele.cvdSlope
	}
	if lvl, ok := a.book.BestBid(); ok {
		in.BestBid = fixedpoint.FromFp(lvl.Price)
	}
	if lvl, ok := a.book.BestAsk(); ok {
		in.BestAsk = fixedpoint.FromFp(lvl.Price)
	}
	if st.Position != nil && in.MarkPrice > 0 {
		notional := fixedpoint.FromFp(st.Position.Qty) * in.MarkPrice
		in.PositionNotional = notional
		if notional > 0 {
			pct := fixedpoint.FromFp(st.UnrealizedPnl) / notional * 100
			in.UnrealizedPnlPct = &pct
		}
	}
	for _, o := range st.OpenOrders {
		in.OpenOrderIDs = append(in.OpenOrderIDs, o.OrderID)
	}
	return in
}

// policyContext is the condensed telemetry handed to external decision
// sources. Field names are part of the source contract.
type policyContext struct {
	TimestampMs     int64    `json:"timestampMs"`
	MarkPrice       float64  `json:"markPrice"`
	BestBid         float64  `json:"bestBid"`
	BestAsk         float64  `json:"bestAsk"`
	SpreadBps       *float64 `json:"spreadBps"`
	Trendiness      *float64 `json:"trendiness"`
	Chop            *float64 `json:"chop"`
	DeltaZ          *float64 `json:"deltaZ"`
	OBIDeep         *float64 `json:"obiDeep"`
	CVDSlope        float64  `json:"cvdSlope"`
	PrintsPerSec    float64  `json:"printsPerSec"`
	VWAPDistanceBps *float64 `json:"vwapDistanceBps"`
	RealizedVol1m   *float64 `json:"realizedVol1m"`
	SignalScore     *float64 `json:"signalScore"`
	Samples         int      `json:"samples"`

	PositionSide     string   `json:"positionSide,omitempty"`
	PositionQty      float64  `json:"positionQty,omitempty"`
	UnrealizedPnlPct *float64 `json:"unrealizedPnlPct,omitempty"`
}

func (a *actor) policyTelemetry(in orchestrator.TickInput) policyContext {
	pc := policyContext{
		TimestampMs:     in.TimestampMs,
		MarkPrice:       in.MarkPrice,
		BestBid:         in.BestBid,
		BestAsk:         in.BestAsk,
		SpreadBps:       in.SpreadBps,
		Trendiness:      in.Trendiness,
		Chop:            in.Chop,
		DeltaZ:          in.DeltaZ,
		OBIDeep:         in.OBIDeep,
		CVDSlope:        in.CVDSlope,
		PrintsPerSec:    in.PrintsPerSecond,
		VWAPDistanceBps: in.DistanceToVWAPBps,
		RealizedVol1m:   in.RealizedVol1m,
		SignalScore:     in.SignalScore,
		Samples:         in.Samples,
	}
	if in.Position != nil {
		pc.PositionSide = string(in.Position.Side)
		pc.PositionQty = fixedpoint.FromFp(in.Position.Qty)
		pc.UnrealizedPnlPct = in.UnrealizedPnlPct
	}
	return pc
}

// holdDecision is the safe default for every AI failure path.
func holdDecision(reason string) orchestrator.Decision {
	d := orchestrator.Decision{Intent: orchestrator.IntentHold}
	d.Snapshot.Intent = orchestrator.IntentHold
	d.Snapshot.Debug.BlockReason = reason
	return d
}

// planDecision maps a validated external plan onto concrete orders. Plans
// below the confidence floor, or inconsistent with the current position,
// degrade to HOLD.
func planDecision(plan policy.AIDecisionPlan, in orchestrator.TickInput) orchestrator.Decision {
	if plan.Decision == policy.DecisionHold {
		return holdDecision(plan.Reason)
	}
	if plan.Confidence < aiMinConfidence {
		return holdDecision("plan: confidence below floor")
	}

	switch plan.Decision {
	case policy.DecisionEnterLong, policy.DecisionEnterShort:
		if in.Position != nil {
			return holdDecision("plan: position already open")
		}
		if in.MarkPrice <= 0 {
			return holdDecision("plan: no mark price")
		}
		side := types.BUY
		if plan.Decision == policy.DecisionEnterShort {
			side = types.SELL
		}
		pct := plan.TargetNotionalPct
		if pct <= 0 {
			pct = aiDefaultNotionalPct
		}
		qty, err := fixedpoint.ToFp(pct * aiBaseNotional / in.MarkPrice)
		if err != nil || qty <= 0 {
			return holdDecision("plan: unquotable size")
		}
		d := orchestrator.Decision{
			Intent: orchestrator.IntentEntry,
			Side:   side,
			Orders: []sim.OrderRequest{{
				Side: side,
				Type: sim.Market,
				TIF:  sim.IOC,
				Qty:  qty,
				Role: "ai_entry",
			}},
		}
		d.Snapshot.Intent = orchestrator.IntentEntry
		d.Snapshot.Side = side
		d.Snapshot.Debug.BlockReason = plan.Reason
		return d

	case policy.DecisionExit:
		if in.Position == nil {
			return holdDecision("plan: no position to exit")
		}
		side := in.Position.Side.Opposite()
		d := orchestrator.Decision{
			Intent:         orchestrator.IntentExitRisk,
			Side:           side,
			CancelOrderIDs: in.OpenOrderIDs,
			Orders: []sim.OrderRequest{{
				Side:       side,
				Type:       sim.Market,
				TIF:        sim.IOC,
				Qty:        in.Position.Qty,
				ReduceOnly: true,
				Role:       "ai_exit",
			}},
		}
		d.Snapshot.Intent = orchestrator.IntentExitRisk
		d.Snapshot.Side = side
		d.Snapshot.Debug.BlockReason = plan.Reason
		return d
	}
	return holdDecision("plan: unknown decision")
}

// assembleFrame renders the full per-symbol telemetry frame.
func (a *actor) assembleFrame(now int64) api.MetricsFrame {
	state := a.book.State(now)
	integ := a.book.Integrity(now)

	frame := api.MetricsFrame{
		Type:        "metrics",
		Symbol:      a.symbol,
		State:       state,
		EventTimeMs: now,
		Snapshot:    api.SnapshotRef{Ts: now},

		TimeAndSales: api.TimeAndSales{
			W1s:             a.tape.Window(1, now),
			W5s:             a.tape.Window(5, now),
			W1m:             a.tape.Window(60, now),
			W5m:             a.tape.Window(300, now),
			W15m:            a.tape.Window(900, now),
			Burst:           a.tape.Burst(),
			PrintsPerSecond: a.tape.PrintsPerSecond(now),
		},
		CVD: api.CVDFrame{
			TF1m:  a.tape.CVD(types.TF1m, now),
			TF5m:  a.tape.CVD(types.TF5m, now),
			TF15m: a.tape.CVD(types.TF15m, now),
		},
		Absorption: a.tele.pf.RefreshRate,

		OrderbookIntegrity: integ,

		LiquidityMetrics:   a.tele.liq,
		PassiveFlowMetrics: a.tele.pf,
		DerivativesMetrics: a.tele.deriv,
		ToxicityMetrics:    a.tele.tox,
		RegimeMetrics:      a.tele.regime,

		LastUpdateID: a.book.LastUpdateID(),
	}

	if log := a.dryRun.LastLog(); log != nil {
		frame.Snapshot.EventID = log.EventID
		frame.Snapshot.StateHash = log.State.StateHash
		frame.StrategyPosition = log.State.Position
	}

	if a.lastOI != nil {
		v := a.lastOI.Value
		frame.OpenInterest = &v
	}
	if a.lastFunding != nil {
		frame.Funding = &api.FundingInfo{
			Rate:              a.lastFunding.FundingRate,
			MarkPrice:         a.lastFunding.MarkPrice,
			IndexPrice:        a.lastFunding.IndexPrice,
			NextFundingTimeMs: a.lastFunding.NextFundingTimeMs,
		}
	}

	totalVol, totalNotional, trades := a.tape.Totals()
	frame.LegacyMetrics = api.LegacyMetrics{
		Price:         a.tape.LastPrice(),
		OBIWeighted:   a.tele.liq.Imbalance5,
		OBIDeep:       a.tele.liq.Imbalance20,
		Delta1s:       frame.TimeAndSales.W1s.Delta,
		Delta5s:       frame.TimeAndSales.W5s.Delta,
		DeltaZ:        a.tele.deltaZ,
		CVDSession:    a.tape.SessionCVD(),
		CVDSlope:      a.tele.cvdSlope,
		VWAP:          a.tele.vwap.Value,
		TotalVolume:   totalVol,
		TotalNotional: totalNotional,
		TradeCount:    trades,
	}
	if a.tele.liq.Imbalance5 != nil && a.tele.liq.Imbalance20 != nil {
		div := *a.tele.liq.Imbalance5 - *a.tele.liq.Imbalance20
		frame.LegacyMetrics.OBIDivergence = &div
	}

	frame.SignalDisplay = a.signalDisplay()

	vwapSnap := a.tele.vwap
	frame.SessionVWAP = &vwapSnap

	if h1, h4 := a.htf[types.TF1h], a.htf[types.TF4h]; h1 != nil || h4 != nil {
		frame.HTF = &api.HTFSet{H1: h1, H4: h4}
	}

	bfState := a.bf.State(a.symbol)
	frame.Bootstrap = &bfState

	if a.lastDecision != nil {
		snap := a.lastDecision.Snapshot
		frame.Orchestrator = &snap
	}

	bids, asks := a.book.DepthAt(a.cfg.DryRun.Depth)
	frame.Bids = api.BookLevels(bids)
	frame.Asks = api.BookLevels(asks)
	if mid, ok := a.book.MidPrice(); ok {
		m := fixedpoint.FromFp(mid)
		frame.MidPrice = &m
	}
	return frame
}

// signalDisplay renders the one-line readout from the last local decision.
func (a *actor) signalDisplay() api.SignalDisplay {
	sd := api.SignalDisplay{Signal: "NEUTRAL", Score: a.tele.score}
	if a.lastDecision == nil {
		return sd
	}
	switch a.lastDecision.Intent {
	case orchestrator.IntentEntry, orchestrator.IntentAdd:
		if a.lastDecision.Side == types.BUY {
			sd.Signal = "LONG"
		} else {
			sd.Signal = "SHORT"
		}
	default:
		sd.Reason = a.lastDecision.Snapshot.Debug.BlockReason
	}
	return sd
}

// priceLevels converts book levels to the float form derivation uses.
func priceLevels(levels []book.Level) []micro.PriceLevel {
	out := make([]micro.PriceLevel, len(levels))
	for i, l := range levels {
		out[i] = micro.PriceLevel{
			Price: fixedpoint.FromFp(l.Price),
			Qty:   fixedpoint.FromFp(l.Qty),
		}
	}
	return out
}

// topDepthQty totals the qty of the top n levels on both sides.
func topDepthQty(bids, asks []micro.PriceLevel, n int) float64 {
	var total float64
	for _, side := range [][]micro.PriceLevel{bids, asks} {
		limit := n
		if limit > len(side) {
			limit = len(side)
		}
		for i := 0; i < limit; i++ {
			total += side[i].Qty
		}
	}
	return total
}
