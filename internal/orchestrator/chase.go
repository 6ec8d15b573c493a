package orchestrator

import (
	"math"

	"perpflow/internal/fixedpoint"
	"perpflow/internal/sim"
	"perpflow/pkg/types"
)

// chase is the live entry reprice loop. The loop strictly cancels before
// replacing: cancel IDs in a Decision must be acked by the engine before
// the replacement order is submitted.
type chase struct {
	side          types.Side
	postedPrice   float64
	startedTs     int64
	lastRepriceTs int64
	repricesUsed  int
	expiresAtMs   int64
	timedOut      bool
}

// startChase posts the initial maker entry and arms the reprice loop.
func (o *Orchestrator) startChase(in TickInput, side types.Side, snap Snapshot) Decision {
	order, ok := o.makerOrder(in, side, o.cfg.TargetNotional, "entry")
	if !ok {
		snap.Debug.BlockReason = "entry: no quotable price"
		return Decision{Intent: IntentHold, Side: side, Snapshot: snap}
	}
	o.chase = &chase{
		side:          side,
		postedPrice:   fixedpoint.FromFp(order.Price),
		startedTs:     in.TimestampMs,
		lastRepriceTs: in.TimestampMs,
		expiresAtMs:   in.TimestampMs + o.cfg.ChaseExpiryMs,
	}
	o.fillChaseState(&snap)
	snap.Intent = IntentEntry
	o.logger.Info("entry chase started", "side", side, "price", order.Price)
	return Decision{Intent: IntentEntry, Side: side, Orders: []sim.OrderRequest{order}, Snapshot: snap}
}

// manageChase advances an active chase: fill detection, reprice, timeout,
// and the one-shot fallback taker after a timeout.
func (o *Orchestrator) manageChase(in TickInput, snap Snapshot) Decision {
	c := o.chase
	side := c.side
	snap.Side = side

	hold := func(reason string) Decision {
		o.fillChaseState(&snap)
		snap.Debug.BlockReason = reason
		return Decision{Intent: IntentHold, Side: side, Snapshot: snap}
	}

	// Filled: the chase achieved its entry.
	if in.Position != nil {
		o.chase = nil
		o.fillChaseState(&snap)
		return hold("chase: filled")
	}

	// Terminal: reprice budget or absolute deadline exhausted.
	if in.TimestampMs >= c.expiresAtMs || c.repricesUsed >= o.cfg.MaxReprices {
		c.timedOut = true
		return o.afterChaseTimeout(in, side, snap)
	}

	// The working order is gone (postOnly reject or TTL cancel): replace,
	// charging the reprice budget.
	if len(in.OpenOrderIDs) == 0 {
		return o.repriceChase(in, side, snap, nil)
	}

	// Reprice when the touch ran away from the posted price.
	if in.TimestampMs-c.lastRepriceTs >= o.cfg.RepriceMs {
		best := in.BestBid
		if side == types.SELL {
			best = in.BestAsk
		}
		if math.Abs(best-c.postedPrice) > o.cfg.TickSize*o.cfg.RepriceTickMult {
			return o.repriceChase(in, side, snap, in.OpenOrderIDs)
		}
	}
	return hold("chase: working")
}

// repriceChase cancels the working order (when present) and posts a
// replacement at the current touch.
func (o *Orchestrator) repriceChase(in TickInput, side types.Side, snap Snapshot, cancelIDs []string) Decision {
	c := o.chase
	c.repricesUsed++
	c.lastRepriceTs = in.TimestampMs

	order, ok := o.makerOrder(in, side, o.cfg.TargetNotional, "entry")
	if !ok {
		o.fillChaseState(&snap)
		snap.Debug.BlockReason = "chase: no quotable price"
		return Decision{Intent: IntentHold, Side: side, CancelOrderIDs: cancelIDs, Snapshot: snap}
	}
	c.postedPrice = fixedpoint.FromFp(order.Price)
	o.fillChaseState(&snap)
	snap.Intent = IntentEntry
	o.logger.Debug("chase reprice", "side", side, "price", order.Price, "used", c.repricesUsed)
	return Decision{
		Intent:         IntentEntry,
		Side:           side,
		Orders:         []sim.OrderRequest{order},
		CancelOrderIDs: cancelIDs,
		Snapshot:       snap,
	}
}

// afterChaseTimeout fires the fallback taker when impulse and all gates
// currently pass; either way the chase ends here.
func (o *Orchestrator) afterChaseTimeout(in TickInput, side types.Side, snap Snapshot) Decision {
	o.fillChaseState(&snap)
	cancelIDs := in.OpenOrderIDs
	o.chase = nil

	snap.Impulse = o.impulse(in)
	if !snap.Impulse || !o.gatesPass(in, side) {
		snap.Debug.BlockReason = "chase: timed out"
		return Decision{Intent: IntentHold, Side: side, CancelOrderIDs: cancelIDs, Snapshot: snap}
	}

	notional := o.cfg.TargetNotional * o.cfg.FallbackNotionalFrac
	qty, err := fixedpoint.ToFp(notional / in.MarkPrice)
	if err != nil || qty <= 0 {
		snap.Debug.BlockReason = "chase: timed out"
		return Decision{Intent: IntentHold, Side: side, CancelOrderIDs: cancelIDs, Snapshot: snap}
	}

	o.fallbackTriggeredCount++
	snap.FallbackTriggeredCount = o.fallbackTriggeredCount
	snap.Intent = IntentEntry
	o.logger.Info("fallback taker fired", "side", side, "notional", notional)
	return Decision{
		Intent: IntentEntry,
		Side:   side,
		Orders: []sim.OrderRequest{{
			Side: side,
			Type: sim.Market,
			TIF:  sim.IOC,
			Qty:  qty,
			Role: "fallback",
		}},
		CancelOrderIDs: cancelIDs,
		Snapshot:       snap,
	}
}

// cancelChase drops any active chase without emitting orders.
func (o *Orchestrator) cancelChase() {
	o.chase = nil
}

// fillChaseState copies the live chase into the snapshot.
func (o *Orchestrator) fillChaseState(snap *Snapshot) {
	if o.chase == nil {
		snap.Chase = ChaseState{}
		return
	}
	snap.Chase = ChaseState{
		Active:       true,
		RepricesUsed: o.chase.repricesUsed,
		TimedOut:     o.chase.timedOut,
	}
}
