// Package orchestrator implements the per-symbol decision state machine.
//
// Each tick it evaluates readiness, the regime/flow/location gate pipeline,
// hysteresis, and the position life cycle (entry chase, fallback taker, add
// rungs, risk exit), and emits intended orders for the dry-run engine. A
// gate failure yields HOLD with the first failing check in debug.blockReason.
package orchestrator

import (
	"fmt"
	"log/slog"

	"perpflow/internal/fixedpoint"
	"perpflow/internal/sim"
	"perpflow/pkg/types"
)

// Intent is the orchestrator's per-tick decision.
type Intent string

const (
	IntentHold     Intent = "HOLD"
	IntentEntry    Intent = "ENTRY"
	IntentAdd      Intent = "ADD"
	IntentExitRisk Intent = "EXIT_RISK"
)

// ATR source labels surfaced in the snapshot.
const (
	ATRSourceBackfill = "BACKFILL"
	ATRSourceUnknown  = "UNKNOWN"
)

// Config holds the gate thresholds and execution parameters. Values are
// configuration, not doctrine; defaults suit liquid perp majors.
type Config struct {
	MinSamples int

	// Gate A: regime.
	TrendMin     float64
	ChopMax      float64
	VolOfVolMax  float64
	SpreadMaxBps float64
	OIDropMaxPct float64 // tolerated OI drop magnitude

	// Gate B: flow.
	DeltaZMin float64
	OBIMin    float64

	// Gate C: location.
	VWAPBandBps float64
	Vol1mMax    float64

	// Hysteresis and smoothing.
	ConsecutiveConfirmations int
	DeltaZEWMAAlpha          float64
	CVDSlopeWindow           int

	// Entry chase.
	TargetNotional  float64
	TickSize        float64
	RepriceMs       int64
	RepriceTickMult float64
	MaxReprices     int
	ChaseExpiryMs   int64

	// Fallback taker impulse.
	ImpulsePPSMin        float64
	ImpulseDeltaZ        float64
	ImpulseSpreadMaxBps  float64
	FallbackNotionalFrac float64 // hard-capped at 0.25

	// Add rungs.
	AddMinUpnlPct       float64
	AddGapMs            int64
	AddSignalScoreMin   float64
	AddSpreadMaxBps     float64
	MaxPositionNotional float64
	AddFractions        [2]float64

	// Risk exit and reversal.
	MakerExitAttempts int
	FlipCooldownMs    int64
}

// DefaultConfig returns workable thresholds for a liquid symbol.
func DefaultConfig() Config {
	return Config{
		MinSamples:               120,
		TrendMin:                 0.35,
		ChopMax:                  0.75,
		VolOfVolMax:              0.02,
		SpreadMaxBps:             3.0,
		OIDropMaxPct:             5.0,
		DeltaZMin:                1.5,
		OBIMin:                   0.1,
		VWAPBandBps:              40.0,
		Vol1mMax:                 0.01,
		ConsecutiveConfirmations: 3,
		DeltaZEWMAAlpha:          0.3,
		CVDSlopeWindow:           5,
		TargetNotional:           1000,
		TickSize:                 0.1,
		RepriceMs:                750,
		RepriceTickMult:          2,
		MaxReprices:              4,
		ChaseExpiryMs:            10_000,
		ImpulsePPSMin:            8,
		ImpulseDeltaZ:            2.5,
		ImpulseSpreadMaxBps:      2.0,
		FallbackNotionalFrac:     0.25,
		AddMinUpnlPct:            0.15,
		AddGapMs:                 30_000,
		AddSignalScoreMin:        0.6,
		AddSpreadMaxBps:          2.5,
		MaxPositionNotional:      3000,
		AddFractions:             [2]float64{0.5, 0.25},
		MakerExitAttempts:        3,
		FlipCooldownMs:           60_000,
	}
}

// TickInput is the telemetry view the orchestrator decides on. Pointer
// fields follow the null-not-NaN policy; a nil input fails its gate check.
type TickInput struct {
	TimestampMs int64
	BookState   types.BookState
	Integrity   types.IntegrityLevel

	BestBid   float64
	BestAsk   float64
	MarkPrice float64
	SpreadBps *float64

	Trendiness *float64
	Chop       *float64
	VolOfVol   *float64
	OIDropPct  *float64

	CVDSlope        float64
	OBIDeep         *float64
	DeltaZ          *float64
	PrintsPerSecond float64

	DistanceToVWAPBps *float64
	RealizedVol1m     *float64
	SignalScore       *float64

	Samples      int
	BackfillDone bool

	Position         *sim.Position
	UnrealizedPnlPct *float64
	PositionNotional float64
	OpenOrderIDs     []string
}

// GateResult is one gate's outcome with the first failing check.
type GateResult struct {
	Pass   bool   `json:"pass"`
	Reason string `json:"reason,omitempty"`
}

// Debug carries the block reason for HOLD decisions.
type Debug struct {
	BlockReason string `json:"blockReason,omitempty"`
}

// ChaseState is the published view of the entry chase loop.
type ChaseState struct {
	Active       bool `json:"active"`
	RepricesUsed int  `json:"repricesUsed"`
	TimedOut     bool `json:"timedOut"`
}

// Snapshot is the orchestrator's published per-tick state.
type Snapshot struct {
	Intent                 Intent     `json:"intent"`
	Side                   types.Side `json:"side,omitempty"`
	Readiness              bool       `json:"readiness"`
	GateA                  GateResult `json:"gateA"`
	GateB                  GateResult `json:"gateB"`
	GateC                  GateResult `json:"gateC"`
	Impulse                bool       `json:"impulse"`
	Chase                  ChaseState `json:"chase"`
	FallbackTriggeredCount int        `json:"fallbackTriggeredCount"`
	ExitAttempts           int        `json:"exitAttempts"`
	ATRSource              string     `json:"atrSource"`
	DeltaZEwma             float64    `json:"deltaZEwma"`
	CVDSlopeMedian         float64    `json:"cvdSlopeMedian"`
	Debug                  Debug      `json:"debug"`
}

// Decision is the full per-tick output: intent, intended orders, and
// cancels that must be acked before the orders are submitted.
type Decision struct {
	Intent         Intent
	Side           types.Side
	Orders         []sim.OrderRequest
	CancelOrderIDs []string
	Snapshot       Snapshot
}

// directionLock records the baseline at position close. Reversal needs at
// least three of the four tracked signals to have flipped, plus cooldown.
type directionLock struct {
	side       types.Side // side of the closed position
	closedTs   int64
	regimePass bool
	flowSign   int
	cvdSign    int
	oiSign     int
}

// Orchestrator holds the evolving decision state for one symbol.
// Owned by the symbol's single event loop; no internal locking.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger

	deltaZEwma  float64
	ewmaPrimed  bool
	slopeWindow []float64

	pendingSide types.Side
	confirms    int

	chase                  *chase
	fallbackTriggeredCount int
	exitAttempts           int

	lock        *directionLock
	prevPosSide types.Side
	hadPosition bool
}

// New creates an orchestrator for one symbol.
func New(cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.FallbackNotionalFrac > 0.25 || cfg.FallbackNotionalFrac <= 0 {
		cfg.FallbackNotionalFrac = 0.25
	}
	if cfg.CVDSlopeWindow <= 0 {
		cfg.CVDSlopeWindow = 5
	}
	if cfg.DeltaZEWMAAlpha <= 0 || cfg.DeltaZEWMAAlpha > 1 {
		cfg.DeltaZEWMAAlpha = 0.3
	}
	return &Orchestrator{
		cfg:    cfg,
		logger: logger.With("component", "orchestrator"),
	}
}

// Tick evaluates one telemetry view and returns the decision.
func (o *Orchestrator) Tick(in TickInput) Decision {
	o.smooth(in)
	o.trackPositionTransitions(in)

	snap := Snapshot{
		Intent:         IntentHold,
		DeltaZEwma:     o.deltaZEwma,
		CVDSlopeMedian: o.slopeMedian(),
		ATRSource:      ATRSourceUnknown,
	}
	snap.FallbackTriggeredCount = o.fallbackTriggeredCount
	snap.ExitAttempts = o.exitAttempts
	if in.BackfillDone {
		snap.ATRSource = ATRSourceBackfill
	}
	o.fillChaseState(&snap)

	hold := func(reason string) Decision {
		snap.Debug.BlockReason = reason
		return Decision{Intent: IntentHold, Snapshot: snap}
	}

	// Readiness: no decisions during warmup. Backfill is best-effort.
	if in.Samples < o.cfg.MinSamples {
		return hold(fmt.Sprintf("readiness: %d/%d samples", in.Samples, o.cfg.MinSamples))
	}
	snap.Readiness = true

	// Risk exit preempts everything while a position is open.
	if in.Position != nil {
		if reason, exit := o.riskExitTriggered(in); exit {
			return o.emitRiskExit(in, snap, reason)
		}
		o.exitAttempts = 0
	}

	side := o.intendedSide()
	snap.Side = side

	// An active chase runs to termination regardless of gate state.
	if o.chase != nil {
		return o.manageChase(in, snap)
	}

	if side == "" {
		return hold("flow: no direction")
	}

	snap.GateA = o.gateRegime(in)
	if !snap.GateA.Pass {
		return hold("gateA: " + snap.GateA.Reason)
	}
	snap.GateB = o.gateFlow(in, side)
	if !snap.GateB.Pass {
		return hold("gateB: " + snap.GateB.Reason)
	}
	snap.GateC = o.gateLocation(in)
	if !snap.GateC.Pass {
		return hold("gateC: " + snap.GateC.Reason)
	}

	// Hysteresis: a side change needs consecutive confirming ticks.
	if side != o.pendingSide {
		o.pendingSide = side
		o.confirms = 1
	} else {
		o.confirms++
	}
	if o.confirms < o.cfg.ConsecutiveConfirmations {
		return hold(fmt.Sprintf("hysteresis: %d/%d confirmations", o.confirms, o.cfg.ConsecutiveConfirmations))
	}

	if in.Position == nil {
		if reason, locked := o.reversalLocked(in, side); locked {
			return hold(reason)
		}
		return o.startChase(in, side, snap)
	}

	if in.Position.Side == side {
		return o.tryAdd(in, side, snap)
	}
	return hold("directionLock: no close-to-reverse")
}

// smooth folds the tick's raw inputs into the EWMA and median windows.
func (o *Orchestrator) smooth(in TickInput) {
	if in.DeltaZ != nil {
		if !o.ewmaPrimed {
			o.deltaZEwma = *in.DeltaZ
			o.ewmaPrimed = true
		} else {
			a := o.cfg.DeltaZEWMAAlpha
			o.deltaZEwma = a**in.DeltaZ + (1-a)*o.deltaZEwma
		}
	}
	o.slopeWindow = append(o.slopeWindow, in.CVDSlope)
	if len(o.slopeWindow) > o.cfg.CVDSlopeWindow {
		o.slopeWindow = o.slopeWindow[len(o.slopeWindow)-o.cfg.CVDSlopeWindow:]
	}
}

// slopeMedian is the median of the CVD-slope window.
func (o *Orchestrator) slopeMedian() float64 {
	n := len(o.slopeWindow)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, o.slopeWindow)
	for i := 1; i < n; i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// intendedSide derives the side from the smoothed CVD slope.
func (o *Orchestrator) intendedSide() types.Side {
	m := o.slopeMedian()
	switch {
	case m > 0:
		return types.BUY
	case m < 0:
		return types.SELL
	default:
		return ""
	}
}

// trackPositionTransitions arms the direction lock when a position closes.
func (o *Orchestrator) trackPositionTransitions(in TickInput) {
	if o.hadPosition && in.Position == nil && o.prevPosSide != "" {
		o.lock = &directionLock{
			side:       o.prevPosSide,
			closedTs:   in.TimestampMs,
			regimePass: o.gateRegime(in).Pass,
			flowSign:   signOf(in.OBIDeep),
			cvdSign:    floatSign(o.slopeMedian()),
			oiSign:     signOf(in.OIDropPct),
		}
	}
	if in.Position != nil {
		o.prevPosSide = in.Position.Side
		o.hadPosition = true
	} else {
		o.hadPosition = false
	}
}

// reversalLocked blocks entries opposite the last closed position unless
// at least 3 of 4 confirmations flipped and the cooldown elapsed.
func (o *Orchestrator) reversalLocked(in TickInput, side types.Side) (string, bool) {
	if o.lock == nil || side == o.lock.side {
		return "", false
	}
	if in.TimestampMs-o.lock.closedTs < o.cfg.FlipCooldownMs {
		return "directionLock: flip cooldown", true
	}
	flips := 0
	if o.gateRegime(in).Pass != o.lock.regimePass {
		flips++
	}
	if s := signOf(in.OBIDeep); s != 0 && s != o.lock.flowSign {
		flips++
	}
	if s := floatSign(o.slopeMedian()); s != 0 && s != o.lock.cvdSign {
		flips++
	}
	if s := signOf(in.OIDropPct); s != 0 && s != o.lock.oiSign {
		flips++
	}
	if flips < 3 {
		return fmt.Sprintf("directionLock: %d/4 flip confirmations", flips), true
	}
	o.lock = nil
	return "", false
}

// emitRiskExit produces maker reduce-only exits, falling back to a taker
// IOC once the maker attempt budget is exhausted.
func (o *Orchestrator) emitRiskExit(in TickInput, snap Snapshot, reason string) Decision {
	pos := in.Position
	snap.Intent = IntentExitRisk
	snap.Side = pos.Side.Opposite()
	snap.Debug.BlockReason = reason
	o.cancelChase()
	o.fillChaseState(&snap)

	o.exitAttempts++
	snap.ExitAttempts = o.exitAttempts

	d := Decision{
		Intent:         IntentExitRisk,
		Side:           snap.Side,
		CancelOrderIDs: in.OpenOrderIDs,
		Snapshot:       snap,
	}

	exitSide := pos.Side.Opposite()
	if o.exitAttempts <= o.cfg.MakerExitAttempts {
		price := in.BestAsk
		if exitSide == types.BUY {
			price = in.BestBid
		}
		fpPrice, err := fixedpoint.ToFp(price)
		if err != nil || fpPrice <= 0 {
			return d
		}
		d.Orders = append(d.Orders, sim.OrderRequest{
			Side:       exitSide,
			Type:       sim.Limit,
			TIF:        sim.GTC,
			Price:      fpPrice,
			Qty:        pos.Qty,
			ReduceOnly: true,
			PostOnly:   true,
			TTLMs:      o.cfg.RepriceMs,
			Role:       "exit",
		})
		return d
	}

	o.logger.Warn("maker exit attempts exhausted, taker exit", "attempts", o.exitAttempts)
	d.Orders = append(d.Orders, sim.OrderRequest{
		Side:       exitSide,
		Type:       sim.Market,
		TIF:        sim.IOC,
		Qty:        pos.Qty,
		ReduceOnly: true,
		Role:       "exit",
	})
	return d
}

// tryAdd evaluates the next add rung for an open same-side position.
func (o *Orchestrator) tryAdd(in TickInput, side types.Side, snap Snapshot) Decision {
	hold := func(reason string) Decision {
		snap.Debug.BlockReason = reason
		return Decision{Intent: IntentHold, Side: side, Snapshot: snap}
	}
	pos := in.Position
	rung := pos.AddsUsed + 1
	if rung > len(o.cfg.AddFractions) {
		return hold("add: rungs exhausted")
	}
	if in.UnrealizedPnlPct == nil || *in.UnrealizedPnlPct < o.cfg.AddMinUpnlPct {
		return hold("add: unrealized pnl below threshold")
	}
	if in.TimestampMs-pos.LastAddTs < o.cfg.AddGapMs {
		return hold("add: gap cooldown")
	}
	if in.SignalScore == nil || *in.SignalScore < o.cfg.AddSignalScoreMin {
		return hold("add: signal score below threshold")
	}
	if in.SpreadBps == nil || *in.SpreadBps > o.cfg.AddSpreadMaxBps {
		return hold("add: spread too wide")
	}

	addNotional := o.cfg.TargetNotional * o.cfg.AddFractions[rung-1]
	if in.PositionNotional+addNotional > o.cfg.MaxPositionNotional {
		return hold("add: max position notional")
	}
	order, ok := o.makerOrder(in, side, addNotional, fmt.Sprintf("add_%d", rung))
	if !ok {
		return hold("add: no quotable price")
	}

	snap.Intent = IntentAdd
	return Decision{Intent: IntentAdd, Side: side, Orders: []sim.OrderRequest{order}, Snapshot: snap}
}

// makerOrder builds a postOnly limit at the best same-side price.
func (o *Orchestrator) makerOrder(in TickInput, side types.Side, notional float64, role string) (sim.OrderRequest, bool) {
	price := in.BestBid
	if side == types.SELL {
		price = in.BestAsk
	}
	if price <= 0 || in.MarkPrice <= 0 {
		return sim.OrderRequest{}, false
	}
	fpPrice, err := fixedpoint.ToFp(price)
	if err != nil {
		return sim.OrderRequest{}, false
	}
	fpQty, err := fixedpoint.ToFp(notional / price)
	if err != nil || fpQty <= 0 {
		return sim.OrderRequest{}, false
	}
	return sim.OrderRequest{
		Side:     side,
		Type:     sim.Limit,
		TIF:      sim.GTC,
		Price:    fpPrice,
		Qty:      fpQty,
		PostOnly: true,
		TTLMs:    o.cfg.ChaseExpiryMs,
		Role:     role,
	}, true
}

func signOf(p *float64) int {
	if p == nil {
		return 0
	}
	return floatSign(*p)
}

func floatSign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
