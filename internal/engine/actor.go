// actor.go implements the per-symbol pipeline goroutine.
//
// One actor owns everything for its symbol: the book mirror, the tape,
// the microstructure trackers, the orchestrator state machines, and the
// dry-run sessions. All mutation happens on the actor goroutine; the only
// cross-goroutine surfaces are the inbound channels and the atomically
// published health record.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"perpflow/internal/api"
	"perpflow/internal/backfill"
	"perpflow/internal/book"
	"perpflow/internal/config"
	"perpflow/internal/exchange"
	"perpflow/internal/fixedpoint"
	"perpflow/internal/metrics"
	"perpflow/internal/micro"
	"perpflow/internal/orchestrator"
	"perpflow/internal/policy"
	"perpflow/internal/session"
	"perpflow/internal/sim"
	"perpflow/internal/store"
	"perpflow/internal/tape"
	"perpflow/pkg/types"
)

const (
	eventQueueSize = 512
	resyncDepth    = 1000

	// Funding rate applied by the paper engine between live updates.
	// Matches the exchange's neutral default of 1bp per interval.
	defaultFundingRate = 0.0001

	passiveFlowWindowMs = 10_000
	basisHistorySamples = 300
	oiDropWindowMs      = 60_000
	priceRingSize       = 16
)

// actor is one symbol's event-ordered pipeline.
type actor struct {
	symbol string
	cfg    config.Config
	logger *slog.Logger

	rest   *exchange.Client
	bf     *backfill.Coordinator
	policy *policy.Engine
	st     *store.Store
	hub    *api.Hub

	events    chan types.CombinedFrame
	commands  chan func()
	snapshots chan *types.DepthSnapshot

	book   *book.Book
	tape   *tape.Tape
	pf     *micro.PassiveFlow
	deriv  *micro.Derivatives
	regime *micro.Regime
	vwap   *micro.SessionVWAP

	dryOrch *orchestrator.Orchestrator
	aiOrch  *orchestrator.Orchestrator
	dryRun  *session.Session
	aiRun   *session.Session
	aiOpts  api.AIOptions

	ctx            context.Context
	resyncInFlight bool

	mark  float64
	index float64

	samples     int
	lastFunding *types.FundingTick
	lastOI      *types.OpenInterestTick
	htf         map[types.Timeframe]*micro.HTFFrame

	// Telemetry computed on the event cadence, published on the snapshot
	// cadence.
	tele telemetry

	lastDecision  *orchestrator.Decision
	prevFallbacks int
	lastIntegrity types.IntegrityLevel

	// Inter-tick deltas for passive flow and realized spread.
	prevBuyVol     float64
	prevSellVol    float64
	prevMid        float64
	prevTradePrice float64
	prevTradeIsBuy bool
	lastTradePrice float64
	lastTradeIsBuy bool

	priceRing [priceRingSize]pricePoint

	eventCount atomic.Int64
	framesSent atomic.Int64
	health     atomic.Value // *api.SymbolHealth
}

type pricePoint struct {
	sec   int64
	price float64
}

func newActor(symbol string, cfg config.Config, rest *exchange.Client, bf *backfill.Coordinator,
	pol *policy.Engine, st *store.Store, logger *slog.Logger) *actor {

	orchCfg := orchestrator.DefaultConfig()
	if cfg.DryRun.CooldownMs > 0 {
		orchCfg.FlipCooldownMs = cfg.DryRun.CooldownMs
	}

	sessCfg := sessionConfig(cfg, symbol)
	sessLogger := logger.With("symbol", symbol)

	return &actor{
		symbol:    symbol,
		cfg:       cfg,
		logger:    logger.With("component", "actor", "symbol", symbol),
		rest:      rest,
		bf:        bf,
		policy:    pol,
		st:        st,
		events:    make(chan types.CombinedFrame, eventQueueSize),
		commands:  make(chan func(), 16),
		snapshots: make(chan *types.DepthSnapshot, 1),
		book:      book.New(symbol, book.DefaultConfig()),
		tape:      tape.New(tape.DefaultConfig()),
		pf:        micro.NewPassiveFlow(passiveFlowWindowMs),
		deriv:     micro.NewDerivatives(basisHistorySamples, oiDropWindowMs),
		regime:    micro.NewRegime(),
		vwap:      micro.NewSessionVWAP(),
		dryOrch:   orchestrator.New(orchCfg, sessLogger),
		aiOrch:    orchestrator.New(orchCfg, sessLogger.With("kind", "ai")),
		dryRun:    session.New(sessCfg, sessLogger),
		aiRun:     session.New(sessCfg, sessLogger.With("kind", "ai")),
		htf:       make(map[types.Timeframe]*micro.HTFFrame),
	}
}

// sessionConfig builds the shared session/engine configuration for one
// symbol from the service config.
func sessionConfig(cfg config.Config, symbol string) session.Config {
	return session.Config{
		Symbol:            symbol,
		MinEventSpacingMs: cfg.DryRun.EventIntervalMs / 2,
		HeartbeatMs:       cfg.DryRun.HeartbeatMs,
		TakeProfitBps:     cfg.DryRun.TakeProfitBps,
		StopLossBps:       cfg.DryRun.StopLossBps,
		ManualOrderQty:    cfg.DryRun.ManualOrderQty,
		LogTail:           cfg.DryRun.LogTail,
		Engine: sim.Config{
			Symbol:                symbol,
			RestHost:              cfg.Upstream.RestHost,
			StreamHost:            cfg.Upstream.StreamHost,
			InitialWalletBalance:  fixedpoint.MustFp(cfg.DryRun.InitialWalletBalance),
			InitialMarginBalance:  fixedpoint.MustFp(cfg.DryRun.InitialMarginBalance),
			MaintenanceMarginRate: fixedpoint.MustFp(cfg.DryRun.MaintenanceMarginRate),
			TakerFeeRate:          fixedpoint.MustFp(cfg.DryRun.TakerFeeRate),
			MakerFeeRate:          fixedpoint.MustFp(cfg.DryRun.MakerFeeRate),
			FundingRate:           fixedpoint.MustFp(defaultFundingRate),
			FundingIntervalMs:     cfg.DryRun.FundingIntervalMs,
		},
	}
}

// offer posts a closure into the actor mailbox, dropping it when the
// mailbox is full (poller results are refreshed on the next interval).
func (a *actor) offer(fn func()) {
	select {
	case a.commands <- fn:
	default:
		a.logger.Warn("actor mailbox full, dropping update")
	}
}

// session maps a surface kind to its session.
func (a *actor) session(kind api.SessionKind) *session.Session {
	if kind == api.KindAIDryRun {
		return a.aiRun
	}
	return a.dryRun
}

// run is the actor main loop. Everything the actor owns is touched only
// from here.
func (a *actor) run(ctx context.Context) error {
	a.ctx = ctx

	snapInterval := time.Duration(float64(time.Second) / a.cfg.Server.SnapshotHz)
	snapTick := time.NewTicker(snapInterval)
	eventTick := time.NewTicker(time.Duration(a.cfg.DryRun.EventIntervalMs) * time.Millisecond)
	defer snapTick.Stop()
	defer eventTick.Stop()

	a.requestResync()

	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-a.events:
			a.handleFrame(f)
		case cmd := <-a.commands:
			cmd()
		case snap := <-a.snapshots:
			a.applyResync(snap)
		case <-eventTick.C:
			a.onEventTick(time.Now().UnixMilli())
		case <-snapTick.C:
			a.publishSnapshot(time.Now().UnixMilli())
		}
	}
}

// handleFrame applies one upstream frame by stream kind.
func (a *actor) handleFrame(f types.CombinedFrame) {
	suffix := f.Stream
	if i := strings.Index(suffix, "@"); i >= 0 {
		suffix = suffix[i+1:]
	}
	switch {
	case strings.HasPrefix(suffix, "depth"):
		a.onDepthDiff(f.Data)
	case suffix == "aggTrade":
		a.onAggTrade(f.Data)
	case strings.HasPrefix(suffix, "markPrice"):
		a.onMarkPrice(f.Data)
	case strings.HasPrefix(suffix, "kline"):
		a.onKline(f.Data)
	}
}

func (a *actor) onDepthDiff(data []byte) {
	var d types.DepthDiff
	if err := json.Unmarshal(data, &d); err != nil {
		a.logger.Warn("bad depth diff", "error", err)
		return
	}
	res := a.book.ApplyDiff(d, time.Now().UnixMilli())
	if !res.OK {
		a.requestResync()
	}
}

func (a *actor) onAggTrade(data []byte) {
	var raw types.WSAggTrade
	if err := json.Unmarshal(data, &raw); err != nil {
		a.logger.Warn("bad agg trade", "error", err)
		return
	}
	price, err := wireFloat(raw.Price)
	if err != nil {
		return
	}
	qty, err := wireFloat(raw.Qty)
	if err != nil {
		return
	}
	tr := types.Trade{
		Symbol:       a.symbol,
		TimeMs:       raw.TradeTimeMs,
		Price:        price,
		Qty:          qty,
		IsBuyerMaker: raw.IsBuyerMaker,
	}

	var bestBid, bestAsk float64
	if lvl, ok := a.book.BestBid(); ok {
		bestBid = fixedpoint.FromFp(lvl.Price)
	}
	if lvl, ok := a.book.BestAsk(); ok {
		bestAsk = fixedpoint.FromFp(lvl.Price)
	}
	a.tape.OnTrade(tr, bestBid, bestAsk)
	a.regime.Observe(tr.TimeMs, tr.Price)
	a.vwap.Observe(tr.TimeMs, tr.Price, tr.Qty)

	buy := !tr.IsBuyerMaker
	a.lastTradePrice, a.lastTradeIsBuy = tr.Price, buy
	a.priceRing[(tr.TimeMs/1000)%priceRingSize] = pricePoint{sec: tr.TimeMs / 1000, price: tr.Price}

	side := types.SELL
	if buy {
		side = types.BUY
	}
	a.archive(store.ArchiveTrade, tradeRecord{
		Ts:    tr.TimeMs,
		Price: tr.Price,
		Qty:   tr.Qty,
		Side:  side,
	})
}

func (a *actor) onMarkPrice(data []byte) {
	var raw types.WSMarkPrice
	if err := json.Unmarshal(data, &raw); err != nil {
		a.logger.Warn("bad mark price", "error", err)
		return
	}
	mark, err := wireFloat(raw.MarkPrice)
	if err != nil {
		return
	}
	index, err := wireFloat(raw.IndexPrice)
	if err != nil {
		return
	}
	rate, err := wireFloat(raw.FundingRate)
	if err != nil {
		return
	}
	a.mark, a.index = mark, index
	a.deriv.ObserveFunding(mark, index)
	a.lastFunding = &types.FundingTick{
		Symbol:            a.symbol,
		MarkPrice:         mark,
		IndexPrice:        index,
		FundingRate:       rate,
		NextFundingTimeMs: raw.NextFundingTimeMs,
		TimeMs:            raw.EventTimeMs,
	}
}

// onKline keeps the regime tracker fed from closed bars when the trade
// stream is sparse.
func (a *actor) onKline(data []byte) {
	var raw types.WSKline
	if err := json.Unmarshal(data, &raw); err != nil {
		a.logger.Warn("bad kline", "error", err)
		return
	}
	if !raw.Kline.Closed {
		return
	}
	if closePx, err := wireFloat(raw.Kline.Close); err == nil {
		a.regime.Observe(raw.EventTimeMs, closePx)
	}
}

func (a *actor) onOpenInterest(oi types.OpenInterestTick) {
	a.lastOI = &oi
	a.deriv.ObserveOI(oi.TimeMs, oi.Value)
}

func (a *actor) onFundingPoll(ft types.FundingTick) {
	a.mark, a.index = ft.MarkPrice, ft.IndexPrice
	a.deriv.ObserveFunding(ft.MarkPrice, ft.IndexPrice)
	a.lastFunding = &ft
	a.archive(store.ArchiveFunding, fundingRecord{
		Ts:            ft.TimeMs,
		Rate:          ft.FundingRate,
		MarkPrice:     ft.MarkPrice,
		IndexPrice:    ft.IndexPrice,
		NextFundingMs: ft.NextFundingTimeMs,
	})
}

func (a *actor) onHTF(tf types.Timeframe, bars []types.Kline) {
	a.htf[tf] = micro.ComputeHTF(bars, a.cfg.HTF.ATRPeriod, a.cfg.HTF.SwingLookback)
}

// requestResync kicks off an async snapshot fetch unless one is already
// in flight. The result lands back on the actor via the snapshots channel.
func (a *actor) requestResync() {
	if a.resyncInFlight || a.ctx == nil {
		return
	}
	a.resyncInFlight = true
	ctx := a.ctx
	go func() {
		callCtx, cancel := context.WithTimeout(ctx, restCallTimeout)
		defer cancel()
		snap, err := a.rest.DepthSnapshot(callCtx, a.symbol, resyncDepth)
		if err != nil {
			a.logger.Warn("depth snapshot fetch failed", "error", err)
			snap = nil
		}
		select {
		case a.snapshots <- snap:
		case <-ctx.Done():
		}
	}()
}

// applyResync seeds the book from a fetched snapshot. A nil snapshot
// clears the in-flight flag; the next gap or tick retries.
func (a *actor) applyResync(snap *types.DepthSnapshot) {
	a.resyncInFlight = false
	if snap == nil {
		return
	}
	a.book.ApplySnapshot(*snap, time.Now().UnixMilli())
	a.logger.Info("book resynced", "lastUpdateId", snap.LastUpdateID)

	var bestBid, bestAsk float64
	if lvl, ok := a.book.BestBid(); ok {
		bestBid = fixedpoint.FromFp(lvl.Price)
	}
	if lvl, ok := a.book.BestAsk(); ok {
		bestAsk = fixedpoint.FromFp(lvl.Price)
	}
	a.archive(store.ArchiveOrderbook, bookRecord{
		Ts:           time.Now().UnixMilli(),
		LastUpdateID: snap.LastUpdateID,
		BestBid:      bestBid,
		BestAsk:      bestAsk,
	})
}

// onEventTick runs one pipeline cycle: integrity evaluation, telemetry
// derivation, and a session tick for every running session.
func (a *actor) onEventTick(now int64) {
	state := a.book.State(now)
	integ := a.book.Integrity(now)
	metrics.BookIntegrity.WithLabelValues(a.symbol).Set(integrityValue(integ.Level))

	if integ.Level != a.lastIntegrity {
		a.lastIntegrity = integ.Level
		a.broadcastCritical(api.IntegrityFrame{
			Type:      "integrity",
			Symbol:    a.symbol,
			Integrity: integ,
		})
	}
	if state == types.BookResyncing {
		a.requestResync()
	}

	a.computeTelemetry(now, state, integ)

	if a.dryRun.State() == session.StateRunning {
		in := a.tickInput(now, state, integ, a.dryRun)
		dec := a.dryOrch.Tick(in)
		a.noteDecision(dec)
		a.lastDecision = &dec
		a.runSession(a.dryRun, now, dec)
	}
	if a.aiRun.State() == session.StateRunning {
		in := a.tickInput(now, state, integ, a.aiRun)
		dec := a.aiDecide(in)
		a.runSession(a.aiRun, now, dec)
	}
	a.eventCount.Add(1)
}

// aiDecide resolves the AI session's decision: the local rule engine in
// local mode, the external policy source otherwise. Every policy failure
// path already maps to HOLD inside the policy engine.
func (a *actor) aiDecide(in orchestrator.TickInput) orchestrator.Decision {
	if a.cfg.Decision.Mode == "local" || a.aiOpts.LocalOnly {
		return a.aiOrch.Tick(in)
	}
	if a.policy == nil {
		return holdDecision("policy: no source configured")
	}
	raw, err := json.Marshal(a.policyTelemetry(in))
	if err != nil {
		return holdDecision("policy: telemetry marshal failed")
	}
	plan := a.policy.Decide(a.ctx, a.symbol, raw)
	return planDecision(plan, in)
}

// runSession ticks one session and folds the outcome into metrics.
func (a *actor) runSession(sess *session.Session, now int64, dec orchestrator.Decision) {
	markFp, err := fixedpoint.ToFp(a.markOrMid())
	if err != nil || markFp <= 0 {
		return
	}
	bids, asks := a.book.DepthAt(a.cfg.DryRun.Depth)
	tc := session.TickContext{
		TimestampMs: now,
		MarkPrice:   markFp,
		Book:        bookView(bids, asks),
		Decision:    dec,
	}

	log, err := sess.OnTick(tc)
	metrics.EventsProcessed.WithLabelValues(a.symbol).Inc()
	if err != nil {
		switch {
		case errors.Is(err, session.ErrStaleEvent):
			metrics.EventsRejected.WithLabelValues(a.symbol, "stale").Inc()
		case errors.Is(err, session.ErrEventSpacing):
			metrics.EventsRejected.WithLabelValues(a.symbol, "spacing").Inc()
		case errors.Is(err, session.ErrEmptyBookSide):
			metrics.EventsRejected.WithLabelValues(a.symbol, "empty_book").Inc()
		}
		return
	}
	for _, o := range dec.Orders {
		metrics.OrdersPlaced.WithLabelValues(a.symbol, string(o.Side), o.Role).Inc()
	}
	if log.LiquidationTriggered {
		metrics.Liquidations.WithLabelValues(a.symbol).Inc()
	}
	metrics.WalletBalance.WithLabelValues(a.symbol).Set(fixedpoint.FromFp(log.State.WalletBalance))
}

// noteDecision folds orchestrator outcomes into the gate and fallback
// counters.
func (a *actor) noteDecision(dec orchestrator.Decision) {
	if dec.Intent == orchestrator.IntentHold {
		reason := dec.Snapshot.Debug.BlockReason
		if i := strings.Index(reason, ":"); i > 0 && strings.HasPrefix(reason, "gate") {
			metrics.GateBlocks.WithLabelValues(a.symbol, reason[:i]).Inc()
		}
	}
	if dec.Snapshot.FallbackTriggeredCount > a.prevFallbacks {
		metrics.ChaseFallbacks.WithLabelValues(a.symbol).Inc()
	}
	a.prevFallbacks = dec.Snapshot.FallbackTriggeredCount
}

// publishSnapshot assembles and broadcasts one metrics frame and refreshes
// the health record.
func (a *actor) publishSnapshot(now int64) {
	frame := a.assembleFrame(now)
	if a.hub != nil {
		a.hub.BroadcastMetrics(frame)
	}
	a.framesSent.Add(1)

	a.health.Store(&api.SymbolHealth{
		Symbol:       a.symbol,
		BookState:    frame.State,
		EventCount:   a.eventCount.Load(),
		FramesSent:   a.framesSent.Load(),
		SessionState: a.dryRun.State(),
		AISession:    a.aiRun.State(),
	})
}

// --- session lifecycle commands (run on the actor goroutine) ---

func (a *actor) startSession(kind api.SessionKind, runID string, opts api.AIOptions) (session.Status, error) {
	sess := a.session(kind)
	if kind == api.KindAIDryRun {
		a.aiOpts = opts
	}
	if err := sess.Start(runID); err != nil {
		return session.Status{}, err
	}
	st := sess.Status()
	a.broadcastStatus(kind, st)
	return st, nil
}

func (a *actor) stopSession(kind api.SessionKind) (session.Status, error) {
	sess := a.session(kind)
	if sess.State() != session.StateRunning {
		return session.Status{}, fmt.Errorf("session %s/%s: not running", a.symbol, kind)
	}
	sess.Stop()
	st := sess.Status()
	a.saveSession(kind, st)
	a.broadcastStatus(kind, st)
	return st, nil
}

func (a *actor) resetSession(kind api.SessionKind) (session.Status, error) {
	sess := a.session(kind)
	sess.Reset()
	if kind == api.KindAIDryRun {
		a.aiOrch = orchestrator.New(orchestratorConfigFor(a.cfg), a.logger)
		a.aiOpts = api.AIOptions{}
	} else {
		a.dryOrch = orchestrator.New(orchestratorConfigFor(a.cfg), a.logger)
		a.lastDecision = nil
		a.prevFallbacks = 0
	}
	st := sess.Status()
	a.broadcastStatus(kind, st)
	return st, nil
}

func orchestratorConfigFor(cfg config.Config) orchestrator.Config {
	c := orchestrator.DefaultConfig()
	if cfg.DryRun.CooldownMs > 0 {
		c.FlipCooldownMs = cfg.DryRun.CooldownMs
	}
	return c
}

// persistSessions saves every non-idle session. Called after the actor
// loop has exited.
func (a *actor) persistSessions() {
	for _, kind := range []api.SessionKind{api.KindDryRun, api.KindAIDryRun} {
		sess := a.session(kind)
		if sess.State() == session.StateIdle {
			continue
		}
		a.saveSession(kind, sess.Status())
	}
}

func (a *actor) saveSession(kind api.SessionKind, st session.Status) {
	id := strings.ToLower(a.symbol) + "_" + string(kind)
	if err := a.st.SaveSession(id, st); err != nil {
		a.logger.Error("session save failed", "kind", kind, "error", err)
	}
}

func (a *actor) broadcastStatus(kind api.SessionKind, st session.Status) {
	a.broadcastCritical(api.StatusFrame{
		Type:   "status",
		Symbol: a.symbol,
		Kind:   kind,
		Status: st,
	})
}

func (a *actor) broadcastCritical(frame any) {
	if a.hub != nil {
		a.hub.BroadcastCritical(a.symbol, frame)
	}
}

func (a *actor) archive(stream string, record any) {
	if err := a.st.AppendArchive(a.symbol, stream, record); err != nil {
		a.logger.Warn("archive append failed", "stream", stream, "error", err)
	}
}

// markOrMid prefers the stream mark price, falling back to the book mid.
func (a *actor) markOrMid() float64 {
	if a.mark > 0 {
		return a.mark
	}
	if mid, ok := a.book.MidPrice(); ok {
		return fixedpoint.FromFp(mid)
	}
	return 0
}

// priceAgo returns the trade price closest to secondsAgo in the ring,
// searching up to twice that far back. Zero when no sample exists.
func (a *actor) priceAgo(now int64, secondsAgo int64) float64 {
	nowSec := now / 1000
	for d := secondsAgo; d <= secondsAgo*2 && d < priceRingSize; d++ {
		p := a.priceRing[(nowSec-d)%priceRingSize]
		if p.sec == nowSec-d && p.price > 0 {
			return p.price
		}
	}
	return 0
}

func integrityValue(level types.IntegrityLevel) float64 {
	switch level {
	case types.IntegrityDegraded:
		return 1
	case types.IntegrityCritical:
		return 2
	default:
		return 0
	}
}

// bookView converts book levels to the engine's matching view.
func bookView(bids, asks []book.Level) sim.BookView {
	v := sim.BookView{
		Bids: make([]sim.Level, len(bids)),
		Asks: make([]sim.Level, len(asks)),
	}
	for i, l := range bids {
		v.Bids[i] = sim.Level{Price: l.Price, Qty: l.Qty}
	}
	for i, l := range asks {
		v.Asks[i] = sim.Level{Price: l.Price, Qty: l.Qty}
	}
	return v
}

// Archive line formats.

type tradeRecord struct {
	Ts    int64      `json:"ts"`
	Price float64    `json:"price"`
	Qty   float64    `json:"qty"`
	Side  types.Side `json:"side"`
}

type fundingRecord struct {
	Ts            int64   `json:"ts"`
	Rate          float64 `json:"rate"`
	MarkPrice     float64 `json:"markPrice"`
	IndexPrice    float64 `json:"indexPrice"`
	NextFundingMs int64   `json:"nextFundingMs"`
}

type bookRecord struct {
	Ts           int64   `json:"ts"`
	LastUpdateID int64   `json:"lastUpdateId"`
	BestBid      float64 `json:"bestBid"`
	BestAsk      float64 `json:"bestAsk"`
}
