// Package session manages the per-symbol dry-run session: lifecycle,
// event intake validation, deterministic order derivation, and the
// engine invocation loop.
//
// The session owns the engine and folds its logs into bounded rings; the
// engine never calls back into the session. Event intake is strict: stale
// timestamps are rejected, events are spaced, and an empty book side
// produces a heartbeat instead of an engine tick.
package session

import (
	"errors"
	"fmt"
	"log/slog"

	"perpflow/internal/fixedpoint"
	"perpflow/internal/ident"
	"perpflow/internal/orchestrator"
	"perpflow/internal/sim"
	"perpflow/pkg/types"
)

// State is the session lifecycle state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

// Reject reasons counted by intake validation.
var (
	ErrNotRunning    = errors.New("session: not running")
	ErrStaleEvent    = errors.New("session: stale event timestamp")
	ErrEventSpacing  = errors.New("session: event inside minimum spacing")
	ErrEmptyBookSide = errors.New("session: empty book side")
)

// Config is the per-session configuration.
type Config struct {
	Symbol            string
	MinEventSpacingMs int64
	HeartbeatMs       int64
	TakeProfitBps     float64
	StopLossBps       float64
	ManualOrderQty    float64
	LogTail           int
	Engine            sim.Config
}

// TickContext is one validated inbound event plus the orchestrator's
// decision for it.
type TickContext struct {
	TimestampMs int64
	MarkPrice   fixedpoint.Fp
	Book        sim.BookView
	Decision    orchestrator.Decision
}

// Status is the externally visible session state.
type Status struct {
	Symbol          string            `json:"symbol"`
	State           State             `json:"state"`
	RunID           string            `json:"runId,omitempty"`
	MarkPrice       fixedpoint.Fp     `json:"markPrice"`
	Position        *sim.Position     `json:"position"`
	OpenOrders      []sim.OpenOrder   `json:"openOrders"`
	WalletBalance   fixedpoint.Fp     `json:"walletBalance"`
	RealizedPnl     fixedpoint.Fp     `json:"realizedPnl"`
	UnrealizedPnl   fixedpoint.Fp     `json:"unrealizedPnl"`
	FundingPnl      fixedpoint.Fp     `json:"fundingPnl"`
	MarginBalance   fixedpoint.Fp     `json:"marginBalance"`
	EventCount      int64             `json:"eventCount"`
	RejectedStale   int64             `json:"rejectedStale"`
	RejectedSpacing int64             `json:"rejectedSpacing"`
	Heartbeats      int64             `json:"heartbeats"`
	ConsoleLog      []string          `json:"consoleLog"`
	LastSnapshot    sim.StateSnapshot `json:"lastSnapshot"`
}

// Session is one symbol's dry-run session. Owned by the symbol's event
// loop; no internal locking.
type Session struct {
	cfg    Config
	logger *slog.Logger

	state  State
	engine *sim.Engine
	runID  string

	lastEventTs     int64
	lastHeartbeat   int64
	eventCount      int64
	rejectedStale   int64
	rejectedSpacing int64
	heartbeats      int64

	manualQueue []sim.OrderRequest
	consoleLog  []string
	lastLog     *sim.EngineLog
}

// New creates an idle session.
func New(cfg Config, logger *slog.Logger) *Session {
	if cfg.LogTail <= 0 {
		cfg.LogTail = 200
	}
	if cfg.MinEventSpacingMs <= 0 {
		cfg.MinEventSpacingMs = 100
	}
	if cfg.HeartbeatMs <= 0 {
		cfg.HeartbeatMs = 5000
	}
	if cfg.ManualOrderQty <= 0 {
		cfg.ManualOrderQty = 0.01
	}
	return &Session{
		cfg:    cfg,
		logger: logger.With("component", "session", "symbol", cfg.Symbol),
		state:  StateIdle,
	}
}

// Start creates the engine and moves the session to running. An empty
// runID gets a fresh random one; a fixed runID replays deterministically.
func (s *Session) Start(runID string) error {
	if s.state == StateRunning {
		return fmt.Errorf("session %s: already running", s.cfg.Symbol)
	}
	if runID == "" {
		runID = ident.NewRunID()
	}
	engCfg := s.cfg.Engine
	engCfg.RunID = runID
	engCfg.Symbol = s.cfg.Symbol
	engine, err := sim.New(engCfg)
	if err != nil {
		return err
	}
	s.engine = engine
	s.runID = runID
	s.state = StateRunning
	s.logf("session started run=%s", runID)
	return nil
}

// Stop halts event processing; state is preserved for inspection.
func (s *Session) Stop() {
	if s.state == StateRunning {
		s.state = StateStopped
		s.logf("session stopped after %d events", s.eventCount)
	}
}

// Reset drops all state and returns to idle.
func (s *Session) Reset() {
	cfg, logger := s.cfg, s.logger
	*s = Session{cfg: cfg, logger: logger, state: StateIdle}
	logger.Info("session reset")
}

// QueueManualOrder enqueues a small market test order to be prepended on
// the next tick.
func (s *Session) QueueManualOrder(side types.Side) error {
	if s.state != StateRunning {
		return ErrNotRunning
	}
	qty, err := fixedpoint.ToFp(s.cfg.ManualOrderQty)
	if err != nil {
		return err
	}
	s.manualQueue = append(s.manualQueue, sim.OrderRequest{
		Side: side,
		Type: sim.Market,
		TIF:  sim.IOC,
		Qty:  qty,
		Role: "manual",
	})
	s.logf("manual %s order queued", side)
	return nil
}

// OnTick validates and processes one event. The returned engine log is
// nil when the event was rejected or produced only a heartbeat.
func (s *Session) OnTick(tc TickContext) (*sim.EngineLog, error) {
	if s.state != StateRunning {
		return nil, ErrNotRunning
	}
	if tc.TimestampMs <= s.lastEventTs {
		s.rejectedStale++
		return nil, fmt.Errorf("%w: %d <= %d", ErrStaleEvent, tc.TimestampMs, s.lastEventTs)
	}
	if s.lastEventTs > 0 && tc.TimestampMs-s.lastEventTs < s.cfg.MinEventSpacingMs {
		s.rejectedSpacing++
		return nil, ErrEventSpacing
	}
	if len(tc.Book.Bids) == 0 || len(tc.Book.Asks) == 0 {
		s.heartbeat(tc.TimestampMs)
		return nil, ErrEmptyBookSide
	}
	s.lastEventTs = tc.TimestampMs

	// Strict cancel-ack before replace: every requested cancel must ack
	// before this tick's orders are submitted.
	for _, id := range tc.Decision.CancelOrderIDs {
		if !s.engine.CancelOrder(id) {
			s.logf("cancel %s: order already gone", id)
		}
	}

	orders := make([]sim.OrderRequest, 0, len(s.manualQueue)+len(tc.Decision.Orders)+2)
	orders = append(orders, s.manualQueue...)
	s.manualQueue = s.manualQueue[:0]
	orders = append(orders, tc.Decision.Orders...)
	orders = append(orders, s.deriveProtectiveOrders(tc)...)

	log, err := s.engine.ProcessEvent(sim.EventInput{
		TimestampMs: tc.TimestampMs,
		MarkPrice:   tc.MarkPrice,
		Book:        tc.Book,
		Orders:      orders,
	})
	if err != nil {
		// Arithmetic aborts kill the tick, not the session.
		s.logf("tick aborted: %v", err)
		return nil, err
	}

	s.eventCount++
	s.lastLog = log
	for _, res := range log.OrderResults {
		if res.FilledQty > 0 || res.Reason != "" {
			s.logf("order %s %s %s filled=%s avg=%s %s",
				res.OrderID, res.Side, res.Status, res.FilledQty, res.AvgPrice, res.Reason)
		}
	}
	if log.LiquidationTriggered {
		s.logf("LIQUIDATION at mark=%s wallet=%s", tc.MarkPrice, log.State.WalletBalance)
	}
	return log, nil
}

// deriveProtectiveOrders emits the deterministic take-profit and stop
// orders implied by the current position and book.
func (s *Session) deriveProtectiveOrders(tc TickContext) []sim.OrderRequest {
	pos := s.engine.Position()
	if pos == nil || (s.cfg.TakeProfitBps <= 0 && s.cfg.StopLossBps <= 0) {
		return nil
	}
	// Skip when a protective order is already resting.
	for _, o := range s.engine.OpenOrders() {
		if o.Role == "tp" {
			return s.deriveStop(tc, pos)
		}
	}

	var orders []sim.OrderRequest
	if s.cfg.TakeProfitBps > 0 {
		bps, err := fixedpoint.ToFp(s.cfg.TakeProfitBps / 10_000)
		if err == nil {
			move := fixedpoint.Mul(pos.EntryVwap, bps)
			price := pos.EntryVwap + move
			if pos.Side == types.SELL {
				price = pos.EntryVwap - move
			}
			orders = append(orders, sim.OrderRequest{
				Side:       pos.Side.Opposite(),
				Type:       sim.Limit,
				TIF:        sim.GTC,
				Price:      price,
				Qty:        pos.Qty,
				ReduceOnly: true,
				PostOnly:   true,
				Role:       "tp",
			})
		}
	}
	return append(orders, s.deriveStop(tc, pos)...)
}

// deriveStop fires a taker stop when the mark has moved through the
// stop-loss distance against the position.
func (s *Session) deriveStop(tc TickContext, pos *sim.Position) []sim.OrderRequest {
	if s.cfg.StopLossBps <= 0 {
		return nil
	}
	bps, err := fixedpoint.ToFp(s.cfg.StopLossBps / 10_000)
	if err != nil {
		return nil
	}
	move := fixedpoint.Mul(pos.EntryVwap, bps)
	breached := false
	if pos.Side == types.BUY {
		breached = tc.MarkPrice <= pos.EntryVwap-move
	} else {
		breached = tc.MarkPrice >= pos.EntryVwap+move
	}
	if !breached {
		return nil
	}
	return []sim.OrderRequest{{
		Side:       pos.Side.Opposite(),
		Type:       sim.Market,
		TIF:        sim.IOC,
		Qty:        pos.Qty,
		ReduceOnly: true,
		Role:       "stop",
	}}
}

// heartbeat logs a warning at most once per heartbeat interval.
func (s *Session) heartbeat(ts int64) {
	s.heartbeats++
	if ts-s.lastHeartbeat >= s.cfg.HeartbeatMs {
		s.lastHeartbeat = ts
		s.logger.Warn("empty book side, holding", "ts", ts)
		s.logf("heartbeat: empty book side at %d", ts)
	}
}

// Status renders the current session view.
func (s *Session) Status() Status {
	st := Status{
		Symbol:          s.cfg.Symbol,
		State:           s.state,
		RunID:           s.runID,
		EventCount:      s.eventCount,
		RejectedStale:   s.rejectedStale,
		RejectedSpacing: s.rejectedSpacing,
		Heartbeats:      s.heartbeats,
		ConsoleLog:      append([]string(nil), s.consoleLog...),
	}
	if s.engine != nil {
		snap := s.engine.Snapshot()
		st.MarkPrice = snap.MarkPrice
		st.Position = snap.Position
		st.OpenOrders = snap.OpenOrders
		st.WalletBalance = snap.WalletBalance
		st.RealizedPnl = snap.RealizedPnlTotal
		st.UnrealizedPnl = snap.UnrealizedPnl
		st.FundingPnl = snap.FundingPnlTotal
		st.MarginBalance = snap.MarginBalance
		st.LastSnapshot = snap
	}
	return st
}

// State returns the lifecycle state.
func (s *Session) State() State { return s.state }

// RunID returns the active run ID, empty when idle.
func (s *Session) RunID() string { return s.runID }

// LastLog returns the most recent engine log, nil before the first tick.
func (s *Session) LastLog() *sim.EngineLog { return s.lastLog }

// logf appends one line to the bounded console ring.
func (s *Session) logf(format string, args ...any) {
	s.consoleLog = append(s.consoleLog, fmt.Sprintf(format, args...))
	if len(s.consoleLog) > s.cfg.LogTail {
		s.consoleLog = s.consoleLog[len(s.consoleLog)-s.cfg.LogTail:]
	}
}
