// Package engine is the per-symbol pipeline coordinator.
//
// It wires together all subsystems:
//
//  1. One upstream combined-stream WebSocket connection multiplexes market
//     data for every configured symbol.
//  2. A demux loop routes each frame to its symbol's actor goroutine.
//  3. Each actor owns the full pipeline for its symbol: book mirror, tape,
//     microstructure derivators, orchestrator, and the dry-run sessions.
//     Events are applied in strict arrival order; nothing else touches the
//     actor's state, so the pipeline needs no locks.
//  4. Side loops per symbol poll open interest, funding, and HTF klines
//     over REST and feed the results back into the actor.
//  5. The engine implements the API control surface: session lifecycle
//     commands are posted into the owning actor's mailbox and answered on a
//     reply channel.
//
// Lifecycle: New() → AttachHub() → Start() → [runs until signal] → Stop()
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"perpflow/internal/api"
	"perpflow/internal/backfill"
	"perpflow/internal/config"
	"perpflow/internal/exchange"
	"perpflow/internal/metrics"
	"perpflow/internal/policy"
	"perpflow/internal/session"
	"perpflow/internal/store"
	"perpflow/pkg/types"
)

const (
	oiPollInterval      = 15 * time.Second
	fundingPollInterval = 30 * time.Second
	restCallTimeout     = 8 * time.Second
	shutdownWait        = 5 * time.Second
)

// Engine coordinates the per-symbol pipelines and implements the API
// control surface (api.Coordinator).
type Engine struct {
	cfg    config.Config
	rest   *exchange.Client
	stream *exchange.StreamClient
	bf     *backfill.Coordinator
	policy *policy.Engine
	st     *store.Store
	logger *slog.Logger

	actors  map[string]*actor
	started time.Time

	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group
}

// New creates and wires all engine components. The policy source may be
// nil; AI sessions then hold unless running in local mode.
func New(cfg config.Config, src policy.Source, logger *slog.Logger) (*Engine, error) {
	rest := exchange.NewClient(cfg.Upstream.RestHost, logger)
	stream := exchange.NewStreamClient(cfg.Upstream.StreamHost, logger)
	bf := backfill.NewCoordinator(rest, cfg.HTF.BarsLimit,
		time.Duration(cfg.HTF.RetryIntervalMs)*time.Millisecond, logger)

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var pol *policy.Engine
	if src != nil {
		pol = policy.NewEngine(src, time.Duration(cfg.Decision.TimeoutMs)*time.Millisecond, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:     cfg,
		rest:    rest,
		stream:  stream,
		bf:      bf,
		policy:  pol,
		st:      st,
		logger:  logger.With("component", "engine"),
		actors:  make(map[string]*actor),
		started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, sym := range cfg.Symbols {
		e.actors[sym] = newActor(sym, cfg, rest, bf, pol, st, logger)
	}
	return e, nil
}

// AttachHub hands the actors the fan-out hub for telemetry frames.
// Must be called before Start.
func (e *Engine) AttachHub(hub *api.Hub) {
	for _, a := range e.actors {
		a.hub = hub
	}
}

// Start subscribes the upstream streams and launches all goroutines:
// the stream reader, the demux loop, one actor and one poller per symbol,
// and the backfill fetches.
func (e *Engine) Start() error {
	g, ctx := errgroup.WithContext(e.ctx)
	e.g = g

	var streams []string
	for sym := range e.actors {
		streams = append(streams, exchange.StreamsFor(sym)...)
	}
	if err := e.stream.Subscribe(streams); err != nil {
		return fmt.Errorf("subscribe upstream: %w", err)
	}

	g.Go(func() error {
		err := e.stream.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error { return e.demux(ctx) })

	for _, a := range e.actors {
		a := a
		g.Go(func() error { return a.run(ctx) })
		g.Go(func() error { return e.pollSymbol(ctx, a) })
		g.Go(func() error { e.ensureBackfill(ctx, a.symbol); return nil })
	}

	e.logger.Info("engine started", "symbols", len(e.actors))
	return nil
}

// Stop cancels all goroutines, waits up to the shutdown budget, persists
// running sessions, and closes resources.
func (e *Engine) Stop() {
	e.logger.Info("stopping engine")
	e.cancel()
	e.stream.Close()

	if e.g != nil {
		done := make(chan struct{})
		go func() {
			e.g.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(shutdownWait):
			e.logger.Warn("shutdown wait exceeded, abandoning goroutines")
		}
	}

	for _, a := range e.actors {
		a.persistSessions()
	}
	if err := e.st.Close(); err != nil {
		e.logger.Error("store close failed", "error", err)
	}
	e.logger.Info("engine stopped")
}

// demux routes combined-stream frames to the owning actor. A full actor
// queue drops the frame; the book state machine recovers via resync.
func (e *Engine) demux(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-e.stream.Frames():
			sym := symbolOf(f.Stream)
			a, ok := e.actors[sym]
			if !ok {
				continue
			}
			select {
			case a.events <- f:
			default:
				e.logger.Warn("actor event queue full, dropping frame",
					"symbol", sym, "stream", f.Stream)
			}
		}
	}
}

// symbolOf extracts the uppercase symbol from a combined stream name
// ("btcusdt@depth@100ms" → "BTCUSDT").
func symbolOf(stream string) string {
	if i := strings.Index(stream, "@"); i >= 0 {
		stream = stream[:i]
	}
	return strings.ToUpper(stream)
}

// pollSymbol runs the REST side-loops for one symbol: open interest,
// funding/premium, and the HTF kline refresh.
func (e *Engine) pollSymbol(ctx context.Context, a *actor) error {
	oiTick := time.NewTicker(oiPollInterval)
	fundTick := time.NewTicker(fundingPollInterval)
	htfTick := time.NewTicker(time.Duration(e.cfg.HTF.RefreshMs) * time.Millisecond)
	defer oiTick.Stop()
	defer fundTick.Stop()
	defer htfTick.Stop()

	// Prime the HTF frames without waiting a full refresh interval.
	e.refreshHTF(ctx, a)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-oiTick.C:
			callCtx, cancel := context.WithTimeout(ctx, restCallTimeout)
			oi, err := e.rest.OpenInterest(callCtx, a.symbol)
			cancel()
			if err != nil {
				e.logger.Warn("open interest poll failed", "symbol", a.symbol, "error", err)
				continue
			}
			a.offer(func() { a.onOpenInterest(*oi) })
		case <-fundTick.C:
			callCtx, cancel := context.WithTimeout(ctx, restCallTimeout)
			ft, err := e.rest.PremiumIndex(callCtx, a.symbol)
			cancel()
			if err != nil {
				e.logger.Warn("premium index poll failed", "symbol", a.symbol, "error", err)
				continue
			}
			a.offer(func() { a.onFundingPoll(*ft) })
		case <-htfTick.C:
			e.refreshHTF(ctx, a)
		}
	}
}

// refreshHTF fetches the 1h and 4h kline windows and posts the derived
// structure frames into the actor.
func (e *Engine) refreshHTF(ctx context.Context, a *actor) {
	for _, tf := range []types.Timeframe{types.TF1h, types.TF4h} {
		callCtx, cancel := context.WithTimeout(ctx, restCallTimeout)
		bars, err := e.rest.Klines(callCtx, a.symbol, tf, e.cfg.HTF.BarsLimit)
		cancel()
		if err != nil {
			e.logger.Warn("htf kline fetch failed", "symbol", a.symbol, "tf", tf, "error", err)
			continue
		}
		tf := tf
		a.offer(func() { a.onHTF(tf, bars) })
	}
}

// ensureBackfill drives the 1m history prefetch to completion, retrying
// soft failures until the context ends.
func (e *Engine) ensureBackfill(ctx context.Context, symbol string) {
	retry := time.Duration(e.cfg.HTF.RetryIntervalMs) * time.Millisecond
	for {
		err := e.bf.Ensure(ctx, symbol)
		if err == nil {
			metrics.BackfillFetches.WithLabelValues(symbol, "ok").Inc()
			return
		}
		if ctx.Err() != nil {
			return
		}
		if !errors.Is(err, backfill.ErrRetryTooSoon) {
			metrics.BackfillFetches.WithLabelValues(symbol, "error").Inc()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(retry):
		}
	}
}

// --- api.Coordinator ---

// Coordinator returns the API control surface backed by this engine.
// Session commands are posted into the owning actor's mailbox, so the
// surface is safe for concurrent use.
func (e *Engine) Coordinator() api.Coordinator { return coordinator{e} }

type coordinator struct {
	e *Engine
}

func (c coordinator) Symbols() []string { return c.e.Symbols() }

func (c coordinator) Health() api.Health { return c.e.Health() }

// Symbols returns the configured symbol set, sorted.
func (e *Engine) Symbols() []string {
	out := make([]string, 0, len(e.actors))
	for sym := range e.actors {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// do posts a command into the owning actor and awaits the reply.
func (e *Engine) do(symbol string, fn func(a *actor) (session.Status, error)) (session.Status, error) {
	a, ok := e.actors[symbol]
	if !ok {
		return session.Status{}, fmt.Errorf("%w: %s", api.ErrUnknownSymbol, symbol)
	}

	type reply struct {
		st  session.Status
		err error
	}
	ch := make(chan reply, 1)

	select {
	case a.commands <- func() {
		st, err := fn(a)
		ch <- reply{st: st, err: err}
	}:
	case <-e.ctx.Done():
		return session.Status{}, e.ctx.Err()
	}

	select {
	case r := <-ch:
		return r.st, r.err
	case <-e.ctx.Done():
		return session.Status{}, e.ctx.Err()
	}
}

// Start starts a session of the given kind on the symbol.
func (c coordinator) Start(kind api.SessionKind, symbol, runID string, opts api.AIOptions) (session.Status, error) {
	return c.e.do(symbol, func(a *actor) (session.Status, error) {
		return a.startSession(kind, runID, opts)
	})
}

// Stop stops a running session; state is kept for inspection.
func (c coordinator) Stop(kind api.SessionKind, symbol string) (session.Status, error) {
	return c.e.do(symbol, func(a *actor) (session.Status, error) {
		return a.stopSession(kind)
	})
}

// Reset drops the session back to idle, discarding all state.
func (c coordinator) Reset(kind api.SessionKind, symbol string) (session.Status, error) {
	return c.e.do(symbol, func(a *actor) (session.Status, error) {
		return a.resetSession(kind)
	})
}

// TestOrder queues a small manual market order on the session.
func (c coordinator) TestOrder(kind api.SessionKind, symbol string, side types.Side) (session.Status, error) {
	return c.e.do(symbol, func(a *actor) (session.Status, error) {
		sess := a.session(kind)
		if err := sess.QueueManualOrder(side); err != nil {
			return session.Status{}, err
		}
		return sess.Status(), nil
	})
}

// Status returns the session's full status view.
func (c coordinator) Status(kind api.SessionKind, symbol string) (session.Status, error) {
	return c.e.do(symbol, func(a *actor) (session.Status, error) {
		return a.session(kind).Status(), nil
	})
}

// Health reports runtime status and per-symbol pipeline counters.
func (e *Engine) Health() api.Health {
	h := api.Health{
		Status:       "ok",
		UptimeSec:    int64(time.Since(e.started).Seconds()),
		DecisionMode: e.cfg.Decision.Mode,
	}
	for _, sym := range e.Symbols() {
		a := e.actors[sym]
		if v := a.health.Load(); v != nil {
			h.Symbols = append(h.Symbols, *v.(*api.SymbolHealth))
		} else {
			h.Symbols = append(h.Symbols, api.SymbolHealth{Symbol: sym, BookState: types.BookUnknown})
		}
	}
	return h
}
