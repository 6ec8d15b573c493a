// Package sim implements the deterministic dry-run matching engine.
//
// The engine matches intended orders against book snapshots supplied with
// each event tick, accounts position, PnL, fees, and funding in fixed-point,
// and force-closes on margin breach. No wall-clock time enters the engine:
// two runs with identical (runID, events) produce byte-identical logs,
// state, and IDs.
package sim

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"perpflow/internal/fixedpoint"
	"perpflow/internal/ident"
	"perpflow/pkg/types"
)

// Documented mainnet hosts. Engine construction refuses anything else so a
// simulation can never be wired to testnet or a stray proxy by accident.
const (
	MainnetRestHost   = "fapi.binance.com"
	MainnetStreamHost = "fstream.binance.com"
)

// ErrUpstreamHost is returned by New when the configured hosts deviate
// from the documented mainnet endpoints.
var ErrUpstreamHost = errors.New("sim: upstream host is not the documented mainnet endpoint")

// Config is the immutable engine configuration.
type Config struct {
	RunID      string
	Symbol     string
	RestHost   string
	StreamHost string

	InitialWalletBalance  fixedpoint.Fp
	InitialMarginBalance  fixedpoint.Fp
	MaintenanceMarginRate fixedpoint.Fp
	TakerFeeRate          fixedpoint.Fp
	MakerFeeRate          fixedpoint.Fp
	FundingRate           fixedpoint.Fp
	FundingIntervalMs     int64
}

// EventInput is one engine tick: a timestamp, the mark price, the book to
// match against, and the orders intended on this tick.
type EventInput struct {
	TimestampMs int64
	MarkPrice   fixedpoint.Fp
	Book        BookView
	Orders      []OrderRequest
}

// StateSnapshot is the engine state attached to every log entry.
type StateSnapshot struct {
	WalletBalance    fixedpoint.Fp `json:"walletBalance"`
	MarginBalance    fixedpoint.Fp `json:"marginBalance"`
	UnrealizedPnl    fixedpoint.Fp `json:"unrealizedPnl"`
	RealizedPnlTotal fixedpoint.Fp `json:"realizedPnlTotal"`
	FeeTotal         fixedpoint.Fp `json:"feeTotal"`
	FundingPnlTotal  fixedpoint.Fp `json:"fundingPnlTotal"`
	MarkPrice        fixedpoint.Fp `json:"markPrice"`
	Position         *Position     `json:"position"`
	OpenOrders       []OpenOrder   `json:"openOrders"`
	EventCount       int64         `json:"eventCount"`
	StateHash        string        `json:"stateHash"`
}

// EngineLog is the per-tick output.
type EngineLog struct {
	EventID              string        `json:"eventId"`
	TimestampMs          int64         `json:"timestampMs"`
	OrderResults         []OrderResult `json:"orderResults"`
	RealizedPnl          fixedpoint.Fp `json:"realizedPnl"`
	Fee                  fixedpoint.Fp `json:"fee"`
	FundingImpact        fixedpoint.Fp `json:"fundingImpact"`
	LiquidationTriggered bool          `json:"liquidationTriggered"`
	State                StateSnapshot `json:"state"`
}

// Engine is the deterministic matching engine. Not safe for concurrent
// use; each session owns one engine and drives it from its event loop.
type Engine struct {
	cfg Config
	ids *ident.Generator

	wallet        fixedpoint.Fp
	position      *Position
	resting       []*OpenOrder // submission order preserved for sweeps
	lastFundingTs int64

	realizedTotal fixedpoint.Fp
	feeTotal      fixedpoint.Fp
	fundingTotal  fixedpoint.Fp
	eventCount    int64
	lastMark      fixedpoint.Fp
}

// New constructs an engine after validating the upstream guard.
func New(cfg Config) (*Engine, error) {
	if cfg.RestHost != MainnetRestHost {
		return nil, fmt.Errorf("%w: rest host %q", ErrUpstreamHost, cfg.RestHost)
	}
	if cfg.StreamHost != MainnetStreamHost {
		return nil, fmt.Errorf("%w: stream host %q", ErrUpstreamHost, cfg.StreamHost)
	}
	if cfg.RunID == "" {
		cfg.RunID = ident.NewRunID()
	}
	if cfg.FundingIntervalMs <= 0 {
		cfg.FundingIntervalMs = 8 * 60 * 60 * 1000
	}
	return &Engine{
		cfg:    cfg,
		ids:    ident.New(cfg.RunID),
		wallet: cfg.InitialWalletBalance,
	}, nil
}

// RunID returns the engine's run identifier.
func (e *Engine) RunID() string { return e.cfg.RunID }

// ProcessEvent runs one tick: funding accrual, new-order matching, the
// resting-order sweep, position update, and the liquidation check. A
// fixed-point arithmetic panic aborts the tick and is returned as an error;
// the engine stays usable for the next event.
func (e *Engine) ProcessEvent(in EventInput) (out *EngineLog, err error) {
	defer func() {
		if r := recover(); r != nil {
			if rerr, ok := r.(error); ok &&
				(errors.Is(rerr, fixedpoint.ErrDivZero) || errors.Is(rerr, fixedpoint.ErrOverflow)) {
				out = nil
				err = fmt.Errorf("sim: tick %d aborted: %w", in.TimestampMs, rerr)
				return
			}
			panic(r)
		}
	}()

	log := &EngineLog{
		EventID:     e.ids.EventID(strconv.FormatInt(in.TimestampMs, 10)),
		TimestampMs: in.TimestampMs,
	}
	e.eventCount++
	e.lastMark = in.MarkPrice

	log.FundingImpact = e.accrueFunding(in.TimestampMs, in.MarkPrice)

	for _, req := range in.Orders {
		res := e.executeOrder(req, in)
		log.OrderResults = append(log.OrderResults, res)
	}

	log.OrderResults = append(log.OrderResults, e.sweepResting(in)...)

	if res, ok := e.checkLiquidation(in); ok {
		log.OrderResults = append(log.OrderResults, res)
		log.LiquidationTriggered = true
	}

	for _, res := range log.OrderResults {
		if res.FilledQty > 0 {
			log.RealizedPnl += res.realized
			log.Fee += res.fee
		}
	}
	log.State = e.snapshot(in.MarkPrice)
	return log, nil
}

// accrueFunding applies one funding payment per whole interval elapsed
// since the last accrual, using the current mark price. Gaps covering
// multiple intervals loop deterministically.
func (e *Engine) accrueFunding(ts int64, mark fixedpoint.Fp) fixedpoint.Fp {
	if e.position == nil || e.lastFundingTs == 0 {
		return 0
	}
	intervals := (ts - e.lastFundingTs) / e.cfg.FundingIntervalMs
	if intervals <= 0 {
		return 0
	}
	perInterval := fixedpoint.Mul(fixedpoint.Mul(e.cfg.FundingRate, e.position.Qty), mark)
	impact := -perInterval * direction(e.position.Side) * fixedpoint.Fp(intervals)
	e.wallet += impact
	e.fundingTotal += impact
	e.lastFundingTs += intervals * e.cfg.FundingIntervalMs
	return impact
}

// executeOrder handles one newly submitted order.
func (e *Engine) executeOrder(req OrderRequest, in EventInput) OrderResult {
	orderID := e.ids.OrderID(string(req.Side), string(req.Type), req.Price.String(), req.Qty.String())
	res := OrderResult{OrderID: orderID, Side: req.Side, Status: StatusRejected}

	qty := req.Qty
	if req.ReduceOnly {
		var ok bool
		qty, ok = e.reduceOnlyQty(req.Side, qty)
		if !ok {
			res.Reason = ReasonReduceOnlyReject
			return res
		}
	}

	switch req.Type {
	case Market:
		return e.fillAggressive(res, req.Side, qty, 0, in)

	case Limit:
		crosses := e.wouldCross(req.Side, req.Price, in.Book)
		if req.PostOnly && crosses {
			res.Reason = ReasonPostOnlyReject
			return res
		}
		if req.TIF == IOC {
			return e.fillAggressive(res, req.Side, qty, req.Price, in)
		}
		e.resting = append(e.resting, &OpenOrder{
			OrderID:      orderID,
			Side:         req.Side,
			Price:        req.Price,
			RemainingQty: qty,
			ReduceOnly:   req.ReduceOnly,
			PostOnly:     req.PostOnly,
			CreatedTs:    in.TimestampMs,
			TTLMs:        req.TTLMs,
			Role:         req.Role,
		})
		res.Status = StatusResting
		return res

	default:
		res.Reason = fmt.Sprintf("unknown order type %q", req.Type)
		return res
	}
}

// fillAggressive walks the opposite book side, applying the taker fee.
// limitPrice of zero means unbounded (market).
func (e *Engine) fillAggressive(res OrderResult, side types.Side, qty, limitPrice fixedpoint.Fp, in EventInput) OrderResult {
	fills, filled := walkBook(in.Book, side, qty, limitPrice)
	if filled <= 0 {
		res.Status = StatusCanceled
		res.Reason = ReasonBookExhausted
		return res
	}
	res.FilledQty = filled
	res.AvgPrice = avgFillPrice(fills)
	res.Status = StatusFilled
	if filled < qty {
		res.Status = StatusPartial
		res.Reason = ReasonBookExhausted
	}
	for _, f := range fills {
		res.TradeIDs = append(res.TradeIDs, e.ids.TradeID(res.OrderID, f.price.String(), f.qty.String()))
		res.realized += e.settleFill(side, f.price, f.qty, in.TimestampMs)
	}
	res.fee = e.chargeFee(res.AvgPrice, filled, e.cfg.TakerFeeRate)
	return res
}

// sweepResting matches resting orders against the current book. Cross-price
// fills execute at the resting price with the maker fee. Expired orders are
// canceled before matching.
func (e *Engine) sweepResting(in EventInput) []OrderResult {
	var results []OrderResult
	keep := e.resting[:0]
	for _, o := range e.resting {
		if o.TTLMs > 0 && in.TimestampMs >= o.CreatedTs+o.TTLMs {
			results = append(results, OrderResult{
				OrderID: o.OrderID, Side: o.Side, Status: StatusCanceled, Reason: ReasonExpired,
			})
			continue
		}

		qty := o.RemainingQty
		if o.ReduceOnly {
			var ok bool
			qty, ok = e.reduceOnlyQty(o.Side, qty)
			if !ok {
				results = append(results, OrderResult{
					OrderID: o.OrderID, Side: o.Side, Status: StatusCanceled, Reason: ReasonReduceOnlyReject,
				})
				continue
			}
		}

		fills, filled := walkBook(in.Book, o.Side, qty, o.Price)
		if filled <= 0 {
			keep = append(keep, o)
			continue
		}

		res := OrderResult{OrderID: o.OrderID, Side: o.Side, FilledQty: filled, AvgPrice: o.Price}
		for _, f := range fills {
			res.TradeIDs = append(res.TradeIDs, e.ids.TradeID(o.OrderID, o.Price.String(), f.qty.String()))
		}
		res.realized = e.settleFill(o.Side, o.Price, filled, in.TimestampMs)
		res.fee = e.chargeFee(o.Price, filled, e.cfg.MakerFeeRate)

		o.RemainingQty -= filled
		if o.RemainingQty > 0 {
			res.Status = StatusPartial
			keep = append(keep, o)
		} else {
			res.Status = StatusFilled
		}
		results = append(results, res)
	}
	e.resting = keep
	return results
}

// checkLiquidation force-closes the whole position when margin is breached.
// The close fills at the best available level regardless of its depth; with
// no book the mark price is used. The loss lands on the wallet either way.
func (e *Engine) checkLiquidation(in EventInput) (OrderResult, bool) {
	if e.position == nil {
		return OrderResult{}, false
	}
	equity := e.wallet + e.position.UnrealizedPnl(in.MarkPrice)
	maintenance := fixedpoint.Mul(e.position.Notional(in.MarkPrice), e.cfg.MaintenanceMarginRate)
	if equity >= maintenance {
		return OrderResult{}, false
	}

	closeSide := e.position.Side.Opposite()
	price := in.MarkPrice
	if levels := in.Book.oppositeLevels(closeSide); len(levels) > 0 {
		price = levels[0].Price
	}
	qty := e.position.Qty

	res := OrderResult{
		OrderID:   e.ids.OrderID(string(closeSide), ReasonForcedLiquidation),
		Side:      closeSide,
		Status:    StatusFilled,
		FilledQty: qty,
		AvgPrice:  price,
		Reason:    ReasonForcedLiquidation,
	}
	res.TradeIDs = append(res.TradeIDs, e.ids.TradeID(res.OrderID, price.String(), qty.String()))
	res.realized = e.settleFill(closeSide, price, qty, in.TimestampMs)
	res.fee = e.chargeFee(price, qty, e.cfg.TakerFeeRate)
	return res, true
}

// settleFill applies a fill to the position and credits realized PnL to
// the wallet. Opening a position from flat starts the funding clock.
func (e *Engine) settleFill(side types.Side, price, qty fixedpoint.Fp, ts int64) fixedpoint.Fp {
	wasFlat := e.position == nil
	var realized fixedpoint.Fp
	e.position, realized = applyFill(e.position, side, price, qty, ts)
	e.wallet += realized
	e.realizedTotal += realized
	if wasFlat && e.position != nil {
		e.lastFundingTs = ts
	}
	if e.position == nil {
		e.lastFundingTs = 0
	}
	return realized
}

// chargeFee debits a fee on the filled notional and returns it.
func (e *Engine) chargeFee(price, qty, rate fixedpoint.Fp) fixedpoint.Fp {
	if rate == 0 || qty <= 0 {
		return 0
	}
	fee := fixedpoint.Mul(fixedpoint.Mul(price, qty), rate)
	e.wallet -= fee
	e.feeTotal += fee
	return fee
}

// reduceOnlyQty caps qty so the order can only shrink the position.
func (e *Engine) reduceOnlyQty(side types.Side, qty fixedpoint.Fp) (fixedpoint.Fp, bool) {
	if e.position == nil || e.position.Side == side {
		return 0, false
	}
	return fixedpoint.Min(qty, e.position.Qty), true
}

// wouldCross reports whether a limit order at price would execute
// immediately against the given book.
func (e *Engine) wouldCross(side types.Side, price fixedpoint.Fp, book BookView) bool {
	if side == types.BUY {
		return len(book.Asks) > 0 && price >= book.Asks[0].Price
	}
	return len(book.Bids) > 0 && price <= book.Bids[0].Price
}

// CancelOrder removes a resting order. The returned ack is strict: true
// means the order no longer exists in the resting book.
func (e *Engine) CancelOrder(orderID string) bool {
	for i, o := range e.resting {
		if o.OrderID == orderID {
			e.resting = append(e.resting[:i], e.resting[i+1:]...)
			return true
		}
	}
	return false
}

// OpenOrders returns a copy of the resting book in submission order.
func (e *Engine) OpenOrders() []OpenOrder {
	out := make([]OpenOrder, len(e.resting))
	for i, o := range e.resting {
		out[i] = *o
	}
	return out
}

// Position returns a copy of the open position, or nil when flat.
func (e *Engine) Position() *Position {
	if e.position == nil {
		return nil
	}
	p := *e.position
	return &p
}

// WalletBalance returns the current wallet balance.
func (e *Engine) WalletBalance() fixedpoint.Fp { return e.wallet }

// Snapshot renders the current engine state at the last seen mark price.
func (e *Engine) Snapshot() StateSnapshot { return e.snapshot(e.lastMark) }

func (e *Engine) snapshot(mark fixedpoint.Fp) StateSnapshot {
	snap := StateSnapshot{
		WalletBalance:    e.wallet,
		UnrealizedPnl:    e.position.UnrealizedPnl(mark),
		RealizedPnlTotal: e.realizedTotal,
		FeeTotal:         e.feeTotal,
		FundingPnlTotal:  e.fundingTotal,
		MarkPrice:        mark,
		OpenOrders:       e.OpenOrders(),
		EventCount:       e.eventCount,
	}
	snap.MarginBalance = e.wallet + snap.UnrealizedPnl
	snap.Position = e.Position()
	snap.StateHash = stateHash(snap)
	return snap
}

// stateHash digests the snapshot into a short hex token so replays can be
// compared line by line.
func stateHash(s StateSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d|%d|%d|%d|%d|%d", s.WalletBalance, s.RealizedPnlTotal, s.FeeTotal, s.FundingPnlTotal, s.MarkPrice, s.EventCount)
	if s.Position != nil {
		fmt.Fprintf(&b, "|%s|%d|%d", s.Position.Side, s.Position.Qty, s.Position.EntryVwap)
	}
	for _, o := range s.OpenOrders {
		fmt.Fprintf(&b, "|%s|%s|%d|%d", o.OrderID, o.Side, o.Price, o.RemainingQty)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:16]
}
