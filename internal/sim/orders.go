package sim

import (
	"perpflow/internal/fixedpoint"
	"perpflow/pkg/types"
)

// OrderType selects market or limit semantics.
type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
)

// TimeInForce controls what happens to the unfilled remainder.
type TimeInForce string

const (
	GTC TimeInForce = "GTC"
	IOC TimeInForce = "IOC"
)

// OrderStatus is the terminal or resting status reported per order.
type OrderStatus string

const (
	StatusFilled   OrderStatus = "FILLED"
	StatusPartial  OrderStatus = "PARTIALLY_FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusResting  OrderStatus = "RESTING"
)

// Reason codes attached to order results.
const (
	ReasonPostOnlyReject    = "POSTONLY_REJECT"
	ReasonReduceOnlyReject  = "REDUCE_ONLY_REJECT"
	ReasonBookExhausted     = "BOOK_EXHAUSTED"
	ReasonExpired           = "EXPIRED"
	ReasonForcedLiquidation = "FORCED_LIQUIDATION"
)

// OrderRequest is one intended order submitted with an event tick.
type OrderRequest struct {
	Side       types.Side    `json:"side"`
	Type       OrderType     `json:"type"`
	TIF        TimeInForce   `json:"tif"`
	Price      fixedpoint.Fp `json:"price,omitempty"` // limit orders only
	Qty        fixedpoint.Fp `json:"qty"`
	ReduceOnly bool          `json:"reduceOnly,omitempty"`
	PostOnly   bool          `json:"postOnly,omitempty"`
	TTLMs      int64         `json:"ttlMs,omitempty"`
	Role       string        `json:"role,omitempty"` // entry, add, exit, manual
}

// OrderResult reports what the engine did with one order on one tick.
type OrderResult struct {
	OrderID   string        `json:"orderId"`
	Side      types.Side    `json:"side"`
	Status    OrderStatus   `json:"status"`
	FilledQty fixedpoint.Fp `json:"filledQty"`
	AvgPrice  fixedpoint.Fp `json:"avgPrice"`
	Reason    string        `json:"reason,omitempty"`
	TradeIDs  []string      `json:"tradeIds,omitempty"`

	// settlement internals accumulated into the tick log
	realized fixedpoint.Fp
	fee      fixedpoint.Fp
}

// OpenOrder is a resting limit order owned by the engine.
type OpenOrder struct {
	OrderID      string        `json:"orderId"`
	Side         types.Side    `json:"side"`
	Price        fixedpoint.Fp `json:"price"`
	RemainingQty fixedpoint.Fp `json:"remainingQty"`
	ReduceOnly   bool          `json:"reduceOnly"`
	PostOnly     bool          `json:"postOnly"`
	CreatedTs    int64         `json:"createdTs"`
	TTLMs        int64         `json:"ttlMs,omitempty"`
	Role         string        `json:"role,omitempty"`
}

// Level is one book level in engine fixed-point form.
type Level struct {
	Price fixedpoint.Fp `json:"price"`
	Qty   fixedpoint.Fp `json:"qty"`
}

// BookView is the book snapshot an event tick matches against.
// Bids descend, asks ascend, best first.
type BookView struct {
	Bids []Level `json:"bids"`
	Asks []Level `json:"asks"`
}

// oppositeLevels returns the side of the book an aggressive order consumes.
func (b BookView) oppositeLevels(side types.Side) []Level {
	if side == types.BUY {
		return b.Asks
	}
	return b.Bids
}

// fill is one execution against a book level.
type fill struct {
	price fixedpoint.Fp
	qty   fixedpoint.Fp
}

// walkBook consumes opposite-side levels up to qty, bounded by limitPrice
// when non-zero (max buy price, min sell price). Returns the fills and the
// total filled quantity.
func walkBook(book BookView, side types.Side, qty, limitPrice fixedpoint.Fp) ([]fill, fixedpoint.Fp) {
	var fills []fill
	var filled fixedpoint.Fp
	for _, lvl := range book.oppositeLevels(side) {
		if lvl.Qty <= 0 || lvl.Price <= 0 {
			continue
		}
		if limitPrice > 0 {
			if side == types.BUY && lvl.Price > limitPrice {
				break
			}
			if side == types.SELL && lvl.Price < limitPrice {
				break
			}
		}
		take := fixedpoint.Min(qty-filled, lvl.Qty)
		if take <= 0 {
			break
		}
		fills = append(fills, fill{price: lvl.Price, qty: take})
		filled += take
		if filled >= qty {
			break
		}
	}
	return fills, filled
}

// avgFillPrice is the notional-weighted average of fills.
// Callers guarantee a non-empty fill list.
func avgFillPrice(fills []fill) fixedpoint.Fp {
	var notional, qty fixedpoint.Fp
	for _, f := range fills {
		notional += fixedpoint.Mul(f.price, f.qty)
		qty += f.qty
	}
	return fixedpoint.Div(notional, qty)
}
