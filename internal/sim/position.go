package sim

import (
	"perpflow/internal/fixedpoint"
	"perpflow/pkg/types"
)

// Position is the engine's single net position for a symbol.
// Qty is always positive; direction lives in Side. Side is immutable while
// the position is open: a fill through flat closes first, then reopens.
type Position struct {
	Side      types.Side    `json:"side"`
	Qty       fixedpoint.Fp `json:"qty"`
	EntryVwap fixedpoint.Fp `json:"entryVwap"`
	OpenedTs  int64         `json:"openedTs"`
	AddsUsed  int           `json:"addsUsed"`
	LastAddTs int64         `json:"lastAddTs"`
}

// direction is +1 for LONG exposure, -1 for SHORT.
func direction(side types.Side) fixedpoint.Fp {
	if side == types.BUY {
		return 1
	}
	return -1
}

// UnrealizedPnl values the position at the given mark price.
func (p *Position) UnrealizedPnl(mark fixedpoint.Fp) fixedpoint.Fp {
	if p == nil || p.Qty <= 0 {
		return 0
	}
	return fixedpoint.Mul(mark-p.EntryVwap, p.Qty) * direction(p.Side)
}

// Notional is qty valued at the mark price.
func (p *Position) Notional(mark fixedpoint.Fp) fixedpoint.Fp {
	if p == nil || p.Qty <= 0 {
		return 0
	}
	return fixedpoint.Mul(p.Qty, mark)
}

// applyFill folds one fill into the position and returns the realized PnL
// and the updated position (nil when flat). A fill against the position
// reduces it first; any remainder reopens on the fill's side.
func applyFill(p *Position, side types.Side, price, qty fixedpoint.Fp, ts int64) (*Position, fixedpoint.Fp) {
	if qty <= 0 {
		return p, 0
	}

	// Flat or same side: open or grow with a weighted-average entry.
	if p == nil || p.Qty <= 0 {
		return &Position{Side: side, Qty: qty, EntryVwap: price, OpenedTs: ts}, 0
	}
	if p.Side == side {
		newQty := p.Qty + qty
		oldNotional := fixedpoint.Mul(p.EntryVwap, p.Qty)
		addNotional := fixedpoint.Mul(price, qty)
		p.EntryVwap = fixedpoint.Div(oldNotional+addNotional, newQty)
		p.Qty = newQty
		p.AddsUsed++
		p.LastAddTs = ts
		return p, 0
	}

	// Opposite side: reduce, realizing PnL on the reduced quantity.
	reduce := fixedpoint.Min(qty, p.Qty)
	realized := fixedpoint.Mul(price-p.EntryVwap, reduce) * direction(p.Side)
	p.Qty -= reduce
	if p.Qty <= 0 {
		p = nil
	}
	if leftover := qty - reduce; leftover > 0 {
		p = &Position{Side: side, Qty: leftover, EntryVwap: price, OpenedTs: ts}
	}
	return p, realized
}
