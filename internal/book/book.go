// Package book maintains a local mirror of one symbol's futures order book.
//
// The book is seeded by a REST depth snapshot and then mutated in place by
// diff-stream events. Sequence gaps flip the book into RESYNCING until the
// next snapshot arrives; silence flips it to STALE and, past the critical
// window, to RESYNCING as well. A crossed upstream book is preserved
// faithfully and surfaced through the integrity record.
//
// A Book is owned by a single symbol pipeline goroutine and is not
// concurrency-safe; cross-goroutine readers receive snapshot copies.
package book

import (
	"fmt"
	"sort"

	"perpflow/internal/fixedpoint"
	"perpflow/pkg/types"
)

// Level is a single price level. Qty is always > 0 for stored levels;
// an incoming level with qty 0 deletes the price.
type Level struct {
	Price fixedpoint.Fp
	Qty   fixedpoint.Fp
}

// Config bounds the staleness and resync behavior.
type Config struct {
	StaleMs               int64 // no diff within this window: LIVE -> STALE
	CriticalMs            int64 // still nothing: STALE -> RESYNCING
	GapReconnectThreshold int   // gaps before reconnectRecommended latches
	MaxDepth              int   // levels retained per side (0 = unbounded)
}

// DefaultConfig mirrors the production stream cadence (100ms diffs).
func DefaultConfig() Config {
	return Config{
		StaleMs:               3_000,
		CriticalMs:            10_000,
		GapReconnectThreshold: 3,
		MaxDepth:              1000,
	}
}

// ApplyResult reports the outcome of a diff application.
type ApplyResult struct {
	OK     bool
	Reason string // "gap", "no-snapshot"; empty when OK
}

// Integrity is the client-visible health record for the book.
type Integrity struct {
	Level                types.IntegrityLevel `json:"level"`
	Message              string               `json:"message"`
	LastUpdateTs         int64                `json:"lastUpdateTs"`
	SequenceGapCount     int                  `json:"sequenceGapCount"`
	CrossedBookDetected  bool                 `json:"crossedBookDetected"`
	AvgStalenessMs       float64              `json:"avgStalenessMs"`
	ReconnectCount       int                  `json:"reconnectCount"`
	ReconnectRecommended bool                 `json:"reconnectRecommended"`
}

// Book is the per-symbol depth cache plus the maintenance state machine.
type Book struct {
	symbol string
	cfg    Config

	bids []Level // descending by price
	asks []Level // ascending by price

	state        types.BookState
	lastUpdateID int64
	hasSnapshot  bool

	// duplicate suppression: last applied diff identity
	lastFirstID int64
	lastFinalID int64

	lastReceiptTs int64
	gapCount      int
	reconnectCnt  int
	crossedLatch  bool

	stalenessSumMs float64
	stalenessN     int64
	parseErrors    int
}

// New creates an empty book in the UNKNOWN state.
func New(symbol string, cfg Config) *Book {
	return &Book{
		symbol: symbol,
		cfg:    cfg,
		state:  types.BookUnknown,
	}
}

// Symbol returns the symbol this book tracks.
func (b *Book) Symbol() string { return b.symbol }

// LastUpdateID returns the sequence number of the last applied update.
func (b *Book) LastUpdateID() int64 { return b.lastUpdateID }

// ApplySnapshot replaces both sides and re-arms the state machine.
// Never fails; malformed levels are skipped and counted.
func (b *Book) ApplySnapshot(snap types.DepthSnapshot, receiptTs int64) {
	b.bids = b.parseLevels(snap.Bids, true)
	b.asks = b.parseLevels(snap.Asks, false)
	b.lastUpdateID = snap.LastUpdateID
	b.lastReceiptTs = receiptTs
	b.lastFirstID, b.lastFinalID = 0, 0

	if b.hasSnapshot {
		b.reconnectCnt++
	}
	b.hasSnapshot = true
	b.gapCount = 0
	b.crossedLatch = false
	b.state = types.BookLive
}

// ApplyDiff applies a contiguous diff in place. Returns a gap result when
// the event does not extend the current sequence; duplicate and stale
// events are absorbed without effect.
func (b *Book) ApplyDiff(d types.DepthDiff, receiptTs int64) ApplyResult {
	if !b.hasSnapshot {
		return ApplyResult{OK: false, Reason: "no-snapshot"}
	}

	// Exact redelivery of the last applied event: idempotent no-op.
	if d.FirstUpdateID == b.lastFirstID && d.FinalUpdateID == b.lastFinalID {
		return ApplyResult{OK: true}
	}
	// Entirely old event: already folded into the snapshot.
	if d.FinalUpdateID <= b.lastUpdateID {
		return ApplyResult{OK: true}
	}
	if d.FirstUpdateID > b.lastUpdateID+1 {
		b.gapCount++
		b.state = types.BookResyncing
		return ApplyResult{OK: false, Reason: "gap"}
	}

	b.applySide(&b.bids, d.Bids, true)
	b.applySide(&b.asks, d.Asks, false)

	b.lastUpdateID = d.FinalUpdateID
	b.lastFirstID, b.lastFinalID = d.FirstUpdateID, d.FinalUpdateID

	if d.EventTimeMs > 0 && receiptTs >= d.EventTimeMs {
		b.stalenessSumMs += float64(receiptTs - d.EventTimeMs)
		b.stalenessN++
	}
	b.lastReceiptTs = receiptTs
	// RESYNCING exits only through ApplySnapshot; levels that went stale
	// during the silence need a re-seed, not just a fresh diff. A merely
	// stale book is promoted back.
	if b.state != types.BookResyncing {
		b.state = types.BookLive
	}

	if bid, bok := b.BestBid(); bok {
		if ask, aok := b.BestAsk(); aok && bid.Price >= ask.Price {
			b.crossedLatch = true
		}
	}
	return ApplyResult{OK: true}
}

// State evaluates time-based transitions and returns the current state.
func (b *Book) State(now int64) types.BookState {
	if b.state == types.BookLive && now-b.lastReceiptTs > b.cfg.StaleMs {
		b.state = types.BookStale
	}
	if b.state == types.BookStale && now-b.lastReceiptTs > b.cfg.CriticalMs {
		b.state = types.BookResyncing
	}
	return b.state
}

// BestBid returns the highest bid.
func (b *Book) BestBid() (Level, bool) {
	if len(b.bids) == 0 {
		return Level{}, false
	}
	return b.bids[0], true
}

// BestAsk returns the lowest ask.
func (b *Book) BestAsk() (Level, bool) {
	if len(b.asks) == 0 {
		return Level{}, false
	}
	return b.asks[0], true
}

// MidPrice returns (bestBid+bestAsk)/2 when both sides are populated.
func (b *Book) MidPrice() (fixedpoint.Fp, bool) {
	bid, bok := b.BestBid()
	ask, aok := b.BestAsk()
	if !bok || !aok {
		return 0, false
	}
	return (bid.Price + ask.Price) / 2, true
}

// LevelSize returns the resting qty at an exact price, zero if absent.
func (b *Book) LevelSize(price fixedpoint.Fp) fixedpoint.Fp {
	if i, ok := findLevel(b.bids, price, true); ok {
		return b.bids[i].Qty
	}
	if i, ok := findLevel(b.asks, price, false); ok {
		return b.asks[i].Qty
	}
	return 0
}

// DepthAt returns copies of the top n levels per side.
func (b *Book) DepthAt(n int) (bids, asks []Level) {
	nb, na := n, n
	if nb > len(b.bids) {
		nb = len(b.bids)
	}
	if na > len(b.asks) {
		na = len(b.asks)
	}
	bids = make([]Level, nb)
	asks = make([]Level, na)
	copy(bids, b.bids[:nb])
	copy(asks, b.asks[:na])
	return bids, asks
}

// Integrity emits the health record for the current instant.
func (b *Book) Integrity(now int64) Integrity {
	state := b.State(now)

	var avg float64
	if b.stalenessN > 0 {
		avg = b.stalenessSumMs / float64(b.stalenessN)
	}

	rec := Integrity{
		LastUpdateTs:         b.lastReceiptTs,
		SequenceGapCount:     b.gapCount,
		CrossedBookDetected:  b.crossedLatch,
		AvgStalenessMs:       avg,
		ReconnectCount:       b.reconnectCnt,
		ReconnectRecommended: b.cfg.GapReconnectThreshold > 0 && b.gapCount >= b.cfg.GapReconnectThreshold,
	}

	switch {
	case state == types.BookResyncing || state == types.BookUnknown:
		rec.Level = types.IntegrityCritical
		rec.Message = fmt.Sprintf("book %s: awaiting snapshot", state)
	case state == types.BookStale:
		rec.Level = types.IntegrityDegraded
		rec.Message = fmt.Sprintf("no depth update for %dms", now-b.lastReceiptTs)
	case b.crossedLatch:
		rec.Level = types.IntegrityDegraded
		rec.Message = "crossed book observed"
	case b.gapCount > 0:
		rec.Level = types.IntegrityDegraded
		rec.Message = fmt.Sprintf("%d sequence gaps since snapshot", b.gapCount)
	default:
		rec.Level = types.IntegrityOK
		rec.Message = "ok"
	}
	return rec
}

func (b *Book) parseLevels(raw [][2]string, descending bool) []Level {
	out := make([]Level, 0, len(raw))
	for _, pl := range raw {
		price, err := fixedpoint.FromString(pl[0])
		if err != nil || price <= 0 {
			b.parseErrors++
			continue
		}
		qty, err := fixedpoint.FromString(pl[1])
		if err != nil || qty < 0 {
			b.parseErrors++
			continue
		}
		if qty == 0 {
			continue
		}
		out = append(out, Level{Price: price, Qty: qty})
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	if b.cfg.MaxDepth > 0 && len(out) > b.cfg.MaxDepth {
		out = out[:b.cfg.MaxDepth]
	}
	return out
}

func (b *Book) applySide(side *[]Level, raw [][2]string, descending bool) {
	for _, pl := range raw {
		price, err := fixedpoint.FromString(pl[0])
		if err != nil || price <= 0 {
			b.parseErrors++
			continue
		}
		qty, err := fixedpoint.FromString(pl[1])
		if err != nil || qty < 0 {
			b.parseErrors++
			continue
		}
		upsertLevel(side, price, qty, descending)
	}
	if b.cfg.MaxDepth > 0 && len(*side) > b.cfg.MaxDepth {
		*side = (*side)[:b.cfg.MaxDepth]
	}
}

// upsertLevel inserts, replaces, or deletes (qty == 0) a level keeping the
// side sorted. Sides are short (top-N), so the binary search + copy is
// cheaper than a tree.
func upsertLevel(side *[]Level, price, qty fixedpoint.Fp, descending bool) {
	s := *side
	i := sort.Search(len(s), func(i int) bool {
		if descending {
			return s[i].Price <= price
		}
		return s[i].Price >= price
	})

	if i < len(s) && s[i].Price == price {
		if qty == 0 {
			*side = append(s[:i], s[i+1:]...)
			return
		}
		s[i].Qty = qty
		return
	}
	if qty == 0 {
		return
	}
	s = append(s, Level{})
	copy(s[i+1:], s[i:])
	s[i] = Level{Price: price, Qty: qty}
	*side = s
}

func findLevel(s []Level, price fixedpoint.Fp, descending bool) (int, bool) {
	i := sort.Search(len(s), func(i int) bool {
		if descending {
			return s[i].Price <= price
		}
		return s[i].Price >= price
	})
	if i < len(s) && s[i].Price == price {
		return i, true
	}
	return 0, false
}
