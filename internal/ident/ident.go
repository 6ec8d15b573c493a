// Package ident produces reproducible order, trade, and event IDs for a
// simulation run.
//
// IDs are short hex digests of (runID | kind | counter | salient inputs).
// For a given run the full sequence of emitted IDs is byte-identical across
// runs and platforms. IDs carry no secret material and are deliberately not
// UUIDs, so replayed sessions can be diffed line by line.
package ident

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Kind tags the ID namespace so order, trade, and event counters advance
// independently.
type Kind string

const (
	KindOrder Kind = "ord"
	KindTrade Kind = "trd"
	KindEvent Kind = "evt"
)

// idLen is the number of hex characters in an emitted ID.
const idLen = 16

// Generator issues deterministic IDs for one run.
// Not safe for concurrent use; each session owns exactly one generator and
// calls it from its single event loop.
type Generator struct {
	runID    string
	counters map[Kind]uint64
}

// New creates a generator bound to a run ID.
func New(runID string) *Generator {
	return &Generator{
		runID:    runID,
		counters: make(map[Kind]uint64),
	}
}

// RunID returns the run this generator is bound to.
func (g *Generator) RunID() string { return g.runID }

// Next returns the next ID for the given kind, mixing in any salient inputs
// (symbol, side, price) so ids differ even across counter resets.
func (g *Generator) Next(kind Kind, inputs ...string) string {
	n := g.counters[kind]
	g.counters[kind] = n + 1

	var b strings.Builder
	b.WriteString(g.runID)
	b.WriteByte('|')
	b.WriteString(string(kind))
	b.WriteByte('|')
	b.WriteString(strconv.FormatUint(n, 10))
	for _, in := range inputs {
		b.WriteByte('|')
		b.WriteString(in)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:idLen]
}

// OrderID returns the next order ID.
func (g *Generator) OrderID(inputs ...string) string { return g.Next(KindOrder, inputs...) }

// TradeID returns the next trade ID.
func (g *Generator) TradeID(inputs ...string) string { return g.Next(KindTrade, inputs...) }

// EventID returns the next event ID.
func (g *Generator) EventID(inputs ...string) string { return g.Next(KindEvent, inputs...) }

// NewRunID creates a fresh run ID for sessions started without one.
// Run IDs are random (unlike the per-run deterministic IDs above); the
// dashed UUID form is compacted so downstream IDs stay short.
func NewRunID() string {
	return "run-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
