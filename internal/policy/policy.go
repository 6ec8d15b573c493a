// Package policy defines the external decision-plan contract for the
// AI-assisted dry-run path.
//
// The LLM front-end is an external collaborator: it either returns a valid
// AIDecisionPlan or it fails. Any parse error, schema violation, timeout,
// or out-of-range field maps to HOLD and increments the invalid-responses
// counter. The AI path never auto-enters on a failure.
package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Decision is the validated action enum.
type Decision string

const (
	DecisionHold       Decision = "HOLD"
	DecisionEnterLong  Decision = "ENTER_LONG"
	DecisionEnterShort Decision = "ENTER_SHORT"
	DecisionExit       Decision = "EXIT"
)

// AIDecisionPlan is the strict JSON contract an external policy source
// must satisfy. Unknown fields are rejected.
type AIDecisionPlan struct {
	Decision          Decision `json:"decision"`
	Confidence        float64  `json:"confidence"`                  // [0, 1]
	TargetNotionalPct float64  `json:"targetNotionalPct,omitempty"` // (0, 1]
	Reason            string   `json:"reason,omitempty"`
}

// hold is the safe default plan.
var hold = AIDecisionPlan{Decision: DecisionHold, Reason: "policy fallback"}

// Parse decodes and validates a raw decision plan. The decoder disallows
// unknown fields so schema drift surfaces as an error, not silent intent.
func Parse(raw []byte) (*AIDecisionPlan, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var plan AIDecisionPlan
	if err := dec.Decode(&plan); err != nil {
		return nil, fmt.Errorf("decode decision plan: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decision plan: trailing data after JSON object")
	}

	switch plan.Decision {
	case DecisionHold, DecisionEnterLong, DecisionEnterShort, DecisionExit:
	default:
		return nil, fmt.Errorf("decision plan: unknown decision %q", plan.Decision)
	}
	if plan.Confidence < 0 || plan.Confidence > 1 {
		return nil, fmt.Errorf("decision plan: confidence %v out of [0,1]", plan.Confidence)
	}
	if plan.TargetNotionalPct < 0 || plan.TargetNotionalPct > 1 {
		return nil, fmt.Errorf("decision plan: targetNotionalPct %v out of (0,1]", plan.TargetNotionalPct)
	}
	return &plan, nil
}

// Source produces a raw decision plan for the given telemetry context.
// Implementations call out to an LLM or a local model.
type Source interface {
	Plan(ctx context.Context, symbol string, telemetry json.RawMessage) ([]byte, error)
}

// Engine wraps a Source with timeout and failure mapping.
type Engine struct {
	source  Source
	timeout time.Duration
	logger  *slog.Logger

	invalidResponses atomic.Int64
}

// NewEngine creates a policy engine around a source.
func NewEngine(source Source, timeout time.Duration, logger *slog.Logger) *Engine {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Engine{
		source:  source,
		timeout: timeout,
		logger:  logger.With("component", "policy"),
	}
}

// Decide asks the source for a plan. Every failure path returns HOLD.
func (e *Engine) Decide(ctx context.Context, symbol string, telemetry json.RawMessage) AIDecisionPlan {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	raw, err := e.source.Plan(ctx, symbol, telemetry)
	if err != nil {
		e.invalidResponses.Add(1)
		e.logger.Warn("policy source failed", "symbol", symbol, "error", err)
		return hold
	}
	plan, err := Parse(raw)
	if err != nil {
		e.invalidResponses.Add(1)
		e.logger.Warn("policy response rejected", "symbol", symbol, "error", err)
		return hold
	}
	return *plan
}

// InvalidResponses returns the running count of rejected policy outputs.
func (e *Engine) InvalidResponses() int64 {
	return e.invalidResponses.Load()
}
