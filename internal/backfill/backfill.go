// Package backfill prefetches bounded 1m kline history per symbol so the
// HTF derivators have an ATR source before live bars accumulate.
//
// Ensure is idempotent: concurrent callers for the same symbol share one
// in-flight fetch, completed symbols return immediately, and failed
// symbols are retried no sooner than the configured retry interval.
// Failure is soft; consumers treat a missing backfill as an unknown ATR
// source rather than an error.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"perpflow/pkg/types"
)

// ErrRetryTooSoon is returned when a failed symbol is re-ensured before
// the retry interval has elapsed.
var ErrRetryTooSoon = errors.New("backfill: retry interval not elapsed")

// Fetcher loads klines from the upstream REST API.
type Fetcher interface {
	Klines(ctx context.Context, symbol string, interval types.Timeframe, limit int) ([]types.Kline, error)
}

// State is the per-symbol backfill progress record.
type State struct {
	InProgress  bool   `json:"inProgress"`
	Done        bool   `json:"done"`
	BarsLoaded  int    `json:"barsLoaded"`
	StartedAt   int64  `json:"startedAt"`
	DoneAt      int64  `json:"doneAt"`
	FetchCount  int    `json:"fetchCount"`
	LastAttempt int64  `json:"lastAttempt"`
	LastError   string `json:"lastError,omitempty"`
}

// Coordinator deduplicates and rate-gates kline prefetch across symbols.
type Coordinator struct {
	fetcher       Fetcher
	limit         int
	retryInterval time.Duration
	logger        *slog.Logger
	now           func() time.Time

	group  singleflight.Group
	mu     sync.Mutex
	states map[string]*State
	bars   map[string][]types.Kline
}

// NewCoordinator creates a backfill coordinator.
func NewCoordinator(fetcher Fetcher, limit int, retryInterval time.Duration, logger *slog.Logger) *Coordinator {
	if limit <= 0 {
		limit = 500
	}
	if retryInterval <= 0 {
		retryInterval = 30 * time.Second
	}
	return &Coordinator{
		fetcher:       fetcher,
		limit:         limit,
		retryInterval: retryInterval,
		logger:        logger.With("component", "backfill"),
		now:           time.Now,
		states:        make(map[string]*State),
		bars:          make(map[string][]types.Kline),
	}
}

// Ensure loads the symbol's kline history if it is not already loaded.
// Concurrent callers for the same symbol await the same fetch.
func (c *Coordinator) Ensure(ctx context.Context, symbol string) error {
	c.mu.Lock()
	st := c.state(symbol)
	if st.Done {
		c.mu.Unlock()
		return nil
	}
	if !st.InProgress && st.LastError != "" {
		elapsed := c.now().UnixMilli() - st.LastAttempt
		if elapsed < c.retryInterval.Milliseconds() {
			c.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrRetryTooSoon, st.LastError)
		}
	}
	c.mu.Unlock()

	_, err, _ := c.group.Do(symbol, func() (interface{}, error) {
		return nil, c.fetch(ctx, symbol)
	})
	return err
}

// fetch runs exactly once per in-flight symbol.
func (c *Coordinator) fetch(ctx context.Context, symbol string) error {
	start := c.now().UnixMilli()
	c.mu.Lock()
	st := c.state(symbol)
	if st.Done {
		c.mu.Unlock()
		return nil
	}
	st.InProgress = true
	st.StartedAt = start
	st.LastAttempt = start
	st.FetchCount++
	c.mu.Unlock()

	klines, err := c.fetcher.Klines(ctx, symbol, types.TF1m, c.limit)

	c.mu.Lock()
	defer c.mu.Unlock()
	st.InProgress = false
	if err != nil {
		st.LastError = err.Error()
		c.logger.Warn("backfill failed", "symbol", symbol, "error", err)
		return fmt.Errorf("backfill %s: %w", symbol, err)
	}
	st.Done = true
	st.DoneAt = c.now().UnixMilli()
	st.BarsLoaded = len(klines)
	st.LastError = ""
	c.bars[symbol] = klines
	c.logger.Info("backfill complete", "symbol", symbol, "bars", len(klines))
	return nil
}

// Bars returns the loaded klines for a symbol, or nil when not backfilled.
// The returned slice is shared and must not be mutated.
func (c *Coordinator) Bars(symbol string) []types.Kline {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bars[symbol]
}

// State returns a copy of the symbol's progress record.
func (c *Coordinator) State(symbol string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.state(symbol)
}

// state returns the live record, creating it if needed. Callers hold mu.
func (c *Coordinator) state(symbol string) *State {
	st, ok := c.states[symbol]
	if !ok {
		st = &State{}
		c.states[symbol] = st
	}
	return st
}
