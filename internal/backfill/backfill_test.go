package backfill

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"perpflow/pkg/types"
)

type fakeFetcher struct {
	calls atomic.Int64
	gate  chan struct{} // when non-nil, fetch blocks until closed
	err   error
	bars  []types.Kline
}

func (f *fakeFetcher) Klines(ctx context.Context, symbol string, interval types.Timeframe, limit int) ([]types.Kline, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.bars, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestEnsureConcurrentCallersShareOneFetch(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{
		gate: make(chan struct{}),
		bars: []types.Kline{{OpenTime: 1}, {OpenTime: 2}},
	}
	c := NewCoordinator(fetcher, 500, time.Minute, testLogger())

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Ensure(context.Background(), "BTCUSDT")
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(fetcher.gate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	if n := fetcher.calls.Load(); n != 1 {
		t.Errorf("fetch count = %d, want 1", n)
	}

	st := c.State("BTCUSDT")
	if !st.Done || st.BarsLoaded != 2 || st.FetchCount != 1 {
		t.Errorf("state = %+v", st)
	}
	if len(c.Bars("BTCUSDT")) != 2 {
		t.Error("bars not retained")
	}
}

func TestEnsureCompletedReturnsImmediately(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{bars: []types.Kline{{OpenTime: 1}}}
	c := NewCoordinator(fetcher, 500, time.Minute, testLogger())

	for i := 0; i < 3; i++ {
		if err := c.Ensure(context.Background(), "ETHUSDT"); err != nil {
			t.Fatal(err)
		}
	}
	if n := fetcher.calls.Load(); n != 1 {
		t.Errorf("fetch count = %d, want 1", n)
	}
}

func TestEnsureRetryInterval(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{err: errors.New("upstream 503")}
	c := NewCoordinator(fetcher, 500, 30*time.Second, testLogger())

	clock := time.UnixMilli(1_700_000_000_000)
	c.now = func() time.Time { return clock }

	if err := c.Ensure(context.Background(), "SOLUSDT"); err == nil {
		t.Fatal("want error from failing fetcher")
	}

	// Inside the retry interval the failure is returned without a refetch.
	clock = clock.Add(10 * time.Second)
	err := c.Ensure(context.Background(), "SOLUSDT")
	if !errors.Is(err, ErrRetryTooSoon) {
		t.Fatalf("err = %v, want ErrRetryTooSoon", err)
	}
	if n := fetcher.calls.Load(); n != 1 {
		t.Errorf("fetch count = %d, want 1 during backoff", n)
	}

	// Past the interval the fetch runs again and can succeed.
	clock = clock.Add(25 * time.Second)
	fetcher.err = nil
	fetcher.bars = []types.Kline{{OpenTime: 1}}
	if err := c.Ensure(context.Background(), "SOLUSDT"); err != nil {
		t.Fatal(err)
	}
	st := c.State("SOLUSDT")
	if !st.Done || st.FetchCount != 2 || st.LastError != "" {
		t.Errorf("state after recovery = %+v", st)
	}
}

func TestStateUnknownSymbol(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(&fakeFetcher{}, 500, time.Minute, testLogger())
	st := c.State("NONE")
	if st.Done || st.InProgress || st.FetchCount != 0 {
		t.Errorf("zero state expected, got %+v", st)
	}
	if c.Bars("NONE") != nil {
		t.Error("bars for unknown symbol should be nil")
	}
}
