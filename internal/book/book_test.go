package book

import (
	"testing"

	"perpflow/internal/fixedpoint"
	"perpflow/pkg/types"
)

func newTestBook() *Book {
	return New("BTCUSDT", DefaultConfig())
}

func snap(lastID int64, bids, asks [][2]string) types.DepthSnapshot {
	return types.DepthSnapshot{LastUpdateID: lastID, Bids: bids, Asks: asks}
}

func diff(first, final int64, bids, asks [][2]string) types.DepthDiff {
	return types.DepthDiff{
		EventTimeMs:   1_700_000_000_000,
		Symbol:        "BTCUSDT",
		FirstUpdateID: first,
		FinalUpdateID: final,
		Bids:          bids,
		Asks:          asks,
	}
}

func TestSnapshotSeedsLive(t *testing.T) {
	t.Parallel()
	b := newTestBook()

	if b.State(0) != types.BookUnknown {
		t.Fatal("new book should be UNKNOWN")
	}
	b.ApplySnapshot(snap(10, [][2]string{{"100", "2"}, {"99", "1"}}, [][2]string{{"101", "3"}}), 1000)

	if b.State(1000) != types.BookLive {
		t.Error("state after snapshot should be LIVE")
	}
	bid, ok := b.BestBid()
	if !ok || bid.Price != fixedpoint.MustFp(100) {
		t.Errorf("best bid = %+v", bid)
	}
	ask, ok := b.BestAsk()
	if !ok || ask.Price != fixedpoint.MustFp(101) {
		t.Errorf("best ask = %+v", ask)
	}
}

func TestContiguousDiffAdvances(t *testing.T) {
	t.Parallel()
	b := newTestBook()
	b.ApplySnapshot(snap(10, [][2]string{{"100", "2"}}, [][2]string{{"101", "3"}}), 1000)

	res := b.ApplyDiff(diff(11, 11, [][2]string{{"100.5", "1"}}, nil), 1100)
	if !res.OK {
		t.Fatalf("contiguous diff rejected: %+v", res)
	}
	if b.LastUpdateID() != 11 {
		t.Errorf("lastUpdateID = %d, want 11", b.LastUpdateID())
	}
	bid, _ := b.BestBid()
	if bid.Price != fixedpoint.MustFp(100.5) {
		t.Errorf("best bid = %v, want 100.5", bid.Price)
	}
}

func TestGapTriggersResync(t *testing.T) {
	t.Parallel()
	b := newTestBook()
	b.ApplySnapshot(snap(10, [][2]string{{"100", "2"}}, [][2]string{{"101", "3"}}), 1000)

	if res := b.ApplyDiff(diff(11, 11, nil, nil), 1100); !res.OK {
		t.Fatalf("first diff: %+v", res)
	}
	res := b.ApplyDiff(diff(13, 13, nil, nil), 1200)
	if res.OK || res.Reason != "gap" {
		t.Fatalf("gap diff result = %+v", res)
	}
	if b.State(1200) != types.BookResyncing {
		t.Errorf("state = %s, want RESYNCING", b.State(1200))
	}
	if b.LastUpdateID() != 11 {
		t.Errorf("lastUpdateID advanced across gap: %d", b.LastUpdateID())
	}
}

func TestDuplicateDiffIdempotent(t *testing.T) {
	t.Parallel()
	b := newTestBook()
	b.ApplySnapshot(snap(10, [][2]string{{"100", "2"}}, [][2]string{{"101", "3"}}), 1000)

	d := diff(11, 11, [][2]string{{"100", "5"}}, nil)
	if res := b.ApplyDiff(d, 1100); !res.OK {
		t.Fatal("first application failed")
	}
	if res := b.ApplyDiff(d, 1150); !res.OK {
		t.Fatal("duplicate should be absorbed")
	}
	bid, _ := b.BestBid()
	if bid.Qty != fixedpoint.MustFp(5) {
		t.Errorf("qty = %v after duplicate, want 5", bid.Qty)
	}
	if b.LastUpdateID() != 11 {
		t.Errorf("lastUpdateID = %d", b.LastUpdateID())
	}
}

func TestZeroQtyDeletesLevel(t *testing.T) {
	t.Parallel()
	b := newTestBook()
	b.ApplySnapshot(snap(10, [][2]string{{"100", "2"}, {"99", "1"}}, [][2]string{{"101", "3"}}), 1000)

	if res := b.ApplyDiff(diff(11, 11, [][2]string{{"100", "0"}}, nil), 1100); !res.OK {
		t.Fatal("diff rejected")
	}
	bid, ok := b.BestBid()
	if !ok || bid.Price != fixedpoint.MustFp(99) {
		t.Errorf("best bid after delete = %+v", bid)
	}
	if b.LevelSize(fixedpoint.MustFp(100)) != 0 {
		t.Error("deleted level still present")
	}
}

func TestDiffBeforeSnapshotRejected(t *testing.T) {
	t.Parallel()
	b := newTestBook()

	res := b.ApplyDiff(diff(1, 1, nil, nil), 100)
	if res.OK || res.Reason != "no-snapshot" {
		t.Errorf("result = %+v", res)
	}
}

func TestStaleThenCritical(t *testing.T) {
	t.Parallel()
	b := newTestBook()
	b.ApplySnapshot(snap(10, [][2]string{{"100", "2"}}, [][2]string{{"101", "3"}}), 1000)

	if s := b.State(1000 + 3_001); s != types.BookStale {
		t.Errorf("state = %s, want STALE", s)
	}
	// A contiguous diff brings it back to LIVE.
	b.ApplyDiff(diff(11, 11, nil, nil), 5000)
	if s := b.State(5000); s != types.BookLive {
		t.Errorf("state = %s, want LIVE after diff", s)
	}
	// Past critical silence it resyncs.
	if s := b.State(5000 + 10_001); s != types.BookResyncing {
		t.Errorf("state = %s, want RESYNCING", s)
	}
}

func TestResyncExitsOnlyViaSnapshot(t *testing.T) {
	t.Parallel()
	b := newTestBook()
	b.ApplySnapshot(snap(10, [][2]string{{"100", "2"}}, [][2]string{{"101", "3"}}), 1000)

	if s := b.State(21_000); s != types.BookResyncing {
		t.Fatalf("state = %s, want RESYNCING after critical silence", s)
	}
	// The stream resuming contiguously is not enough: levels that churned
	// during the silence are still missing until a snapshot re-seeds them.
	res := b.ApplyDiff(diff(11, 11, [][2]string{{"100.5", "1"}}, nil), 21_100)
	if !res.OK {
		t.Fatalf("contiguous diff rejected: %+v", res)
	}
	if b.LastUpdateID() != 11 {
		t.Errorf("lastUpdateID = %d, want 11", b.LastUpdateID())
	}
	if s := b.State(21_100); s != types.BookResyncing {
		t.Errorf("state = %s, want RESYNCING until a snapshot arrives", s)
	}

	b.ApplySnapshot(snap(20, [][2]string{{"100", "2"}}, [][2]string{{"101", "3"}}), 21_200)
	if s := b.State(21_200); s != types.BookLive {
		t.Errorf("state = %s, want LIVE after snapshot", s)
	}
}

func TestCrossedBookPreservedAndReported(t *testing.T) {
	t.Parallel()
	b := newTestBook()
	b.ApplySnapshot(snap(10, [][2]string{{"100", "2"}}, [][2]string{{"101", "3"}}), 1000)

	// Upstream delivers a bid at the ask: faithfully kept.
	if res := b.ApplyDiff(diff(11, 11, [][2]string{{"101", "1"}}, nil), 1100); !res.OK {
		t.Fatal("crossed diff rejected")
	}
	bid, _ := b.BestBid()
	if bid.Price != fixedpoint.MustFp(101) {
		t.Errorf("crossed bid not kept: %v", bid.Price)
	}
	rec := b.Integrity(1100)
	if !rec.CrossedBookDetected {
		t.Error("crossedBookDetected not set")
	}
	if rec.Level != types.IntegrityDegraded {
		t.Errorf("integrity level = %s, want DEGRADED", rec.Level)
	}
}

func TestReconnectRecommendedLatch(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.GapReconnectThreshold = 2
	b := New("BTCUSDT", cfg)
	b.ApplySnapshot(snap(10, [][2]string{{"100", "1"}}, [][2]string{{"101", "1"}}), 1000)

	b.ApplyDiff(diff(20, 20, nil, nil), 1100)
	if b.Integrity(1100).ReconnectRecommended {
		t.Error("latched after a single gap")
	}
	b.ApplyDiff(diff(30, 30, nil, nil), 1200)
	if !b.Integrity(1200).ReconnectRecommended {
		t.Error("not latched at threshold")
	}

	// A fresh snapshot clears the latch and counts the resync.
	b.ApplySnapshot(snap(40, [][2]string{{"100", "1"}}, [][2]string{{"101", "1"}}), 1300)
	rec := b.Integrity(1300)
	if rec.ReconnectRecommended {
		t.Error("latch survived snapshot")
	}
	if rec.ReconnectCount != 1 {
		t.Errorf("reconnectCount = %d, want 1", rec.ReconnectCount)
	}
}

func TestDepthAtAndLevelSize(t *testing.T) {
	t.Parallel()
	b := newTestBook()
	b.ApplySnapshot(snap(10,
		[][2]string{{"100", "2"}, {"99", "1"}, {"98", "4"}},
		[][2]string{{"101", "3"}, {"102", "5"}},
	), 1000)

	bids, asks := b.DepthAt(2)
	if len(bids) != 2 || len(asks) != 2 {
		t.Fatalf("depth sizes = %d/%d", len(bids), len(asks))
	}
	if bids[0].Price != fixedpoint.MustFp(100) || bids[1].Price != fixedpoint.MustFp(99) {
		t.Errorf("bids out of order: %+v", bids)
	}
	if asks[0].Price != fixedpoint.MustFp(101) {
		t.Errorf("asks out of order: %+v", asks)
	}
	if got := b.LevelSize(fixedpoint.MustFp(98)); got != fixedpoint.MustFp(4) {
		t.Errorf("LevelSize(98) = %v", got)
	}
}

func TestAvgStaleness(t *testing.T) {
	t.Parallel()
	b := newTestBook()
	b.ApplySnapshot(snap(10, [][2]string{{"100", "1"}}, [][2]string{{"101", "1"}}), 1000)

	base := int64(1_700_000_000_000)
	b.ApplyDiff(diff(11, 11, nil, nil), base+50)
	b.ApplyDiff(diff(12, 12, nil, nil), base+150)

	rec := b.Integrity(base + 200)
	if rec.AvgStalenessMs != 100 {
		t.Errorf("avgStalenessMs = %v, want 100", rec.AvgStalenessMs)
	}
}
