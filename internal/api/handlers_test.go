package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"perpflow/internal/book"
	"perpflow/internal/fixedpoint"
	"perpflow/internal/session"
	"perpflow/pkg/types"
)

// fakeCoordinator records the last call and returns canned statuses.
type fakeCoordinator struct {
	symbols  []string
	lastKind SessionKind
	lastOpts AIOptions
	lastSide types.Side
	err      error
}

func (f *fakeCoordinator) Symbols() []string { return f.symbols }

func (f *fakeCoordinator) Start(kind SessionKind, symbol, runID string, opts AIOptions) (session.Status, error) {
	f.lastKind, f.lastOpts = kind, opts
	return session.Status{Symbol: symbol, State: session.StateRunning, RunID: runID}, f.err
}

func (f *fakeCoordinator) Stop(kind SessionKind, symbol string) (session.Status, error) {
	f.lastKind = kind
	return session.Status{Symbol: symbol, State: session.StateStopped}, f.err
}

func (f *fakeCoordinator) Reset(kind SessionKind, symbol string) (session.Status, error) {
	f.lastKind = kind
	return session.Status{Symbol: symbol, State: session.StateIdle}, f.err
}

func (f *fakeCoordinator) TestOrder(kind SessionKind, symbol string, side types.Side) (session.Status, error) {
	f.lastKind, f.lastSide = kind, side
	return session.Status{Symbol: symbol, State: session.StateRunning}, f.err
}

func (f *fakeCoordinator) Status(kind SessionKind, symbol string) (session.Status, error) {
	f.lastKind = kind
	if f.err != nil {
		return session.Status{}, f.err
	}
	return session.Status{Symbol: symbol, State: session.StateRunning}, nil
}

func (f *fakeCoordinator) Health() Health {
	return Health{Status: "ok", DecisionMode: "local", Symbols: []SymbolHealth{{Symbol: "BTCUSDT"}}}
}

func newTestHandlers(coord Coordinator) *Handlers {
	logger := testLogger()
	return NewHandlers(coord, NewHub(8, logger), NewAuth(authConfig(), logger), nil, logger)
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()

	h := newTestHandlers(&fakeCoordinator{})
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		OK     bool   `json:"ok"`
		Health Health `json:"health"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !body.OK || body.Health.DecisionMode != "local" {
		t.Errorf("body = %+v", body)
	}
}

func TestHandleStartRoutesKindAndOptions(t *testing.T) {
	t.Parallel()

	coord := &fakeCoordinator{}
	h := newTestHandlers(coord)

	body := `{"symbol":"BTCUSDT","runId":"run-x","apiKey":"k","model":"m","localOnly":true}`
	rec := httptest.NewRecorder()
	h.HandleStart(KindAIDryRun)(rec, httptest.NewRequest(http.MethodPost, "/api/ai-dry-run/start", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if coord.lastKind != KindAIDryRun {
		t.Errorf("kind = %s", coord.lastKind)
	}
	if coord.lastOpts.Model != "m" || !coord.lastOpts.LocalOnly {
		t.Errorf("opts = %+v", coord.lastOpts)
	}
}

func TestHandleStartRejectsMissingSymbol(t *testing.T) {
	t.Parallel()

	h := newTestHandlers(&fakeCoordinator{})
	rec := httptest.NewRecorder()
	h.HandleStart(KindDryRun)(rec, httptest.NewRequest(http.MethodPost, "/api/dry-run/start", strings.NewReader(`{}`)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["ok"] != false || body["error"] != "bad_request" {
		t.Errorf("error envelope = %v", body)
	}
}

func TestHandleTestOrderValidatesSide(t *testing.T) {
	t.Parallel()

	coord := &fakeCoordinator{}
	h := newTestHandlers(coord)

	rec := httptest.NewRecorder()
	h.HandleTestOrder(KindDryRun)(rec, httptest.NewRequest(http.MethodPost, "/api/dry-run/test-order",
		strings.NewReader(`{"symbol":"BTCUSDT","side":"sideways"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad side status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.HandleTestOrder(KindDryRun)(rec, httptest.NewRequest(http.MethodPost, "/api/dry-run/test-order",
		strings.NewReader(`{"symbol":"BTCUSDT","side":"buy"}`)))
	if rec.Code != http.StatusOK {
		t.Errorf("lowercase side status = %d", rec.Code)
	}
	if coord.lastSide != types.BUY {
		t.Errorf("side = %s", coord.lastSide)
	}
}

func TestHandleStatusUnknownSymbol(t *testing.T) {
	t.Parallel()

	h := newTestHandlers(&fakeCoordinator{err: ErrUnknownSymbol})
	rec := httptest.NewRecorder()
	h.HandleStatus(KindDryRun)(rec, httptest.NewRequest(http.MethodGet, "/api/dry-run/status?symbol=NOPE", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestIsOriginAllowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		origin  string
		allowed []string
		reqHost string
		want    bool
	}{
		{
			name:    "empty origin is allowed",
			origin:  "",
			reqHost: "localhost:8080",
			want:    true,
		},
		{
			name:    "localhost origin allowed by default",
			origin:  "http://localhost:8080",
			reqHost: "localhost:8080",
			want:    true,
		},
		{
			name:    "non-local origin denied by default",
			origin:  "https://evil.example",
			reqHost: "localhost:8080",
			want:    false,
		},
		{
			name:    "allowlist permits exact origin",
			origin:  "https://dash.example.com",
			allowed: []string{"https://dash.example.com"},
			reqHost: "0.0.0.0:8080",
			want:    true,
		},
		{
			name:    "allowlist denies everything else",
			origin:  "https://evil.example",
			allowed: []string{"https://dash.example.com"},
			reqHost: "0.0.0.0:8080",
			want:    false,
		},
		{
			name:    "same host allowed when no allowlist",
			origin:  "https://flow.internal:8080",
			reqHost: "flow.internal:8080",
			want:    true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := isOriginAllowed(tt.origin, tt.allowed, tt.reqHost); got != tt.want {
				t.Fatalf("isOriginAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestBookLevelsCumulative(t *testing.T) {
	t.Parallel()

	levels := []book.Level{
		{Price: fixedpoint.MustFp(100), Qty: fixedpoint.MustFp(2)},
		{Price: fixedpoint.MustFp(99.5), Qty: fixedpoint.MustFp(3)},
		{Price: fixedpoint.MustFp(99), Qty: fixedpoint.MustFp(1)},
	}
	rows := BookLevels(levels)
	if len(rows) != 3 {
		t.Fatalf("rows = %d", len(rows))
	}
	if rows[0] != [3]float64{100, 2, 2} {
		t.Errorf("rows[0] = %v", rows[0])
	}
	if rows[2] != [3]float64{99, 1, 6} {
		t.Errorf("rows[2] = %v, want cumQty 6", rows[2])
	}
	if len(BookLevels(nil)) != 0 {
		t.Error("empty side must render an empty slice")
	}
}
