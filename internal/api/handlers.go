package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"perpflow/internal/session"
	"perpflow/pkg/types"
)

// SessionKind selects the rule-driven or AI-assisted session surface.
type SessionKind string

const (
	KindDryRun   SessionKind = "dry-run"
	KindAIDryRun SessionKind = "ai-dry-run"
)

// AIOptions carries the extra fields of the ai-dry-run surface.
type AIOptions struct {
	APIKey    string `json:"apiKey,omitempty"`
	Model     string `json:"model,omitempty"`
	LocalOnly bool   `json:"localOnly,omitempty"`
}

// Coordinator is the control surface the symbol coordinator exposes to
// the API layer. All methods are safe for concurrent use.
type Coordinator interface {
	Symbols() []string
	Start(kind SessionKind, symbol, runID string, opts AIOptions) (session.Status, error)
	Stop(kind SessionKind, symbol string) (session.Status, error)
	Reset(kind SessionKind, symbol string) (session.Status, error)
	TestOrder(kind SessionKind, symbol string, side types.Side) (session.Status, error)
	Status(kind SessionKind, symbol string) (session.Status, error)
	Health() Health
}

// ErrUnknownSymbol is returned by Coordinator methods for symbols outside
// the configured set.
var ErrUnknownSymbol = errors.New("unknown symbol")

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	coord  Coordinator
	hub    *Hub
	auth   *Auth
	origin originChecker
	logger *slog.Logger
}

type originChecker func(origin, reqHost string) bool

// NewHandlers creates a handlers instance.
func NewHandlers(coord Coordinator, hub *Hub, auth *Auth, allowedOrigins []string, logger *slog.Logger) *Handlers {
	return &Handlers{
		coord: coord,
		hub:   hub,
		auth:  auth,
		origin: func(origin, reqHost string) bool {
			return isOriginAllowed(origin, allowedOrigins, reqHost)
		},
		logger: logger.With("component", "api"),
	}
}

// HandleHealth returns runtime status and per-symbol counters.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := h.coord.Health()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "health": health})
}

// HandleSymbols lists the permitted symbols for a session surface.
func (h *Handlers) HandleSymbols(kind SessionKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "symbols": h.coord.Symbols()})
	}
}

type sessionRequest struct {
	Symbol string `json:"symbol"`
	RunID  string `json:"runId,omitempty"`
	Side   string `json:"side,omitempty"`
	AIOptions
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request) (sessionRequest, bool) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
		return req, false
	}
	if req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "symbol is required")
		return req, false
	}
	return req, true
}

func (h *Handlers) respond(w http.ResponseWriter, st session.Status, err error) {
	if err != nil {
		status := http.StatusConflict
		if errors.Is(err, ErrUnknownSymbol) {
			status = http.StatusNotFound
		}
		writeError(w, status, "session_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": st})
}

// HandleStart starts a session for the symbol.
func (h *Handlers) HandleStart(kind SessionKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := h.decode(w, r)
		if !ok {
			return
		}
		st, err := h.coord.Start(kind, req.Symbol, req.RunID, req.AIOptions)
		h.respond(w, st, err)
	}
}

// HandleStop stops a running session.
func (h *Handlers) HandleStop(kind SessionKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := h.decode(w, r)
		if !ok {
			return
		}
		st, err := h.coord.Stop(kind, req.Symbol)
		h.respond(w, st, err)
	}
}

// HandleReset drops session state back to idle.
func (h *Handlers) HandleReset(kind SessionKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := h.decode(w, r)
		if !ok {
			return
		}
		st, err := h.coord.Reset(kind, req.Symbol)
		h.respond(w, st, err)
	}
}

// HandleTestOrder queues a small manual market order.
func (h *Handlers) HandleTestOrder(kind SessionKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := h.decode(w, r)
		if !ok {
			return
		}
		side := types.Side(strings.ToUpper(req.Side))
		if side != types.BUY && side != types.SELL {
			writeError(w, http.StatusBadRequest, "bad_request", "side must be BUY or SELL")
			return
		}
		st, err := h.coord.TestOrder(kind, req.Symbol, side)
		h.respond(w, st, err)
	}
}

// HandleStatus returns the full session status object.
func (h *Handlers) HandleStatus(kind SessionKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		symbol := r.URL.Query().Get("symbol")
		if symbol == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "symbol query parameter is required")
			return
		}
		st, err := h.coord.Status(kind, symbol)
		h.respond(w, st, err)
	}
}

// HandleWebSocket upgrades the connection and registers the client with
// its symbol subscription set.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	symbols := splitSymbols(r.URL.Query().Get("symbols"))
	if len(symbols) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "symbols query parameter is required")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		Subprotocols:    []string{"proxy-auth"},
		CheckOrigin: func(r *http.Request) bool {
			return h.origin(r.Header.Get("Origin"), r.Host)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	NewClient(h.hub, conn, symbols)
}

func splitSymbols(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// isOriginAllowed implements the browser origin policy: same-host and
// localhost origins pass by default, anything else needs the allowlist.
func isOriginAllowed(origin string, allowed []string, reqHost string) bool {
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a {
			return true
		}
	}
	if len(allowed) > 0 {
		return false
	}
	host := origin
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if host == reqHost {
		return true
	}
	bare := host
	if i := strings.Index(bare, ":"); i >= 0 {
		bare = bare[:i]
	}
	return bare == "localhost" || bare == "127.0.0.1"
}
