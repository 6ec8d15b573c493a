package api

import (
	"encoding/json"
	"net/http"

	"perpflow/internal/backfill"
	"perpflow/internal/book"
	"perpflow/internal/fixedpoint"
	"perpflow/internal/micro"
	"perpflow/internal/orchestrator"
	"perpflow/internal/session"
	"perpflow/internal/sim"
	"perpflow/internal/tape"
	"perpflow/pkg/types"
)

// MetricsFrame is the unified per-symbol telemetry message pushed to
// subscribed WebSocket clients. Field names are part of the client wire
// contract; add fields, never rename them.
type MetricsFrame struct {
	Type        string          `json:"type"` // always "metrics"
	Symbol      string          `json:"symbol"`
	State       types.BookState `json:"state"`
	EventTimeMs int64           `json:"event_time_ms"`
	Snapshot    SnapshotRef     `json:"snapshot"`

	TimeAndSales TimeAndSales `json:"timeAndSales"`
	CVD          CVDFrame     `json:"cvd"`
	Absorption   *float64     `json:"absorption"`
	OpenInterest *float64     `json:"openInterest,omitempty"`
	Funding      *FundingInfo `json:"funding,omitempty"`

	LegacyMetrics      LegacyMetrics  `json:"legacyMetrics"`
	OrderbookIntegrity book.Integrity `json:"orderbookIntegrity"`
	SignalDisplay      SignalDisplay  `json:"signalDisplay"`
	StrategyPosition   *sim.Position  `json:"strategyPosition,omitempty"`

	LiquidityMetrics   micro.LiquidityMetrics   `json:"liquidityMetrics"`
	PassiveFlowMetrics micro.PassiveFlowMetrics `json:"passiveFlowMetrics"`
	DerivativesMetrics micro.DerivativesMetrics `json:"derivativesMetrics"`
	ToxicityMetrics    micro.ToxicityMetrics    `json:"toxicityMetrics"`
	RegimeMetrics      micro.RegimeMetrics      `json:"regimeMetrics"`
	CrossMarketMetrics json.RawMessage          `json:"crossMarketMetrics,omitempty"`

	SessionVWAP  *micro.SessionVWAPSnapshot `json:"sessionVwap,omitempty"`
	HTF          *HTFSet                    `json:"htf,omitempty"`
	Bootstrap    *backfill.State            `json:"bootstrap,omitempty"`
	Orchestrator *orchestrator.Snapshot     `json:"orchestratorV1,omitempty"`

	Bids         [][3]float64 `json:"bids"` // [price, qty, cumQty]
	Asks         [][3]float64 `json:"asks"`
	MidPrice     *float64     `json:"midPrice"`
	LastUpdateID int64        `json:"lastUpdateId"`
}

// SnapshotRef points at the engine state behind this frame.
type SnapshotRef struct {
	EventID   string `json:"eventId,omitempty"`
	StateHash string `json:"stateHash,omitempty"`
	Ts        int64  `json:"ts"`
}

// TimeAndSales bundles the rolling tape windows.
type TimeAndSales struct {
	W1s             tape.WindowStats `json:"w1s"`
	W5s             tape.WindowStats `json:"w5s"`
	W1m             tape.WindowStats `json:"w1m"`
	W5m             tape.WindowStats `json:"w5m"`
	W15m            tape.WindowStats `json:"w15m"`
	Burst           tape.Burst       `json:"burst"`
	PrintsPerSecond float64          `json:"printsPerSecond"`
}

// CVDFrame is the per-timeframe cumulative volume delta set.
type CVDFrame struct {
	TF1m  tape.TimeframeCVD `json:"tf1m"`
	TF5m  tape.TimeframeCVD `json:"tf5m"`
	TF15m tape.TimeframeCVD `json:"tf15m"`
}

// FundingInfo is the latest funding/premium reading.
type FundingInfo struct {
	Rate              float64 `json:"rate"`
	MarkPrice         float64 `json:"markPrice"`
	IndexPrice        float64 `json:"indexPrice"`
	NextFundingTimeMs int64   `json:"nextFundingTimeMs"`
}

// LegacyMetrics keeps the flat metric names older clients consume.
type LegacyMetrics struct {
	Price         float64  `json:"price"`
	OBIWeighted   *float64 `json:"obiWeighted"`
	OBIDeep       *float64 `json:"obiDeep"`
	OBIDivergence *float64 `json:"obiDivergence"`
	Delta1s       float64  `json:"delta1s"`
	Delta5s       float64  `json:"delta5s"`
	DeltaZ        *float64 `json:"deltaZ"`
	CVDSession    float64  `json:"cvdSession"`
	CVDSlope      *float64 `json:"cvdSlope"`
	VWAP          *float64 `json:"vwap"`
	TotalVolume   float64  `json:"totalVolume"`
	TotalNotional float64  `json:"totalNotional"`
	TradeCount    int64    `json:"tradeCount"`
}

// SignalDisplay is the condensed one-line signal readout.
type SignalDisplay struct {
	Signal string   `json:"signal"` // LONG, SHORT, NEUTRAL
	Reason string   `json:"reason,omitempty"`
	Score  *float64 `json:"score,omitempty"`
}

// HTFSet groups the higher-timeframe frames.
type HTFSet struct {
	H1 *micro.HTFFrame `json:"1h,omitempty"`
	H4 *micro.HTFFrame `json:"4h,omitempty"`
}

// IntegrityFrame is the never-dropped book health message.
type IntegrityFrame struct {
	Type      string         `json:"type"` // always "integrity"
	Symbol    string         `json:"symbol"`
	Integrity book.Integrity `json:"integrity"`
}

// StatusFrame is the never-dropped session lifecycle message.
type StatusFrame struct {
	Type   string         `json:"type"` // always "status"
	Symbol string         `json:"symbol"`
	Kind   SessionKind    `json:"kind"`
	Status session.Status `json:"status"`
}

// Health is the /api/health payload.
type Health struct {
	Status       string         `json:"status"`
	UptimeSec    int64          `json:"uptimeSec"`
	DecisionMode string         `json:"decisionMode"`
	Symbols      []SymbolHealth `json:"symbols"`
}

// SymbolHealth summarizes one symbol's pipeline.
type SymbolHealth struct {
	Symbol       string          `json:"symbol"`
	BookState    types.BookState `json:"bookState"`
	EventCount   int64           `json:"eventCount"`
	FramesSent   int64           `json:"framesSent"`
	SessionState session.State   `json:"sessionState"`
	AISession    session.State   `json:"aiSessionState"`
}

// BookLevels converts depth levels to the [price, qty, cumQty] wire rows.
func BookLevels(levels []book.Level) [][3]float64 {
	rows := make([][3]float64, 0, len(levels))
	var cum float64
	for _, l := range levels {
		qty := fixedpoint.FromFp(l.Qty)
		cum += qty
		rows = append(rows, [3]float64{fixedpoint.FromFp(l.Price), qty, cum})
	}
	return rows
}

// writeJSON renders a success payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError renders the {ok:false, error, message} envelope.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"ok":      false,
		"error":   code,
		"message": message,
	})
}
