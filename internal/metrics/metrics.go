// Package metrics registers the Prometheus instruments updated across the
// pipeline. Served at /metrics in the Prometheus text exposition format.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	EventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpflow_events_total",
			Help: "Synthetic dry-run events processed per symbol",
		},
		[]string{"symbol"},
	)

	EventsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpflow_events_rejected_total",
			Help: "Events rejected by intake validation (stale|spacing|empty_book)",
		},
		[]string{"symbol", "reason"},
	)

	OrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpflow_orders_total",
			Help: "Simulated orders by side and role",
		},
		[]string{"symbol", "side", "role"},
	)

	GateBlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpflow_gate_blocks_total",
			Help: "Entry attempts blocked, labeled by the first failing gate",
		},
		[]string{"symbol", "gate"},
	)

	ChaseFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpflow_chase_fallbacks_total",
			Help: "Maker chase timeouts that fell back to a taker order",
		},
		[]string{"symbol"},
	)

	Liquidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpflow_liquidations_total",
			Help: "Forced liquidations in the dry-run engine",
		},
		[]string{"symbol"},
	)

	WalletBalance = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "perpflow_wallet_balance",
			Help: "Simulated wallet balance in quote units",
		},
		[]string{"symbol"},
	)

	BookIntegrity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "perpflow_book_integrity",
			Help: "Order book integrity level (0=ok 1=degraded 2=critical)",
		},
		[]string{"symbol"},
	)

	StreamReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "perpflow_stream_reconnects_total",
			Help: "Upstream websocket reconnect attempts",
		},
	)

	BackfillFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpflow_backfill_fetches_total",
			Help: "HTF kline backfill fetches by outcome (ok|error)",
		},
		[]string{"symbol", "outcome"},
	)

	SnapshotsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpflow_snapshots_sent_total",
			Help: "Telemetry snapshot frames delivered to websocket clients",
		},
		[]string{"symbol"},
	)

	SnapshotsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpflow_snapshots_dropped_total",
			Help: "Metrics frames dropped on slow websocket clients",
		},
		[]string{"symbol"},
	)

	PlanRejects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "perpflow_plan_rejects_total",
			Help: "Decision plans rejected by strict validation",
		},
	)
)

func init() {
	prometheus.MustRegister(EventsProcessed, EventsRejected, OrdersPlaced)
	prometheus.MustRegister(GateBlocks, ChaseFallbacks, Liquidations)
	prometheus.MustRegister(WalletBalance, BookIntegrity)
	prometheus.MustRegister(StreamReconnects, BackfillFetches)
	prometheus.MustRegister(SnapshotsSent, SnapshotsDropped, PlanRejects)
}
