// Package metrics holds the Prometheus collectors shared by the daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	StreamMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sentinel_stream_messages_total", Help: "Market data frames received"},
		[]string{"symbol"},
	)
	MalformedMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sentinel_stream_malformed_total", Help: "Frames dropped as malformed"},
		[]string{"symbol"},
	)
	ReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sentinel_stream_reconnects_total", Help: "Stream reconnect attempts"},
		[]string{"symbol"},
	)
	StreamConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "sentinel_stream_connected", Help: "1 while the symbol stream is connected"},
		[]string{"symbol"},
	)

	OFI = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "sentinel_ofi", Help: "Last computed order-flow imbalance"},
		[]string{"symbol"},
	)
	CumulativeDelta = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "sentinel_cumulative_delta", Help: "Signed trade quantity inside the lookback window"},
		[]string{"symbol"},
	)

	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sentinel_signals_total", Help: "Signals emitted by analysis tasks"},
		[]string{"symbol", "kind", "direction"},
	)
	SignalsSuppressedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sentinel_signals_suppressed_total", Help: "Signals withheld by the duplicate cooldown"},
		[]string{"symbol"},
	)
	SignalsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sentinel_signals_dropped_total", Help: "Signals dropped because the aggregator was full"},
		[]string{"symbol"},
	)
	DispatchFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "sentinel_dispatch_failures_total", Help: "Signals the dispatcher failed to deliver"},
	)

	ActiveTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "sentinel_active_tasks", Help: "Running analysis tasks"},
	)
	TaskFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sentinel_task_failures_total", Help: "Analysis tasks that stopped with an error"},
		[]string{"symbol"},
	)

	WatchlistRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sentinel_watchlist_refresh_total", Help: "Watchlist refreshes by result"},
		[]string{"result"},
	)
	WatchlistSize = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "sentinel_watchlist_size", Help: "Symbols in the last applied watchlist"},
	)
)

func init() {
	prometheus.MustRegister(
		StreamMessagesTotal, MalformedMessagesTotal, ReconnectsTotal, StreamConnected,
		OFI, CumulativeDelta,
		SignalsTotal, SignalsSuppressedTotal, SignalsDroppedTotal, DispatchFailuresTotal,
		ActiveTasks, TaskFailuresTotal,
		WatchlistRefreshTotal, WatchlistSize,
	)
}

// Handler exposes the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ForgetSymbol removes the per-symbol series of a symbol that left the watchlist.
func ForgetSymbol(symbol string) {
	StreamConnected.DeleteLabelValues(symbol)
	OFI.DeleteLabelValues(symbol)
	CumulativeDelta.DeleteLabelValues(symbol)
}
