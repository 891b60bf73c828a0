// Package metrics provides Prometheus metrics for the alert and execution
// pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alerts_total",
		Help: "Alerts dispatched, by symbol and direction.",
	}, []string{"symbol", "direction"})

	AlertPersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alert_persist_failures_total",
		Help: "Durable log appends that failed; inline delivery continued.",
	})

	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_submitted_total",
		Help: "Broker submissions, by order type.",
	}, []string{"type"})

	OrderFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "order_fallbacks_total",
		Help: "Limit orders resubmitted as market orders.",
	})

	FillsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fills_total",
		Help: "Orders that reached FILLED.",
	})

	GovernorDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "governor_denials_total",
		Help: "Execution intents denied by the risk governor, by reason.",
	}, []string{"reason"})

	KillSwitchEngaged = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kill_switch_engaged",
		Help: "1 while the kill switch sentinel is active.",
	})

	Position = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "position_quantity",
		Help: "Signed position per symbol.",
	}, []string{"symbol"})

	PollerLag = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "poller_lag_rows",
		Help: "Rows behind the durable log head at the last poll.",
	})

	PollerSleepSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "poller_sleep_seconds",
		Help: "Current adaptive poll sleep interval.",
	})
)

// StartMetricsServer exposes /metrics on addr.
func StartMetricsServer(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		_ = http.ListenAndServe(addr, nil)
	}()
}
