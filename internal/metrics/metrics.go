package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consult_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "consult_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	BillingTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consult_billing_ticks_total",
			Help: "Billing ticks by result",
		},
		[]string{"result"},
	)

	BillingTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "consult_billing_tick_duration_seconds",
			Help:    "Time spent settling one billing tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	LowBalanceWarningsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "consult_low_balance_warnings_total",
			Help: "Total number of low balance warnings sent to requesters",
		},
	)

	ActiveMeters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "consult_active_meters",
			Help: "Sessions currently being billed",
		},
	)

	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consult_sessions_total",
			Help: "Sessions reaching a terminal state by status and reason",
		},
		[]string{"status", "reason"},
	)

	WaitlistDispatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "consult_waitlist_dispatches_total",
			Help: "Waitlisted requesters notified that a provider became available",
		},
	)

	GatewayConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "consult_gateway_connections",
			Help: "Open realtime gateway connections",
		},
	)

	WalletRechargesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consult_wallet_recharges_total",
			Help: "Wallet recharge confirmations by result",
		},
		[]string{"result"},
	)
)

func RecordHTTPRequest(method, path, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

func RecordBillingTick(result string, duration time.Duration) {
	BillingTicksTotal.WithLabelValues(result).Inc()
	BillingTickDuration.Observe(duration.Seconds())
}

func RecordLowBalanceWarning() {
	LowBalanceWarningsTotal.Inc()
}

func RecordSessionClosed(status, reason string) {
	SessionsTotal.WithLabelValues(status, reason).Inc()
}

func RecordWaitlistDispatch() {
	WaitlistDispatchesTotal.Inc()
}

func RecordRecharge(result string) {
	WalletRechargesTotal.WithLabelValues(result).Inc()
}
