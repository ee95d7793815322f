package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	dispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_dispatches_total",
			Help: "Schedule row dispatch attempts by outcome",
		},
		[]string{"table", "outcome"},
	)

	dispatchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scheduler_dispatch_latency_seconds",
			Help:    "Delay between a row's due time and its successful publish",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60, 300},
		},
		[]string{"table"},
	)

	wakeupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_wakeups_total",
			Help: "Daemon loop wakeups by cause",
		},
		[]string{"table", "cause"},
	)

	staleClaimsReset = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_stale_claims_reset_total",
			Help: "Claimed rows returned to pending by stale-claim recovery",
		},
		[]string{"table"},
	)

	publishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_publish_failures_total",
			Help: "Broker publish failures (confirm timeout, nack, no route)",
		},
		[]string{"table"},
	)

	retryDrained = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_retry_drained_total",
			Help: "DLQ messages handled by the retry daemon by outcome",
		},
		[]string{"queue", "outcome"},
	)
)

func RecordDispatch(table, outcome string) {
	dispatchesTotal.WithLabelValues(table, outcome).Inc()
}

func RecordDispatchLatency(table string, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	dispatchLatency.WithLabelValues(table).Observe(delay.Seconds())
}

func RecordWakeup(table, cause string) {
	wakeupsTotal.WithLabelValues(table, cause).Inc()
}

func RecordStaleClaimsReset(table string, n int64) {
	staleClaimsReset.WithLabelValues(table).Add(float64(n))
}

func RecordPublishFailure(table string) {
	publishFailures.WithLabelValues(table).Inc()
}

func RecordRetryDrained(queue, outcome string) {
	retryDrained.WithLabelValues(queue, outcome).Inc()
}

// Handler exposes the prometheus registry for the /metrics route.
func Handler() http.Handler {
	return promhttp.Handler()
}
