// Package metrics exposes Prometheus collectors for the ledger service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "membership_ledger"

var (
	// Registry holds the application collectors.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "path"},
	)

	ledgerOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by kind and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	transactionRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "transaction_retries_total",
			Help:      "Transactions retried after an optimistic conflict.",
		},
		[]string{"operation"},
	)

	interestAccrued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "interest_accrued_total",
			Help:      "Interest credited by authoritative settlements.",
		},
	)

	batchRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "batch_runs_total",
			Help:      "Batch settlement runs by outcome.",
		},
		[]string{"outcome"},
	)

	batchAccounts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "batch_accounts_total",
			Help:      "Accounts processed by batch settlement.",
		},
		[]string{"result"},
	)

	batchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "batch_duration_seconds",
			Help:      "Duration of batch settlement runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		},
	)

	liveStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "projection",
			Name:      "live_streams",
			Help:      "Open live earnings streams.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		httpDuration,
		ledgerOperations,
		transactionRetries,
		interestAccrued,
		batchRuns,
		batchAccounts,
		batchDuration,
		liveStreams,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// GinMiddleware records request counts and latencies by route.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		httpRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// RecordOperation counts a ledger operation. outcome is "ok" or an error kind.
func RecordOperation(operation, outcome string) {
	ledgerOperations.WithLabelValues(operation, outcome).Inc()
}

// RecordRetry counts a conflict retry.
func RecordRetry(operation string) {
	transactionRetries.WithLabelValues(operation).Inc()
}

// RecordInterest adds credited interest.
func RecordInterest(amount float64) {
	if amount > 0 {
		interestAccrued.Add(amount)
	}
}

// RecordBatch records the outcome of a batch settlement run.
func RecordBatch(settled, failed, skipped int, duration time.Duration) {
	outcome := "ok"
	if failed > 0 {
		outcome = "partial"
	}
	batchRuns.WithLabelValues(outcome).Inc()
	batchAccounts.WithLabelValues("settled").Add(float64(settled))
	batchAccounts.WithLabelValues("failed").Add(float64(failed))
	batchAccounts.WithLabelValues("skipped").Add(float64(skipped))
	batchDuration.Observe(duration.Seconds())
}

// StreamOpened increments the live stream gauge.
func StreamOpened() { liveStreams.Inc() }

// StreamClosed decrements the live stream gauge.
func StreamClosed() { liveStreams.Dec() }
