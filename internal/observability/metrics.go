// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Pipeline metrics
	PipelineRunsTotal *prometheus.CounterVec
	PipelineDuration  prometheus.Histogram
	StepsTotal        *prometheus.CounterVec
	StepDuration      *prometheus.HistogramVec
	PipelinesInFlight prometheus.Gauge

	// Ledger metrics
	RPCCallLatency    *prometheus.HistogramVec
	TransactionsSent  *prometheus.CounterVec
	NonceResyncs      prometheus.Counter
	SelectorsRepaired prometheus.Counter
	RolesGranted      *prometheus.CounterVec
	MarketsPersisted  *prometheus.CounterVec

	// Progress metrics
	BroadcastsPublished *prometheus.CounterVec
	BroadcastsDropped   *prometheus.CounterVec
	WSSubscribers       prometheus.Gauge

	// API metrics
	HTTPRequests *prometheus.CounterVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec

	// Health metrics
	LastSuccessfulPipeline prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "market_relayer"
	}

	return &Metrics{
		// Pipeline metrics
		PipelineRunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Total number of pipeline runs by mode and terminal status",
		}, []string{"mode", "status"}),
		PipelineDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "duration_seconds",
			Help:      "Pipeline execution duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		}),
		StepsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "steps_total",
			Help:      "Total number of pipeline step transitions by step and status",
		}, []string{"step", "status"}),
		StepDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "step_duration_seconds",
			Help:      "Pipeline step duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step"}),
		PipelinesInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "in_flight",
			Help:      "Number of pipelines currently running",
		}),

		// Ledger metrics
		RPCCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "rpc_call_latency_seconds",
			Help:      "Ledger RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		TransactionsSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "transactions_sent_total",
			Help:      "Total number of transactions accepted by the node, by call",
		}, []string{"call"}),
		NonceResyncs: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "nonce_resyncs_total",
			Help:      "Total number of sequence counter resyncs against the pending count",
		}),
		SelectorsRepaired: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "selectors_repaired_total",
			Help:      "Total number of missing order book selectors installed after creation",
		}),
		RolesGranted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "roles_granted_total",
			Help:      "Total number of vault roles granted by role",
		}, []string{"role"}),
		MarketsPersisted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "markets_persisted_total",
			Help:      "Total number of market records upserted by status",
		}, []string{"status"}),

		// Progress metrics
		BroadcastsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "progress",
			Name:      "published_total",
			Help:      "Total number of progress events delivered by transport",
		}, []string{"transport"}),
		BroadcastsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "progress",
			Name:      "dropped_total",
			Help:      "Total number of progress events dropped by reason",
		}, []string{"reason"}),
		WSSubscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "progress",
			Name:      "ws_subscribers",
			Help:      "Current number of WebSocket progress subscribers",
		}),

		// API metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total number of API requests by route and status code",
		}, []string{"route", "code"}),

		// Database metrics
		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),

		// Health metrics
		LastSuccessfulPipeline: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_pipeline_timestamp",
			Help:      "Unix timestamp of last successful pipeline run",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordPipelineRun records a finished pipeline run.
func RecordPipelineRun(mode, status string, durationSeconds float64) {
	DefaultMetrics.PipelineRunsTotal.WithLabelValues(mode, status).Inc()
	DefaultMetrics.PipelineDuration.Observe(durationSeconds)
	if status == "done" {
		DefaultMetrics.LastSuccessfulPipeline.Set(float64(time.Now().Unix()))
	}
}

// PipelineStarted increments the in-flight gauge. Call the returned func when done.
func PipelineStarted() func() {
	DefaultMetrics.PipelinesInFlight.Inc()
	return DefaultMetrics.PipelinesInFlight.Dec
}

// RecordStep records a step transition; duration is observed on terminal transitions.
func RecordStep(step, status string, durationSeconds float64) {
	DefaultMetrics.StepsTotal.WithLabelValues(step, status).Inc()
	if status != "start" {
		DefaultMetrics.StepDuration.WithLabelValues(step).Observe(durationSeconds)
	}
}

// RecordRPCLatency records ledger RPC call latency.
func RecordRPCLatency(method string, latencySeconds float64) {
	DefaultMetrics.RPCCallLatency.WithLabelValues(method).Observe(latencySeconds)
}

// RecordTxSubmitted increments the transactions sent counter.
func RecordTxSubmitted(call string) {
	DefaultMetrics.TransactionsSent.WithLabelValues(call).Inc()
}

// RecordNonceResync increments the nonce resync counter.
func RecordNonceResync() {
	DefaultMetrics.NonceResyncs.Inc()
}

// RecordSelectorsRepaired adds n to the repaired selectors counter.
func RecordSelectorsRepaired(n int) {
	DefaultMetrics.SelectorsRepaired.Add(float64(n))
}

// RecordRoleGranted increments the roles granted counter.
func RecordRoleGranted(role string) {
	DefaultMetrics.RolesGranted.WithLabelValues(role).Inc()
}

// RecordMarketPersisted increments the persisted markets counter.
func RecordMarketPersisted(status string) {
	DefaultMetrics.MarketsPersisted.WithLabelValues(status).Inc()
}

// RecordBroadcastPublished increments the delivered progress events counter.
func RecordBroadcastPublished(transport string) {
	DefaultMetrics.BroadcastsPublished.WithLabelValues(transport).Inc()
}

// RecordBroadcastDropped increments the dropped progress events counter.
func RecordBroadcastDropped(reason string) {
	DefaultMetrics.BroadcastsDropped.WithLabelValues(reason).Inc()
}

// SetWSSubscribers sets the current WebSocket subscriber count.
func SetWSSubscribers(n int) {
	DefaultMetrics.WSSubscribers.Set(float64(n))
}

// RecordHTTPRequest increments the API request counter.
func RecordHTTPRequest(route string, code int) {
	DefaultMetrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// RecordDBQuery records database query duration.
func RecordDBQuery(database, operation string, durationSeconds float64) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(durationSeconds)
}

// RecordDBError increments the database error counter.
func RecordDBError(database, operation string) {
	DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
}
