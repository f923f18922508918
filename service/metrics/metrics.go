package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Solana RPC Metrics
	solanaRPCCallsTotal   *prometheus.CounterVec
	solanaRPCCallDuration *prometheus.HistogramVec
	solanaRPCRetries      *prometheus.CounterVec

	// Snapshot / Watch Metrics
	snapshotReadsTotal   *prometheus.CounterVec
	snapshotReadDuration *prometheus.HistogramVec
	stakedLamports       *prometheus.GaugeVec
	claimablePoints      *prometheus.GaugeVec
	watchSessionsActive  prometheus.Gauge

	// Operation Metrics
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec

	// Payout / Recovery Metrics
	payoutsTotal         *prometheus.CounterVec
	payoutLamportsTotal  prometheus.Counter
	recoveryRunsTotal    *prometheus.CounterVec
	claimsRecoveredTotal *prometheus.CounterVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections *prometheus.GaugeVec
	sseEventsSent        *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Solana RPC Metrics
		solanaRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		solanaRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		solanaRPCRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_retries_total",
				Help: "Total number of Solana RPC retry attempts",
			},
			[]string{"method", "reason"},
		),

		// Snapshot / Watch Metrics
		snapshotReadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snapshot_reads_total",
				Help: "Total number of position snapshot reads",
			},
			[]string{"wallet", "status"},
		),
		snapshotReadDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "snapshot_read_duration_seconds",
				Help:    "Duration of position snapshot reads in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"wallet"},
		),
		stakedLamports: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "staked_lamports",
				Help: "Staked lamports per wallet as of the latest snapshot",
			},
			[]string{"wallet"},
		),
		claimablePoints: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "claimable_points",
				Help: "Locally computed claimable points per wallet as of the latest snapshot",
			},
			[]string{"wallet"},
		),
		watchSessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "watch_sessions_active",
				Help: "Number of active wallet watch sessions",
			},
		),

		// Operation Metrics
		operationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "operations_total",
				Help: "Total number of staking operations by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "operation_duration_seconds",
				Help:    "End-to-end duration of staking operations in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"kind"},
		),

		// Payout / Recovery Metrics
		payoutsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payouts_total",
				Help: "Total number of claim payout transfers by status",
			},
			[]string{"status"},
		),
		payoutLamportsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "payout_lamports_total",
				Help: "Total lamports paid out for confirmed claims",
			},
		),
		recoveryRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claim_recovery_runs_total",
				Help: "Total number of claim recovery sweeps by outcome",
			},
			[]string{"outcome"},
		),
		claimsRecoveredTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claims_recovered_total",
				Help: "Total number of claims settled by the recovery sweep",
			},
			[]string{"resolution"},
		),

		// Database Metrics
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		sseActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sse_active_connections",
				Help: "Number of active SSE connections",
			},
			[]string{"wallet"},
		),
		sseEventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_events_sent_total",
				Help: "Total number of SSE events sent",
			},
			[]string{"wallet", "event_type"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Solana RPC metric helpers

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	m.solanaRPCCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordRPCRetry records a retry attempt.
func (m *Metrics) RecordRPCRetry(method, reason string) {
	m.solanaRPCRetries.WithLabelValues(method, reason).Inc()
}

// Snapshot metric helpers

// RecordSnapshotRead records one snapshot read attempt with duration.
func (m *Metrics) RecordSnapshotRead(wallet, status string, duration float64) {
	m.snapshotReadsTotal.WithLabelValues(wallet, status).Inc()
	m.snapshotReadDuration.WithLabelValues(wallet).Observe(duration)
}

// SetPositionGauges publishes the latest snapshot's staked balance and
// claimable points for a wallet.
func (m *Metrics) SetPositionGauges(wallet string, stakedLamports, claimablePoints float64) {
	m.stakedLamports.WithLabelValues(wallet).Set(stakedLamports)
	m.claimablePoints.WithLabelValues(wallet).Set(claimablePoints)
}

// RecordSessionChange adjusts the active watch session gauge.
func (m *Metrics) RecordSessionChange(delta float64) {
	m.watchSessionsActive.Add(delta)
}

// Operation metric helpers

// RecordOperation records a completed staking operation.
func (m *Metrics) RecordOperation(kind, outcome string, duration float64) {
	m.operationsTotal.WithLabelValues(kind, outcome).Inc()
	m.operationDuration.WithLabelValues(kind).Observe(duration)
}

// Payout metric helpers

// RecordPayout records a payout transfer attempt; lamports are only counted
// for successful transfers.
func (m *Metrics) RecordPayout(status string, lamports uint64) {
	m.payoutsTotal.WithLabelValues(status).Inc()
	if status == "success" {
		m.payoutLamportsTotal.Add(float64(lamports))
	}
}

// RecordRecoveryRun records one recovery sweep execution.
func (m *Metrics) RecordRecoveryRun(outcome string) {
	m.recoveryRunsTotal.WithLabelValues(outcome).Inc()
}

// RecordClaimRecovered records a claim the recovery sweep settled.
func (m *Metrics) RecordClaimRecovered(resolution string) {
	m.claimsRecoveredTotal.WithLabelValues(resolution).Inc()
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordSSEConnectionChange records a change in SSE connection count.
func (m *Metrics) RecordSSEConnectionChange(wallet string, delta float64) {
	m.sseActiveConnections.WithLabelValues(wallet).Add(delta)
}

// RecordSSEEventSent records an SSE event being sent.
func (m *Metrics) RecordSSEEventSent(wallet, eventType string) {
	m.sseEventsSent.WithLabelValues(wallet, eventType).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
