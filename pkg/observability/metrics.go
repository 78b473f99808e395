// Package observability holds the Prometheus metrics and health checks
// shared by the engine, ledger and HTTP surface.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genorch_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genorch_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Session metrics
	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genorch_sessions_total",
			Help: "Generation sessions by terminal state and error kind",
		},
		[]string{"state", "kind"},
	)

	sessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genorch_session_duration_seconds",
			Help:    "Generation session duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"state"},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "genorch_active_sessions",
			Help: "Number of in-flight generation sessions",
		},
	)

	// Tool metrics
	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genorch_tool_calls_total",
			Help: "Tool calls by tool and outcome",
		},
		[]string{"tool", "outcome"},
	)

	toolCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genorch_tool_call_duration_seconds",
			Help:    "Tool call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	// Sandbox metrics
	sandboxJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genorch_sandbox_jobs_total",
			Help: "Sandbox jobs by language and outcome",
		},
		[]string{"language", "outcome"},
	)

	sandboxJobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genorch_sandbox_job_duration_seconds",
			Help:    "Sandbox job wall-clock duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"language"},
	)

	// Ledger metrics
	ledgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genorch_ledger_operations_total",
			Help: "Credit ledger operations by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	creditsCharged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genorch_credits_charged_total",
			Help: "Credits charged on settlement by action",
		},
		[]string{"action"},
	)

	// Model metrics
	modelTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genorch_model_tokens_total",
			Help: "Model tokens by provider, model and direction",
		},
		[]string{"provider", "model", "direction"},
	)

	modelRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genorch_model_requests_total",
			Help: "Model stream requests by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	initOnce sync.Once
)

// InitMetrics registers the collectors with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			sessionsTotal,
			sessionDuration,
			activeSessions,
			toolCallsTotal,
			toolCallDuration,
			sandboxJobsTotal,
			sandboxJobDuration,
			ledgerOpsTotal,
			creditsCharged,
			modelTokensTotal,
			modelRequestsTotal,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records HTTP request metrics.
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordSession records a finished session. kind is empty for completed
// sessions.
func RecordSession(state, kind string, duration time.Duration) {
	sessionsTotal.WithLabelValues(state, kind).Inc()
	sessionDuration.WithLabelValues(state).Observe(duration.Seconds())
}

// SessionStarted and SessionEnded track in-flight sessions.
func SessionStarted() { activeSessions.Inc() }

func SessionEnded() { activeSessions.Dec() }

// RecordToolCall records a dispatched tool call. outcome is "ok" or the
// error kind.
func RecordToolCall(tool, outcome string, duration time.Duration) {
	toolCallsTotal.WithLabelValues(tool, outcome).Inc()
	toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordSandboxJob records a sandbox run.
func RecordSandboxJob(language, outcome string, duration time.Duration) {
	sandboxJobsTotal.WithLabelValues(language, outcome).Inc()
	sandboxJobDuration.WithLabelValues(language).Observe(duration.Seconds())
}

// RecordLedgerOp records a ledger call.
func RecordLedgerOp(op, outcome string) {
	ledgerOpsTotal.WithLabelValues(op, outcome).Inc()
}

// RecordCreditsCharged adds settled credits.
func RecordCreditsCharged(action string, credits int64) {
	if credits > 0 {
		creditsCharged.WithLabelValues(action).Add(float64(credits))
	}
}

// RecordModelTokens records token usage for one model turn.
func RecordModelTokens(provider, model string, input, output int) {
	modelTokensTotal.WithLabelValues(provider, model, "input").Add(float64(input))
	modelTokensTotal.WithLabelValues(provider, model, "output").Add(float64(output))
}

// RecordModelRequest records a model stream attempt.
func RecordModelRequest(provider, outcome string) {
	modelRequestsTotal.WithLabelValues(provider, outcome).Inc()
}
