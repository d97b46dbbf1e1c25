package metrics

import (
	"regexp"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request pipeline metrics
var (
	// APIRequestsTotal counts remote calls by method, normalized endpoint and status
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labhya_api_requests_total",
			Help: "Total number of backend API requests by method, endpoint, and status",
		},
		[]string{"method", "endpoint", "status"},
	)

	// APIRequestDuration tracks the latency of remote calls
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "labhya_api_request_duration_seconds",
			Help:    "Duration of backend API requests by method and endpoint",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// TokenRefreshes counts refresh round-trips against the backend by result
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labhya_token_refreshes_total",
			Help: "Total number of access token refresh calls by result (success, failure)",
		},
		[]string{"result"},
	)

	// ForcedLogouts counts logouts triggered by exhausted authentication
	ForcedLogouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "labhya_forced_logouts_total",
			Help: "Total number of logouts forced by the request pipeline",
		},
	)
)

// Session lifecycle metrics
var (
	// SessionPolls counts poll ticks issued while pending sessions exist
	SessionPolls = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "labhya_session_polls_total",
			Help: "Total number of session collection refetches issued by the pending poller",
		},
	)

	// SessionTransitions counts observed session status transitions
	SessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labhya_session_transitions_total",
			Help: "Total number of session status transitions by source and target status",
		},
		[]string{"from", "to"},
	)

	// CacheRefetches counts collection refetches by collection and result
	CacheRefetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labhya_cache_refetches_total",
			Help: "Total number of client cache refetches by collection and result",
		},
		[]string{"collection", "result"},
	)

	// AgentSessionsStarted counts sessions the host agent marked as started
	AgentSessionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "labhya_agent_sessions_started_total",
			Help: "Total number of pending sessions started by the host agent",
		},
	)

	// AgentHeartbeatFailures counts failed host heartbeats
	AgentHeartbeatFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "labhya_agent_heartbeat_failures_total",
			Help: "Total number of failed host agent heartbeats",
		},
	)
)

// idSegment matches path segments that are identifiers (numeric or uuid-like)
var idSegment = regexp.MustCompile(`/([0-9]+|[0-9a-fA-F]{8}-[0-9a-fA-F-]{27,}|[A-Za-z]+-[0-9A-Za-z-]+)/`)

// NormalizeEndpoint replaces id segments with {id} to bound label cardinality
func NormalizeEndpoint(endpoint string) string {
	// Run twice so adjacent id segments sharing a slash are both replaced
	out := idSegment.ReplaceAllString(endpoint, "/{id}/")
	return idSegment.ReplaceAllString(out, "/{id}/")
}

// RecordAPIRequest records a completed remote call. Status 0 means no response.
func RecordAPIRequest(method, endpoint string, status int, duration time.Duration) {
	ep := NormalizeEndpoint(endpoint)
	statusLabel := "network_error"
	if status > 0 {
		statusLabel = strconv.Itoa(status)
	}
	APIRequestsTotal.WithLabelValues(method, ep, statusLabel).Inc()
	APIRequestDuration.WithLabelValues(method, ep).Observe(duration.Seconds())
}

// RecordTokenRefresh records a refresh round-trip
func RecordTokenRefresh(success bool) {
	if success {
		TokenRefreshes.WithLabelValues("success").Inc()
		return
	}
	TokenRefreshes.WithLabelValues("failure").Inc()
}

// RecordForcedLogout records a logout forced by the pipeline
func RecordForcedLogout() {
	ForcedLogouts.Inc()
}

// RecordSessionPoll records one pending-session poll tick
func RecordSessionPoll() {
	SessionPolls.Inc()
}

// RecordSessionTransition records an observed status change
func RecordSessionTransition(from, to string) {
	SessionTransitions.WithLabelValues(from, to).Inc()
}

// RecordCacheRefetch records a collection refetch
func RecordCacheRefetch(collection string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	CacheRefetches.WithLabelValues(collection, result).Inc()
}

// RecordAgentSessionStarted records a mark_started issued by the agent
func RecordAgentSessionStarted() {
	AgentSessionsStarted.Inc()
}

// RecordAgentHeartbeatFailure records a failed heartbeat
func RecordAgentHeartbeatFailure() {
	AgentHeartbeatFailures.Inc()
}
