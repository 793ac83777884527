package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// AgentRequestsTotal counts remote agent requests by outcome (error kind or "ok").
	AgentRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_requests_total",
			Help: "Total number of remote agent message requests",
		},
		[]string{"agent", "outcome"},
	)

	// AgentRequestDuration measures remote agent request duration.
	AgentRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agent_request_duration_seconds",
			Help:    "Remote agent message handling duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"agent"},
	)

	// AgentTaskTransitionsTotal counts task state transitions.
	AgentTaskTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_task_transitions_total",
			Help: "Total number of task state transitions",
		},
		[]string{"agent", "state"},
	)

	// IdentityTokenFetchTotal counts identity token fetches.
	IdentityTokenFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_token_fetch_total",
			Help: "Total number of identity token fetches",
		},
		[]string{"mode", "outcome"},
	)

	// HostRemoteCallsTotal counts host calls to remote agents.
	HostRemoteCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "host_remote_calls_total",
			Help: "Total number of host calls to remote agents",
		},
		[]string{"remote", "outcome"},
	)

	// HTTPRequestsTotal counts HTTP requests.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"service", "method", "path", "status"},
	)

	// HTTPRequestDuration measures HTTP request duration.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"service", "method", "path"},
	)
)

// GinMiddleware records HTTP metrics keyed by the matched route.
func GinMiddleware(service string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(service, c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(service, c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// NewMetricsServer returns an HTTP server exposing /metrics on addr.
func NewMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
