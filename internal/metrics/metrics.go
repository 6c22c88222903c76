package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "databricks_mcp_build_info",
			Help: "Build information of the Databricks MCP server",
		},
		[]string{"version", "commit", "date"},
	)

	SessionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "databricks_mcp_sessions_active",
			Help: "Number of open client sessions",
		},
		[]string{"transport"},
	)

	SessionsOpenedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "databricks_mcp_sessions_opened_total",
			Help: "Total number of client sessions opened",
		},
		[]string{"transport"},
	)

	InvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "databricks_mcp_invocations_total",
			Help: "Total number of tool and prompt invocations",
		},
		[]string{"operation", "status"},
	)

	InvocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "databricks_mcp_invocation_duration_seconds",
			Help:    "Duration of tool and prompt invocations",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 0.01s to ~82s
		},
		[]string{"operation"},
	)

	InvocationsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "databricks_mcp_invocations_in_flight",
			Help: "Number of invocations currently running",
		},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "databricks_mcp_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "databricks_mcp_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
	)

	AuditPublishFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "databricks_mcp_audit_publish_failures_total",
			Help: "Total number of audit events that could not be published",
		},
	)

	AuditEventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "databricks_mcp_audit_events_dropped_total",
			Help: "Total number of audit events dropped because the publish queue was full",
		},
	)

	AuthFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "databricks_mcp_auth_failures_total",
			Help: "Total number of authentication failures",
		},
		[]string{"reason"},
	)
)
