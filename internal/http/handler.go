// Package http assembles the HTTP surface of the server: the MCP endpoint,
// health probes, the session listing and Prometheus metrics.
package http

import (
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/litesql/databricks-mcp/internal/metrics"
	"github.com/litesql/databricks-mcp/internal/session"
)

const defaultMCPPath = "/mcp"

// SessionLister reports the live client sessions.
type SessionLister interface {
	Sessions() []session.Snapshot
}

type Config struct {
	Logger   *slog.Logger
	MCP      http.Handler
	Sessions SessionLister

	// Path is where the MCP endpoint is mounted.
	Path string
	// AllowedTokens enables bearer authentication on the MCP endpoint and
	// the session listing when not empty.
	AllowedTokens []string
	// Metrics exposes /metrics.
	Metrics bool
	// Ready reports whether the server accepts new sessions. Nil means
	// always ready.
	Ready func() bool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.MCP == nil {
		return fmt.Errorf("mcp handler is required")
	}
	if cfg.Sessions == nil {
		return fmt.Errorf("session lister is required")
	}
	if cfg.Path == "" {
		cfg.Path = defaultMCPPath
	}
	if !strings.HasPrefix(cfg.Path, "/") {
		return fmt.Errorf("path %q must start with /", cfg.Path)
	}
	if cfg.Ready == nil {
		cfg.Ready = func() bool { return true }
	}
	return nil
}

type handler struct {
	log *slog.Logger
	cfg Config
}

// NewHandler returns the root handler of the HTTP server.
func NewHandler(cfg Config) (http.Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate http config: %w", err)
	}
	h := &handler{log: cfg.Logger, cfg: cfg}

	protect := func(next http.Handler) http.Handler {
		if len(cfg.AllowedTokens) == 0 {
			return next
		}
		return AuthMiddleware(h.log, cfg.AllowedTokens, next)
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, protect(cfg.MCP))
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.HandleFunc("GET /readyz", h.readyz)
	mux.Handle("GET /sessions", protect(http.HandlerFunc(h.sessions)))
	if cfg.Metrics {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
	return MetricsMiddleware(mux), nil
}

func (h *handler) healthz(w http.ResponseWriter, _ *http.Request) {
	h.write(w, http.StatusOK, "ok\n")
}

func (h *handler) readyz(w http.ResponseWriter, _ *http.Request) {
	if !h.cfg.Ready() {
		h.write(w, http.StatusServiceUnavailable, "shutting down\n")
		return
	}
	h.write(w, http.StatusOK, "ok\n")
}

func (h *handler) sessions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string][]session.Snapshot{
		"sessions": h.cfg.Sessions.Sessions(),
	}); err != nil {
		h.log.Error("http: failed to write sessions response", "error", err)
	}
}

func (h *handler) write(w http.ResponseWriter, status int, body string) {
	w.WriteHeader(status)
	if _, err := w.Write([]byte(body)); err != nil {
		h.log.Error("http: failed to write response", "error", err)
	}
}

// AuthMiddleware rejects requests that do not carry one of the allowed
// bearer tokens.
func AuthMiddleware(log *slog.Logger, allowed []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reject := func(reason, msg string) {
			metrics.AuthFailuresTotal.WithLabelValues(reason).Inc()
			log.Debug("http: rejected request", "reason", reason, "remote", r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized: "+msg, http.StatusUnauthorized)
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			reject("missing_header", "missing authorization header")
			return
		}
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			reject("invalid_format", "invalid authorization header format")
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			reject("empty_token", "empty token")
			return
		}
		if !slices.Contains(allowed, token) {
			reject("invalid_token", "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// MetricsMiddleware counts requests by method and status code.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, fmt.Sprint(wrapped.statusCode)).Inc()
		metrics.HTTPRequestDuration.Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush keeps server sent event streams of the MCP endpoint working through
// the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
