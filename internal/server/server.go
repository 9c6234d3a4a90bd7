package server

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/m0rjc/WatchBridge/internal/config"
	"github.com/m0rjc/WatchBridge/internal/handlers"
	"github.com/m0rjc/WatchBridge/internal/metrics"
	"github.com/m0rjc/WatchBridge/internal/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewServer creates the local device server. localDevice handles the
// WebSocket upgrade on /ws/local.
func NewServer(cfg *config.Config, localDevice http.Handler) *http.Server {
	mux := http.NewServeMux()

	tokenMiddleware := middleware.LocalTokenMiddleware(cfg.Local.Token)
	mux.Handle("/ws/local", tokenMiddleware(localDevice))

	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Local.Host, cfg.Local.Port),
		Handler:           loggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// NewMetricsServer creates a new HTTP server for internal metrics and health checks
// This server should not be exposed to the public internet
func NewMetricsServer(cfg *config.Config, deps *handlers.Dependencies) *http.Server {
	mux := http.NewServeMux()

	// Health check endpoints
	mux.HandleFunc("/health", handlers.HealthHandler)
	mux.HandleFunc("/ready", handlers.ReadyHandler(deps))

	// Bridge introspection
	mux.HandleFunc("/status", handlers.StatusHandler(deps))
	mux.HandleFunc("/sessions", handlers.SessionsHandler(deps))

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap ResponseWriter to capture status code
		sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}

		// Serve the request. For a WebSocket this returns when the device
		// disconnects, so the duration is the session length.
		next.ServeHTTP(sw, r)

		// Calculate duration
		duration := time.Since(start)

		// Record metrics
		metrics.HTTPRequestDuration.WithLabelValues(
			r.Method,
			r.URL.Path,
			strconv.Itoa(sw.statusCode),
		).Observe(duration.Seconds())

		metrics.HTTPRequestsTotal.WithLabelValues(
			r.Method,
			r.URL.Path,
			strconv.Itoa(sw.statusCode),
		).Inc()

		// Log the request
		slog.Info("http.request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.statusCode,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code
type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.statusCode = code
	sw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over the connection through the
// wrapper.
func (sw *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	sw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}
