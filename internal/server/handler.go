package server

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/fabflow/config"
)

// HealthCheck checks one dependency.
type HealthCheck func(ctx context.Context) error

// HandlerOptions configures the ops handler.
type HandlerOptions struct {
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	// Checks are run by /healthz, keyed by dependency name.
	Checks map[string]HealthCheck
	// Status, when set, is served as JSON on /status.
	Status func() any
	// CheckTimeout bounds each health check.
	CheckTimeout time.Duration
	// Logger receives request and panic logs; nil discards them.
	Logger *zap.Logger
	// Tracer traces requests; nil uses the global provider.
	Tracer trace.Tracer
	// JWT, when enabled, guards every route except /healthz and /metrics.
	JWT config.JWTConfig
}

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// NewHandler builds the ops mux: /metrics, /healthz and optionally /status,
// behind recovery, request id, security header, tracing and logging
// middleware.
func NewHandler(opts HandlerOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	timeout := opts.CheckTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{Status: "ok"}
		code := http.StatusOK
		if len(opts.Checks) > 0 {
			resp.Checks = make(map[string]string, len(opts.Checks))
		}
		for _, name := range slices.Sorted(maps.Keys(opts.Checks)) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			err := opts.Checks[name](ctx)
			cancel()
			if err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "unhealthy"
				code = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
		writeJSON(w, code, resp)
	})
	if opts.Status != nil {
		mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, opts.Status())
		})
	}
	middlewares := []Middleware{
		Recovery(logger),
		RequestID(),
		SecurityHeaders(),
		Tracing(opts.Tracer),
		RequestLogger(logger),
	}
	if opts.JWT.Enabled {
		middlewares = append(middlewares, JWTAuth(opts.JWT, []string{"/healthz", "/metrics"}, logger))
	}
	return Chain(mux, middlewares...)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
