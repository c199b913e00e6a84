package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"
)

// HealthCheck probes one dependency; a nil error means healthy.
type HealthCheck func(ctx context.Context) error

// RouterOptions wires the top-level routes.
type RouterOptions struct {
	API     http.Handler
	Metrics http.Handler
	Checks  map[string]HealthCheck
	Logger  *slog.Logger
}

// NewRouter mounts /api, /metrics and /healthz.
func NewRouter(opts RouterOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	if opts.API != nil {
		mux.Handle("/api/", opts.API)
	} else {
		mux.Handle("/api/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "api unavailable", http.StatusServiceUnavailable)
		}))
	}
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	mux.Handle("GET /healthz", healthHandler(opts.Checks, logger))
	return mux
}

func healthHandler(checks map[string]HealthCheck, logger *slog.Logger) http.Handler {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := "ok"
		results := make(map[string]string, len(names))
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				status = "degraded"
				results[name] = err.Error()
				logger.Warn("health check failed", slog.String("check", name), slog.Any("error", err))
				continue
			}
			results[name] = "ok"
		}

		code := http.StatusOK
		if status != "ok" {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(map[string]any{
			"status":     status,
			"checks":     results,
			"observedAt": time.Now().UTC(),
		}); err != nil {
			logger.Error("health encode failed", slog.Any("error", err))
		}
	})
}
