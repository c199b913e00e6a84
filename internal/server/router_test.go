package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRouterDispatches(t *testing.T) {
	api := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Route", "api")
		w.WriteHeader(http.StatusTeapot)
	})
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})
	router := NewRouter(RouterOptions{API: api, Metrics: metricsHandler, Logger: newTestLogger()})

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{name: "api root", method: http.MethodGet, path: "/api/discoveries", wantStatus: http.StatusTeapot},
		{name: "api nested", method: http.MethodDelete, path: "/api/postcards/p1", wantStatus: http.StatusTeapot},
		{name: "metrics", method: http.MethodGet, path: "/metrics", wantStatus: http.StatusOK},
		{name: "health", method: http.MethodGet, path: "/healthz", wantStatus: http.StatusOK},
		{name: "unknown", method: http.MethodGet, path: "/unknown", wantStatus: http.StatusNotFound},
		{name: "health wrong method", method: http.MethodPost, path: "/healthz", wantStatus: http.StatusMethodNotAllowed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, http.NoBody))
			if rec.Code != tc.wantStatus {
				t.Fatalf("%s %s: expected %d, got %d", tc.method, tc.path, tc.wantStatus, rec.Code)
			}
		})
	}
}

func TestRouterWithoutAPI(t *testing.T) {
	router := NewRouter(RouterOptions{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/discoveries", http.NoBody))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when api unavailable, got %d", rec.Code)
	}
}

func TestHealthReportsFailingChecks(t *testing.T) {
	router := NewRouter(RouterOptions{
		Checks: map[string]HealthCheck{
			"docstore": func(context.Context) error { return nil },
			"session":  func(context.Context) error { return errors.New("connection refused") },
		},
		Logger: newTestLogger(),
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "degraded", body.Status)
	require.Equal(t, "ok", body.Checks["docstore"])
	require.Equal(t, "connection refused", body.Checks["session"])
}
