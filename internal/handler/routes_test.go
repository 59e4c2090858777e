package handler

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"runtime-proxy-go/internal/config"
	"runtime-proxy-go/internal/metrics"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	cfg := config.Default()
	cfg.Metrics.Enabled = true
	m := metrics.New()

	e := echo.New()
	RegisterRoutes(e, NewHealthHandler(running(), "test"), cfg, m)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"GET /healthz", http.MethodGet, "/healthz", http.StatusOK},
		{"GET /proxy/status", http.MethodGet, "/proxy/status", http.StatusOK},
		{"GET /metrics", http.MethodGet, "/metrics", http.StatusOK},
		{"GET /unknown returns 404", http.MethodGet, "/unknown", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRegisterRoutes_MetricsDisabled(t *testing.T) {
	cfg := config.Default()

	e := echo.New()
	RegisterRoutes(e, NewHealthHandler(running(), "test"), cfg, metrics.New())

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestRegisterRoutes_MetricsExposition(t *testing.T) {
	cfg := config.Default()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Path = "/custom-metrics"
	m := metrics.New()
	m.UpstreamConnections.Inc()

	e := echo.New()
	RegisterRoutes(e, NewHealthHandler(running(), "test"), cfg, m)

	req := httptest.NewRequest(http.MethodGet, "/custom-metrics", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), "runtime_proxy_upstream_connections_total 1") {
		t.Error("expected runtime_proxy_upstream_connections_total in exposition output")
	}
}

func TestRegisterProcessor_CatchesAllPaths(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var seen []string
	p := NewProcessorHandler(func(r *http.Request) (*http.Response, error) {
		seen = append(seen, r.Method+" "+r.URL.Path)
		return textResponse(http.StatusOK, "ok"), nil
	}, logger)

	e := echo.New()
	RegisterProcessor(e, p)

	for _, tt := range []struct{ method, path string }{
		{http.MethodGet, "/2018-06-01/runtime/invocation/next"},
		{http.MethodPost, "/2018-06-01/runtime/invocation/abc/response"},
		{http.MethodPost, "/2018-06-01/runtime/init/error"},
		{http.MethodGet, "/"},
	} {
		req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s %s: status = %d, want %d", tt.method, tt.path, rec.Code, http.StatusOK)
		}
	}

	if len(seen) != 4 {
		t.Errorf("processor saw %d requests, want 4: %v", len(seen), seen)
	}
}
