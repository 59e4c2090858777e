package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"runtime-proxy-go/internal/config"
	"runtime-proxy-go/internal/metrics"
)

// RegisterRoutes wires the admin handlers onto the Echo instance.
// The metrics endpoint is only mounted when metrics are enabled.
func RegisterRoutes(e *echo.Echo, health *HealthHandler, cfg *config.Config, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}

// RegisterProcessor routes every request on the mock server to the processor.
func RegisterProcessor(e *echo.Echo, p *ProcessorHandler) {
	e.Any("/*", p.Handle)
}
