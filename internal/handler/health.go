package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"runtime-proxy-go/internal/model"
)

// Version is a string type for dependency injection of the build version.
type Version string

// StatusSource reports the state of the running proxy. ok is false until the
// proxy has been spawned.
type StatusSource interface {
	Status() (status model.ProxyStatus, ok bool)
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	source  StatusSource
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(source StatusSource, v Version) *HealthHandler {
	return &HealthHandler{source: source, version: v}
}

// Healthz reports OK while the handler process is running.
func (h *HealthHandler) Healthz(c echo.Context) error {
	st, ok := h.source.Status()
	switch {
	case !ok:
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "starting",
		})
	case !st.HandlerRunning:
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "handler_exited",
		})
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// statusResponse is the body of the status endpoint.
type statusResponse struct {
	model.ProxyStatus
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	st, ok := h.source.Status()
	if !ok {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status":  "starting",
			"version": string(h.version),
		})
	}
	return c.JSON(http.StatusOK, statusResponse{
		ProxyStatus: st,
		Status:      "ok",
		Version:     string(h.version),
	})
}
