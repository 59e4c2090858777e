// Package handler provides the Echo handlers of the proxy: the processor
// adapter used by the mock runtime API server and the admin endpoints.
package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"

	"runtime-proxy-go/internal/client"
	"runtime-proxy-go/internal/model"
)

// errNilResponse is reported when a processor returns neither a response nor an error.
var errNilResponse = errors.New("processor returned a nil response")

// ProcessorHandler runs a model.Processor for each request and writes its
// response back to the handler process.
type ProcessorHandler struct {
	processor model.Processor
	logger    *slog.Logger
}

// NewProcessorHandler creates a ProcessorHandler.
func NewProcessorHandler(p model.Processor, logger *slog.Logger) *ProcessorHandler {
	return &ProcessorHandler{
		processor: p,
		logger:    logger.With("component", "processor_handler"),
	}
}

// Handle passes the request to the processor and relays the response.
func (h *ProcessorHandler) Handle(c echo.Context) error {
	req := c.Request()

	resp, err := h.processor(req)
	if err == nil && resp == nil {
		err = errNilResponse
	}
	if err != nil {
		return h.mapError(c, err)
	}
	if resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
	}

	header := c.Response().Header()
	for key, vals := range resp.Header {
		for _, v := range vals {
			header.Add(key, v)
		}
	}
	model.RemoveHopByHopHeaders(header)
	// A nil entry stops net/http from sniffing a Content-Type the upstream never sent.
	if _, ok := resp.Header["Content-Type"]; !ok {
		header["Content-Type"] = nil
	}
	c.Response().WriteHeader(resp.StatusCode)

	if resp.Body == nil {
		return nil
	}
	// The status line is already out; a copy failure can only truncate the body.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("writing response body",
			"err", err,
			"path", req.URL.Path,
		)
	}
	return nil
}

func (h *ProcessorHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("processor error",
		"err", err,
		"method", c.Request().Method,
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, client.ErrMissingRuntimeAPI) {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "runtime API address is not configured",
		})
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}
	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}
	if errors.Is(err, client.ErrBodyTooLarge) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream response too large",
		})
	}
	var fe *client.ForwardError
	if errors.As(err, &fe) && fe.Op == client.OpDial {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}
	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}
