// Package client provides the upstream HTTP client for the runtime API.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"runtime-proxy-go/internal/config"
	"runtime-proxy-go/internal/metrics"
	"runtime-proxy-go/internal/model"
)

// ErrMissingRuntimeAPI is returned when the runtime API address is not configured.
var ErrMissingRuntimeAPI = fmt.Errorf("%s is not set", config.EnvRuntimeAPI)

// ErrBodyTooLarge is returned when an upstream response exceeds upstream.max_body_bytes.
var ErrBodyTooLarge = errors.New("response body exceeds upstream.max_body_bytes")

// Forwarding operations reported in ForwardError.Op.
const (
	OpDial = "dial"
	OpSend = "send"
	OpRead = "read"
)

// ForwardError describes a failed exchange with the runtime API.
type ForwardError struct {
	Op   string // OpDial, OpSend or OpRead
	Addr string
	Err  error
}

func (e *ForwardError) Error() string {
	return fmt.Sprintf("runtime api %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ForwardError) Unwrap() error { return e.Err }

// RuntimeAPIClient forwards a single request to the runtime API over a
// connection of its own. A client is meant to be used for exactly one
// exchange and then dropped; nothing is shared between clients.
type RuntimeAPIClient struct {
	addr       string
	httpClient *http.Client
	dialer     *net.Dialer
	maxBody    int64
	connected  atomic.Bool
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewRuntimeAPIClient creates a client for the address in AWS_LAMBDA_RUNTIME_API.
// No connection is attempted when the variable is missing.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewRuntimeAPIClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*RuntimeAPIClient, error) {
	addr, ok := os.LookupEnv(config.EnvRuntimeAPI)
	if !ok || addr == "" {
		return nil, ErrMissingRuntimeAPI
	}

	c := &RuntimeAPIClient{
		addr:    addr,
		dialer:  &net.Dialer{Timeout: cfg.Upstream.ConnectTimeout()},
		maxBody: cfg.Upstream.MaxBodyBytes,
		logger:  logger.With("component", "runtime_api_client"),
		metrics: m,
	}
	transport := &http.Transport{
		DialContext:        c.dialContext,
		DisableKeepAlives:  true,
		DisableCompression: true,
		ForceAttemptHTTP2:  false,
	}
	c.httpClient = &http.Client{
		Transport: transport,
		Timeout:   cfg.Upstream.Timeout(),
		// Redirects belong to the handler, not the proxy.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return c, nil
}

// Addr returns the runtime API address the client talks to.
func (c *RuntimeAPIClient) Addr() string {
	return c.addr
}

func (c *RuntimeAPIClient) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := c.dialer.DialContext(ctx, network, addr)
	if err != nil {
		c.logger.Warn("runtime api connection failed", "addr", addr, "err", err)
		return nil, err
	}
	c.connected.Store(true)
	if c.metrics != nil {
		c.metrics.UpstreamConnections.Inc()
	}
	return conn, nil
}

// Forward sends req to the runtime API and returns the response with its body
// fully buffered. Status and headers are relayed unchanged apart from
// hop-by-hop headers. Failures are returned as *ForwardError and never retried.
func (c *RuntimeAPIClient) Forward(req *http.Request) (*http.Response, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	method := metrics.NormalizeMethod(req.Method)

	resp, err := c.httpClient.Do(c.outboundRequest(req))
	if err != nil {
		op := OpSend
		if !c.connected.Load() {
			op = OpDial
		}
		c.observeError(method, start, op)
		return nil, &ForwardError{Op: op, Addr: c.addr, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := readBody(resp.Body, c.maxBody)
	if err != nil {
		c.observeError(method, start, OpRead)
		return nil, &ForwardError{Op: OpRead, Addr: c.addr, Err: err}
	}

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		c.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}

	header := resp.Header.Clone()
	model.RemoveHopByHopHeaders(header)
	if req.Method != http.MethodHead && header.Get("Content-Length") == "" && bodyAllowed(resp.StatusCode) {
		header.Set("Content-Length", strconv.Itoa(len(body)))
	}

	return &http.Response{
		Status:        resp.Status,
		StatusCode:    resp.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}, nil
}

// outboundRequest rewrites a request received by the mock server into a
// client request addressed to the runtime API.
func (c *RuntimeAPIClient) outboundRequest(req *http.Request) *http.Request {
	out := req.Clone(req.Context())
	out.RequestURI = ""
	out.URL = &url.URL{
		Scheme:   "http",
		Host:     c.addr,
		Path:     req.URL.Path,
		RawPath:  req.URL.RawPath,
		RawQuery: req.URL.RawQuery,
	}
	out.Host = c.addr
	model.RemoveHopByHopHeaders(out.Header)
	if _, ok := out.Header["User-Agent"]; !ok {
		// Suppress Go's default User-Agent so the upstream sees what the handler sent.
		out.Header["User-Agent"] = nil
	}
	return out
}

func (c *RuntimeAPIClient) observeError(method string, start time.Time, op string) {
	if c.metrics == nil {
		return
	}
	c.metrics.UpstreamDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	c.metrics.UpstreamErrors.WithLabelValues(op).Inc()
}

// Forward creates an ephemeral RuntimeAPIClient and forwards req with it.
func Forward(req *http.Request, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*http.Response, error) {
	c, err := NewRuntimeAPIClient(cfg, logger, m)
	if err != nil {
		return nil, err
	}
	return c.Forward(req)
}

// readBody reads r to completion, failing once more than limit bytes arrive.
// A non-positive limit disables the check.
func readBody(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, ErrBodyTooLarge
	}
	return body, nil
}

func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}
