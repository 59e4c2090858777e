// Package service implements request processors that sit between the handler
// process and the runtime API.
package service

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"runtime-proxy-go/internal/metrics"
	"runtime-proxy-go/internal/model"
)

// Runtime API headers inspected by the InvocationInspector.
const (
	HeaderRequestID   = "Lambda-Runtime-Aws-Request-Id"
	HeaderDeadline    = "Lambda-Runtime-Deadline-Ms"
	HeaderFunctionARN = "Lambda-Runtime-Invoked-Function-Arn"
	HeaderTraceID     = "Lambda-Runtime-Trace-Id"
	HeaderErrorType   = "Lambda-Runtime-Function-Error-Type"
)

// Invocation outcomes used as metric label values.
const (
	OutcomeSuccess   = "success"
	OutcomeError     = "error"
	OutcomeInitError = "init_error"
	OutcomeRejected  = "rejected"
	OutcomeAbandoned = "abandoned"
)

// maxInvocationAge bounds how long an invocation without a deadline is
// tracked. It matches the longest timeout the runtime allows.
const maxInvocationAge = 15 * time.Minute

type invocation struct {
	start    time.Time
	deadline time.Time
}

// InvocationInspector wraps a processor and logs the invocation lifecycle it
// observes. Requests and responses pass through unchanged.
type InvocationInspector struct {
	next    model.Processor
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	inflight map[string]invocation
}

// NewInvocationInspector creates an InvocationInspector in front of next.
// m may be nil.
func NewInvocationInspector(next model.Processor, logger *slog.Logger, m *metrics.Metrics) *InvocationInspector {
	return &InvocationInspector{
		next:     next,
		logger:   logger.With("component", "invocation_inspector"),
		metrics:  m,
		inflight: make(map[string]invocation),
	}
}

// Process satisfies model.Processor.
func (i *InvocationInspector) Process(req *http.Request) (*http.Response, error) {
	route := metrics.NormalizePath(req.URL.Path)
	// Read before forwarding; the request may be consumed by next.
	errorType := req.Header.Get(HeaderErrorType)

	resp, err := i.next(req)
	if err != nil || resp == nil {
		return resp, err
	}

	switch route {
	case metrics.RouteInvocationNext:
		i.started(resp)
	case metrics.RouteInvocationResponse:
		i.finished(invocationID(req.URL.Path), OutcomeSuccess, resp.StatusCode, "")
	case metrics.RouteInvocationError:
		i.finished(invocationID(req.URL.Path), OutcomeError, resp.StatusCode, errorType)
	case metrics.RouteInitError:
		i.logger.Error("handler reported init error",
			"error_type", errorType,
			"status", resp.StatusCode,
		)
		i.record(OutcomeInitError, 0)
	}
	return resp, nil
}

// started records the event handed out by a successful invocation/next.
func (i *InvocationInspector) started(resp *http.Response) {
	if resp.StatusCode != http.StatusOK {
		return
	}
	id := resp.Header.Get(HeaderRequestID)
	if id == "" {
		i.logger.Warn("invocation event without request id")
		return
	}

	now := time.Now()
	inv := invocation{start: now}
	if ms, err := strconv.ParseInt(resp.Header.Get(HeaderDeadline), 10, 64); err == nil {
		inv.deadline = time.UnixMilli(ms)
	}

	i.mu.Lock()
	abandoned := i.evictLocked(now)
	i.inflight[id] = inv
	i.mu.Unlock()

	for abandonedID, old := range abandoned {
		i.logger.Warn("invocation abandoned",
			"request_id", abandonedID,
			"outcome", OutcomeAbandoned,
			"duration_ms", now.Sub(old.start).Milliseconds(),
		)
		i.record(OutcomeAbandoned, 0)
	}

	attrs := []any{"request_id", id}
	if v := resp.Header.Get(HeaderDeadline); v != "" {
		attrs = append(attrs, "deadline_ms", v)
	}
	if v := resp.Header.Get(HeaderFunctionARN); v != "" {
		attrs = append(attrs, "function_arn", v)
	}
	if v := resp.Header.Get(HeaderTraceID); v != "" {
		attrs = append(attrs, "trace_id", v)
	}
	i.logger.Info("invocation started", attrs...)
}

// finished logs the result the handler posted for invocation id.
func (i *InvocationInspector) finished(id, outcome string, status int, errorType string) {
	if status < 200 || status > 299 {
		outcome = OutcomeRejected
	}

	i.mu.Lock()
	inv, ok := i.inflight[id]
	delete(i.inflight, id)
	i.mu.Unlock()

	var d time.Duration
	if ok {
		d = time.Since(inv.start)
	}

	attrs := []any{
		"request_id", id,
		"outcome", outcome,
		"status", status,
	}
	if ok {
		attrs = append(attrs, "duration_ms", d.Milliseconds())
	}
	if errorType != "" {
		attrs = append(attrs, "error_type", errorType)
	}

	if outcome == OutcomeSuccess {
		i.logger.Info("invocation finished", attrs...)
	} else {
		i.logger.Warn("invocation finished", attrs...)
	}
	i.record(outcome, d)
}

// evictLocked removes and returns the invocations that can no longer finish:
// those past their deadline, or older than maxInvocationAge when none was
// given. Callers hold i.mu.
func (i *InvocationInspector) evictLocked(now time.Time) map[string]invocation {
	var out map[string]invocation
	for id, inv := range i.inflight {
		expired := now.Sub(inv.start) > maxInvocationAge
		if !inv.deadline.IsZero() {
			expired = now.After(inv.deadline)
		}
		if !expired {
			continue
		}
		if out == nil {
			out = make(map[string]invocation)
		}
		out[id] = inv
		delete(i.inflight, id)
	}
	return out
}

func (i *InvocationInspector) record(outcome string, d time.Duration) {
	if i.metrics == nil {
		return
	}
	i.metrics.InvocationsTotal.WithLabelValues(outcome).Inc()
	if d > 0 {
		i.metrics.InvocationDuration.Observe(d.Seconds())
	}
}

// InFlight returns the number of invocations started but not yet finished.
func (i *InvocationInspector) InFlight() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.inflight)
}

// invocationID extracts <id> from /<version>/runtime/invocation/<id>/<action>.
func invocationID(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 5 {
		return ""
	}
	return parts[3]
}
