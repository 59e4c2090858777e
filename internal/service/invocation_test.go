package service

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"runtime-proxy-go/internal/metrics"
)

// upstream fakes the runtime API for the inspector.
func upstream(status int, header http.Header) func(*http.Request) (*http.Response, error) {
	return func(*http.Request) (*http.Response, error) {
		if header == nil {
			header = http.Header{}
		}
		return &http.Response{
			StatusCode: status,
			Header:     header,
			Body:       io.NopCloser(strings.NewReader("{}")),
		}, nil
	}
}

func invocationCount(t *testing.T, m *metrics.Metrics, outcome string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != "runtime_proxy_invocations_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "outcome" && lp.GetValue() == outcome {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestInvocationInspector_Lifecycle(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	m := metrics.New()

	next := upstream(http.StatusOK, http.Header{
		HeaderRequestID:   {"req-1"},
		HeaderDeadline:    {"1700000000000"},
		HeaderFunctionARN: {"arn:aws:lambda:us-east-1:123456789012:function:fn"},
	})
	insp := NewInvocationInspector(next, logger, m)

	resp, err := insp.Process(httptest.NewRequest(http.MethodGet, "/2018-06-01/runtime/invocation/next", http.NoBody))
	if err != nil {
		t.Fatalf("Process(next) error = %v", err)
	}
	if resp.Header.Get(HeaderRequestID) != "req-1" {
		t.Error("response header changed by inspector")
	}
	if insp.InFlight() != 1 {
		t.Errorf("InFlight() = %d, want 1", insp.InFlight())
	}

	insp.next = upstream(http.StatusAccepted, nil)
	if _, err := insp.Process(httptest.NewRequest(http.MethodPost, "/2018-06-01/runtime/invocation/req-1/response", strings.NewReader("ok"))); err != nil {
		t.Fatalf("Process(response) error = %v", err)
	}
	if insp.InFlight() != 0 {
		t.Errorf("InFlight() = %d, want 0", insp.InFlight())
	}
	if got := invocationCount(t, m, OutcomeSuccess); got != 1 {
		t.Errorf("success invocations = %v, want 1", got)
	}

	out := logs.String()
	for _, want := range []string{
		`msg="invocation started"`,
		"request_id=req-1",
		"deadline_ms=1700000000000",
		"function_arn=arn:aws:lambda:us-east-1:123456789012:function:fn",
		`msg="invocation finished"`,
		"outcome=success",
		"duration_ms=",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("logs missing %q:\n%s", want, out)
		}
	}
}

func TestInvocationInspector_EvictsExpiredInvocations(t *testing.T) {
	var logs bytes.Buffer
	m := metrics.New()
	insp := NewInvocationInspector(nil, slog.New(slog.NewTextHandler(&logs, nil)), m)

	next := func(id, deadline string) {
		t.Helper()
		insp.next = upstream(http.StatusOK, http.Header{
			HeaderRequestID: {id},
			HeaderDeadline:  {deadline},
		})
		if _, err := insp.Process(httptest.NewRequest(http.MethodGet, "/2018-06-01/runtime/invocation/next", http.NoBody)); err != nil {
			t.Fatalf("Process(next %s) error = %v", id, err)
		}
	}
	future := strconv.FormatInt(time.Now().Add(time.Hour).UnixMilli(), 10)

	// req-1 expired long ago and was never answered.
	next("req-1", "1000")
	next("req-2", future)
	next("req-3", future)

	if insp.InFlight() != 2 {
		t.Errorf("InFlight() = %d, want 2", insp.InFlight())
	}
	if got := invocationCount(t, m, OutcomeAbandoned); got != 1 {
		t.Errorf("abandoned invocations = %v, want 1", got)
	}
	if !strings.Contains(logs.String(), "request_id=req-1 outcome=abandoned") {
		t.Errorf("logs missing abandoned req-1:\n%s", logs.String())
	}
}

func TestInvocationInspector_Outcomes(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		status  int
		outcome string
	}{
		{"error", "/2018-06-01/runtime/invocation/abc/error", http.StatusAccepted, OutcomeError},
		{"rejected response", "/2018-06-01/runtime/invocation/abc/response", http.StatusBadRequest, OutcomeRejected},
		{"init error", "/2018-06-01/runtime/init/error", http.StatusAccepted, OutcomeInitError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New()
			insp := NewInvocationInspector(upstream(tt.status, nil), slog.New(slog.NewTextHandler(io.Discard, nil)), m)

			req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader("{}"))
			req.Header.Set(HeaderErrorType, "Runtime.Unknown")
			resp, err := insp.Process(req)
			if err != nil {
				t.Fatalf("Process() error = %v", err)
			}
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if got := invocationCount(t, m, tt.outcome); got != 1 {
				t.Errorf("%s invocations = %v, want 1", tt.outcome, got)
			}
		})
	}
}

func TestInvocationInspector_PassesErrorsThrough(t *testing.T) {
	m := metrics.New()
	wantErr := errors.New("upstream down")
	insp := NewInvocationInspector(func(*http.Request) (*http.Response, error) {
		return nil, wantErr
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), m)

	_, err := insp.Process(httptest.NewRequest(http.MethodGet, "/2018-06-01/runtime/invocation/next", http.NoBody))
	if !errors.Is(err, wantErr) {
		t.Errorf("Process() error = %v, want %v", err, wantErr)
	}
	if insp.InFlight() != 0 {
		t.Errorf("InFlight() = %d, want 0", insp.InFlight())
	}
}

func TestInvocationInspector_IgnoresOtherRoutes(t *testing.T) {
	m := metrics.New()
	var seen string
	insp := NewInvocationInspector(func(r *http.Request) (*http.Response, error) {
		seen = r.URL.Path
		return upstream(http.StatusOK, nil)(r)
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), m)

	if _, err := insp.Process(httptest.NewRequest(http.MethodPost, "/2020-01-01/extension/register", http.NoBody)); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if seen != "/2020-01-01/extension/register" {
		t.Errorf("next saw %q", seen)
	}
	if got := invocationCount(t, m, OutcomeSuccess); got != 0 {
		t.Errorf("success invocations = %v, want 0", got)
	}
}

func TestInvocationID(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/2018-06-01/runtime/invocation/abc-123/response", "abc-123"},
		{"/2018-06-01/runtime/invocation/abc-123/error", "abc-123"},
		{"/2018-06-01/runtime/invocation/next", ""},
		{"/", ""},
	}
	for _, tt := range tests {
		if got := invocationID(tt.path); got != tt.want {
			t.Errorf("invocationID(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
