package metrics

import (
	"testing"
)

func TestNew_GathersMetrics(t *testing.T) {
	m := New()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	// Should include at least Go runtime and process collectors.
	if len(families) == 0 {
		t.Fatal("expected non-empty metric families from Gather()")
	}

	// Vec metrics only appear once a label combination is used.
	m.RequestsTotal.WithLabelValues("GET", "200", RouteInvocationNext).Inc()
	m.UpstreamConnections.Inc()

	families, err = m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	want := map[string]bool{
		"runtime_proxy_http_requests_total":        false,
		"runtime_proxy_upstream_connections_total": false,
	}
	for _, f := range families {
		if _, ok := want[f.GetName()]; ok {
			want[f.GetName()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("expected %s in gathered metrics", name)
		}
	}
}

func TestNormalizeMethod(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{"GET", "GET"},
		{"POST", "POST"},
		{"PUT", "PUT"},
		{"DELETE", "DELETE"},
		{"PATCH", "PATCH"},
		{"HEAD", "HEAD"},
		{"OPTIONS", "OPTIONS"},
		{"FOOBAR", "other"},
		{"get", "other"},
		{"", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			got := NormalizeMethod(tt.method)
			if got != tt.want {
				t.Errorf("NormalizeMethod(%q) = %q, want %q", tt.method, got, tt.want)
			}
		})
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/2018-06-01/runtime/invocation/next", RouteInvocationNext},
		{"/2021-01-01/runtime/invocation/next", RouteInvocationNext},
		{"/2018-06-01/runtime/invocation/next/", RouteInvocationNext},
		{"/2018-06-01/runtime/invocation/156cb537-e2d4-11e8-9b34-d36013741fb9/response", RouteInvocationResponse},
		{"/2018-06-01/runtime/invocation/156cb537-e2d4-11e8-9b34-d36013741fb9/error", RouteInvocationError},
		{"/2018-06-01/runtime/init/error", RouteInitError},
		{"/2020-01-01/extension/register", RouteExtension},
		{"/2022-07-01/telemetry", RouteTelemetry},
		{"/2020-08-15/logs", RouteTelemetry},
		{"/2018-06-01/runtime/invocation/abc/other", RouteOther},
		{"/runtime/invocation/next", RouteOther},
		{"/healthz", RouteOther},
		{"/", RouteOther},
		{"", RouteOther},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := NormalizePath(tt.path)
			if got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}
