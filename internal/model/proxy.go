// Package model defines shared types for the proxy.
package model

import (
	"net/http"
	"strings"
	"time"
)

// Processor turns one request received from the handler into the response
// written back to it. It is the extension point for inspecting or rewriting
// runtime API traffic; the mock server is agnostic to what it does.
//
// A returned error is translated into an error response for that request
// only. Implementations must be safe for concurrent use: each accepted
// connection calls the processor from its own goroutine.
type Processor func(req *http.Request) (*http.Response, error)

// ProxyStatus is a point-in-time view of a running proxy.
type ProxyStatus struct {
	ListenAddr      string    `json:"listen_addr"`
	RuntimeAPI      string    `json:"runtime_api"`
	HandlerPID      int       `json:"handler_pid"`
	HandlerRunning  bool      `json:"handler_running"`
	HandlerExitCode *int      `json:"handler_exit_code,omitempty"`
	StartedAt       time.Time `json:"started_at"`
}

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// RemoveHopByHopHeaders deletes hop-by-hop headers from h in place, including
// any header named as a token in the Connection header.
func RemoveHopByHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
