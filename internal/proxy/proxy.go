// Package proxy spawns a handler process behind a local mock runtime API.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"runtime-proxy-go/internal/config"
	"runtime-proxy-go/internal/metrics"
	"runtime-proxy-go/internal/model"
	"runtime-proxy-go/internal/process"
	"runtime-proxy-go/internal/server"
)

// ErrMissingCommand is returned when no handler command was given.
var ErrMissingCommand = errors.New("no handler command given")

// Proxy holds the settings used to spawn a RunningProxy.
// The zero port and a nil command are resolved at Spawn.
type Proxy struct {
	port          uint16
	command       *exec.Cmd
	captureOutput bool
	// noArgvCommand disables the DefaultCommand fallback.
	noArgvCommand bool

	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Proxy with the port and command taken from cfg when set.
// m may be nil.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Proxy {
	p := &Proxy{
		port:          uint16(cfg.Server.Port),
		captureOutput: cfg.Handler.CaptureOutput,
		cfg:           cfg,
		logger:        logger,
		metrics:       m,
	}
	if len(cfg.Handler.Command) > 0 {
		cmd, err := CommandFromArgs(cfg.Handler.Command)
		if err != nil {
			// A configured but unusable command must not fall back to argv.
			p.noArgvCommand = true
		}
		p.command = cmd
	}
	return p
}

// WithPort sets the port to listen on.
func (p *Proxy) WithPort(port uint16) *Proxy {
	p.port = port
	return p
}

// WithCommand sets the handler command.
func (p *Proxy) WithCommand(cmd *exec.Cmd) *Proxy {
	p.command = cmd
	return p
}

// WithoutDefaultCommand makes Spawn fail with ErrMissingCommand instead of
// reading the command from os.Args when none was set. Programs that parse
// their own flags use it.
func (p *Proxy) WithoutDefaultCommand() *Proxy {
	p.noArgvCommand = true
	return p
}

// WithCaptureOutput controls whether handler output is relayed into the log.
func (p *Proxy) WithCaptureOutput(capture bool) *Proxy {
	p.captureOutput = capture
	return p
}

// CommandFromArgs builds a command from a program and its arguments.
func CommandFromArgs(args []string) (*exec.Cmd, error) {
	if len(args) == 0 || args[0] == "" {
		return nil, ErrMissingCommand
	}
	return exec.Command(args[0], args[1:]...), nil
}

// DefaultCommand builds the handler command from the process arguments: the
// first argument is the program, the rest are its arguments.
func DefaultCommand() (*exec.Cmd, error) {
	return CommandFromArgs(os.Args[1:])
}

// ResolvePort returns explicit when non-zero, else the port in
// AWS_LAMBDA_RUNTIME_PROXY_PORT when it parses as a port number, else 3000.
func ResolvePort(explicit uint16) uint16 {
	if explicit != 0 {
		return explicit
	}
	if v, ok := os.LookupEnv(config.EnvProxyPort); ok {
		if port, err := strconv.ParseUint(strings.TrimSpace(v), 10, 16); err == nil && port != 0 {
			return uint16(port)
		}
	}
	return config.DefaultPort
}

// Spawn binds the mock runtime API and then starts the handler with
// AWS_LAMBDA_RUNTIME_API pointing at it, so the listener is ready before the
// handler can connect. Nothing is started if binding fails; the listener is
// closed if the handler cannot be started. A done ctx fails before anything
// is bound.
func (p *Proxy) Spawn(ctx context.Context) (*RunningProxy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	port := ResolvePort(p.port)

	cmd := p.command
	if cmd == nil {
		if p.noArgvCommand {
			return nil, ErrMissingCommand
		}
		var err error
		if cmd, err = DefaultCommand(); err != nil {
			return nil, err
		}
	}

	srv, err := server.Bind(port, p.cfg, p.logger, p.metrics)
	if err != nil {
		return nil, err
	}
	cmd.Env = handlerEnv(cmd.Env, p.cfg.Handler.Env, srv.Addr().String())

	h, err := process.Start(cmd, process.Options{CaptureOutput: p.captureOutput}, p.logger)
	if err != nil {
		_ = srv.Close()
		return nil, fmt.Errorf("spawn handler: %w", err)
	}

	p.logger.Info("proxy spawned",
		"listen_addr", srv.Addr().String(),
		"handler_pid", h.Pid(),
	)
	return &RunningProxy{
		Server:     srv,
		Handler:    h,
		runtimeAPI: os.Getenv(config.EnvRuntimeAPI),
		startedAt:  time.Now(),
	}, nil
}

// handlerEnv returns base (or the proxy's environment when base is nil) with
// extra applied and AWS_LAMBDA_RUNTIME_API set to addr.
func handlerEnv(base []string, extra map[string]string, addr string) []string {
	if base == nil {
		base = os.Environ()
	}
	override := make(map[string]string, len(extra)+1)
	for k, v := range extra {
		override[k] = v
	}
	override[config.EnvRuntimeAPI] = addr

	env := make([]string, 0, len(base)+len(override))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := override[k]; ok {
			continue
		}
		env = append(env, kv)
	}
	for k, v := range override {
		env = append(env, k+"="+v)
	}
	return env
}

// RunningProxy is a bound mock runtime API together with the handler process
// connected to it. Close stops the listener only; the handler keeps running
// until it is stopped through Handler.
type RunningProxy struct {
	Server  *server.MockServer
	Handler *process.Handle

	runtimeAPI string
	startedAt  time.Time
	closeOnce  sync.Once
	closeErr   error
}

// Status reports the listen address and handler state.
func (r *RunningProxy) Status() model.ProxyStatus {
	st := model.ProxyStatus{
		ListenAddr:     r.Server.Addr().String(),
		RuntimeAPI:     r.runtimeAPI,
		HandlerPID:     r.Handler.Pid(),
		HandlerRunning: r.Handler.Running(),
		StartedAt:      r.startedAt,
	}
	if !st.HandlerRunning {
		code := r.Handler.ExitCode()
		st.HandlerExitCode = &code
	}
	return st
}

// Close closes the mock server listener. It is safe to call more than once.
func (r *RunningProxy) Close() error {
	r.closeOnce.Do(func() {
		if err := r.Server.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			r.closeErr = err
		}
	})
	return r.closeErr
}
