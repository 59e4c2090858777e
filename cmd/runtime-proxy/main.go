package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"runtime-proxy-go/internal/client"
	"runtime-proxy-go/internal/config"
	"runtime-proxy-go/internal/handler"
	"runtime-proxy-go/internal/metrics"
	"runtime-proxy-go/internal/middleware"
	"runtime-proxy-go/internal/model"
	"runtime-proxy-go/internal/proxy"
	"runtime-proxy-go/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("runtime-proxy"),
		kong.Description("Local runtime API proxy that spawns and fronts a handler process."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newProxy,
			newStatusHolder,
			func(s *statusHolder) handler.StatusSource { return s },
			handler.NewHealthHandler,
			newAdminEcho,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startAdminServer, runProxy),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

// newAdminEcho builds the echo instance serving health, status and metrics.
func newAdminEcho(logger *slog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = 30 * time.Second
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLogger(logger.With("component", "admin")))

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startAdminServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	if !cfg.Admin.Enabled {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Admin.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting admin server", "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("admin server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down admin server")
			return e.Shutdown(ctx)
		},
	})
}

// newProxy builds the proxy. Kong has already taken the handler command out
// of the arguments, so os.Args must not be used as a fallback.
func newProxy(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *proxy.Proxy {
	return proxy.New(cfg, logger, m).WithoutDefaultCommand()
}

// statusHolder exposes the running proxy to the admin endpoints once spawned.
type statusHolder struct {
	running atomic.Pointer[proxy.RunningProxy]
}

func newStatusHolder() *statusHolder {
	return &statusHolder{}
}

func (s *statusHolder) Status() (model.ProxyStatus, bool) {
	rp := s.running.Load()
	if rp == nil {
		return model.ProxyStatus{}, false
	}
	return rp.Status(), true
}

// runProxy spawns the handler behind the mock runtime API and shuts the
// application down with the handler's exit code when it exits.
func runProxy(
	lc fx.Lifecycle,
	shutdowner fx.Shutdowner,
	p *proxy.Proxy,
	holder *statusHolder,
	cfg *config.Config,
	logger *slog.Logger,
	m *metrics.Metrics,
) {
	serveCtx, cancel := context.WithCancel(context.Background())
	var rp *proxy.RunningProxy

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			var err error
			rp, err = p.Spawn(ctx)
			if err != nil {
				return fmt.Errorf("spawn proxy: %w", err)
			}
			holder.running.Store(rp)

			go func() {
				var err error
				if cfg.Log.Invocations {
					forward := func(req *http.Request) (*http.Response, error) {
						return client.Forward(req, cfg, logger, m)
					}
					err = rp.Server.Serve(serveCtx, service.NewInvocationInspector(forward, logger, m).Process)
				} else {
					err = rp.Server.Passthrough(serveCtx)
				}
				if err != nil {
					logger.Error("mock runtime API stopped", "err", err)
				}
			}()

			go func() {
				select {
				case <-rp.Handler.Done():
				case <-serveCtx.Done():
					return
				}
				code := rp.Handler.ExitCode()
				logger.Info("handler exited; shutting down", "exit_code", code)
				if code < 0 {
					code = 1
				}
				if err := shutdowner.Shutdown(fx.ExitCode(code)); err != nil {
					logger.Error("shutdown failed", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			if rp == nil {
				return nil
			}
			if err := rp.Close(); err != nil {
				logger.Warn("closing mock runtime API", "err", err)
			}

			stopCtx, stop := context.WithTimeout(ctx, cfg.Handler.ShutdownGrace())
			defer stop()
			return rp.Handler.Stop(stopCtx)
		},
	})
}
