// Package server implements the local mock runtime API that handler
// processes connect to.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"runtime-proxy-go/internal/client"
	"runtime-proxy-go/internal/config"
	"runtime-proxy-go/internal/handler"
	"runtime-proxy-go/internal/metrics"
	"runtime-proxy-go/internal/middleware"
	"runtime-proxy-go/internal/model"
)

// Host is the only interface the mock server listens on.
const Host = "127.0.0.1"

const maxAcceptBackoff = time.Second

// MockServer accepts handler connections on a local port and serves each of
// them on its own goroutine.
type MockServer struct {
	listener net.Listener
	cfg      *config.Config
	base     *slog.Logger
	logger   *slog.Logger
	metrics  *metrics.Metrics
	limiter  echomw.RateLimiterStore
}

// Bind listens on 127.0.0.1:port. It fails if the port is already in use.
// m may be nil.
func Bind(port uint16, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*MockServer, error) {
	addr := net.JoinHostPort(Host, fmt.Sprint(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}

	s := &MockServer{
		listener: ln,
		cfg:      cfg,
		base:     logger,
		logger:   logger.With("component", "mock_server", "addr", ln.Addr().String()),
		metrics:  m,
	}
	// Shared by every connection so the limit applies to the whole server.
	if cfg.Server.RateLimit.Enabled {
		s.limiter = echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
	}
	s.logger.Info("mock runtime API listening")
	return s, nil
}

// Addr returns the bound address.
func (s *MockServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the bound port.
func (s *MockServer) Port() uint16 {
	return uint16(s.listener.Addr().(*net.TCPAddr).Port)
}

// Close stops accepting connections. Connections already accepted keep
// being served until the handler closes them.
func (s *MockServer) Close() error {
	return s.listener.Close()
}

// HandleNext accepts one connection and serves it in the background with p.
// It returns once the connection is accepted; accept errors are returned.
func (s *MockServer) HandleNext(p model.Processor) error {
	conn, err := s.listener.Accept()
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}

	id := uuid.NewString()
	logger := s.logger.With("conn_id", id, "remote", conn.RemoteAddr().String())
	if s.metrics != nil {
		s.metrics.ConnectionsAccepted.Inc()
		s.metrics.ConnectionsActive.Inc()
	}
	logger.Debug("connection accepted")

	go s.serveConn(conn, id, p, logger)
	return nil
}

// serveConn serves HTTP/1.1 on conn until the peer or the idle timeout closes it.
func (s *MockServer) serveConn(conn net.Conn, id string, p model.Processor, logger *slog.Logger) {
	defer func() {
		if s.metrics != nil {
			s.metrics.ConnectionsActive.Dec()
		}
		logger.Debug("connection closed")
	}()

	srv := &http.Server{
		Handler:           s.newEcho(p),
		ReadHeaderTimeout: s.cfg.Server.ReadHeaderTimeout(),
		IdleTimeout:       s.cfg.Server.IdleTimeout(),
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		ConnContext: func(ctx context.Context, _ net.Conn) context.Context {
			return middleware.WithConnID(ctx, id)
		},
	}
	if err := srv.Serve(newConnListener(conn)); err != nil && !errors.Is(err, net.ErrClosed) {
		logger.Warn("connection serve error", "err", err)
	}
}

// newEcho builds the request pipeline for one connection.
func (s *MockServer) newEcho(p model.Processor) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(echomw.Recover())
	e.Use(middleware.StripHopByHop())
	e.Use(middleware.RequestLogger(s.logger))
	if s.metrics != nil {
		e.Use(middleware.MetricsMiddleware(s.metrics))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", s.cfg.Server.BodyMaxBytes)))
	if s.limiter != nil {
		e.Use(echomw.RateLimiter(s.limiter))
	}

	handler.RegisterProcessor(e, handler.NewProcessorHandler(p, s.base))
	return e
}

// Serve accepts connections and serves each with p until ctx is done or the
// listener is closed, in which case it returns nil. Other accept errors are
// logged and retried with a capped backoff.
func (s *MockServer) Serve(ctx context.Context, p model.Processor) error {
	stop := context.AfterFunc(ctx, func() { _ = s.listener.Close() })
	defer stop()

	var backoff time.Duration
	for {
		err := s.HandleNext(p)
		if err == nil {
			backoff = 0
			continue
		}
		if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
			s.logger.Info("mock runtime API stopped accepting")
			return nil
		}

		if s.metrics != nil {
			s.metrics.AcceptErrors.Inc()
		}
		if backoff == 0 {
			backoff = 5 * time.Millisecond
		} else {
			backoff = min(backoff*2, maxAcceptBackoff)
		}
		s.logger.Error("accept failed", "err", err, "retry_in", backoff)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
	}
}

// Passthrough serves every request by forwarding it unchanged to the runtime
// API over a fresh upstream connection.
func (s *MockServer) Passthrough(ctx context.Context) error {
	return s.Serve(ctx, func(req *http.Request) (*http.Response, error) {
		return client.Forward(req, s.cfg, s.base, s.metrics)
	})
}

// connListener hands out a single connection, then blocks until that
// connection is closed so http.Server keeps serving it.
type connListener struct {
	conn   net.Conn
	once   sync.Once
	closed chan struct{}
}

func newConnListener(c net.Conn) *connListener {
	l := &connListener{closed: make(chan struct{})}
	l.conn = &trackedConn{Conn: c, closed: l.closed}
	return l
}

func (l *connListener) Accept() (net.Conn, error) {
	var conn net.Conn
	l.once.Do(func() { conn = l.conn })
	if conn != nil {
		return conn, nil
	}
	<-l.closed
	return nil, net.ErrClosed
}

func (l *connListener) Close() error   { return nil }
func (l *connListener) Addr() net.Addr { return l.conn.LocalAddr() }

// trackedConn signals its listener when closed.
type trackedConn struct {
	net.Conn
	once   sync.Once
	closed chan struct{}
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() { close(c.closed) })
	return err
}
