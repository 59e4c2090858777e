// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	// EnvRuntimeAPI holds the host:port of the runtime control API. It is read
	// by the upstream client and set on the handler process to the proxy address.
	EnvRuntimeAPI = "AWS_LAMBDA_RUNTIME_API"

	// EnvProxyPort optionally overrides the port the proxy listens on.
	EnvProxyPort = "AWS_LAMBDA_RUNTIME_PROXY_PORT"

	// DefaultPort is used when neither config nor EnvProxyPort set a port.
	DefaultPort = 3000
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/runtime-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config    string   `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Port      int      `kong:"short='p',help='Proxy listen port (overrides config and AWS_LAMBDA_RUNTIME_PROXY_PORT).'"`
	LogLevel  string   `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	AdminPort int      `kong:"help='Admin listen port; enables the admin server (overrides config).'"`
	Command   []string `kong:"arg,optional,passthrough,help='Handler command and its arguments.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Handler  HandlerConfig  `toml:"handler"`
	Log      LogConfig      `toml:"log"`
	Admin    AdminConfig    `toml:"admin"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds settings of the local mock runtime API server.
type ServerConfig struct {
	Port                     int             `toml:"port"` // 0 means "resolve from AWS_LAMBDA_RUNTIME_PROXY_PORT, then 3000"
	BodyMaxBytes             int64           `toml:"body_max_bytes"`
	ReadHeaderTimeoutSeconds int             `toml:"read_header_timeout_seconds"`
	IdleTimeoutSeconds       int             `toml:"idle_timeout_seconds"` // 0 keeps idle handler connections open
	RateLimit                RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls request rate limiting on the mock server.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds settings for connections to the real runtime API.
type UpstreamConfig struct {
	ConnectTimeoutMs int   `toml:"connect_timeout_ms"`
	TimeoutSeconds   int   `toml:"timeout_seconds"` // 0 disables; invocation/next is a long poll
	MaxBodyBytes     int64 `toml:"max_body_bytes"`
}

// HandlerConfig holds settings for the handler child process.
type HandlerConfig struct {
	Command              []string          `toml:"command"`
	Env                  map[string]string `toml:"env"`
	CaptureOutput        bool              `toml:"capture_output"`
	ShutdownGraceSeconds int               `toml:"shutdown_grace_seconds"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level       string `toml:"level"`
	Format      string `toml:"format"`
	Invocations bool   `toml:"invocations"`
}

// AdminConfig holds settings for the health/status/metrics server.
type AdminConfig struct {
	Enabled bool   `toml:"enabled"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/runtime-proxy/config.toml then configs/config.toml. Unlike an explicit
// path, a missing search-path file is not an error: the proxy runs on defaults.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// Default returns a validated configuration with every field defaulted.
func Default() *Config {
	var cfg Config
	cfg.setDefaults()
	return &cfg
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.AdminPort != 0 {
		c.Admin.Enabled = true
		c.Admin.Port = cli.AdminPort
	}
	if len(cli.Command) > 0 {
		c.Handler.Command = cli.Command
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.ReadHeaderTimeoutSeconds < 0 {
		return fmt.Errorf("server.read_header_timeout_seconds must be non-negative; got %d", c.Server.ReadHeaderTimeoutSeconds)
	}
	if c.Server.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("server.idle_timeout_seconds must be non-negative; got %d", c.Server.IdleTimeoutSeconds)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.Upstream.ConnectTimeoutMs < 0 {
		return fmt.Errorf("upstream.connect_timeout_ms must be non-negative; got %d", c.Upstream.ConnectTimeoutMs)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.MaxBodyBytes < 0 {
		return fmt.Errorf("upstream.max_body_bytes must be non-negative; got %d", c.Upstream.MaxBodyBytes)
	}
	if c.Handler.ShutdownGraceSeconds < 0 {
		return fmt.Errorf("handler.shutdown_grace_seconds must be non-negative; got %d", c.Handler.ShutdownGraceSeconds)
	}
	if len(c.Handler.Command) > 0 && strings.TrimSpace(c.Handler.Command[0]) == "" {
		return fmt.Errorf("handler.command must start with a program name; got %q", c.Handler.Command)
	}
	for k := range c.Handler.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return fmt.Errorf("handler.env contains invalid variable name %q", k)
		}
		if k == EnvRuntimeAPI {
			return fmt.Errorf("handler.env must not set %s; the proxy injects it", EnvRuntimeAPI)
		}
	}
	if c.Admin.Port < 0 || c.Admin.Port > 65535 {
		return fmt.Errorf("admin.port must be 0–65535; got %d", c.Admin.Port)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// Server.Port is deliberately left alone: zero defers to the environment and
// is resolved when the proxy is spawned.
func (c *Config) setDefaults() {
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Server.ReadHeaderTimeoutSeconds == 0 {
		c.Server.ReadHeaderTimeoutSeconds = 10
	}
	if c.Upstream.ConnectTimeoutMs == 0 {
		c.Upstream.ConnectTimeoutMs = 5000
	}
	if c.Upstream.MaxBodyBytes == 0 {
		c.Upstream.MaxBodyBytes = 16 * 1024 * 1024 // 16 MiB
	}
	if c.Handler.ShutdownGraceSeconds == 0 {
		c.Handler.ShutdownGraceSeconds = 5
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Admin.Host == "" {
		c.Admin.Host = "127.0.0.1"
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 9090
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the admin listen address as host:port.
func (c *AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ReadHeaderTimeout returns the time allowed to read request headers.
func (c *ServerConfig) ReadHeaderTimeout() time.Duration {
	return time.Duration(c.ReadHeaderTimeoutSeconds) * time.Second
}

// IdleTimeout returns how long an idle handler connection is kept; zero means forever.
func (c *ServerConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// ConnectTimeout returns the upstream dial timeout.
func (c *UpstreamConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

// Timeout returns the overall upstream exchange timeout; zero means none.
func (c *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ShutdownGrace returns how long the handler gets between SIGTERM and SIGKILL.
func (c *HandlerConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
