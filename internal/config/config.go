// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/api-proxy/config.toml",
	"configs/config.toml",
}

// Routing modes for paths that match no configured prefix.
const (
	ModeRestrictive = "restrictive"
	ModePermissive  = "permissive"
)

// ReservedPaths are served locally and can never be claimed by a route prefix.
var ReservedPaths = []string{"/", "/index.html", "/healthz", "/proxy/status"}

// DefaultRoutes is the built-in route table used when the config file declares none.
var DefaultRoutes = []RouteConfig{
	{Prefix: "/openai", Origin: "api.openai.com", StripPrefix: true},
	{Prefix: "/claude", Origin: "api.claude.com", StripPrefix: true},
	{Prefix: "/groq", Origin: "api.groq.com", StripPrefix: true},
	{Prefix: "/openrouter.ai", Origin: "api.openrouter.ai", StripPrefix: true},
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Mode     string `kong:"help='Unmatched path policy: restrictive|permissive (overrides config).',env='PROXY_MODE'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Routes   []RouteConfig  `toml:"routes"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Tracing  TracingConfig  `toml:"tracing"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`           // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64  `toml:"body_max_bytes"` // -1 disables the limit

	// ReadTimeoutSeconds bounds reading a whole request, body included. -1 disables it.
	ReadTimeoutSeconds int             `toml:"read_timeout_seconds"`
	RateLimit          RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// ProxyConfig holds routing policy.
type ProxyConfig struct {
	Mode string `toml:"mode"`
}

// RouteConfig maps an inbound path prefix to an upstream origin (host[:port]).
type RouteConfig struct {
	Prefix      string `toml:"prefix"`
	Origin      string `toml:"origin"`
	StripPrefix bool   `toml:"strip_prefix"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	DialTimeoutSeconds           int                  `toml:"dial_timeout_seconds"`
	TLSHandshakeTimeoutSeconds   int                  `toml:"tls_handshake_timeout_seconds"`
	ResponseHeaderTimeoutSeconds int                  `toml:"response_header_timeout_seconds"`
	IdleConnections              int                  `toml:"idle_connections"`
	CircuitBreaker               CircuitBreakerConfig `toml:"circuit_breaker"`
}

// CircuitBreakerConfig controls the optional per-origin circuit breaker.
type CircuitBreakerConfig struct {
	Enabled      bool    `toml:"enabled"`
	MinRequests  int     `toml:"min_requests"`
	FailureRatio float64 `toml:"failure_ratio"`
	OpenSeconds  int     `toml:"open_seconds"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled      bool    `toml:"enabled"`
	Endpoint     string  `toml:"endpoint"`
	SamplingRate float64 `toml:"sampling_rate"`
	ServiceName  string  `toml:"service_name"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/api-proxy/config.toml then configs/config.toml and falls back to
// built-in defaults if neither exists.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
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

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Mode != "" {
		c.Proxy.Mode = cli.Mode
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Proxy.Mode) {
	case ModeRestrictive, ModePermissive, "":
		// valid
	default:
		return fmt.Errorf("proxy.mode must be one of: restrictive, permissive; got %q", c.Proxy.Mode)
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	// -1 is the "disabled" sentinel for these two; TOML cannot express "unset" as 0.
	if c.Server.BodyMaxBytes < -1 {
		return fmt.Errorf("server.body_max_bytes must be -1 (no limit) or non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.ReadTimeoutSeconds < -1 {
		return fmt.Errorf("server.read_timeout_seconds must be -1 (no timeout) or non-negative; got %d", c.Server.ReadTimeoutSeconds)
	}
	for _, f := range []struct {
		key string
		val int64
	}{
		{"upstream.dial_timeout_seconds", int64(c.Upstream.DialTimeoutSeconds)},
		{"upstream.tls_handshake_timeout_seconds", int64(c.Upstream.TLSHandshakeTimeoutSeconds)},
		{"upstream.response_header_timeout_seconds", int64(c.Upstream.ResponseHeaderTimeoutSeconds)},
		{"upstream.idle_connections", int64(c.Upstream.IdleConnections)},
	} {
		if f.val < 0 {
			return fmt.Errorf("%s must be non-negative; got %d", f.key, f.val)
		}
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if cb := c.Upstream.CircuitBreaker; cb.Enabled {
		if cb.MinRequests < 0 {
			return fmt.Errorf("upstream.circuit_breaker.min_requests must be non-negative; got %d", cb.MinRequests)
		}
		if cb.FailureRatio < 0 || cb.FailureRatio > 1 {
			return fmt.Errorf("upstream.circuit_breaker.failure_ratio must be within 0–1; got %v", cb.FailureRatio)
		}
		if cb.OpenSeconds < 0 {
			return fmt.Errorf("upstream.circuit_breaker.open_seconds must be non-negative; got %d", cb.OpenSeconds)
		}
	}

	if err := validateRoutes(c.Routes); err != nil {
		return err
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
		for _, reserved := range ReservedPaths {
			if p == reserved {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
		for _, r := range c.EffectiveRoutes() {
			if p == r.Prefix || strings.HasPrefix(p, r.Prefix+"/") {
				return fmt.Errorf("metrics.path %q conflicts with route prefix %q", p, r.Prefix)
			}
		}
	}

	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing.sampling_rate must be within 0–1; got %v", c.Tracing.SamplingRate)
	}

	return nil
}

func validateRoutes(routes []RouteConfig) error {
	seen := make(map[string]bool, len(routes))
	for i, r := range routes {
		p := r.Prefix
		if len(p) < 2 || p[0] != '/' {
			return fmt.Errorf("routes[%d].prefix must start with '/' and name a segment; got %q", i, p)
		}
		if strings.HasSuffix(p, "/") || strings.ContainsAny(p, "?#") {
			return fmt.Errorf("routes[%d].prefix must not end with '/' or contain '?' or '#'; got %q", i, p)
		}
		if seen[p] {
			return fmt.Errorf("routes[%d].prefix %q is declared more than once", i, p)
		}
		seen[p] = true
		for _, reserved := range ReservedPaths[1:] {
			if reserved == p || strings.HasPrefix(reserved, p+"/") {
				return fmt.Errorf("routes[%d].prefix %q shadows reserved route %q", i, p, reserved)
			}
		}

		if r.Origin == "" {
			return fmt.Errorf("routes[%d].origin is required", i)
		}
		u, err := url.Parse("https://" + r.Origin)
		if err != nil {
			return fmt.Errorf("routes[%d].origin is not a valid host: %w", i, err)
		}
		if u.Host != r.Origin || u.User != nil || u.Path != "" || u.RawQuery != "" {
			return fmt.Errorf("routes[%d].origin must be a bare host[:port] without scheme or path; got %q", i, r.Origin)
		}
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Setting port=0 in
// the config file therefore results in the default port (8000).
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 32 * 1024 * 1024 // 32 MB
	}
	if c.Server.ReadTimeoutSeconds == 0 {
		c.Server.ReadTimeoutSeconds = 30
	}
	c.Proxy.Mode = strings.ToLower(c.Proxy.Mode)
	if c.Proxy.Mode == "" {
		c.Proxy.Mode = ModeRestrictive
	}
	if len(c.Routes) == 0 {
		c.Routes = c.EffectiveRoutes()
	}
	if c.Upstream.DialTimeoutSeconds == 0 {
		c.Upstream.DialTimeoutSeconds = 30
	}
	if c.Upstream.TLSHandshakeTimeoutSeconds == 0 {
		c.Upstream.TLSHandshakeTimeoutSeconds = 10
	}
	if c.Upstream.ResponseHeaderTimeoutSeconds == 0 {
		c.Upstream.ResponseHeaderTimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.CircuitBreaker.MinRequests == 0 {
		c.Upstream.CircuitBreaker.MinRequests = 10
	}
	if c.Upstream.CircuitBreaker.FailureRatio == 0 {
		c.Upstream.CircuitBreaker.FailureRatio = 0.5
	}
	if c.Upstream.CircuitBreaker.OpenSeconds == 0 {
		c.Upstream.CircuitBreaker.OpenSeconds = 30
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Tracing.SamplingRate == 0 {
		c.Tracing.SamplingRate = 1
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "api-proxy"
	}
}

// EffectiveRoutes returns the configured routes, or a copy of DefaultRoutes when none are declared.
func (c *Config) EffectiveRoutes() []RouteConfig {
	if len(c.Routes) > 0 {
		return c.Routes
	}
	return append([]RouteConfig(nil), DefaultRoutes...)
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

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ReadTimeout returns the inbound read timeout. Zero means no timeout.
func (c *ServerConfig) ReadTimeout() time.Duration {
	if c.ReadTimeoutSeconds < 0 {
		return 0
	}
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

// BodyLimitEnabled reports whether inbound bodies are size-capped.
func (c *ServerConfig) BodyLimitEnabled() bool {
	return c.BodyMaxBytes > 0
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
