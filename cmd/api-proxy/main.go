package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"api-proxy-go/internal/client"
	"api-proxy-go/internal/config"
	"api-proxy-go/internal/diagnostics"
	"api-proxy-go/internal/handler"
	"api-proxy-go/internal/metrics"
	"api-proxy-go/internal/middleware"
	"api-proxy-go/internal/route"
	"api-proxy-go/internal/service"
	"api-proxy-go/internal/tracing"
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
		kong.Name("api-proxy"),
		kong.Description("Reverse proxy for LLM API providers."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			route.FromConfig,
			newMetrics,
			newTracing,
			newUpstreamClient,
			diagnostics.New,
			newProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
			newEcho,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, warnPermissiveMode, startServer),
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

func newMetrics(routes *route.Table) *metrics.Metrics {
	rules := routes.Rules()
	prefixes := make([]string, 0, len(rules))
	for _, r := range rules {
		prefixes = append(prefixes, r.Prefix)
	}
	return metrics.New(prefixes...)
}

func newTracing(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (*tracing.Provider, error) {
	p, err := tracing.New(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Tracing.Enabled {
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.Endpoint, "sampling_rate", cfg.Tracing.SamplingRate)
	}
	lc.Append(fx.Hook{
		OnStop: p.Shutdown,
	})
	return p, nil
}

func newUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, tp *tracing.Provider) *client.UpstreamClient {
	return client.NewUpstreamClient(cfg, logger, m, client.WithTracer(tp.Tracer()))
}

func newProxyService(routes *route.Table, c *client.UpstreamClient, r *diagnostics.Reporter, logger *slog.Logger) *service.ProxyService {
	return service.NewProxyService(routes, c, r, logger)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = cfg.Server.ReadTimeout()
	// Streamed completions can run for minutes; no write deadline.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}
	if cfg.Server.BodyLimitEnabled() {
		e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	}
	// Proxied responses carry upstream headers only.
	e.Use(middleware.SecurityHeaders(handler.ProxyRoute))

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Server.RateLimit.RequestsPerSecond, "/healthz", cfg.Metrics.Path))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func warnPermissiveMode(routes *route.Table, logger *slog.Logger) {
	if routes.Mode() == route.Permissive {
		logger.Warn("permissive mode: unmatched paths are forwarded to arbitrary hosts; do not expose this instance publicly")
	}
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr, "mode", cfg.Proxy.Mode, "routes", len(cfg.Routes))
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
