// Package diagnostics records upstream failures for operators.
package diagnostics

import (
	"context"
	"log/slog"
	"regexp"

	"api-proxy-go/internal/metrics"
	"api-proxy-go/internal/service"
)

// secretParamPattern matches credential-looking query parameter values in
// URLs embedded in error messages.
var secretParamPattern = regexp.MustCompile(`(?i)((?:api[_-]?key|key|token|access_token|secret)=)[^&\s"]+`)

// Reporter emits exactly one log record and one counter increment per failed
// upstream call. It never sees request headers, so Authorization values cannot
// leak through it.
type Reporter struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Reporter. m may be nil when metrics are disabled.
func New(logger *slog.Logger, m *metrics.Metrics) *Reporter {
	return &Reporter{
		logger:  logger.With("component", "diagnostics"),
		metrics: m,
	}
}

// ReportUpstreamFailure implements service.FailureReporter.
func (r *Reporter) ReportUpstreamFailure(ctx context.Context, err *service.UpstreamError) {
	level := slog.LevelError
	if err.Cause == service.CauseCanceled {
		level = slog.LevelInfo
	}

	r.logger.Log(ctx, level, "upstream failure",
		"route", metrics.RouteLabel(err.Route),
		"target", Sanitize(err.Target),
		"cause", string(err.Cause),
		"err", Sanitize(err.Err.Error()),
	)

	if r.metrics != nil {
		r.metrics.UpstreamFailures.WithLabelValues(metrics.RouteLabel(err.Route), string(err.Cause)).Inc()
	}
}

// Sanitize redacts credential values from s.
func Sanitize(s string) string {
	return secretParamPattern.ReplaceAllString(s, "${1}[REDACTED]")
}
