package client

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"api-proxy-go/internal/config"
	"api-proxy-go/internal/metrics"
)

// breakerSet holds one circuit breaker per configured origin. The map is built
// once at startup and only read afterwards; permissive-mode hosts have no breaker.
type breakerSet struct {
	byHost map[string]*gobreaker.CircuitBreaker
}

func newBreakerSet(routes []config.RouteConfig, cfg config.CircuitBreakerConfig, logger *slog.Logger, m *metrics.Metrics) *breakerSet {
	s := &breakerSet{byHost: make(map[string]*gobreaker.CircuitBreaker, len(routes))}
	minRequests := uint32(max(cfg.MinRequests, 1)) //nolint:gosec // validated non-negative
	openFor := time.Duration(cfg.OpenSeconds) * time.Second

	for _, r := range routes {
		if _, ok := s.byHost[r.Origin]; ok {
			continue
		}
		s.byHost[r.Origin] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        r.Origin,
			MaxRequests: 1,
			Interval:    openFor,
			Timeout:     openFor,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < minRequests {
					return false
				}
				return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
			},
			// A client hanging up is not the origin's fault.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state change",
					"origin", name,
					"from", from.String(),
					"to", to.String(),
				)
				if m != nil {
					m.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
				}
			},
		})
	}
	return s
}

func (s *breakerSet) get(host string) *gobreaker.CircuitBreaker {
	if s == nil {
		return nil
	}
	return s.byHost[host]
}
