// Package service implements the core proxy forwarding logic.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"api-proxy-go/internal/client"
	"api-proxy-go/internal/model"
	"api-proxy-go/internal/route"
)

// forwardableRequestHeaders are the only request headers forwarded upstream.
var forwardableRequestHeaders = map[string]bool{
	"Accept":        true,
	"Content-Type":  true,
	"Authorization": true,
}

// ReferrerPolicy is forced onto every proxied response.
const ReferrerPolicy = "no-referrer"

// Doer performs a single upstream call.
type Doer interface {
	Do(ctx context.Context, r *client.Request) (*model.ProxyResponse, error)
}

// FailureReporter receives one record per failed upstream call.
type FailureReporter interface {
	ReportUpstreamFailure(ctx context.Context, err *UpstreamError)
}

// ProxyService handles the forwarding logic for proxy requests.
// It keeps no per-request state and is safe for concurrent use.
type ProxyService struct {
	routes   *route.Table
	client   Doer
	reporter FailureReporter
	logger   *slog.Logger
}

// NewProxyService creates a ProxyService.
func NewProxyService(routes *route.Table, c Doer, reporter FailureReporter, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		routes:   routes,
		client:   c,
		reporter: reporter,
		logger:   logger.With("component", "proxy_service"),
	}
}

// Forward resolves the upstream target for pr, sends the filtered request and
// returns the upstream response with Referrer-Policy forced.
// The caller is responsible for closing the response body.
//
// Errors are either ErrRouteNotFound (restrictive mode, nothing sent) or an
// *UpstreamError, which has already been reported when Forward returns.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	target, err := s.routes.Resolve(pr.Path, pr.RawQuery)
	if errors.Is(err, route.ErrNoMatch) {
		return nil, fmt.Errorf("%w: %s", ErrRouteNotFound, pr.Path)
	}
	if err != nil {
		return nil, s.fail(pr.Ctx, &UpstreamError{
			Target: "https://" + strings.TrimPrefix(pr.Path, "/"),
			Cause:  CauseInvalidTarget,
			Err:    err,
		})
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"route", target.Prefix,
		"host", target.URL.Host,
		"path", target.URL.Path,
	)

	resp, err := s.client.Do(pr.Ctx, &client.Request{
		Route:         target.Prefix,
		Method:        pr.Method,
		URL:           target.URL,
		Header:        filterRequestHeaders(pr.Header),
		Body:          pr.Body,
		ContentLength: pr.ContentLength,
	})
	if err != nil {
		return nil, s.fail(pr.Ctx, &UpstreamError{
			Route:  target.Prefix,
			Target: target.URL.String(),
			Cause:  Classify(err),
			Err:    err,
		})
	}

	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	resp.Header.Set("Referrer-Policy", ReferrerPolicy)
	return resp, nil
}

func (s *ProxyService) fail(ctx context.Context, err *UpstreamError) error {
	if s.reporter != nil {
		s.reporter.ReportUpstreamFailure(ctx, err)
	}
	return err
}

// filterRequestHeaders keeps only the allow-listed headers, matching names
// case-insensitively. Nothing is added.
func filterRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(forwardableRequestHeaders))
	for key, vals := range src {
		ck := http.CanonicalHeaderKey(key)
		if forwardableRequestHeaders[ck] && len(vals) > 0 {
			dst[ck] = append(dst[ck], vals...)
		}
	}
	return dst
}
