// Package client provides the upstream HTTP client used to reach API origins.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"api-proxy-go/internal/config"
	"api-proxy-go/internal/metrics"
	"api-proxy-go/internal/model"
)

// Request describes one outbound call.
type Request struct {
	// Route is the matched route prefix, empty for permissive targets.
	Route         string
	Method        string
	URL           *url.URL
	Header        http.Header
	Body          io.Reader
	ContentLength int64
}

// UpstreamClient sends requests to upstream API origins.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	breakers   *breakerSet
}

// Option customizes an UpstreamClient.
type Option func(*UpstreamClient)

// WithTLSConfig sets the TLS client configuration used to reach origins,
// e.g. to trust a private CA.
func WithTLSConfig(tc *tls.Config) Option {
	return func(c *UpstreamClient) {
		if t, ok := c.httpClient.Transport.(*http.Transport); ok {
			t.TLSClientConfig = tc
		}
	}
}

// WithTracer sets the tracer used for upstream spans.
func WithTracer(tr trace.Tracer) Option {
	return func(c *UpstreamClient) {
		if tr != nil {
			c.tracer = tr
		}
	}
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
//
// There is no whole-request timeout. Hangs are bounded by the dial, TLS
// handshake and response header timeouts and by the inbound request context.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, opts ...Option) *UpstreamClient {
	up := cfg.Upstream
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          up.IdleConnections,
		MaxIdleConnsPerHost:   up.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   time.Duration(up.TLSHandshakeTimeoutSeconds) * time.Second,
		ResponseHeaderTimeout: time.Duration(up.ResponseHeaderTimeoutSeconds) * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		// Bodies are relayed byte for byte; the transport must not negotiate gzip.
		DisableCompression: true,
		DialContext: (&net.Dialer{
			Timeout:   time.Duration(up.DialTimeoutSeconds) * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	c := &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			// Redirects are relayed to the caller, never followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
		tracer:  noop.NewTracerProvider().Tracer(""),
	}
	for _, opt := range opts {
		opt(c)
	}

	if up.CircuitBreaker.Enabled {
		c.breakers = newBreakerSet(cfg.EffectiveRoutes(), up.CircuitBreaker, c.logger, m)
	}

	return c
}

// Do executes r and returns the upstream response once headers have arrived.
// The caller is responsible for closing the response body.
// ctx controls the lifetime of the whole exchange, body included: when it is
// canceled (e.g. the client disconnects) the upstream request is aborted.
func (c *UpstreamClient) Do(ctx context.Context, r *Request) (*model.ProxyResponse, error) {
	ctx, span := c.tracer.Start(ctx, "upstream "+r.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.String("server.address", r.URL.Host),
			attribute.String("url.path", r.URL.Path),
			attribute.String("proxy.route", metrics.RouteLabel(r.Route)),
		),
	)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL.String(), r.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request")
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = r.Header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	// An empty value stops net/http from adding its default User-Agent.
	if _, ok := req.Header["User-Agent"]; !ok {
		req.Header["User-Agent"] = []string{""}
	}
	if r.ContentLength > 0 {
		req.ContentLength = r.ContentLength
	} else if r.ContentLength == 0 {
		req.Body = http.NoBody
		req.GetBody = nil
	}

	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.roundTrip(req, r.URL.Host) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)
	route := metrics.RouteLabel(r.Route)

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(method, route).Observe(duration)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream request failed")
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(method, route, strconv.Itoa(resp.StatusCode)).Inc()
	}

	return &model.ProxyResponse{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		ContentLength: resp.ContentLength,
		Body:          resp.Body,
	}, nil
}

// roundTrip sends req, through the origin's circuit breaker when one exists.
func (c *UpstreamClient) roundTrip(req *http.Request, host string) (*http.Response, error) {
	cb := c.breakers.get(host)
	if cb == nil {
		return c.httpClient.Do(req)
	}

	out, err := cb.Execute(func() (any, error) {
		return c.httpClient.Do(req)
	})
	if err != nil {
		return nil, err
	}
	return out.(*http.Response), nil
}
