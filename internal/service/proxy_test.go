package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"

	"api-proxy-go/internal/client"
	"api-proxy-go/internal/config"
	"api-proxy-go/internal/model"
	"api-proxy-go/internal/route"
)

// fakeDoer records outbound calls and returns a canned result.
type fakeDoer struct {
	mu    sync.Mutex
	calls []*client.Request
	resp  *model.ProxyResponse
	err   error
}

func (f *fakeDoer) Do(_ context.Context, r *client.Request) (*model.ProxyResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, r)
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		return f.resp, nil
	}
	return &model.ProxyResponse{StatusCode: http.StatusOK, Header: http.Header{}, Body: io.NopCloser(strings.NewReader(""))}, nil
}

// fakeReporter counts failure reports.
type fakeReporter struct {
	mu      sync.Mutex
	reports []*UpstreamError
}

func (f *fakeReporter) ReportUpstreamFailure(_ context.Context, err *UpstreamError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, err)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func defaultTable(t *testing.T, mode route.Mode) *route.Table {
	t.Helper()
	tbl, err := route.FromConfig(&config.Config{Proxy: config.ProxyConfig{Mode: string(mode)}})
	if err != nil {
		t.Fatalf("FromConfig() error = %v", err)
	}
	return tbl
}

// newTLSService wires a ProxyService whose "/openai" route points at a TLS test server.
func newTLSService(t *testing.T, h http.HandlerFunc) (*ProxyService, *fakeReporter) {
	t.Helper()
	srv := httptest.NewTLSServer(h)
	t.Cleanup(srv.Close)

	tbl, err := route.New([]route.Rule{
		{Prefix: "/openai", Origin: srv.Listener.Addr().String(), StripPrefix: true},
	}, route.Restrictive)
	if err != nil {
		t.Fatalf("route.New() error = %v", err)
	}

	cfg := &config.Config{Upstream: config.UpstreamConfig{DialTimeoutSeconds: 5, ResponseHeaderTimeoutSeconds: 10, IdleConnections: 10}}
	c := client.NewUpstreamClient(cfg, discardLogger(), nil, client.WithTLSConfig(srv.Client().Transport.(*http.Transport).TLSClientConfig))
	rep := &fakeReporter{}
	return NewProxyService(tbl, c, rep, discardLogger()), rep
}

func TestFilterRequestHeaders(t *testing.T) {
	src := http.Header{
		"Accept":          {"application/json"},
		"content-type":    {"application/json"},
		"AUTHORIZATION":   {"Bearer secret"},
		"Cookie":          {"a=b"},
		"Host":            {"proxy.local"},
		"User-Agent":      {"curl/8"},
		"Connection":      {"keep-alive"},
		"X-Custom-Header": {"should-be-dropped"},
		"X-Forwarded-For": {"1.2.3.4, 5.6.7.8"},
		"Accept-Encoding": {"gzip"},
	}

	dst := filterRequestHeaders(src)

	tests := []struct {
		name    string
		key     string
		wantLen int
	}{
		{"Accept forwarded", "Accept", 1},
		{"Content-Type forwarded case-insensitively", "Content-Type", 1},
		{"Authorization forwarded case-insensitively", "Authorization", 1},
		{"Cookie stripped", "Cookie", 0},
		{"Host stripped", "Host", 0},
		{"User-Agent stripped", "User-Agent", 0},
		{"Connection stripped", "Connection", 0},
		{"X-Custom-Header stripped", "X-Custom-Header", 0},
		{"X-Forwarded-For stripped", "X-Forwarded-For", 0},
		{"Accept-Encoding stripped", "Accept-Encoding", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := len(dst.Values(tt.key))
			if got != tt.wantLen {
				t.Errorf("header %q: got %d values, want %d", tt.key, got, tt.wantLen)
			}
		})
	}

	if len(dst) != 3 {
		t.Errorf("len(dst) = %d, want 3 (no additions)", len(dst))
	}
	if got := dst.Get("Authorization"); got != "Bearer secret" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer secret")
	}
}

func TestFilterRequestHeaders_MultipleValuesAndEmpty(t *testing.T) {
	dst := filterRequestHeaders(http.Header{
		"Accept": {"text/event-stream", "application/json"},
	})
	if got := dst.Values("Accept"); len(got) != 2 {
		t.Errorf("Accept values = %v, want both values", got)
	}

	if dst := filterRequestHeaders(http.Header{}); len(dst) != 0 {
		t.Errorf("filterRequestHeaders(empty) = %v, want empty", dst)
	}
}

func TestForward_OpenAIScenario(t *testing.T) {
	svc, rep := newTLSService(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("path = %q, want %q", r.URL.Path, "/v1/models")
		}
		if got := r.Header.Get("Authorization"); got != "Bearer X" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer X")
		}
		if got := r.Header.Get("Cookie"); got != "" {
			t.Errorf("Cookie = %q, want it stripped", got)
		}
		if got := r.Header.Get("Accept-Encoding"); got != "" {
			t.Errorf("Accept-Encoding = %q, want none added", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[]}`))
	})

	pr := &model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   "/openai/v1/models",
		Header: http.Header{
			"Authorization": {"Bearer X"},
			"Cookie":        {"a=b"},
		},
		Body: http.NoBody,
	}

	resp, err := svc.Forward(pr)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"data":[]}` {
		t.Errorf("body = %q, want %q", body, `{"data":[]}`)
	}
	if len(rep.reports) != 0 {
		t.Errorf("reports = %d, want 0 on success", len(rep.reports))
	}
}

func TestForward_QueryStringPreserved(t *testing.T) {
	const rawQuery = "limit=10&order=desc&after=file%2Fabc&after=dup"
	svc, _ := newTLSService(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.RawQuery != rawQuery {
			t.Errorf("RawQuery = %q, want %q", r.URL.RawQuery, rawQuery)
		}
		if r.URL.Path != "/v1/files" {
			t.Errorf("path = %q, want %q", r.URL.Path, "/v1/files")
		}
		w.WriteHeader(http.StatusOK)
	})

	resp, err := svc.Forward(&model.ProxyRequest{
		Ctx:      context.Background(),
		Method:   http.MethodGet,
		Path:     "/openai/v1/files",
		RawQuery: rawQuery,
		Header:   http.Header{},
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	_ = resp.Body.Close()
}

func TestForward_ReferrerPolicyOverridesUpstream(t *testing.T) {
	svc, _ := newTLSService(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Referrer-Policy", "unsafe-url")
		w.Header().Set("X-Request-Id", "req-123")
		w.Header().Set("Server", "origin-server")
		w.Header().Add("Set-Cookie", "a=1")
		w.Header().Add("Set-Cookie", "b=2")
		w.WriteHeader(http.StatusOK)
	})

	resp, err := svc.Forward(&model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   "/openai/v1/models",
		Header: http.Header{},
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if got := resp.Header.Values("Referrer-Policy"); len(got) != 1 || got[0] != "no-referrer" {
		t.Errorf("Referrer-Policy = %v, want [no-referrer]", got)
	}
	if got := resp.Header.Get("X-Request-Id"); got != "req-123" {
		t.Errorf("X-Request-Id = %q, want %q", got, "req-123")
	}
	if got := resp.Header.Get("Server"); got != "origin-server" {
		t.Errorf("Server = %q, want %q (origin headers pass through)", got, "origin-server")
	}
	if got := resp.Header.Values("Set-Cookie"); len(got) != 2 {
		t.Errorf("Set-Cookie = %v, want both values", got)
	}
}

func TestForward_UpstreamStatusPreserved(t *testing.T) {
	svc, rep := newTLSService(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	})

	resp, err := svc.Forward(&model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodPost,
		Path:   "/openai/v1/chat/completions",
		Header: http.Header{},
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusTooManyRequests)
	}
	if len(rep.reports) != 0 {
		t.Errorf("reports = %d, want 0 for upstream HTTP errors", len(rep.reports))
	}
}

func TestForward_BodyRoundTrip(t *testing.T) {
	payload := make([]byte, 256*1024)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	var got []byte
	svc, _ := newTLSService(t, func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		if r.Method != http.MethodPut {
			t.Errorf("method = %q, want PUT", r.Method)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	resp, err := svc.Forward(&model.ProxyRequest{
		Ctx:           context.Background(),
		Method:        http.MethodPut,
		Path:          "/openai/v1/files",
		Header:        http.Header{"Content-Type": {"application/octet-stream"}},
		Body:          io.NopCloser(bytes.NewReader(payload)),
		ContentLength: int64(len(payload)),
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	_ = resp.Body.Close()

	if !bytes.Equal(got, payload) {
		t.Errorf("upstream received %d bytes, want the %d bytes sent unchanged", len(got), len(payload))
	}
}

func TestForward_RestrictiveUnmatchedPath(t *testing.T) {
	doer := &fakeDoer{}
	rep := &fakeReporter{}
	svc := NewProxyService(defaultTable(t, route.Restrictive), doer, rep, discardLogger())

	for _, path := range []string{"/example.com/foo", "/unknown", "/openaifoo"} {
		t.Run(path, func(t *testing.T) {
			_, err := svc.Forward(&model.ProxyRequest{
				Ctx:    context.Background(),
				Method: http.MethodGet,
				Path:   path,
				Header: http.Header{},
			})
			if !errors.Is(err, ErrRouteNotFound) {
				t.Errorf("Forward() error = %v, want ErrRouteNotFound", err)
			}
		})
	}

	if len(doer.calls) != 0 {
		t.Errorf("outbound calls = %d, want 0", len(doer.calls))
	}
	if len(rep.reports) != 0 {
		t.Errorf("reports = %d, want 0 for unmatched routes", len(rep.reports))
	}
}

func TestForward_PermissiveTarget(t *testing.T) {
	doer := &fakeDoer{}
	svc := NewProxyService(defaultTable(t, route.Permissive), doer, &fakeReporter{}, discardLogger())

	resp, err := svc.Forward(&model.ProxyRequest{
		Ctx:      context.Background(),
		Method:   http.MethodGet,
		Path:     "/example.com/foo",
		RawQuery: "x=1",
		Header:   http.Header{"Accept": {"*/*"}, "X-Secret": {"s"}},
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	_ = resp.Body.Close()

	if len(doer.calls) != 1 {
		t.Fatalf("outbound calls = %d, want 1", len(doer.calls))
	}
	call := doer.calls[0]
	if got := call.URL.String(); got != "https://example.com/foo?x=1" {
		t.Errorf("target = %q, want %q", got, "https://example.com/foo?x=1")
	}
	if call.Route != "" {
		t.Errorf("Route = %q, want empty for permissive target", call.Route)
	}
	if len(call.Header) != 1 || call.Header.Get("Accept") != "*/*" {
		t.Errorf("outbound headers = %v, want only Accept", call.Header)
	}
}

func TestForward_ExactlyOneCallPerMatchedRoute(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/openai/v1/models", "https://api.openai.com/v1/models"},
		{"/claude/v1/messages", "https://api.claude.com/v1/messages"},
		{"/groq/openai/v1/models", "https://api.groq.com/openai/v1/models"},
		{"/openrouter.ai/api/v1/models", "https://api.openrouter.ai/api/v1/models"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			doer := &fakeDoer{}
			svc := NewProxyService(defaultTable(t, route.Restrictive), doer, &fakeReporter{}, discardLogger())

			resp, err := svc.Forward(&model.ProxyRequest{
				Ctx:    context.Background(),
				Method: http.MethodPost,
				Path:   tt.path,
				Header: http.Header{},
			})
			if err != nil {
				t.Fatalf("Forward() error = %v", err)
			}
			_ = resp.Body.Close()

			if len(doer.calls) != 1 {
				t.Fatalf("outbound calls = %d, want 1", len(doer.calls))
			}
			if got := doer.calls[0].URL.String(); got != tt.want {
				t.Errorf("target = %q, want %q", got, tt.want)
			}
			if doer.calls[0].Method != http.MethodPost {
				t.Errorf("method = %q, want POST", doer.calls[0].Method)
			}
		})
	}
}

func TestForward_ConnectionErrorReportedOnce(t *testing.T) {
	connErr := &url.Error{
		Op:  "Get",
		URL: "https://api.openai.com/v1/models",
		Err: &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", errors.New("connection refused"))},
	}
	doer := &fakeDoer{err: connErr}
	rep := &fakeReporter{}
	svc := NewProxyService(defaultTable(t, route.Restrictive), doer, rep, discardLogger())

	_, err := svc.Forward(&model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   "/openai/v1/models",
		Header: http.Header{},
	})

	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("Forward() error = %v, want *UpstreamError", err)
	}
	if ue.Cause != CauseConnect {
		t.Errorf("Cause = %q, want %q", ue.Cause, CauseConnect)
	}
	if ue.Target != "https://api.openai.com/v1/models" {
		t.Errorf("Target = %q, want %q", ue.Target, "https://api.openai.com/v1/models")
	}
	if ue.Route != "/openai" {
		t.Errorf("Route = %q, want %q", ue.Route, "/openai")
	}
	if len(rep.reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(rep.reports))
	}
	if rep.reports[0] != ue {
		t.Error("reported error differs from returned error")
	}
}

func TestForward_InvalidPermissiveTarget(t *testing.T) {
	doer := &fakeDoer{}
	rep := &fakeReporter{}
	svc := NewProxyService(defaultTable(t, route.Permissive), doer, rep, discardLogger())

	_, err := svc.Forward(&model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   "/user@evil.com/x",
		Header: http.Header{},
	})

	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("Forward() error = %v, want *UpstreamError", err)
	}
	if ue.Cause != CauseInvalidTarget {
		t.Errorf("Cause = %q, want %q", ue.Cause, CauseInvalidTarget)
	}
	if len(doer.calls) != 0 {
		t.Errorf("outbound calls = %d, want 0", len(doer.calls))
	}
	if len(rep.reports) != 1 {
		t.Errorf("reports = %d, want 1", len(rep.reports))
	}
}

func TestForward_NilReporter(t *testing.T) {
	svc := NewProxyService(defaultTable(t, route.Restrictive), &fakeDoer{err: context.Canceled}, nil, discardLogger())

	_, err := svc.Forward(&model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   "/groq/v1/models",
		Header: http.Header{},
	})
	var ue *UpstreamError
	if !errors.As(err, &ue) || ue.Cause != CauseCanceled {
		t.Errorf("Forward() error = %v, want *UpstreamError with cause canceled", err)
	}
}
