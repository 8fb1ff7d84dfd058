package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/labstack/echo/v4"

	"api-proxy-go/internal/model"
	"api-proxy-go/internal/service"
)

// ProxyHandler forwards requests that are not served locally to their upstream.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request upstream and streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.EscapedPath(),
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Upstream values replace anything set earlier in the chain.
	dst := c.Response().Header()
	for key, vals := range resp.Header {
		dst[key] = vals
	}

	c.Response().WriteHeader(resp.StatusCode)

	var w io.Writer = c.Response()
	if streamingResponse(resp) {
		w = &flushWriter{w: c.Response(), rc: http.NewResponseController(c.Response().Writer)}
	}

	// The status line is already sent, so a mid-stream failure can only
	// truncate the body.
	if _, err := io.Copy(w, resp.Body); err != nil {
		level := slog.LevelError
		if errors.Is(err, context.Canceled) {
			level = slog.LevelInfo
		}
		h.logger.Log(req.Context(), level, "streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	if errors.Is(err, service.ErrRouteNotFound) {
		h.logger.Debug("no route for path", "path", c.Request().URL.Path)
		return c.String(http.StatusNotFound, http.StatusText(http.StatusNotFound))
	}

	// *service.UpstreamError has already been reported by the service.
	var ue *service.UpstreamError
	if !errors.As(err, &ue) {
		h.logger.Error("proxy error", "err", err, "path", c.Request().URL.Path)
	}
	return c.String(http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
}

// streamingResponse reports whether the body should reach the client as soon
// as each chunk arrives: server-sent events and bodies of unknown length.
func streamingResponse(resp *model.ProxyResponse) bool {
	if ct, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); ct == "text/event-stream" {
		return true
	}
	return resp.ContentLength == -1
}

// flushWriter flushes after every write.
type flushWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if n > 0 {
		_ = f.rc.Flush()
	}
	return n, err
}
