package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"api-proxy-go/internal/config"
	"api-proxy-go/internal/metrics"
)

// ProxyRoute is the catch-all route path served by the proxy handler.
const ProxyRoute = "/*"

// anyMethods is the method set Echo's Any registers a route for.
var anyMethods = map[string]struct{}{
	http.MethodConnect: {},
	http.MethodDelete:  {},
	http.MethodGet:     {},
	http.MethodHead:    {},
	http.MethodOptions: {},
	http.MethodPatch:   {},
	http.MethodPost:    {},
	echo.PROPFIND:      {},
	http.MethodPut:     {},
	http.MethodTrace:   {},
	echo.REPORT:        {},
}

// RegisterRoutes wires all route handlers onto the Echo instance.
// Local endpoints are static routes and take precedence over the proxy catch-all.
// It must run after every other e.Use call.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, proxy *ProxyHandler, health *HealthHandler) {
	e.Any("/", health.StatusPage)
	e.Any("/index.html", health.StatusPage)

	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.Any(ProxyRoute, proxy.Handle)

	e.Use(anyMethod(map[string]echo.HandlerFunc{
		"/":           health.StatusPage,
		"/index.html": health.StatusPage,
		ProxyRoute:    proxy.Handle,
	}))
}

// anyMethod sends requests whose method Echo has no route for to the handler
// of the matched route path, which the router would otherwise answer with 405.
// Registered last, it is the innermost middleware, so logging, metrics and
// limits still wrap the request.
func anyMethod(byPath map[string]echo.HandlerFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if _, ok := anyMethods[c.Request().Method]; ok {
				return next(c)
			}
			if h, ok := byPath[c.Path()]; ok {
				return h(c)
			}
			return next(c)
		}
	}
}
