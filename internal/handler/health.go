package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"api-proxy-go/internal/route"
)

// Version is a string type for dependency injection of the build version.
type Version string

// StatusPageBody is the fixed body served at "/" and "/index.html".
const StatusPageBody = "API proxy is running."

// HealthHandler serves the status page and the health endpoints.
type HealthHandler struct {
	routes  *route.Table
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(routes *route.Table, v Version) *HealthHandler {
	return &HealthHandler{routes: routes, version: v}
}

// StatusPage returns the fixed informational page. It never touches upstream.
func (h *HealthHandler) StatusPage(c echo.Context) error {
	return c.Blob(http.StatusOK, "text/html", []byte(StatusPageBody))
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusResponse struct {
	Status  string   `json:"status"`
	Version string   `json:"version"`
	Mode    string   `json:"mode"`
	Routes  []string `json:"routes"`
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	rules := h.routes.Rules()
	prefixes := make([]string, 0, len(rules))
	for _, r := range rules {
		prefixes = append(prefixes, r.Prefix)
	}

	return c.JSON(http.StatusOK, statusResponse{
		Status:  "ok",
		Version: string(h.version),
		Mode:    string(h.routes.Mode()),
		Routes:  prefixes,
	})
}
