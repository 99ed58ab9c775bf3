package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"portmap-proxy/internal/config"
	"portmap-proxy/internal/service"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	service *service.ProxyService
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, svc *service.ProxyService, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, service: svc, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// routeStatus is one entry of the status route listing.
type routeStatus struct {
	Route    string `json:"route"`
	Upstream string `json:"upstream"`
}

type statusResponse struct {
	Status  string        `json:"status"`
	Version string        `json:"version"`
	Listen  string        `json:"listen"`
	Routes  []routeStatus `json:"routes"`
}

// Status returns proxy status information, including the route table.
func (h *HealthHandler) Status(c echo.Context) error {
	routes := h.service.Routes()
	resp := statusResponse{
		Status:  "ok",
		Version: string(h.version),
		Listen:  h.cfg.Server.Addr(),
		Routes:  make([]routeStatus, 0, len(routes)),
	}
	for _, r := range routes {
		resp.Routes = append(resp.Routes, routeStatus{Route: r.Key.String(), Upstream: r.Target.Authority()})
	}
	return c.JSON(http.StatusOK, resp)
}
