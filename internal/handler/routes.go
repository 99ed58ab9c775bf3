// Package handler provides the Echo handlers of the proxy.
package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"portmap-proxy/internal/config"
	"portmap-proxy/internal/metrics"
	"portmap-proxy/internal/middleware"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Admin
// endpoints live under server.admin_prefix; every other path is proxied
// whatever its method. m may be nil when metrics are disabled.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, health *HealthHandler, m *metrics.Metrics) {
	admin := e.Group(cfg.Server.AdminPrefix, middleware.SecurityHeaders())
	admin.GET("/healthz", health.Healthz)
	admin.GET("/status", health.Status)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})), middleware.SecurityHeaders())
	}

	e.Any("/", proxy.Handle)
	e.Any("/*", proxy.Handle)
	// Any covers only the methods echo knows; the not-found route catches
	// the rest (MKCOL, PURGE, ...) before the router falls back to 405.
	e.RouteNotFound("/*", proxy.Handle)
}
