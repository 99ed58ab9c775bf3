package middleware

import (
	"github.com/labstack/echo/v4"

	"portmap-proxy/internal/hopbyhop"
)

// StripHopByHop returns an Echo middleware that removes hop-by-hop headers,
// and any header named in Connection, from the incoming request.
func StripHopByHop() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			hopbyhop.Strip(c.Request().Header)
			return next(c)
		}
	}
}

// SecurityHeaders returns an Echo middleware that adds security headers to
// responses the proxy generates itself. Proxied responses are left as the
// upstream sent them, so it belongs on the admin group only.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Cache-Control", "no-store")
			return next(c)
		}
	}
}
