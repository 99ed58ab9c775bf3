package middleware

import (
	"github.com/labstack/echo/v4"

	"portmap-proxy/internal/route"
)

// Context keys under which the proxy handler records the matched route.
const (
	RouteKey    = "proxy.route"
	UpstreamKey = "proxy.upstream"
)

// SetRoute records the route a request resolved to, for access events and
// metrics labels.
func SetRoute(c echo.Context, r route.Route) {
	c.Set(RouteKey, r.Key.String())
	c.Set(UpstreamKey, r.Target.Authority())
}

// routeOf returns the recorded route key and upstream, empty when the
// request did not resolve to a route.
func routeOf(c echo.Context) (key, upstream string) {
	key, _ = c.Get(RouteKey).(string)
	upstream, _ = c.Get(UpstreamKey).(string)
	return key, upstream
}
