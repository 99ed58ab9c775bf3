// Package middleware provides Echo middleware for access events, metrics and
// header hygiene.
package middleware

import (
	"errors"
	"time"

	"github.com/labstack/echo/v4"

	"portmap-proxy/internal/eventlog"
)

// RequestLogger returns an Echo middleware that emits an INFO access event
// for each request.
func RequestLogger(events eventlog.Sink) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			status := res.Status
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
			}
			key, upstream := routeOf(c)

			events.Log(eventlog.Event{
				Severity:  eventlog.Info,
				Time:      start,
				Message:   "request",
				ClientIP:  c.RealIP(),
				Method:    req.Method,
				URL:       req.URL.RequestURI(),
				Status:    status,
				Latency:   time.Since(start),
				Route:     key,
				Upstream:  upstream,
				RequestID: res.Header().Get(echo.HeaderXRequestID),
			})

			return err
		}
	}
}
