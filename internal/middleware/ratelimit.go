package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"portmap-proxy/internal/eventlog"
)

// RateLimiter returns a per-client-IP rate limiting middleware. Rejected
// requests get a 429 and a WARNING event.
func RateLimiter(rps float64, events eventlog.Sink) echo.MiddlewareFunc {
	store := echomw.NewRateLimiterMemoryStore(rate.Limit(rps))
	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			req := c.Request()
			events.Log(eventlog.Event{
				Severity:  eventlog.Warning,
				Message:   "rate limit exceeded",
				ClientIP:  identifier,
				Method:    req.Method,
				URL:       req.URL.RequestURI(),
				Status:    http.StatusTooManyRequests,
				RequestID: c.Response().Header().Get(echo.HeaderXRequestID),
			})
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		},
	})
}
