package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"portmap-proxy/internal/eventlog"
	"portmap-proxy/internal/middleware"
	"portmap-proxy/internal/model"
	"portmap-proxy/internal/proxyerr"
	"portmap-proxy/internal/relay"
	"portmap-proxy/internal/route"
	"portmap-proxy/internal/service"
)

// ProxyHandler forwards every non-admin request to the upstream its binding
// maps to and streams the response back.
type ProxyHandler struct {
	service  *service.ProxyService
	streamer *relay.Streamer
	events   eventlog.Sink
	logger   *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, streamer *relay.Streamer, events eventlog.Sink, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service:  svc,
		streamer: streamer,
		events:   events,
		logger:   logger.With("component", "proxy_handler"),
	}
}

// Handle resolves the request's binding, forwards it and relays the response.
// Failures before any response byte is sent become JSON errors with a
// gateway status. When the upstream drops mid-body, the client connection is
// aborted so the truncation is visible.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	start := time.Now()

	binding := route.BindingFromRequest(req)
	r, err := h.service.Resolve(binding)
	if err != nil {
		h.emit(c, start, eventlog.Warning, "no mapping for binding "+binding.String(), http.StatusBadGateway, "", err)
		return h.mapError(c, err)
	}
	middleware.SetRoute(c, r)

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.Path,
		RawPath:       req.URL.RawPath,
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
		ClientIP:      c.RealIP(),
		RequestID:     c.Response().Header().Get(echo.HeaderXRequestID),
		Target:        r.Target,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		kind := proxyerr.KindOf(err)
		severity := eventlog.Error
		if kind == proxyerr.KindClientDisconnected {
			severity = eventlog.Debug
		}
		h.emit(c, start, severity, "upstream request failed", kind.StatusCode(), r.Target.Authority(), err)
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		h.emit(c, start, eventlog.Warning, "upstream returned error status", resp.StatusCode, r.Target.Authority(), nil)
	}

	out := h.streamer.Relay(req.Context(), c.Response(), resp)
	switch proxyerr.KindOf(out.Err) {
	case proxyerr.KindUnknown:
		return nil
	case proxyerr.KindClientDisconnected:
		h.emit(c, start, eventlog.Debug, "client disconnected during response", out.Status, r.Target.Authority(), out.Err)
		return nil
	default:
		h.emit(c, start, eventlog.Error, "upstream response truncated", out.Status, r.Target.Authority(), out.Err)
		h.logger.Debug("aborting client connection", "bytes_written", out.BytesWritten)
		_ = http.NewResponseController(c.Response()).Flush()
		panic(http.ErrAbortHandler)
	}
}

// mapError writes the JSON error response for a classified failure.
func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	kind := proxyerr.KindOf(err)
	return c.JSON(kind.StatusCode(), map[string]string{
		"error": kind.Message(),
	})
}

func (h *ProxyHandler) emit(c echo.Context, start time.Time, severity eventlog.Severity, msg string, status int, upstream string, err error) {
	req := c.Request()
	key, _ := c.Get(middleware.RouteKey).(string)
	h.events.Log(eventlog.Event{
		Severity:  severity,
		Time:      time.Now(),
		Message:   msg,
		Kind:      proxyerr.KindOf(err),
		ClientIP:  c.RealIP(),
		Method:    req.Method,
		URL:       req.Host + req.URL.RequestURI(),
		Status:    status,
		Latency:   time.Since(start),
		Route:     key,
		Upstream:  upstream,
		RequestID: c.Response().Header().Get(echo.HeaderXRequestID),
		Err:       err,
	})
}
