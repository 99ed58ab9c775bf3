package eventlog

import (
	"log/slog"
	"time"

	"portmap-proxy/internal/proxyerr"
)

// Event is a single record handed to the Logger. Zero-valued fields are
// omitted from the output.
type Event struct {
	Severity  Severity
	Time      time.Time
	Message   string
	Kind      proxyerr.Kind
	ClientIP  string
	Method    string
	URL       string
	Status    int
	Latency   time.Duration
	Route     string
	Upstream  string
	RequestID string
	Err       error
}

// attrs returns the event fields as slog attributes.
func (e *Event) attrs() []slog.Attr {
	attrs := make([]slog.Attr, 0, 10)
	if e.Kind != proxyerr.KindUnknown {
		attrs = append(attrs, slog.String("kind", e.Kind.String()))
	}
	if e.ClientIP != "" {
		attrs = append(attrs, slog.String("client_ip", e.ClientIP))
	}
	if e.Method != "" {
		attrs = append(attrs, slog.String("method", e.Method))
	}
	if e.URL != "" {
		attrs = append(attrs, slog.String("url", e.URL))
	}
	if e.Status != 0 {
		attrs = append(attrs, slog.Int("status", e.Status))
	}
	if e.Latency != 0 {
		attrs = append(attrs, slog.Int64("latency_ms", e.Latency.Milliseconds()))
	}
	if e.Route != "" {
		attrs = append(attrs, slog.String("route", e.Route))
	}
	if e.Upstream != "" {
		attrs = append(attrs, slog.String("upstream", e.Upstream))
	}
	if e.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", e.RequestID))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("err", e.Err.Error()))
	}
	return attrs
}

// Sink receives events. *Logger implements it.
type Sink interface {
	Log(Event)
}
