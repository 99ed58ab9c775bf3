package handler

import (
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"portmap-proxy/internal/client"
	"portmap-proxy/internal/config"
	"portmap-proxy/internal/eventlog"
	"portmap-proxy/internal/model"
	"portmap-proxy/internal/proxyerr"
	"portmap-proxy/internal/relay"
	"portmap-proxy/internal/route"
	"portmap-proxy/internal/service"
)

// recordingSink collects events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []eventlog.Event
}

func (s *recordingSink) Log(e eventlog.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

// atLeast returns the recorded events with severity >= floor.
func (s *recordingSink) atLeast(floor eventlog.Severity) []eventlog.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []eventlog.Event
	for _, e := range s.events {
		if e.Severity >= floor {
			out = append(out, e)
		}
	}
	return out
}

func (s *recordingSink) ofKind(kind proxyerr.Kind) []eventlog.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []eventlog.Event
	for _, e := range s.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 8080, AdminPrefix: "/_proxy"},
		Upstream: config.UpstreamConfig{
			ConnectTimeoutSeconds: 2,
			ReadTimeoutSeconds:    5,
			IdleConnections:       10,
			BufferSize:            4096,
		},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/_proxy/metrics"},
	}
}

func newTestService(t *testing.T, cfg *config.Config, routes map[string]model.UpstreamTarget) *service.ProxyService {
	t.Helper()
	table, err := route.NewTable(routes)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return service.NewProxyService(table, client.NewForwardingClient(cfg, nil), cfg, logger)
}

func newTestHandler(t *testing.T, routes map[string]model.UpstreamTarget) (*ProxyHandler, *recordingSink) {
	t.Helper()
	cfg := testConfig()
	sink := &recordingSink{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewProxyHandler(newTestService(t, cfg, routes), relay.NewStreamer(cfg, nil), sink, logger)
	return h, sink
}

func targetOf(t *testing.T, srv *httptest.Server) model.UpstreamTarget {
	t.Helper()
	return targetOfAddr(t, srv.Listener.Addr())
}

func targetOfAddr(t *testing.T, addr net.Addr) model.UpstreamTarget {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		t.Fatalf("split %s: %v", addr, err)
	}
	port, _ := strconv.Atoi(portStr)
	return model.UpstreamTarget{Host: host, Port: port}
}

// closedPort returns a local port with nothing listening on it.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}
