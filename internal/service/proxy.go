// Package service implements the core proxy forwarding logic.
package service

import (
	"log/slog"
	"net/http"
	"strings"

	"portmap-proxy/internal/client"
	"portmap-proxy/internal/config"
	"portmap-proxy/internal/hopbyhop"
	"portmap-proxy/internal/model"
	"portmap-proxy/internal/route"
)

// ProxyService resolves inbound requests against the route table and
// forwards them to their upstream target.
type ProxyService struct {
	table  *route.Table
	client *client.ForwardingClient
	cfg    *config.Config
	logger *slog.Logger
}

// NewProxyService creates a ProxyService.
func NewProxyService(table *route.Table, c *client.ForwardingClient, cfg *config.Config, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		table:  table,
		client: c,
		cfg:    cfg,
		logger: logger.With("component", "proxy_service"),
	}
}

// Resolve returns the route for the binding a request arrived on, or a
// proxyerr.ErrNoMapping error.
func (s *ProxyService) Resolve(b route.Binding) (route.Route, error) {
	return s.table.Resolve(b)
}

// Routes returns the configured routes ordered by key.
func (s *ProxyService) Routes() []route.Route {
	return s.table.Routes()
}

// Forward sends pr to its resolved target and returns the response.
// The caller is responsible for closing the response body.
//
// The inbound request is not modified: the outbound copy gets the target's
// authority as Host and loses its hop-by-hop headers. Method, path, query,
// the remaining headers and the body stream pass through unchanged.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	out := s.outbound(pr)

	s.logger.Debug("forwarding request",
		"method", out.Method,
		"path", out.Path,
		"upstream", out.Host,
	)

	return s.client.Forward(out)
}

// outbound derives the request sent upstream from the inbound one.
func (s *ProxyService) outbound(pr *model.ProxyRequest) *model.ProxyRequest {
	out := *pr
	out.Host = pr.Target.Authority()

	header := pr.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	hopbyhop.Strip(header)
	header.Del("Host")

	// An empty value keeps net/http from adding its own User-Agent.
	if _, ok := header["User-Agent"]; !ok {
		header["User-Agent"] = []string{""}
	}

	if s.cfg.Upstream.XForwardedFor && pr.ClientIP != "" {
		clientIP := pr.ClientIP
		if prior := header.Values("X-Forwarded-For"); len(prior) > 0 {
			clientIP = strings.Join(prior, ", ") + ", " + clientIP
		}
		header.Set("X-Forwarded-For", clientIP)
	}
	out.Header = header

	if pr.ContentLength == 0 || pr.Body == nil {
		out.Body = http.NoBody
		out.ContentLength = 0
	}

	return &out
}
