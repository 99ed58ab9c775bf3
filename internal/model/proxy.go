// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
)

// UpstreamTarget is the fixed remote host/port a route forwards to.
type UpstreamTarget struct {
	Host string
	Port int
}

// Authority returns the target as host:port, bracketing IPv6 literals.
func (t UpstreamTarget) Authority() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t UpstreamTarget) String() string {
	return t.Authority()
}

// ProxyRequest represents a client request to be forwarded upstream.
// Target is filled in by route resolution before the request reaches the
// forwarding client. Host is the authority sent upstream; when empty the
// target's authority is used.
type ProxyRequest struct {
	Ctx           context.Context
	Method        string
	Host          string
	Path          string
	RawPath       string
	RawQuery      string
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
	ClientIP      string
	RequestID     string
	Target        UpstreamTarget
}

// ProxyResponse represents the upstream response to be streamed back.
// Trailer values are only populated once Body has been read to EOF.
type ProxyResponse struct {
	StatusCode    int
	Header        http.Header
	Trailer       http.Header
	Body          io.ReadCloser
	ContentLength int64
}
