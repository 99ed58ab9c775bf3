// Package proxyerr classifies failures of the forwarding pipeline.
package proxyerr

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
)

// Kind identifies a class of proxy failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindNoMapping
	KindConnectFailed
	KindTimeout
	KindMalformedUpstreamResponse
	KindClientDisconnected
	KindUpstreamDroppedMidStream
)

// StatusClientClosedRequest is sent (when anything can still be sent) for
// requests the client abandoned before a response was available.
const StatusClientClosedRequest = 499

func (k Kind) String() string {
	switch k {
	case KindNoMapping:
		return "no_mapping"
	case KindConnectFailed:
		return "connect_failed"
	case KindTimeout:
		return "timeout"
	case KindMalformedUpstreamResponse:
		return "malformed_upstream_response"
	case KindClientDisconnected:
		return "client_disconnected"
	case KindUpstreamDroppedMidStream:
		return "upstream_dropped_mid_stream"
	default:
		return "unknown"
	}
}

// StatusCode returns the HTTP status reported to the client for a failure of
// this kind.
func (k Kind) StatusCode() int {
	switch k {
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindClientDisconnected:
		return StatusClientClosedRequest
	default:
		return http.StatusBadGateway
	}
}

// Message is the client-facing description of the failure.
func (k Kind) Message() string {
	switch k {
	case KindNoMapping:
		return "no mapping found for this host and port"
	case KindConnectFailed:
		return "upstream connection failed"
	case KindTimeout:
		return "upstream request timed out"
	case KindMalformedUpstreamResponse:
		return "upstream returned a malformed response"
	case KindClientDisconnected:
		return "client disconnected"
	case KindUpstreamDroppedMidStream:
		return "upstream connection dropped"
	default:
		return "upstream request failed"
	}
}

// Sentinels usable with errors.Is against any *Error of the same kind.
var (
	ErrNoMapping                 = &Error{Kind: KindNoMapping}
	ErrConnectFailed             = &Error{Kind: KindConnectFailed}
	ErrTimeout                   = &Error{Kind: KindTimeout}
	ErrMalformedUpstreamResponse = &Error{Kind: KindMalformedUpstreamResponse}
	ErrClientDisconnected        = &Error{Kind: KindClientDisconnected}
	ErrUpstreamDroppedMidStream  = &Error{Kind: KindUpstreamDroppedMidStream}
)

// Error wraps a cause with its failure kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New creates an Error. A nil cause is allowed.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// Classify wraps an upstream round-trip error with the matching kind. Errors
// that are already classified are returned unchanged. clientGone reports
// whether the inbound request context has ended, which takes precedence over
// whatever the transport reported.
func Classify(op string, err error, clientGone bool) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return New(classifyKind(err, clientGone), op, err)
}

func classifyKind(err error, clientGone bool) Kind {
	if clientGone {
		return KindClientDisconnected
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return KindTimeout
		}
		return KindConnectFailed
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		if opErr.Timeout() {
			return KindTimeout
		}
		return KindConnectFailed
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	if isMalformed(err) {
		return KindMalformedUpstreamResponse
	}

	return KindConnectFailed
}

// isMalformed reports protocol-level failures while reading the upstream
// response head. net/http does not export types for these.
func isMalformed(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{
		"malformed HTTP",
		"bogus",
		"invalid header",
		"too many transfer encodings",
		"server response headers exceeded",
		"unsupported transfer encoding",
		"invalid Trailer",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
