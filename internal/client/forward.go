// Package client provides the upstream HTTP client that forwards requests to
// their resolved target.
package client

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"portmap-proxy/internal/config"
	"portmap-proxy/internal/metrics"
	"portmap-proxy/internal/model"
	"portmap-proxy/internal/proxyerr"
)

// errReadTimeout is the cancellation cause when the upstream stops sending
// body bytes for longer than the read timeout.
var errReadTimeout = errors.New("upstream read timed out")

// ForwardingClient sends requests to upstream targets over a shared,
// pooled transport. It does not retry and does not log.
type ForwardingClient struct {
	transport   *http.Transport
	readTimeout time.Duration
	metrics     *metrics.Metrics
}

// NewForwardingClient creates a ForwardingClient with connection pooling and
// the configured connect and read timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewForwardingClient(cfg *config.Config, m *metrics.Metrics) *ForwardingClient {
	transport := &http.Transport{
		Proxy:                 nil,
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: cfg.Upstream.ReadTimeout(),
		DisableCompression:    true,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Upstream.ConnectTimeout(),
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &ForwardingClient{
		transport:   transport,
		readTimeout: cfg.Upstream.ReadTimeout(),
		metrics:     m,
	}
}

// Forward sends pr to pr.Target and returns the upstream response once its
// head has arrived. The caller must close the response body. Errors are
// *proxyerr.Error values classified as connect failure, timeout, malformed
// response or client disconnect.
func (c *ForwardingClient) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	parent := pr.Ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancelCause(parent)

	authority := pr.Target.Authority()
	host := pr.Host
	if host == "" {
		host = authority
	}
	path := pr.Path
	if path == "" {
		path = "/"
	}

	body := pr.Body
	if body == nil || pr.ContentLength == 0 {
		body = http.NoBody
	}

	req := (&http.Request{
		Method:        pr.Method,
		URL:           &url.URL{Scheme: "http", Host: authority, Path: path, RawPath: pr.RawPath, RawQuery: pr.RawQuery},
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        pr.Header,
		Body:          body,
		ContentLength: pr.ContentLength,
		Host:          host,
	}).WithContext(ctx)
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if body == http.NoBody {
		req.ContentLength = 0
	}

	op := pr.Method + " " + authority
	method := metrics.NormalizeMethod(pr.Method)

	start := time.Now()
	resp, err := c.transport.RoundTrip(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	if err != nil {
		cancel(err)
		perr := proxyerr.Classify(op, err, parent.Err() != nil)
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
			c.metrics.UpstreamFailures.WithLabelValues(perr.Kind.String()).Inc()
		}
		return nil, perr
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		Trailer:       resp.Trailer,
		Body:          newIdleTimeoutBody(ctx, resp.Body, c.readTimeout, cancel),
		ContentLength: resp.ContentLength,
	}, nil
}

// CloseIdleConnections closes pooled upstream connections that are not in use.
func (c *ForwardingClient) CloseIdleConnections() {
	c.transport.CloseIdleConnections()
}

// idleTimeoutBody cancels the upstream request when a single Read blocks
// longer than timeout. Closing it releases the request context.
type idleTimeoutBody struct {
	io.ReadCloser
	ctx     context.Context
	cancel  context.CancelCauseFunc
	timeout time.Duration
	timer   *time.Timer
}

func newIdleTimeoutBody(ctx context.Context, rc io.ReadCloser, timeout time.Duration, cancel context.CancelCauseFunc) *idleTimeoutBody {
	b := &idleTimeoutBody{ReadCloser: rc, ctx: ctx, cancel: cancel, timeout: timeout}
	if timeout > 0 {
		b.timer = time.AfterFunc(timeout, func() { cancel(errReadTimeout) })
		b.timer.Stop()
	}
	return b
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	if b.timer != nil {
		b.timer.Reset(b.timeout)
		defer b.timer.Stop()
	}
	n, err := b.ReadCloser.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && errors.Is(context.Cause(b.ctx), errReadTimeout) {
		err = proxyerr.New(proxyerr.KindTimeout, "read upstream body", errReadTimeout)
	}
	return n, err
}

func (b *idleTimeoutBody) Close() error {
	if b.timer != nil {
		b.timer.Stop()
	}
	err := b.ReadCloser.Close()
	b.cancel(context.Canceled)
	return err
}
