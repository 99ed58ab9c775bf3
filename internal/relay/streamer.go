// Package relay streams upstream responses back to the client through a
// bounded buffer.
package relay

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"sort"
	"sync"

	"portmap-proxy/internal/config"
	"portmap-proxy/internal/hopbyhop"
	"portmap-proxy/internal/metrics"
	"portmap-proxy/internal/model"
	"portmap-proxy/internal/proxyerr"
)

const defaultBufferSize = 32 * 1024

// Outcome describes how a relay ended. Err is nil when the whole body was
// delivered, otherwise a *proxyerr.Error of kind ClientDisconnected,
// UpstreamDroppedMidStream or Timeout.
type Outcome struct {
	Status       int
	BytesWritten int64
	Err          error
}

// Streamer copies upstream responses to clients. It is safe for concurrent use.
type Streamer struct {
	bufferSize int
	pool       sync.Pool
	metrics    *metrics.Metrics
}

// NewStreamer creates a Streamer whose per-response buffer is
// upstream.buffer_size bytes. The metrics parameter is optional.
func NewStreamer(cfg *config.Config, m *metrics.Metrics) *Streamer {
	size := cfg.Upstream.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}
	s := &Streamer{bufferSize: size, metrics: m}
	s.pool.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	return s
}

// Relay writes resp's status, end-to-end headers, body and trailers to w.
// At most one buffer of body data is held in memory. ctx is the inbound
// request context; once it is done the relay stops and reports the client
// as disconnected. Relay does not close resp.Body.
func (s *Streamer) Relay(ctx context.Context, w http.ResponseWriter, resp *model.ProxyResponse) Outcome {
	out := Outcome{Status: resp.StatusCode}

	header := w.Header()
	hopbyhop.Copy(header, resp.Header)
	announceTrailers(header, resp.Trailer)
	w.WriteHeader(resp.StatusCode)

	rc := http.NewResponseController(w)
	streamed := isStreamed(resp)
	if streamed {
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			out.Err = proxyerr.New(proxyerr.KindClientDisconnected, "flush headers", err)
			return out
		}
	}

	bufp := s.pool.Get().(*[]byte)
	defer s.pool.Put(bufp)
	buf := *bufp

	defer func() {
		if s.metrics != nil {
			s.metrics.RelayedBytes.Add(float64(out.BytesWritten))
		}
	}()

	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			wn, werr := w.Write(buf[:n])
			out.BytesWritten += int64(wn)
			if werr == nil && wn < n {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				out.Err = proxyerr.New(proxyerr.KindClientDisconnected, "write response", werr)
				return out
			}
			if streamed {
				if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
					out.Err = proxyerr.New(proxyerr.KindClientDisconnected, "flush response", err)
					return out
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			out.Err = classifyReadError(ctx, rerr)
			return out
		}
	}

	copyTrailers(header, resp.Trailer)
	return out
}

func classifyReadError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return proxyerr.New(proxyerr.KindClientDisconnected, "read upstream body", err)
	}
	if proxyerr.KindOf(err) == proxyerr.KindTimeout {
		return err
	}
	return proxyerr.New(proxyerr.KindUpstreamDroppedMidStream, "read upstream body", err)
}

// isStreamed reports whether each chunk should be flushed as soon as it is
// written: bodies of unknown length and server-sent events.
func isStreamed(resp *model.ProxyResponse) bool {
	if resp.ContentLength < 0 {
		return true
	}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return mediaType == "text/event-stream"
}

// announceTrailers declares the upstream trailer names so the client expects them.
func announceTrailers(header, trailer http.Header) {
	if len(trailer) == 0 {
		return
	}
	keys := make([]string, 0, len(trailer))
	for k := range trailer {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		header.Add("Trailer", k)
	}
}

func copyTrailers(header, trailer http.Header) {
	for k, vv := range trailer {
		for _, v := range vv {
			header.Add(http.TrailerPrefix+k, v)
		}
	}
}
