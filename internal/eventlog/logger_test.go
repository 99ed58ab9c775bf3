package eventlog

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"portmap-proxy/internal/config"
	"portmap-proxy/internal/metrics"
	"portmap-proxy/internal/proxyerr"
)

// captureHandler records every slog record it handles.
type captureHandler struct {
	mu      sync.Mutex
	records []slog.Record
	block   chan struct{}
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler { return h }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	if h.block != nil {
		<-h.block
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}

func (h *captureHandler) levels() []slog.Level {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]slog.Level, len(h.records))
	for i, r := range h.records {
		out[i] = r.Level
	}
	return out
}

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		in      string
		want    Severity
		wantErr bool
	}{
		{"DEBUG", Debug, false},
		{"info", Info, false},
		{"Warning", Warning, false},
		{"warn", Warning, false},
		{"", Warning, false},
		{"error", Error, false},
		{"CRITICAL", Critical, false},
		{"fatal", Warning, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSeverity(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSeverity(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseSeverity(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestSeverity_Order(t *testing.T) {
	order := []Severity{Debug, Info, Warning, Error, Critical}
	names := []string{"DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL"}
	for i, s := range order {
		if s.String() != names[i] {
			t.Errorf("severity %d String() = %q, want %q", i, s.String(), names[i])
		}
		if i > 0 && order[i-1] >= s {
			t.Errorf("%v should be below %v", order[i-1], s)
		}
	}
}

func TestReplaceLevel_PrintsCritical(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, "text", Debug))

	logger.Log(context.Background(), Critical.Level(), "upstream down")
	logger.Warn("slow")

	out := buf.String()
	if !strings.Contains(out, "level=CRITICAL") {
		t.Errorf("output missing level=CRITICAL:\n%s", out)
	}
	if !strings.Contains(out, "level=WARNING") {
		t.Errorf("output missing level=WARNING:\n%s", out)
	}
}

func TestLogger_Threshold(t *testing.T) {
	h := &captureHandler{}
	l := New(slog.New(h), Options{MinSeverity: Warning, QueueSize: 16}, nil)

	l.Log(Event{Severity: Debug, Message: "debug"})
	l.Log(Event{Severity: Info, Message: "info"})
	l.Log(Event{Severity: Warning, Message: "warning"})
	l.Log(Event{Severity: Error, Message: "error"})
	l.Log(Event{Severity: Critical, Message: "critical"})
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	got := h.levels()
	want := []slog.Level{Warning.Level(), Error.Level(), Critical.Level()}
	if len(got) != len(want) {
		t.Fatalf("got %d records (%v), want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("record %d level = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestLogger_Attributes(t *testing.T) {
	var buf bytes.Buffer
	l := New(slog.New(newHandler(&buf, "text", Debug)), Options{MinSeverity: Debug}, nil)

	l.Log(Event{
		Severity:  Error,
		Message:   "upstream request failed",
		Kind:      proxyerr.KindConnectFailed,
		ClientIP:  "203.0.113.7",
		Method:    "GET",
		URL:       "/api/items",
		Status:    502,
		Route:     "192.168.12.2:31388",
		Upstream:  "117.55.241.77:31380",
		RequestID: "req-1",
		Err:       errors.New("connection refused"),
	})
	_ = l.Close()

	out := buf.String()
	for _, want := range []string{
		"level=ERROR",
		"kind=connect_failed",
		"client_ip=203.0.113.7",
		"method=GET",
		"url=/api/items",
		"status=502",
		"upstream=117.55.241.77:31380",
		"request_id=req-1",
		`err="connection refused"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestLogger_BurstEscalation(t *testing.T) {
	h := &captureHandler{}
	l := New(slog.New(h), Options{
		MinSeverity:    Warning,
		CriticalBurst:  3,
		CriticalWindow: time.Minute,
	}, nil)

	now := time.Now()
	for i := range 4 {
		l.Log(Event{Severity: Error, Kind: proxyerr.KindTimeout, Time: now.Add(time.Duration(i) * time.Second)})
	}
	l.Log(Event{Severity: Error, Kind: proxyerr.KindConnectFailed, Time: now})
	l.Log(Event{Severity: Error, Time: now})
	_ = l.Close()

	got := h.levels()
	want := []slog.Level{
		Error.Level(), Error.Level(), Critical.Level(), Critical.Level(),
		Error.Level(),
		Error.Level(),
	}
	if len(got) != len(want) {
		t.Fatalf("got %d records (%v), want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("record %d level = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestLogger_BurstWindowExpires(t *testing.T) {
	h := &captureHandler{}
	l := New(slog.New(h), Options{
		MinSeverity:    Warning,
		CriticalBurst:  2,
		CriticalWindow: time.Second,
	}, nil)

	now := time.Now()
	l.Log(Event{Severity: Error, Kind: proxyerr.KindTimeout, Time: now})
	l.Log(Event{Severity: Error, Kind: proxyerr.KindTimeout, Time: now.Add(5 * time.Second)})
	_ = l.Close()

	for i, level := range h.levels() {
		if level != Error.Level() {
			t.Errorf("record %d level = %v, want ERROR", i, level)
		}
	}
}

func TestLogger_CriticalThresholdKeepsEscalations(t *testing.T) {
	h := &captureHandler{}
	l := New(slog.New(h), Options{
		MinSeverity:    Critical,
		CriticalBurst:  2,
		CriticalWindow: time.Minute,
	}, nil)

	now := time.Now()
	l.Log(Event{Severity: Error, Kind: proxyerr.KindTimeout, Time: now})
	l.Log(Event{Severity: Error, Kind: proxyerr.KindTimeout, Time: now})
	l.Log(Event{Severity: Warning, Kind: proxyerr.KindNoMapping, Time: now})
	_ = l.Close()

	got := h.levels()
	if len(got) != 1 || got[0] != Critical.Level() {
		t.Errorf("levels = %v, want a single CRITICAL", got)
	}
}

func TestLogger_FullQueueNeverBlocks(t *testing.T) {
	h := &captureHandler{block: make(chan struct{})}
	m := metrics.New()
	l := New(slog.New(h), Options{MinSeverity: Debug, QueueSize: 1}, m)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 100 {
			l.Log(Event{Severity: Error, Message: "x"})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Log blocked on a full queue")
	}

	if l.Dropped() == 0 {
		t.Error("expected dropped events")
	}
	if l.Dropped() > 99 {
		t.Errorf("Dropped() = %d, want at most 99", l.Dropped())
	}

	close(h.block)
	_ = l.Close()

	if got := len(h.levels()) + int(l.Dropped()); got != 100 {
		t.Errorf("written + dropped = %d, want 100", got)
	}
}

func TestLogger_CloseIdempotent(t *testing.T) {
	l := New(slog.New(slog.NewTextHandler(io.Discard, nil)), Options{}, nil)
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	l.Log(Event{Severity: Critical, Message: "after close"})
}

func TestNewFromConfig(t *testing.T) {
	cfg := &config.Config{Log: config.LogConfig{Level: "bogus"}}
	if _, err := NewFromConfig(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), nil); err == nil {
		t.Error("expected error for unknown level")
	}

	cfg.Log.Level = "error"
	l, err := NewFromConfig(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	if err != nil {
		t.Fatalf("NewFromConfig() error = %v", err)
	}
	defer l.Close()
	if l.opts.MinSeverity != Error {
		t.Errorf("MinSeverity = %v, want ERROR", l.opts.MinSeverity)
	}
}

func TestNewSlog_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "proxy.log")
	cfg := &config.Config{Log: config.LogConfig{
		Level:       "info",
		Format:      "json",
		FilePath:    path,
		MaxSize:     3 * megabyte / 2,
		BackupCount: 2,
	}}

	logger, closer, err := NewSlog(cfg)
	if err != nil {
		t.Fatalf("NewSlog() error = %v", err)
	}
	logger.Warn("route missing", "route", "10.0.0.1:80")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, `"msg":"logging to file"`) {
		t.Errorf("log file missing startup record:\n%s", out)
	}
	if !strings.Contains(out, `"level":"WARNING"`) {
		t.Errorf("log file missing WARNING record:\n%s", out)
	}
}

func TestNewSlog_BadLevel(t *testing.T) {
	_, _, err := NewSlog(&config.Config{Log: config.LogConfig{Level: "loud"}})
	if err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestMaxSizeMB(t *testing.T) {
	tests := []struct {
		bytes int64
		want  int
	}{
		{0, 0},
		{1, 1},
		{megabyte, 1},
		{megabyte + 1, 2},
		{10 * megabyte, 10},
	}
	for _, tt := range tests {
		if got := maxSizeMB(tt.bytes); got != tt.want {
			t.Errorf("maxSizeMB(%d) = %d, want %d", tt.bytes, got, tt.want)
		}
	}
}
