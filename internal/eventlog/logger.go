package eventlog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"portmap-proxy/internal/config"
	"portmap-proxy/internal/metrics"
	"portmap-proxy/internal/proxyerr"
)

// Options configures a Logger.
type Options struct {
	// MinSeverity drops events below it before they are queued.
	MinSeverity Severity
	// QueueSize bounds the number of pending events.
	QueueSize int
	// CriticalBurst is the number of same-kind ERROR events inside
	// CriticalWindow that escalates the event to CRITICAL. Zero or negative
	// disables escalation.
	CriticalBurst  int
	CriticalWindow time.Duration
}

// Logger accepts events from request goroutines without blocking and writes
// them to a slog.Logger from a single drain goroutine.
type Logger struct {
	logger  *slog.Logger
	opts    Options
	metrics *metrics.Metrics

	queue   chan Event
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64

	// recent holds ERROR timestamps per kind; touched by the drain goroutine only.
	recent map[proxyerr.Kind][]time.Time
}

// New starts a Logger writing to logger. m may be nil.
func New(logger *slog.Logger, opts Options, m *metrics.Metrics) *Logger {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	l := &Logger{
		logger:  logger,
		opts:    opts,
		metrics: m,
		queue:   make(chan Event, opts.QueueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		recent:  make(map[proxyerr.Kind][]time.Time),
	}
	go l.drain()
	return l
}

// NewFromConfig starts a Logger configured by the [log] section.
func NewFromConfig(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Logger, error) {
	minSeverity, err := ParseSeverity(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	return New(logger.With("component", "events"), Options{
		MinSeverity:    minSeverity,
		QueueSize:      cfg.Log.QueueSize,
		CriticalBurst:  cfg.Log.CriticalBurst,
		CriticalWindow: cfg.Log.CriticalWindow(),
	}, m), nil
}

// Log enqueues e. It never blocks: events below the threshold are discarded
// and a full queue drops the event.
func (l *Logger) Log(e Event) {
	if !l.admits(e) {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	select {
	case <-l.stop:
		return
	default:
	}
	select {
	case l.queue <- e:
	default:
		l.dropped.Add(1)
		if l.metrics != nil {
			l.metrics.EventsDropped.Inc()
		}
	}
}

// Dropped returns the number of events discarded because the queue was full.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

// Close stops accepting events, writes everything still queued and returns
// once the drain goroutine has exited. It is safe to call more than once.
func (l *Logger) Close() error {
	l.once.Do(func() { close(l.stop) })
	<-l.done
	return nil
}

// admits reports whether e passes the threshold. ERROR events that may
// escalate are let through when only CRITICAL would be written.
func (l *Logger) admits(e Event) bool {
	if e.Severity >= l.opts.MinSeverity {
		return true
	}
	return l.escalates(e) && Critical >= l.opts.MinSeverity
}

func (l *Logger) escalates(e Event) bool {
	return l.opts.CriticalBurst > 0 && e.Severity == Error && e.Kind != proxyerr.KindUnknown
}

func (l *Logger) drain() {
	defer close(l.done)
	for {
		select {
		case e := <-l.queue:
			l.write(e)
		case <-l.stop:
			for {
				select {
				case e := <-l.queue:
					l.write(e)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) write(e Event) {
	if l.escalates(e) && l.burst(e.Kind, e.Time) {
		e.Severity = Critical
	}
	if e.Severity < l.opts.MinSeverity {
		return
	}

	ctx := context.Background()
	h := l.logger.Handler()
	if !h.Enabled(ctx, e.Severity.Level()) {
		return
	}

	r := slog.NewRecord(e.Time, e.Severity.Level(), e.Message, 0)
	r.AddAttrs(e.attrs()...)
	if err := h.Handle(ctx, r); err != nil {
		return
	}
	if l.metrics != nil {
		l.metrics.EventsLogged.WithLabelValues(e.Severity.String()).Inc()
	}
}

// burst records an ERROR of kind at t and reports whether the number of such
// events inside the window has reached the burst size.
func (l *Logger) burst(kind proxyerr.Kind, t time.Time) bool {
	cutoff := t.Add(-l.opts.CriticalWindow)
	times := l.recent[kind]
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	times = append(times[i:], t)
	if len(times) > l.opts.CriticalBurst {
		times = times[len(times)-l.opts.CriticalBurst:]
	}
	l.recent[kind] = times
	return len(times) >= l.opts.CriticalBurst
}
