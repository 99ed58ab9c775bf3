// Package eventlog records proxy events asynchronously with a minimum
// severity threshold.
package eventlog

import (
	"fmt"
	"log/slog"
	"strings"
)

// Severity orders events from DEBUG to CRITICAL. Values line up with slog
// levels so a Severity can be handed to any slog.Handler.
type Severity int

const (
	Debug    = Severity(slog.LevelDebug)
	Info     = Severity(slog.LevelInfo)
	Warning  = Severity(slog.LevelWarn)
	Error    = Severity(slog.LevelError)
	Critical = Severity(slog.LevelError + 4)
)

// Level returns the slog level for s.
func (s Severity) Level() slog.Level {
	return slog.Level(s)
}

func (s Severity) String() string {
	switch {
	case s < Info:
		return "DEBUG"
	case s < Warning:
		return "INFO"
	case s < Error:
		return "WARNING"
	case s < Critical:
		return "ERROR"
	default:
		return "CRITICAL"
	}
}

// ParseSeverity accepts the severity names case-insensitively, plus "warn".
// An empty string yields Warning.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug, nil
	case "info":
		return Info, nil
	case "warning", "warn", "":
		return Warning, nil
	case "error":
		return Error, nil
	case "critical":
		return Critical, nil
	default:
		return Warning, fmt.Errorf("unknown severity %q", s)
	}
}

// ReplaceLevel is a slog.HandlerOptions.ReplaceAttr that prints levels as
// severity names, so CRITICAL shows up as such instead of "ERROR+4".
func ReplaceLevel(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok {
		a.Value = slog.StringValue(Severity(level).String())
	}
	return a
}
