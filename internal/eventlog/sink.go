package eventlog

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/natefinch/lumberjack.v2"

	"portmap-proxy/internal/config"
)

const megabyte = 1024 * 1024

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// NewSlog builds the process logger from the [log] section. Output goes to
// stdout, or to a size-rotated file when a file path is configured. The
// returned closer releases the file.
func NewSlog(cfg *config.Config) (*slog.Logger, io.Closer, error) {
	level, err := ParseSeverity(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}

	var out io.WriteCloser = nopCloser{os.Stdout}
	if cfg.Log.FilePath != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.Log.FilePath,
			MaxSize:    maxSizeMB(cfg.Log.MaxSize),
			MaxBackups: cfg.Log.BackupCount,
		}
	}

	logger := slog.New(newHandler(out, cfg.Log.Format, level))
	if cfg.Log.FilePath != "" {
		logger.Info("logging to file",
			"path", cfg.Log.FilePath,
			"max_size", humanize.IBytes(uint64(cfg.Log.MaxSize)),
			"backups", cfg.Log.BackupCount,
		)
	}
	return logger, out, nil
}

func newHandler(w io.Writer, format string, level Severity) slog.Handler {
	opts := &slog.HandlerOptions{Level: level.Level(), ReplaceAttr: ReplaceLevel}
	switch strings.ToLower(format) {
	case "json":
		return slog.NewJSONHandler(w, opts)
	default:
		return slog.NewTextHandler(w, opts)
	}
}

// maxSizeMB converts a byte budget to lumberjack's megabyte unit, rounding up.
func maxSizeMB(bytes int64) int {
	if bytes <= 0 {
		return 0
	}
	return int((bytes + megabyte - 1) / megabyte)
}
