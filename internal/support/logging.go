package support

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

const (
	logPrefix        = "ImpervaAPI"
	logFileTimestamp = "2006-01-02-15-04-05"
)

// LogOptions controls where and how the shared logger writes.
type LogOptions struct {
	Dir    string
	Level  string
	Format string
	// Console receives a copy of every entry. Defaults to stderr.
	Console io.Writer
}

// NewLogger builds the process logger. When Dir is set every entry is also
// written to <Dir>/<timestamp>_imperva_api.log; the returned closer releases
// that file.
func NewLogger(opts LogOptions, now time.Time) (*log.Logger, io.Closer, error) {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	levelName := strings.ToLower(strings.TrimSpace(opts.Level))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, nil, fmt.Errorf("parse log level %q: %w", opts.Level, err)
	}

	var (
		out              = console
		closer io.Closer = nopCloser{}
		path   string
	)

	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		path = filepath.Join(opts.Dir, fmt.Sprintf("%s_imperva_api.log", now.Format(logFileTimestamp)))
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(console, file)
		closer = file
	}

	logger := log.NewWithOptions(out, log.Options{
		Prefix:          logPrefix,
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
		Formatter:       parseFormatter(opts.Format),
	})

	logger.Info("Log initialized", "timestamp", now.Format(logFileTimestamp), "file", path)
	return logger, closer, nil
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *log.Logger {
	return log.New(io.Discard)
}

func parseFormatter(format string) log.Formatter {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return log.JSONFormatter
	case "logfmt":
		return log.LogfmtFormatter
	default:
		return log.TextFormatter
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
