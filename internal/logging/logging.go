// Package logging builds the process logger: slog to stderr, an optional
// rotating file, and any extra sinks such as the in-memory tail served over
// HTTP.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level  string // debug, info, warn, error
	Format string // text or json

	// File, when set, receives a rotated copy of every record.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Logger is the configured slog logger plus whatever it must close on exit.
type Logger struct {
	*slog.Logger
	Level   *slog.LevelVar
	LogFile string

	file *lumberjack.Logger
}

// New builds a Logger writing to stderr and every writer in extra.
func New(cfg Config, extra ...io.Writer) (*Logger, error) {
	level := new(slog.LevelVar)
	level.Set(ParseLevel(cfg.Level))

	writers := []io.Writer{os.Stderr}
	var file *lumberjack.Logger
	if f := strings.TrimSpace(cfg.File); f != "" {
		if err := os.MkdirAll(filepath.Dir(f), 0o755); err != nil {
			return nil, err
		}
		file = &lumberjack.Logger{
			Filename:   f,
			MaxSize:    cfg.MaxSizeMB, // MB
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		writers = append(writers, file)
	}
	for _, w := range extra {
		if w != nil {
			writers = append(writers, w)
		}
	}

	l := &Logger{
		Logger:  slog.New(NewHandler(io.MultiWriter(writers...), cfg.Format, level)),
		Level:   level,
		LogFile: cfg.File,
		file:    file,
	}
	l.logBuildInfo()
	return l, nil
}

// NewHandler returns a text or JSON handler on w.
func NewHandler(w io.Writer, format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything; handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func (l *Logger) logBuildInfo() {
	attrs := []any{
		slog.String("goos", runtime.GOOS),
		slog.String("goarch", runtime.GOARCH),
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		attrs = append(attrs, slog.String("go", bi.GoVersion), slog.String("module", bi.Main.Path))
		for _, s := range bi.Settings {
			if s.Key == "vcs.revision" {
				attrs = append(attrs, slog.String("revision", s.Value))
			}
		}
	}
	l.Debug("build", attrs...)
}

// Close flushes and closes the rotating file, if any.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}
