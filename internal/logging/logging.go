// Package logging sets up the agent's structured logger: JSON lines in a
// size-rotated file under the data directory, or text on stderr for
// interactive debugging.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileName is the log file inside the data directory.
const FileName = "codepulse.log"

// Options selects where and how much to log.
type Options struct {
	Dir        string // data directory; ignored when Stderr is set
	Level      string
	MaxSizeMB  int
	MaxBackups int
	Stderr     bool
}

// Logger is a slog.Logger with the writer it owns.
type Logger struct {
	*slog.Logger
	closer io.Closer
}

// New creates the logger described by opts.
func New(opts Options) (*Logger, error) {
	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}

	if opts.Stderr {
		return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, handlerOpts))}, nil
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	w := &lumberjack.Logger{
		Filename:   filepath.Join(opts.Dir, FileName),
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
	}
	return &Logger{
		Logger: slog.New(slog.NewJSONHandler(w, handlerOpts)),
		closer: w,
	}, nil
}

// NewWriter returns a JSON logger over w, for tests and embedding.
func NewWriter(w io.Writer, level string) *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))}
}

// Close releases the log file.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// ParseLevel converts a level name to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
