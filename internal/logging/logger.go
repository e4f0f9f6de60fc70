// Package logging provides the process-wide structured logger.
//
// Packages depend on the small printf-style Logger interface rather than
// slog directly so tests can pass Nop() and the binary can pick the
// output format at startup.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Logger is the minimal printf-style logging contract used across the
// dispatch core.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Config configures the root logger.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, text
	Output io.Writer
}

var (
	rootMu sync.Mutex
	root   *slog.Logger
)

// Init builds the root slog logger. Safe to call more than once; the
// last call wins.
func Init(cfg Config) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}

	rootMu.Lock()
	root = slog.New(handler)
	rootMu.Unlock()
}

func rootLogger() *slog.Logger {
	rootMu.Lock()
	defer rootMu.Unlock()
	if root == nil {
		root = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return root
}

type componentLogger struct {
	logger *slog.Logger
}

// NewComponentLogger returns the root logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{logger: rootLogger().With("component", component)}
}

func (l *componentLogger) Debug(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *componentLogger) Info(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *componentLogger) Warn(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *componentLogger) Error(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return Nop()
	}
	return logger
}
