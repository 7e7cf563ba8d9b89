package pkg

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

// Component tags every record with the subsystem that emitted it.
type Component string

const (
	ComponentStack   Component = "stack"
	ComponentHAL     Component = "hal"
	ComponentDAP     Component = "dap"
	ComponentSWO     Component = "swo"
	ComponentCapture Component = "capture"
	ComponentClient  Component = "client"
	ComponentTrace   Component = "trace"
	ComponentCLI     Component = "cli"
)

var (
	level  = new(slog.LevelVar)
	logger atomic.Pointer[slog.Logger]
)

func init() {
	level.Set(slog.LevelWarn)
	logger.Store(NewLogger(os.Stderr, false))
}

// NewLogger returns a text or JSON logger on w that follows the level set
// with SetLogLevel.
func NewLogger(w io.Writer, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if json {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Logger returns the logger shared by every component.
func Logger() *slog.Logger { return logger.Load() }

// SetLogger replaces the shared logger.
func SetLogger(l *slog.Logger) { logger.Store(l) }

// SetLogLevel sets the minimum level for the shared logger.
func SetLogLevel(l slog.Level) { level.Set(l) }

// LogLevel returns the minimum level for the shared logger.
func LogLevel() slog.Level { return level.Level() }

// ParseLogLevel maps a level name (debug, info, warn, error) to a slog level.
func ParseLogLevel(name string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", name, ErrInvalidParameter)
	}
	return l, nil
}

// ConfigureLogging installs a logger on w at the named level. It is what
// the command line tools call from their flag handling.
func ConfigureLogging(w io.Writer, name string, json bool) error {
	l, err := ParseLogLevel(name)
	if err != nil {
		return err
	}
	SetLogLevel(l)
	SetLogger(NewLogger(w, json))
	return nil
}

// Enabled reports whether records at l would be emitted. Hot paths check
// it before formatting attributes.
func Enabled(l slog.Level) bool {
	return l >= level.Level()
}

func logAt(l slog.Level, c Component, msg string, args []any) {
	lg := logger.Load()
	if !lg.Enabled(context.Background(), l) {
		return
	}
	lg.Log(context.Background(), l, msg, append([]any{"component", string(c)}, args...)...)
}

func LogDebug(c Component, msg string, args ...any) { logAt(slog.LevelDebug, c, msg, args) }
func LogInfo(c Component, msg string, args ...any)  { logAt(slog.LevelInfo, c, msg, args) }
func LogWarn(c Component, msg string, args ...any)  { logAt(slog.LevelWarn, c, msg, args) }
func LogError(c Component, msg string, args ...any) { logAt(slog.LevelError, c, msg, args) }
