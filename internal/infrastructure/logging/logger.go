// Package logging configures the daemon's structured logger, a thin
// wrapper over log/slog. The configuration picks level, format and
// destination:
//
//	logging:
//	  level: "info"    # or debug, warn, error
//	  format: "json"   # or text
//	  output: "stdout" # or stderr
//
// Every record carries the service name and version so aggregated
// logs from several instances stay separable. Never log secrets or
// tokens; log derived facts such as expiry times instead.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/gray-logic-cloud/internal/infrastructure/config"
)

// serviceName tags every record emitted by this binary.
const serviceName = "graylogic-cloud"

// Logger is the daemon-wide structured logger. The embedded
// *slog.Logger provides Debug/Info/Warn/Error; all methods are safe
// for concurrent use.
type Logger struct {
	*slog.Logger
}

// New builds a Logger from the logging section of the configuration.
// Unrecognised values fall back to JSON on stdout at info level, so a
// broken config never silences the daemon.
func New(cfg config.LoggingConfig, version string) *Logger {
	return build(cfg, version, destination(cfg.Output))
}

// With returns a child logger carrying extra default attributes.
// Components take their own child at startup:
//
//	relayLog := log.With("component", "relay")
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Default returns a JSON stdout logger at info level, for the window
// between process start and configuration load.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, "dev")
}

// build assembles the handler chain onto the given writer. Split from
// New so tests can capture output.
func build(cfg config.LoggingConfig, version string, w io.Writer) *Logger {
	handler := newHandler(cfg, w).WithAttrs([]slog.Attr{
		slog.String("service", serviceName),
		slog.String("version", version),
	})
	return &Logger{Logger: slog.New(handler)}
}

// destination maps the configured output name to a writer.
func destination(name string) io.Writer {
	if strings.EqualFold(name, "stderr") {
		return os.Stderr
	}
	return os.Stdout
}

// newHandler builds the slog handler for the configured format and
// level.
func newHandler(cfg config.LoggingConfig, w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: levelFrom(cfg.Level)}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// levelFrom parses a level name. Unknown names mean info.
func levelFrom(name string) slog.Level {
	switch strings.ToLower(name) {
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
