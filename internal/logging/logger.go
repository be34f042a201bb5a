// Package logging provides structured logging for both CLI and daemon (watch) modes.
//
// Every byte written by a Logger passes through sanitize.Redact, so emails,
// passwords and bearer tokens never reach the output even when they are
// embedded in an upstream error body.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hearthlink/hearthlink/internal/events"
	"github.com/hearthlink/hearthlink/internal/util/sanitize"
)

// Logger wraps zerolog with mode-specific behavior.
type Logger struct {
	zlog     zerolog.Logger
	mode     string // "cli" or "daemon"
	eventBus *events.EventBus
	output   io.Writer // current output writer
}

// redactWriter scrubs credentials from each formatted log line.
type redactWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (r *redactWriter) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := io.WriteString(r.w, sanitize.Redact(string(p))); err != nil {
		return 0, err
	}
	// Report the original length so zerolog does not treat redaction as a short write.
	return len(p), nil
}

// newWriter builds the formatted, redacting writer for a mode.
func newWriter(mode string, w io.Writer) io.Writer {
	if mode == "daemon" {
		// JSON lines for log shippers
		return &redactWriter{w: w}
	}
	return zerolog.ConsoleWriter{
		Out:        &redactWriter{w: w},
		TimeFormat: "15:04:05",
	}
}

// NewLogger creates a new logger for the specified mode.
// CLI mode writes human-readable lines to stderr (stdout carries command output);
// daemon mode writes JSON lines to stdout.
func NewLogger(mode string, eventBus *events.EventBus) *Logger {
	var out io.Writer = os.Stderr
	if mode == "daemon" {
		out = os.Stdout
	}
	return NewLoggerWithWriter(mode, eventBus, out)
}

// NewLoggerWithWriter creates a logger writing to w.
func NewLoggerWithWriter(mode string, eventBus *events.EventBus, w io.Writer) *Logger {
	output := newWriter(mode, w)

	logger := zerolog.New(output).
		With().
		Timestamp().
		Logger()

	return &Logger{
		zlog:     logger,
		mode:     mode,
		eventBus: eventBus,
		output:   output,
	}
}

// NewDefaultCLILogger creates a default CLI logger.
func NewDefaultCLILogger() *Logger {
	return NewLogger("cli", nil)
}

// Nop returns a logger that discards everything. Used when a component is
// constructed without a logger.
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop(), mode: "cli", output: io.Discard}
}

// Info returns an info level event.
func (l *Logger) Info() *zerolog.Event {
	return l.zlog.Info()
}

// Error returns an error level event.
func (l *Logger) Error() *zerolog.Event {
	return l.zlog.Error()
}

// Debug returns a debug level event.
func (l *Logger) Debug() *zerolog.Event {
	return l.zlog.Debug()
}

// Warn returns a warn level event.
func (l *Logger) Warn() *zerolog.Event {
	return l.zlog.Warn()
}

// With creates a child logger with additional context.
func (l *Logger) With() zerolog.Context {
	return l.zlog.With()
}

// Component returns a child logger tagged with component=name.
func (l *Logger) Component(name string) *Logger {
	return &Logger{
		zlog:     l.zlog.With().Str("component", name).Logger(),
		mode:     l.mode,
		eventBus: l.eventBus,
		output:   l.output,
	}
}

// SetOutput changes the output writer for the logger.
func (l *Logger) SetOutput(w io.Writer) {
	l.output = newWriter(l.mode, w)
	l.zlog = zerolog.New(l.output).With().Timestamp().Logger()
}

// Output returns the current output writer.
func (l *Logger) Output() io.Writer {
	return l.output
}

// Debugf logs a debug message with printf-style formatting.
// This is only shown when debug/verbose mode is enabled.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.zlog.Debug().Msgf(format, args...)
}

// Infof logs an info message with printf-style formatting.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.zlog.Info().Msgf(format, args...)
}

// Errorf logs an error message with printf-style formatting and mirrors it
// to the event bus.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.zlog.Error().Msgf(format, args...)
	l.publish(events.ErrorLevel, format, args...)
}

// Warnf logs a warning message with printf-style formatting and mirrors it
// to the event bus.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.zlog.Warn().Msgf(format, args...)
	l.publish(events.WarnLevel, format, args...)
}

func (l *Logger) publish(level events.LogLevel, format string, args ...interface{}) {
	if l.eventBus == nil {
		return
	}
	l.eventBus.PublishLog(level, sanitize.Redact(fmt.Sprintf(format, args...)), "", nil)
}

// ParseLevel converts a config string to a zerolog level. Unknown values map to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// SetGlobalLevel sets the global log level.
func SetGlobalLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

func init() {
	// Set default log level to info
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        &redactWriter{w: os.Stderr},
		TimeFormat: "15:04:05",
	})
}
