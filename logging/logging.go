// Package logging provides the structured logger used across Hermes.
// Output is JSON lines by default (console format for local runs), one
// entry per event, with the emitting component attached.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// ParseLevel maps a config string to a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	switch Level(strings.ToUpper(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn, "WARNING":
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Format selects the line encoding.
type Format string

const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// Config configures a root logger.
type Config struct {
	Level  Level
	Format Format
	Output io.Writer // default os.Stdout
}

// Logger is a leveled, structured logger. Derived loggers share nothing
// mutable with their parent.
type Logger struct {
	mu        sync.Mutex
	zl        zerolog.Logger
	output    io.Writer
	format    Format
	minLevel  Level
	component string
	traceID   string
	disabled  bool
}

// New creates a JSON logger writing to stdout at INFO.
func New() *Logger {
	return NewWithConfig(Config{})
}

// NewWithConfig creates a root logger from cfg.
func NewWithConfig(cfg Config) *Logger {
	l := &Logger{
		output:   cfg.Output,
		format:   cfg.Format,
		minLevel: cfg.Level,
	}
	if l.output == nil {
		l.output = os.Stdout
	}
	if l.format == "" {
		l.format = FormatJSON
	}
	if l.minLevel == "" {
		l.minLevel = LevelInfo
	}
	l.rebuild()
	return l
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop(), output: io.Discard, minLevel: LevelError, disabled: true}
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *Logger) *Logger {
	if l == nil {
		return Nop()
	}
	return l
}

func (l *Logger) rebuild() {
	if l.disabled {
		l.zl = zerolog.Nop()
		return
	}
	w := l.output
	if l.format == FormatConsole {
		w = zerolog.ConsoleWriter{Out: l.output, NoColor: true, TimeFormat: "2006-01-02T15:04:05.000Z07:00"}
	}
	ctx := zerolog.New(w).Level(l.minLevel.zerolog()).With().Timestamp()
	if l.component != "" {
		ctx = ctx.Str("component", l.component)
	}
	if l.traceID != "" {
		ctx = ctx.Str("trace_id", l.traceID)
	}
	l.zl = ctx.Logger()
}

func (l *Logger) derive(component, traceID string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	child := &Logger{
		output:    l.output,
		format:    l.format,
		minLevel:  l.minLevel,
		component: component,
		traceID:   traceID,
		disabled:  l.disabled,
	}
	child.rebuild()
	return child
}

// WithComponent returns a new logger tagged with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return l.derive(component, l.traceID)
}

// WithTraceID returns a new logger tagged with the given trace ID.
func (l *Logger) WithTraceID(traceID string) *Logger {
	return l.derive(l.component, traceID)
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
	l.rebuild()
}

// SetOutput sets the output writer.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
	l.rebuild()
}

// Zerolog exposes the underlying logger for libraries that take one.
func (l *Logger) Zerolog() zerolog.Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.zl
}

func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(zerolog.DebugLevel, msg, fields...)
}

func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(zerolog.InfoLevel, msg, fields...)
}

func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(zerolog.WarnLevel, msg, fields...)
}

func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(zerolog.ErrorLevel, msg, fields...)
}

func (l *Logger) log(level zerolog.Level, msg string, fields ...map[string]interface{}) {
	l.mu.Lock()
	zl := l.zl
	l.mu.Unlock()

	ev := zl.WithLevel(level)
	if ev == nil {
		return
	}
	for _, f := range fields {
		if f == nil {
			continue
		}
		for k, v := range f {
			if err, ok := v.(error); ok {
				ev = ev.AnErr(k, err)
				continue
			}
			ev = ev.Interface(k, v)
		}
	}
	ev.Msg(msg)
}

// --- Lifecycle event helpers ---

// ComponentRegistered logs a successful registration.
func (l *Logger) ComponentRegistered(id, componentType string, capabilities []string, replaced bool) {
	l.Info("component_registered", map[string]interface{}{
		"component_id":   id,
		"component_type": componentType,
		"capabilities":   strings.Join(capabilities, ","),
		"replaced":       replaced,
	})
}

// ComponentRemoved logs an unregister or expiry.
func (l *Logger) ComponentRemoved(id, reason string) {
	l.Info("component_removed", map[string]interface{}{
		"component_id": id,
		"reason":       reason,
	})
}

// StatusTransition logs a health state change.
func (l *Logger) StatusTransition(id, from, to, reason string) {
	fields := map[string]interface{}{
		"component_id": id,
		"from":         from,
		"to":           to,
	}
	if reason != "" {
		fields["reason"] = reason
	}
	if to == "UNHEALTHY" {
		l.Warn("status_transition", fields)
		return
	}
	l.Info("status_transition", fields)
}

// SweepCompleted logs the outcome of one heartbeat sweep.
func (l *Logger) SweepCompleted(scanned, unhealthy, expired, purged int, took time.Duration) {
	if unhealthy == 0 && expired == 0 && purged == 0 {
		l.Debug("sweep_completed", map[string]interface{}{"scanned": scanned, "duration": took.String()})
		return
	}
	l.Info("sweep_completed", map[string]interface{}{
		"scanned":   scanned,
		"unhealthy": unhealthy,
		"expired":   expired,
		"purged":    purged,
		"duration":  took.String(),
	})
}

// DeliveryRetry logs a failed delivery attempt that will be retried.
func (l *Logger) DeliveryRetry(messageID, subscriber string, attempt int, delay time.Duration, err error) {
	l.Warn("delivery_retry", map[string]interface{}{
		"message_id": messageID,
		"subscriber": subscriber,
		"attempt":    attempt,
		"delay":      delay.String(),
		"error":      err,
	})
}

// DeadLettered logs a message moved to the dead-letter log.
func (l *Logger) DeadLettered(messageID, topic, subscriber string, attempts int, err error) {
	l.Error("dead_lettered", map[string]interface{}{
		"message_id": messageID,
		"topic":      topic,
		"subscriber": subscriber,
		"attempts":   attempts,
		"error":      err,
	})
}
