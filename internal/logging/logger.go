package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with the fields this server attaches to every line.
type Logger struct {
	logger zerolog.Logger
}

// Config holds logging configuration
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Caller bool
	Output io.Writer
}

// DefaultConfig returns default logging configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: "json",
	}
}

// New creates a new structured logger
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(output).Level(parseLogLevel(cfg.Level)).With().Timestamp()
	if cfg.Caller {
		ctx = ctx.Caller()
	}
	return &Logger{logger: ctx.Logger()}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithField adds a field to the logger
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{logger: l.logger.With().Interface(key, value).Logger()}
}

// WithRequestID adds a request ID to the logger
func (l *Logger) WithRequestID(requestID string) *Logger {
	return &Logger{logger: l.logger.With().Str("request_id", requestID).Logger()}
}

// WithClientID adds a client ID to the logger
func (l *Logger) WithClientID(clientID string) *Logger {
	return &Logger{logger: l.logger.With().Str("client_id", clientID).Logger()}
}

// WithComponent tags every line with the emitting component.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{logger: l.logger.With().Str("component", name).Logger()}
}

// WithError adds an error to the logger
func (l *Logger) WithError(err error) *Logger {
	return &Logger{logger: l.logger.With().Err(err).Logger()}
}

func (l *Logger) Debug(msg string) { l.logger.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.logger.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.logger.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.logger.Error().Msg(msg) }

// Fatal logs and exits.
func (l *Logger) Fatal(msg string) { l.logger.Fatal().Msg(msg) }

func (l *Logger) Infof(format string, args ...interface{}) {
	l.logger.Info().Msgf(format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}

// Event is a chainable log line.
type Event struct {
	event *zerolog.Event
}

func (l *Logger) DebugEvent() *Event { return &Event{event: l.logger.Debug()} }
func (l *Logger) InfoEvent() *Event  { return &Event{event: l.logger.Info()} }
func (l *Logger) WarnEvent() *Event  { return &Event{event: l.logger.Warn()} }
func (l *Logger) ErrorEvent() *Event { return &Event{event: l.logger.Error()} }

func (e *Event) Str(key, val string) *Event {
	e.event = e.event.Str(key, val)
	return e
}

func (e *Event) Strs(key string, vals []string) *Event {
	e.event = e.event.Strs(key, vals)
	return e
}

func (e *Event) Int(key string, val int) *Event {
	e.event = e.event.Int(key, val)
	return e
}

func (e *Event) Dur(key string, val time.Duration) *Event {
	e.event = e.event.Dur(key, val)
	return e
}

func (e *Event) Err(err error) *Event {
	e.event = e.event.Err(err)
	return e
}

func (e *Event) Bool(key string, val bool) *Event {
	e.event = e.event.Bool(key, val)
	return e
}

// Fields adds every entry of the map to the event.
func (e *Event) Fields(fields map[string]interface{}) *Event {
	e.event = e.event.Fields(fields)
	return e
}

func (e *Event) Msg(msg string) { e.event.Msg(msg) }

// Zerolog returns the underlying zerolog.Logger
func (l *Logger) Zerolog() zerolog.Logger {
	return l.logger
}
