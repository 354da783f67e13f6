package infrastructure

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/architeacher/svc-messaging/internal/config"
	"github.com/architeacher/svc-messaging/pkg/logger"
)

// Logger is the service logger.
type Logger struct {
	zerolog.Logger
}

// New builds a logger from the logging configuration, writing to stdout.
func New(cfg config.LoggingConfig) Logger {
	return NewWithWriter(cfg, os.Stdout)
}

func NewWithWriter(cfg config.LoggingConfig, w io.Writer) Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	if strings.EqualFold(cfg.Format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return Logger{
		Logger: zerolog.New(w).Level(level).With().Timestamp().Logger(),
	}
}

// NewTestLogger discards everything.
func NewTestLogger() Logger {
	return Logger{Logger: zerolog.Nop()}
}

// Component returns a child logger tagged with component.
func (l Logger) Component(name string) Logger {
	return Logger{Logger: l.With().Str("component", name).Logger()}
}

// ForLibraries adapts the logger to the contract the messaging libraries log through.
func (l Logger) ForLibraries() logger.Logger {
	return zerologAdapter{l.Logger}
}

type (
	zerologAdapter struct {
		zl zerolog.Logger
	}

	zerologEvent struct {
		event *zerolog.Event
	}
)

func (a zerologAdapter) Debug() logger.LogEvent { return zerologEvent{a.zl.Debug()} }
func (a zerologAdapter) Info() logger.LogEvent  { return zerologEvent{a.zl.Info()} }
func (a zerologAdapter) Warn() logger.LogEvent  { return zerologEvent{a.zl.Warn()} }
func (a zerologAdapter) Error() logger.LogEvent { return zerologEvent{a.zl.Error()} }

// A disabled level yields a nil *zerolog.Event, whose methods are no-ops.

func (e zerologEvent) Str(key, value string) logger.LogEvent {
	return zerologEvent{e.event.Str(key, value)}
}

func (e zerologEvent) Int(key string, value int) logger.LogEvent {
	return zerologEvent{e.event.Int(key, value)}
}

func (e zerologEvent) Err(err error) logger.LogEvent {
	return zerologEvent{e.event.Err(err)}
}

func (e zerologEvent) Msg(msg string) {
	e.event.Msg(msg)
}
