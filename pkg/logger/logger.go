// Package logger defines the logging contract shared by the messaging libraries.
//
// The libraries never depend on a concrete logging framework; callers plug in
// an adapter (the service uses zerolog) or fall back to Nop.
package logger

type (
	// Logger is a leveled, chainable structured logger.
	Logger interface {
		Debug() LogEvent
		Info() LogEvent
		Warn() LogEvent
		Error() LogEvent
	}

	// LogEvent is a single log entry under construction. Msg emits it.
	LogEvent interface {
		Str(key, value string) LogEvent
		Int(key string, value int) LogEvent
		Err(err error) LogEvent
		Msg(msg string)
	}
)

type (
	nopLogger struct{}
	nopEvent  struct{}
)

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return nopLogger{}
}

func (nopLogger) Debug() LogEvent { return nopEvent{} }
func (nopLogger) Info() LogEvent  { return nopEvent{} }
func (nopLogger) Warn() LogEvent  { return nopEvent{} }
func (nopLogger) Error() LogEvent { return nopEvent{} }

func (e nopEvent) Str(string, string) LogEvent { return e }
func (e nopEvent) Int(string, int) LogEvent    { return e }
func (e nopEvent) Err(error) LogEvent          { return e }
func (nopEvent) Msg(string)                    {}

// OrNop returns l, or Nop when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop()
	}

	return l
}
