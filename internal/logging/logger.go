// Package logging provides the structured logging conventions used across
// the cache and operation engine. It wraps zerolog rather than exposing it
// directly so call sites never import github.com/rs/zerolog themselves.
package logging

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Logger wraps zerolog.Logger.
type Logger struct {
	zl zerolog.Logger
}

// Event wraps zerolog.Event, accumulating fields before Msg/Msgf flushes it.
type Event struct {
	ze *zerolog.Event
}

// DefaultLogger is used by the package-level helpers (Debug, Info, ...).
var DefaultLogger = Logger{zl: zlog.Logger}

// Level mirrors zerolog.Level so call sites never import zerolog.
type Level int8

const (
	DebugLevel Level = Level(zerolog.DebugLevel)
	InfoLevel  Level = Level(zerolog.InfoLevel)
	WarnLevel  Level = Level(zerolog.WarnLevel)
	ErrorLevel Level = Level(zerolog.ErrorLevel)
	FatalLevel Level = Level(zerolog.FatalLevel)
	PanicLevel Level = Level(zerolog.PanicLevel)
	NoLevel    Level = Level(zerolog.NoLevel)
	Disabled   Level = Level(zerolog.Disabled)
	TraceLevel Level = Level(zerolog.TraceLevel)
)

// ParseLevel parses a level string, returning an error for anything zerolog
// doesn't recognize.
func ParseLevel(levelStr string) (Level, error) {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		return Level(0), fmt.Errorf("invalid log level %q: %w", levelStr, err)
	}
	return Level(level), nil
}

func (l Level) String() string { return zerolog.Level(l).String() }

// SetGlobalLevel sets the process-wide minimum level.
func SetGlobalLevel(level Level) { zerolog.SetGlobalLevel(zerolog.Level(level)) }

// InitConsole points the default logger at a human-readable console writer,
// used for interactive runs; batch/daemon runs should leave the default
// JSON writer in place.
func InitConsole(out io.Writer) {
	w := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	DefaultLogger = Logger{zl: zerolog.New(w).With().Timestamp().Logger()}
	zlog.Logger = DefaultLogger.zl
}

// New creates a logger that tags every entry with component, e.g. a
// per-TreeStore or per-device logger.
func New(component string) Logger {
	return Logger{zl: DefaultLogger.zl.With().Str(FieldComponent, component).Logger()}
}

func (l Logger) Debug() Event { return Event{ze: l.zl.Debug()} }
func (l Logger) Info() Event  { return Event{ze: l.zl.Info()} }
func (l Logger) Warn() Event  { return Event{ze: l.zl.Warn()} }
func (l Logger) Error() Event { return Event{ze: l.zl.Error()} }
func (l Logger) Trace() Event { return Event{ze: l.zl.Trace()} }

func Debug() Event { return DefaultLogger.Debug() }
func Info() Event  { return DefaultLogger.Info() }
func Warn() Event  { return DefaultLogger.Warn() }
func Error() Event { return DefaultLogger.Error() }
func Trace() Event { return DefaultLogger.Trace() }

func (e Event) Str(key, val string) Event       { e.ze = e.ze.Str(key, val); return e }
func (e Event) Strs(key string, v []string) Event {
	e.ze = e.ze.Strs(key, v)
	return e
}
func (e Event) Int(key string, val int) Event   { e.ze = e.ze.Int(key, val); return e }
func (e Event) Uint64(key string, val uint64) Event {
	e.ze = e.ze.Uint64(key, val)
	return e
}
func (e Event) Bool(key string, val bool) Event { e.ze = e.ze.Bool(key, val); return e }
func (e Event) Dur(key string, val time.Duration) Event {
	e.ze = e.ze.Dur(key, val)
	return e
}
func (e Event) Err(err error) Event { e.ze = e.ze.Err(err); return e }
func (e Event) Interface(key string, val interface{}) Event {
	e.ze = e.ze.Interface(key, val)
	return e
}

func (e Event) Msg(msg string)                       { e.ze.Msg(msg) }
func (e Event) Msgf(format string, args ...interface{}) { e.ze.Msgf(format, args...) }

// IsDebugEnabled reports whether debug-level records would actually be
// emitted, letting hot paths skip expensive field construction.
func IsDebugEnabled() bool { return DefaultLogger.zl.GetLevel() <= zerolog.DebugLevel }
