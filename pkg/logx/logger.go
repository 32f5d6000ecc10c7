package logx

import (
	"context"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

// Logger writes structured events. The zero value discards everything.
type Logger struct {
	svc    *Service
	zl     *zerolog.Logger
	fields []Field
}

// Nop returns a logger that never writes. Unlike the zero value it is not
// IsZero, so constructors keep it instead of substituting a default.
func Nop() Logger {
	zl := zerolog.Nop()
	return Logger{zl: &zl}
}

// New wraps zl. Tests use it to capture output.
func New(zl zerolog.Logger) Logger { return Logger{zl: &zl} }

// NewConsole returns a standalone human-readable stdout logger, for use
// before the config is loaded.
func NewConsole(level string) Logger {
	setGlobals()
	zl := zerolog.New(consoleWriter(stdout)).Level(ParseLevel(level, LevelInfo)).With().Timestamp().Logger()
	return Logger{zl: &zl}
}

func (l Logger) IsZero() bool { return l.svc == nil && l.zl == nil && len(l.fields) == 0 }

func (l Logger) target() zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.current()
	case l.zl != nil:
		return *l.zl
	default:
		return zerolog.Nop()
	}
}

// Enabled reports whether events at level would be written.
func (l Logger) Enabled(level Level) bool {
	return level >= l.target().GetLevel()
}

// With returns a logger that adds fields to every event.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	out := l
	out.fields = make([]Field, 0, len(l.fields)+len(fields))
	out.fields = append(append(out.fields, l.fields...), fields...)
	return out
}

func (l Logger) Trace(msg string, fields ...Field) { l.emit(LevelTrace, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.emit(LevelDebug, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(LevelInfo, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(LevelWarn, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(LevelError, msg, fields) }

// emit must stay exactly two frames below the caller for the caller field.
func (l Logger) emit(level Level, msg string, fields []Field) {
	zl := l.target()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, set := range l.fields {
		if set != nil {
			set(e)
		}
	}
	for _, set := range fields {
		if set != nil {
			set(e)
		}
	}
	e.Msg(msg)
}

type ctxKey struct{}

// IntoContext stores l on ctx.
func IntoContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stored on ctx, or a no-op logger.
func FromContext(ctx context.Context) Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(Logger); ok {
			return l
		}
	}
	return Nop()
}
