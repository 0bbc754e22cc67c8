package icbgw

import "log/slog"

// Logger is the interface for structured logging.
// It is designed to be compatible with *slog.Logger from the standard library.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// defaultLogger returns the default slog logger from the standard library.
func defaultLogger() Logger {
	return slog.Default()
}

// attrLogger prepends a fixed set of key/value pairs to every call.
type attrLogger struct {
	base  Logger
	attrs []any
}

// withAttrs returns a Logger that adds args to every record.
func withAttrs(l Logger, args ...any) Logger {
	if a, ok := l.(*attrLogger); ok {
		return &attrLogger{base: a.base, attrs: append(append([]any{}, a.attrs...), args...)}
	}
	return &attrLogger{base: l, attrs: args}
}

func (l *attrLogger) with(args []any) []any {
	return append(append(make([]any, 0, len(l.attrs)+len(args)), l.attrs...), args...)
}

func (l *attrLogger) Debug(msg string, args ...any) { l.base.Debug(msg, l.with(args)...) }
func (l *attrLogger) Info(msg string, args ...any)  { l.base.Info(msg, l.with(args)...) }
func (l *attrLogger) Warn(msg string, args ...any)  { l.base.Warn(msg, l.with(args)...) }
func (l *attrLogger) Error(msg string, args ...any) { l.base.Error(msg, l.with(args)...) }
