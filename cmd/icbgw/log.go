package main

import (
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// configureLevel sets the global zerolog level from a user supplied name.
// Unknown names fall back to info.
func configureLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "all", "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "none", "off":
		zerolog.SetGlobalLevel(zerolog.Disabled)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// zeroLogger adapts a zerolog.Logger to icbgw.Logger. Arguments are
// alternating keys and values, as with log/slog.
type zeroLogger struct {
	l zerolog.Logger
}

func newLogger(w io.Writer) zeroLogger {
	return zeroLogger{l: zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()}
}

func (z zeroLogger) Debug(msg string, args ...any) { z.l.Debug().Fields(args).Msg(msg) }
func (z zeroLogger) Info(msg string, args ...any)  { z.l.Info().Fields(args).Msg(msg) }
func (z zeroLogger) Warn(msg string, args ...any)  { z.l.Warn().Fields(args).Msg(msg) }
func (z zeroLogger) Error(msg string, args ...any) { z.l.Error().Fields(args).Msg(msg) }
