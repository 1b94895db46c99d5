package logger

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Logger is the logging surface used across the project. Implementations
// carry a component name; Sub derives a child logger for a sub-component.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	Sub(component string) Logger
}

type zeroLogger struct {
	l zerolog.Logger
}

// New builds the root logger writing console output to stderr.
// level accepts DEBUG/INFO/WARN/ERROR (case-insensitive), defaulting to INFO.
func New(component, level string) Logger {
	return NewWithWriter(component, level, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
}

// NewWithWriter builds a logger against an arbitrary writer (used in tests).
func NewWithWriter(component, level string, w io.Writer) Logger {
	zl := zerolog.New(w).With().Timestamp().Str("component", component).Logger()
	zl = zl.Level(parseLevel(level))
	return &zeroLogger{l: zl}
}

// Noop discards everything.
func Noop() Logger {
	return &zeroLogger{l: zerolog.Nop()}
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (z *zeroLogger) Debugf(format string, args ...any) { z.l.Debug().Msgf(format, args...) }
func (z *zeroLogger) Infof(format string, args ...any)  { z.l.Info().Msgf(format, args...) }
func (z *zeroLogger) Warnf(format string, args ...any)  { z.l.Warn().Msgf(format, args...) }
func (z *zeroLogger) Errorf(format string, args ...any) { z.l.Error().Msgf(format, args...) }

func (z *zeroLogger) Sub(component string) Logger {
	return &zeroLogger{l: z.l.With().Str("sub", component).Logger()}
}
