// Package logger holds the process-wide zerolog root. Output is discarded
// until a command opts in, so library use of the packages stays quiet.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var root zerolog.Logger

func init() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	SetSilentMode(true)
}

// SetSilentMode discards all output when silent; otherwise log lines go to
// stderr through a console writer.
func SetSilentMode(silent bool) {
	out := io.Writer(io.Discard)
	if !silent {
		out = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		}
	}
	root = zerolog.New(out).With().Timestamp().Logger()
}

// New returns the root logger
func New() zerolog.Logger {
	return root
}

// WithComponent returns a child logger tagged with a component name
func WithComponent(name string) zerolog.Logger {
	return root.With().Str("component", name).Logger()
}

// SetLevel applies a textual level such as "debug" or "warn". Anything
// unrecognized falls back to info.
func SetLevel(level string) {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}
