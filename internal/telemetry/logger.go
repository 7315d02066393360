package telemetry

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger. Development gets a console writer at
// debug level; everything else writes JSON at info level. LOG_LEVEL wins over
// both when it parses.
func NewLogger(appEnv, level, component string) zerolog.Logger {
	return newLogger(os.Stdout, appEnv, level, component)
}

func newLogger(out io.Writer, appEnv, level, component string) zerolog.Logger {
	lvl := zerolog.InfoLevel
	if appEnv == "development" {
		lvl = zerolog.DebugLevel
	}
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level))); err == nil && level != "" {
		lvl = parsed
	}

	if appEnv == "development" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(out).Level(lvl).With().Timestamp()
	if component != "" {
		ctx = ctx.Str("component", component)
	}
	return ctx.Logger()
}
