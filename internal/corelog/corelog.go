// Package corelog provides the component-scoped logger used across
// corevault's internal services.
package corelog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// base is the process-wide logger all components derive from.
var base zerolog.Logger

func init() {
	base = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

// Configure replaces the base logger, e.g. to switch to JSON output or
// redirect to a different writer. Safe to call once during process
// startup; components that already took a child logger via Component
// keep the writer and format of the base they were derived from, but
// the level set here applies to them too, since it is zerolog's
// global level.
func Configure(level zerolog.Level, jsonOutput bool, out io.Writer) {
	if out == nil {
		out = os.Stderr
	}
	zerolog.SetGlobalLevel(level)
	if jsonOutput {
		base = zerolog.New(out).With().Timestamp().Logger()
		return
	}
	base = zerolog.New(zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

// Component returns a child logger tagged with the given component
// name, mirroring the WithComponent/WithNodeID helpers used elsewhere
// in the corpus for per-subsystem logging.
func Component(name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

// Cache returns a child logger additionally tagged with the owning
// cache's name, so log lines from concurrently running caches can be
// told apart.
func Cache(component, cache string) zerolog.Logger {
	return base.With().Str("component", component).Str("cache", cache).Logger()
}
