// Package logging builds the zerolog loggers handed to every component.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

// ConsoleIO is the human readable output used in development.
var ConsoleIO = zerolog.ConsoleWriter{
	Out:        os.Stdout,
	TimeFormat: time.RFC3339,
}

// New returns a timestamped logger writing to w at the given level.
func New(w io.Writer, level zerolog.Level) zerolog.Logger {
	logger := zerolog.New(w).With().Timestamp().Logger()
	return logger.Level(level)
}

// Parse returns the logger described by a level name, writing JSON lines to
// stdout, or to ConsoleIO when console is set.
func Parse(level string, console bool) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), xerrors.Errorf("failed to parse log level %q: %v", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var w io.Writer = os.Stdout
	if console {
		w = ConsoleIO
	}
	return New(w, lvl), nil
}
