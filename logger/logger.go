// Package logger builds the structured logger handed to every component at
// construction. There is no package-level logger; main creates one and injects it.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Output formats
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// ConsoleTimeFormat is the timestamp layout used by the console writer.
const ConsoleTimeFormat = "2006-01-02 15:04:05"

// Options configures the logger.
type Options struct {
	Level  string    // debug|info|warn|error, defaults to info
	Format string    // json|console, defaults to json
	Out    io.Writer // defaults to os.Stderr
}

// New returns a leveled zerolog logger writing machine-parsable JSON lines, or
// human-readable console lines when Format is "console".
func New(opts Options) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = parsed
	}

	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	switch opts.Format {
	case "", FormatJSON:
	case FormatConsole:
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: ConsoleTimeFormat}
	default:
		return zerolog.Nop(), fmt.Errorf("invalid log format %q: must be %s or %s", opts.Format, FormatJSON, FormatConsole)
	}

	return zerolog.New(out).Level(level).Hook(timestampHook{layout: time.RFC3339Nano}), nil
}

// timestampHook stamps each event in its own layout so zerolog's
// package-level TimeFieldFormat is left alone.
type timestampHook struct {
	layout string
	now    func() time.Time
}

func (h timestampHook) Run(e *zerolog.Event, _ zerolog.Level, _ string) {
	now := time.Now
	if h.now != nil {
		now = h.now
	}
	e.Str(zerolog.TimestampFieldName, now().UTC().Format(h.layout))
}

// OrNop returns l unless it is nil, in which case a disabled logger is returned.
func OrNop(l *zerolog.Logger) zerolog.Logger {
	if l == nil {
		return zerolog.Nop()
	}
	return *l
}
