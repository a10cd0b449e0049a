package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

type Options struct {
	Level  string
	Format string
	Writer io.Writer
}

// New builds the process logger. An empty level means info and an empty
// format means JSON.
func New(opts Options) (zerolog.Logger, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	level := zerolog.InfoLevel
	if raw := strings.TrimSpace(opts.Level); raw != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(raw))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("logging: invalid level %q: %w", raw, err)
		}
		level = parsed
	}
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", FormatJSON:
	case FormatConsole:
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: true}
	default:
		return zerolog.Nop(), fmt.Errorf("logging: invalid format %q", opts.Format)
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

// Subsystem returns a child logger tagged with the subsystem name.
func Subsystem(l zerolog.Logger, name string) *zerolog.Logger {
	child := l.With().Str("subsystem", name).Logger()
	return &child
}

// Printer adapts a zerolog logger to the Printf-style Logger interfaces used
// by the core packages. Lines are written at info level; *zerolog.Logger's
// own Printf writes at debug.
type Printer struct {
	L zerolog.Logger
}

func (p Printer) Printf(format string, args ...any) {
	p.L.Info().Msgf(format, args...)
}

// Truncate shortens s for single-line log output.
func Truncate(s string, maxLen int) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	runes := []rune(s)
	if maxLen <= 0 || len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
