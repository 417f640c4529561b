package observability

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field names shared by every component logger, so one query can follow a
// pool across the hook, the feed and the keeper.
const (
	FieldComponent = "component"
	FieldPool      = "pool"
)

// NewLogger creates a structured JSON logger on stdout tagged with the
// component name. Level comes from TICKBOOK_LOG_LEVEL, default info.
func NewLogger(component string) zerolog.Logger {
	return NewLoggerTo(os.Stdout, component, LevelFromEnv())
}

// NewLoggerTo is NewLogger with an explicit sink and level.
func NewLoggerTo(w io.Writer, component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str(FieldComponent, component).
		Logger()
}

// ForPool scopes l to one pool.
func ForPool(l zerolog.Logger, pool fmt.Stringer) zerolog.Logger {
	return l.With().Stringer(FieldPool, pool).Logger()
}

// LevelFromEnv reads TICKBOOK_LOG_LEVEL. Unknown values fall back to info.
func LevelFromEnv() zerolog.Level {
	s := strings.ToLower(strings.TrimSpace(os.Getenv("TICKBOOK_LOG_LEVEL")))
	if s == "warning" {
		s = "warn"
	}
	level, err := zerolog.ParseLevel(s)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
