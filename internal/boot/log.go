package boot

import (
	"io"
	"log/slog"
	"sync"
)

var (
	levelOnce sync.Once
	level     slog.LevelVar
)

// SetLogLevel fixes the level of loggers made by NewLogger. Only the first
// call has any effect; it reports whether this call was the one.
func SetLogLevel(l slog.Level) bool {
	set := false
	levelOnce.Do(func() {
		level.Set(l)
		set = true
	})
	return set
}

// LogLevel returns the level in force.
func LogLevel() slog.Level { return level.Level() }

// NewLogger returns a text logger on w that honours SetLogLevel.
func NewLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: &level}))
}
