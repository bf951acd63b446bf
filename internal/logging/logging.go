package logging

import (
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	defaultLogger zerolog.Logger
	loggerOnce    sync.Once
)

// GetDefaultLogger returns the process-wide logger. The level is taken
// from the LOG_LEVEL environment variable (default info).
func GetDefaultLogger() *zerolog.Logger {
	loggerOnce.Do(func() {
		level := parseLevel(os.Getenv("LOG_LEVEL"))
		defaultLogger = zerolog.New(os.Stderr).
			Level(level).
			With().
			Timestamp().
			Logger()
	})
	return &defaultLogger
}

// GetComponentLogger returns a child logger tagged with a component name.
func GetComponentLogger(component string) *zerolog.Logger {
	logger := GetDefaultLogger().With().Str("component", component).Logger()
	return &logger
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
