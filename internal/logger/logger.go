package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// Global logger instance
	Logger zerolog.Logger
)

// Initialize sets up the global logger. format is "json" (default) or "console".
func Initialize(logLevel, format string) {
	zerolog.TimeFieldFormat = time.RFC3339

	var output io.Writer = os.Stdout
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "2006-01-02 15:04:05",
		}
	}

	Logger = zerolog.New(output).
		With().
		Timestamp().
		Str("service", "settlement-service").
		Logger()

	zerolog.SetGlobalLevel(ParseLevel(logLevel))

	// Replace standard log with zerolog
	log.Logger = Logger
}

// ParseLevel maps a LOG_LEVEL value to a zerolog level, defaulting to info.
func ParseLevel(logLevel string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Get returns the global logger instance
func Get() *zerolog.Logger {
	return &Logger
}

// GetForComponent returns a logger with a component field for better filtering
func GetForComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}
