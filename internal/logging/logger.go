package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// InitLogger initializes the structured logger based on environment configuration
func InitLogger() {
	logLevel := getLogLevel()
	logFormat := getLogFormat()

	slog.SetDefault(slog.New(NewHandler(os.Stdout, logLevel, logFormat)))

	slog.Info("logger initialized",
		"level", logLevel.String(),
		"format", logFormat,
	)
}

// NewHandler builds the text or JSON handler used by every command.
func NewHandler(w io.Writer, level slog.Level, format string) slog.Handler {
	handlerOpts := &slog.HandlerOptions{
		Level:     level,
		AddSource: true, // Include file and line number
	}

	switch format {
	case "json":
		return slog.NewJSONHandler(w, handlerOpts)
	default:
		return slog.NewTextHandler(w, handlerOpts)
	}
}

// getLogLevel reads the LOG_LEVEL environment variable and returns the corresponding slog.Level
func getLogLevel() slog.Level {
	return ParseLevel(os.Getenv("LOG_LEVEL"))
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// getLogFormat reads the LOG_FORMAT environment variable and returns the format
func getLogFormat() string {
	format := strings.ToLower(os.Getenv("LOG_FORMAT"))
	switch format {
	case "json":
		return "json"
	case "text", "":
		return "text"
	default:
		return "text"
	}
}
