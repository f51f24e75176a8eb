package logger

import (
	"log/slog"
	"os"
	"strings"

	"kb-rag-service/internal/config"
)

var Logger *slog.Logger

// InitLogger initializes structured logging based on configuration
func InitLogger(cfg *config.Config) *slog.Logger {
	level := parseLevel(cfg.LogLevel, cfg.GinMode)

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.GinMode == "debug", // Only add source in debug mode
	}

	handler := slog.NewJSONHandler(os.Stdout, opts)
	Logger = slog.New(handler).With("service", "kb-rag-service")
	slog.SetDefault(Logger)

	Logger.Debug("Structured logging initialized", "level", level.String())
	return Logger
}

func parseLevel(name, ginMode string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	if ginMode == "debug" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// Helper functions for common log operations
func Info(msg string, args ...any) {
	if Logger != nil {
		Logger.Info(msg, args...)
	}
}

func Error(msg string, args ...any) {
	if Logger != nil {
		Logger.Error(msg, args...)
	}
}

func Debug(msg string, args ...any) {
	if Logger != nil {
		Logger.Debug(msg, args...)
	}
}

func Warn(msg string, args ...any) {
	if Logger != nil {
		Logger.Warn(msg, args...)
	}
}

// Component returns the process logger tagged with a component name,
// falling back to slog's default before InitLogger has run.
func Component(name string) *slog.Logger {
	if Logger != nil {
		return Logger.With("component", name)
	}
	return slog.Default().With("component", name)
}
