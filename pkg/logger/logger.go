// Package logger provides structured logging for Embark with the
// level-enabled queries the failure pipeline depends on
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

var (
	globalLogger *Logger
	once         sync.Once
)

// Logger wraps slog.Logger with Embark-specific functionality
type Logger struct {
	*slog.Logger
	component string
}

// Config holds logger configuration
type Config struct {
	Level     string
	Format    string // "json" or "text"
	Output    string // "stdout", "stderr", or file path
	Component string // Component name for logs
}

// New creates a new logger instance
func New(cfg Config) (*Logger, error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	case "off":
		// Above every level slog knows about; all Enabled queries report false
		level = slog.LevelError + 4
	default:
		level = slog.LevelInfo
	}

	var writer io.Writer
	output := cfg.Output
	if output == "" {
		output = "stdout"
	}

	switch output {
	case "stdout":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		// File output
		if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writer = file
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}

	logger := slog.New(handler)
	logger = logger.With(
		"service", "embark",
		"component", cfg.Component,
	)

	return &Logger{
		Logger:    logger,
		component: cfg.Component,
	}, nil
}

// Initialize sets up the global logger with configuration
func Initialize(level, format, output string) error {
	var onceErr error
	once.Do(func() {
		if output == "" {
			output = "stdout"
		}
		if format == "" {
			format = "text"
		}
		if level == "" {
			level = "info"
		}

		var err error
		globalLogger, err = New(Config{
			Level:     level,
			Format:    format,
			Output:    output,
			Component: "embark",
		})
		if err != nil {
			onceErr = fmt.Errorf("failed to initialize logger: %w", err)
			return
		}

		globalLogger.Info("logger initialized",
			"level", level,
			"format", format,
			"output", output,
		)
	})

	return onceErr
}

// Global returns the global logger instance
func Global() *Logger {
	if globalLogger == nil {
		// Fallback to default logger if not initialized
		logger, _ := New(Config{
			Level:     "info",
			Format:    "text",
			Output:    "stdout",
			Component: "embark",
		})
		return logger
	}
	return globalLogger
}

// WithComponent returns a new logger with the component name set
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger:    l.Logger.With("component", component),
		component: component,
	}
}

// WithContextID returns a new logger carrying an application context ID
func (l *Logger) WithContextID(contextID string) *Logger {
	return &Logger{
		Logger:    l.Logger.With("context_id", contextID),
		component: l.component,
	}
}

// InfoEnabled reports whether info-level output would be emitted
func (l *Logger) InfoEnabled() bool {
	return l.Logger.Enabled(context.Background(), slog.LevelInfo)
}

// ErrorEnabled reports whether error-level output would be emitted
func (l *Logger) ErrorEnabled() bool {
	return l.Logger.Enabled(context.Background(), slog.LevelError)
}

// ErrorEvent logs an error with its type attached
func (l *Logger) ErrorEvent(ctx context.Context, message string, err error, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("error", err.Error()),
		slog.String("error_type", fmt.Sprintf("%T", err)),
	}

	allAttrs := append(baseAttrs, attrs...)

	l.LogAttrs(ctx, slog.LevelError, message, allAttrs...)
}

// Convenience methods that use the global logger

// Info logs an info message
func Info(msg string, args ...any) {
	Global().Info(msg, args...)
}

// Warn logs a warning message
func Warn(msg string, args ...any) {
	Global().Warn(msg, args...)
}

// Error logs an error message
func Error(msg string, args ...any) {
	Global().Error(msg, args...)
}

// Debug logs a debug message
func Debug(msg string, args ...any) {
	Global().Debug(msg, args...)
}
