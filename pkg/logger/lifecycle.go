// Lifecycle-specific logging helpers for the bootstrap pipeline
package logger

import (
	"context"
	"log/slog"
)

// LifecycleEventType defines types of application lifecycle events
type LifecycleEventType string

const (
	// Startup events
	AppStarting LifecycleEventType = "app_starting"
	AppReady    LifecycleEventType = "app_ready"

	// Failure events
	AppFailed        LifecycleEventType = "app_failed"
	FailureReported  LifecycleEventType = "failure_reported"
	UncaughtDelivery LifecycleEventType = "uncaught_delivery"

	// Shutdown events
	ContextClosed LifecycleEventType = "context_closed"
	ExitRequested LifecycleEventType = "exit_requested"
	HooksRun      LifecycleEventType = "hooks_run"
)

// LifecycleEvent logs a structured lifecycle event at info level
func (l *Logger) LifecycleEvent(ctx context.Context, eventType string, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event_type", eventType),
	}
	l.LogAttrs(ctx, slog.LevelInfo, "lifecycle event", append(baseAttrs, attrs...)...)
}

// LifecycleLogger provides lifecycle-specific logging methods
type LifecycleLogger struct {
	logger *Logger
}

// NewLifecycleLogger creates a new lifecycle logger
func NewLifecycleLogger(baseLogger *Logger) *LifecycleLogger {
	return &LifecycleLogger{
		logger: baseLogger.WithComponent("lifecycle"),
	}
}

// LogAppStarting logs the beginning of an application boot
func (ll *LifecycleLogger) LogAppStarting(ctx context.Context, name, contextID string, components int, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("name", name),
		slog.String("context_id", contextID),
		slog.Int("components", components),
	}
	ll.logger.LifecycleEvent(ctx, string(AppStarting), append(baseAttrs, attrs...)...)
}

// LogAppReady logs that the application context has started
func (ll *LifecycleLogger) LogAppReady(ctx context.Context, name, contextID string, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("name", name),
		slog.String("context_id", contextID),
	}
	ll.logger.LifecycleEvent(ctx, string(AppReady), append(baseAttrs, attrs...)...)
}

// LogAppFailed logs a failed application run
func (ll *LifecycleLogger) LogAppFailed(ctx context.Context, name, contextID string, err error, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("name", name),
		slog.String("context_id", contextID),
		slog.String("error", err.Error()),
	}
	ll.logger.LifecycleEvent(ctx, string(AppFailed), append(baseAttrs, attrs...)...)
}

// LogExitRequested logs that a failure resolved to a process exit code
func (ll *LifecycleLogger) LogExitRequested(ctx context.Context, contextID string, code int, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("context_id", contextID),
		slog.Int("exit_code", code),
	}
	ll.logger.LifecycleEvent(ctx, string(ExitRequested), append(baseAttrs, attrs...)...)
}

// LogContextClosed logs that an application context finished closing
func (ll *LifecycleLogger) LogContextClosed(ctx context.Context, contextID string, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("context_id", contextID),
	}
	ll.logger.LifecycleEvent(ctx, string(ContextClosed), append(baseAttrs, attrs...)...)
}
