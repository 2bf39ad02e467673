// Package failure implements Embark's uncaught-failure and run-failure
// handling: per-context registries with report deduplication, cycle-safe
// cause-chain traversal, and the run-failure orchestrator that drives
// reporters, listeners, and context shutdown.
package failure

// Reporter reports a failure to the user or an external system. It
// returns true when the failure was handled, which stops further
// reporting.
type Reporter interface {
	ReportException(err error) bool
}

// ReporterFunc adapts a function to the Reporter interface
type ReporterFunc func(err error) bool

// ReportException implements Reporter
func (f ReporterFunc) ReportException(err error) bool {
	return f(err)
}

// ExitCodeHandler maps a failure to a process exit code. A return of 0
// means "no opinion"; aggregation takes the first non-zero result in
// registration order.
type ExitCodeHandler interface {
	HandleExitCode(err error) int
}

// ExitCodeHandlerFunc adapts a function to the ExitCodeHandler interface
type ExitCodeHandlerFunc func(err error) int

// HandleExitCode implements ExitCodeHandler
func (f ExitCodeHandlerFunc) HandleExitCode(err error) int {
	return f(err)
}

// ApplicationContext is the failure pipeline's view of the owning
// application context. Lifecycle management itself lives elsewhere; the
// pipeline only needs identity, liveness, event publication, and close.
type ApplicationContext interface {
	ID() string
	IsRunning() bool
	PublishEvent(event interface{})
	Close() error
}

// RunListeners receives run lifecycle notifications. Only the failure
// notification is driven from this package.
type RunListeners interface {
	Failed(ctx ApplicationContext, err error)
}

// HookRegistry is the shutdown-hook registry contract used when a failed
// context must stop participating in ordered shutdown
type HookRegistry interface {
	UnregisterFailedContext(ctx ApplicationContext)
}

// ExitCodeEvent is published to the application context when a run
// failure resolves to a non-zero exit code
type ExitCodeEvent struct {
	ContextID string
	Code      int
	Err       error
}
