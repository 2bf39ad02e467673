package failure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/embarklabs/embark/pkg/apperr"
	"github.com/embarklabs/embark/pkg/logger"
	"github.com/embarklabs/embark/pkg/metrics"
)

// RunFailureHandler orchestrates the handling of a startup or run
// failure: exit-code resolution, listener notification, reporting, and
// context shutdown. A handler holds only long-lived collaborators and no
// per-call state, so one instance serves any number of concurrent
// failures.
type RunFailureHandler struct {
	log          *logger.Logger
	hooks        HookRegistry
	reporters    []Reporter
	exitHandlers []ExitCodeHandler
	registries   *RegistryStore

	// stdout is the stream used when no reporter handled the failure
	// and error-level logging is unavailable; replaceable for tests
	stdout io.Writer
}

// HandlerConfig configures a RunFailureHandler
type HandlerConfig struct {
	Logger       *logger.Logger
	Hooks        HookRegistry
	Reporters    []Reporter
	ExitHandlers []ExitCodeHandler
	Registries   *RegistryStore
}

// NewRunFailureHandler creates a handler from long-lived collaborators.
// Reporters and exit-code handlers keep their registration order.
func NewRunFailureHandler(cfg HandlerConfig) *RunFailureHandler {
	log := cfg.Logger
	if log == nil {
		log = logger.Global().WithComponent("failure")
	}
	registries := cfg.Registries
	if registries == nil {
		registries = DefaultStore()
	}
	return &RunFailureHandler{
		log:          log,
		hooks:        cfg.Hooks,
		reporters:    cfg.Reporters,
		exitHandlers: cfg.ExitHandlers,
		registries:   registries,
		stdout:       os.Stdout,
	}
}

// SetStdout replaces the fallback output stream
func (h *RunFailureHandler) SetStdout(w io.Writer) {
	h.stdout = w
}

// HandleRunFailure handles a failure that aborted an application run and
// returns its normalized form. Reporting and context shutdown are
// guaranteed to run even when exit-code resolution or listener
// notification panics; such panics then continue to the caller carrying
// the original failure's consequences already applied.
func (h *RunFailureHandler) HandleRunFailure(ctx ApplicationContext, err error, listeners RunListeners) *apperr.Error {
	// Re-entrant handling: an already-normalized illegal-state failure
	// has had its side effects applied
	if st, ok := err.(*apperr.Error); ok && st.Kind == apperr.KindState {
		return st
	}

	metrics.RecordRunFailure()
	key := h.contextKey(ctx)

	defer func() {
		h.reportFailure(key, err)
		if ctx != nil {
			h.closeContext(ctx)
		}
	}()

	h.handleExitCode(ctx, key, err)
	if listeners != nil {
		listeners.Failed(ctx, err)
	}

	return h.normalize(err)
}

// normalize produces the handler's return value: runtime failures pass
// through, everything else is wrapped as illegal state with the original
// as cause
func (h *RunFailureHandler) normalize(err error) *apperr.Error {
	if rt, ok := err.(*apperr.Error); ok && rt.Kind == apperr.KindRuntime {
		return rt
	}
	return apperr.IllegalState(err)
}

func (h *RunFailureHandler) contextKey(ctx ApplicationContext) string {
	if ctx != nil {
		return ctx.ID()
	}
	return DefaultContextKey
}

// handleExitCode resolves the failure's exit code and, when non-zero,
// publishes it to the context and records it in the context registry.
// Resolution panics propagate; publication and recording failures are
// contained so they cannot mask the original failure.
func (h *RunFailureHandler) handleExitCode(ctx ApplicationContext, key string, err error) {
	code, source := h.resolveExitCode(ctx, err)
	if code == 0 {
		return
	}
	metrics.RecordExitCode(source)

	defer func() {
		if v := recover(); v != nil && h.log.InfoEnabled() {
			h.log.Info("exit code publication failed",
				"context_id", key,
				"code", code,
				"reason", fmt.Sprint(v),
			)
		}
	}()

	if ctx != nil {
		ctx.PublishEvent(ExitCodeEvent{ContextID: ctx.ID(), Code: code, Err: err})
	}
	h.registries.Current(key).RegisterExitCode(code)
}

// resolveExitCode asks the handler chain first, but only while the
// context is still running; the cause-chain walk is the fallback
func (h *RunFailureHandler) resolveExitCode(ctx ApplicationContext, err error) (int, string) {
	if ctx != nil && ctx.IsRunning() {
		for _, handler := range h.exitHandlers {
			if code := handler.HandleExitCode(err); code != 0 {
				return code, "handler"
			}
		}
	}
	return ResolveExitCode(err), "cause"
}

// reportFailure runs the reporter loop. The first reporter to handle the
// failure stops the iteration; a reporter panic is swallowed so one
// misbehaving reporter cannot block the rest or corrupt the original
// failure. When nobody handled it the failure is emitted through the
// logging sink, or printed with its full stack to the standard output
// stream when error-level logging cannot be confirmed. Either way the
// failure ends up registered as logged.
func (h *RunFailureHandler) reportFailure(key string, err error) {
	for _, reporter := range h.reporters {
		if h.safeReport(reporter, err) {
			h.registries.Current(key).RegisterLogged(err)
			return
		}
	}

	if !h.log.ErrorEnabled() {
		fmt.Fprintf(h.stdout, "Application run failed: %v\n", err)
		fmt.Fprint(h.stdout, stackText(err))
	} else {
		h.log.ErrorEvent(context.Background(), "Application run failed", err)
	}
	h.registries.Current(key).RegisterLogged(err)
}

func (h *RunFailureHandler) safeReport(reporter Reporter, err error) (handled bool) {
	defer func() {
		if recover() != nil {
			metrics.RecordReporter("panicked")
			handled = false
		}
	}()
	handled = reporter.ReportException(err)
	if handled {
		metrics.RecordReporter("handled")
	} else {
		metrics.RecordReporter("skipped")
	}
	return handled
}

// closeContext closes the failed context and removes it from ordered
// shutdown. Secondary failures here are logged at info level and never
// replace the original failure.
func (h *RunFailureHandler) closeContext(ctx ApplicationContext) {
	defer func() {
		if v := recover(); v != nil && h.log.InfoEnabled() {
			h.log.Info("unable to close application context",
				"context_id", ctx.ID(),
				"reason", fmt.Sprint(v),
			)
		}
	}()

	if err := ctx.Close(); err != nil && h.log.InfoEnabled() {
		h.log.Info("unable to close application context",
			"context_id", ctx.ID(),
			"error", err.Error(),
		)
	}
	if h.hooks != nil {
		h.hooks.UnregisterFailedContext(ctx)
	}
}

// stackText renders the best available trace for a failure: captured
// frames when the failure carries them, otherwise the textual cause
// chain
func stackText(err error) string {
	if e, ok := err.(*apperr.Error); ok {
		return e.FormatStack()
	}
	var sb []byte
	visited := make(visitSet)
	visited.add(err)
	cause := errors.Unwrap(err)
	for depth := 0; cause != nil && depth < maxChainDepth; depth++ {
		if visited.add(cause) {
			break
		}
		sb = fmt.Appendf(sb, "caused by: %v\n", cause)
		cause = errors.Unwrap(cause)
	}
	return string(sb)
}
