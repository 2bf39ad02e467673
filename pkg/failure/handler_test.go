package failure

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/embarklabs/embark/pkg/apperr"
	"github.com/embarklabs/embark/pkg/logger"
)

// fakeContext records the lifecycle calls the handler makes
type fakeContext struct {
	id       string
	running  bool
	events   []interface{}
	closed   int
	closeErr error
}

func (c *fakeContext) ID() string                     { return c.id }
func (c *fakeContext) IsRunning() bool                { return c.running }
func (c *fakeContext) PublishEvent(event interface{}) { c.events = append(c.events, event) }
func (c *fakeContext) Close() error {
	c.closed++
	return c.closeErr
}

// fakeHooks records unregistration calls
type fakeHooks struct {
	unregistered []string
}

func (h *fakeHooks) UnregisterFailedContext(ctx ApplicationContext) {
	h.unregistered = append(h.unregistered, ctx.ID())
}

// recordingReporter reports a fixed outcome and counts invocations
type recordingReporter struct {
	handled bool
	calls   int
}

func (r *recordingReporter) ReportException(err error) bool {
	r.calls++
	return r.handled
}

type recordingListeners struct {
	failures []error
}

func (l *recordingListeners) Failed(ctx ApplicationContext, err error) {
	l.failures = append(l.failures, err)
}

func quietLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "off", Output: "stderr", Component: "test"})
	if err != nil {
		t.Fatalf("failed to build logger: %v", err)
	}
	return log
}

func errorLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Output: "stderr", Component: "test"})
	if err != nil {
		t.Fatalf("failed to build logger: %v", err)
	}
	return log
}

func TestHandleRunFailure_StdoutFallback(t *testing.T) {
	registries := NewRegistryStore()
	handler := NewRunFailureHandler(HandlerConfig{
		Logger:     quietLogger(t),
		Registries: registries,
	})
	var out bytes.Buffer
	handler.SetStdout(&out)

	original := errors.New("boom")
	result := handler.HandleRunFailure(nil, original, nil)

	if !strings.Contains(out.String(), "Application run failed") {
		t.Errorf("stdout fallback should announce the failure, got %q", out.String())
	}
	if result.Kind != apperr.KindState {
		t.Errorf("plain error should normalize to KindState, got %s", result.Kind)
	}
	if !errors.Is(result, original) {
		t.Error("normalized error must keep the original as cause")
	}
	if !registries.Current(DefaultContextKey).IsLogged(original) {
		t.Error("fallback reporting must register the failure as logged")
	}
}

func TestHandleRunFailure_ErrorLoggingSkipsStdout(t *testing.T) {
	handler := NewRunFailureHandler(HandlerConfig{
		Logger:     errorLogger(t),
		Registries: NewRegistryStore(),
	})
	var out bytes.Buffer
	handler.SetStdout(&out)

	handler.HandleRunFailure(nil, errors.New("boom"), nil)

	if out.Len() != 0 {
		t.Errorf("enabled error logging should keep stdout clean, got %q", out.String())
	}
}

func TestHandleRunFailure_ReporterShortCircuit(t *testing.T) {
	first := &recordingReporter{}
	second := &recordingReporter{handled: true}
	third := &recordingReporter{}
	registries := NewRegistryStore()

	handler := NewRunFailureHandler(HandlerConfig{
		Logger:     quietLogger(t),
		Reporters:  []Reporter{first, second, third},
		Registries: registries,
	})
	var out bytes.Buffer
	handler.SetStdout(&out)

	original := errors.New("boom")
	handler.HandleRunFailure(nil, original, nil)

	if first.calls != 1 || second.calls != 1 {
		t.Errorf("reporters before the handling one must each run once, got %d and %d", first.calls, second.calls)
	}
	if third.calls != 0 {
		t.Errorf("reporters after the handling one must not run, got %d calls", third.calls)
	}
	if got := registries.Current(DefaultContextKey).LoggedCount(); got != 1 {
		t.Errorf("failure must be marked logged exactly once, set size %d", got)
	}
	if out.Len() != 0 {
		t.Errorf("handled failure must not hit the stdout fallback, got %q", out.String())
	}
}

func TestHandleRunFailure_PanickingReporterIsContained(t *testing.T) {
	panicking := ReporterFunc(func(err error) bool { panic("reporter broke") })
	second := &recordingReporter{handled: true}

	handler := NewRunFailureHandler(HandlerConfig{
		Logger:     quietLogger(t),
		Reporters:  []Reporter{panicking, second},
		Registries: NewRegistryStore(),
	})
	var out bytes.Buffer
	handler.SetStdout(&out)

	handler.HandleRunFailure(nil, errors.New("boom"), nil)

	if second.calls != 1 {
		t.Error("a panicking reporter must not block the remaining reporters")
	}
}

func TestHandleRunFailure_ExitCodePrecedence(t *testing.T) {
	ctx := &fakeContext{id: "ctx-1", running: true}
	registries := NewRegistryStore()

	handler := NewRunFailureHandler(HandlerConfig{
		Logger:     quietLogger(t),
		Registries: registries,
		ExitHandlers: []ExitCodeHandler{
			ExitCodeHandlerFunc(func(err error) int { return 0 }),
			ExitCodeHandlerFunc(func(err error) int { return 7 }),
		},
	})
	var out bytes.Buffer
	handler.SetStdout(&out)

	// The cause chain carries 9, but the handler chain proposes 7 first
	err := apperr.WithExitCode(errors.New("boom"), 9)
	handler.HandleRunFailure(ctx, err, nil)

	if got := registries.Current("ctx-1").ExitCode(); got != 7 {
		t.Errorf("handler chain must win over the cause chain, got %d", got)
	}

	found := false
	for _, event := range ctx.events {
		if e, ok := event.(ExitCodeEvent); ok {
			found = true
			if e.Code != 7 {
				t.Errorf("published exit code event should carry 7, got %d", e.Code)
			}
		}
	}
	if !found {
		t.Error("a non-zero exit code must publish an ExitCodeEvent")
	}
}

func TestHandleRunFailure_CauseChainCodeWhenHandlersAbstain(t *testing.T) {
	ctx := &fakeContext{id: "ctx-2", running: true}
	registries := NewRegistryStore()

	handler := NewRunFailureHandler(HandlerConfig{
		Logger:     quietLogger(t),
		Registries: registries,
		ExitHandlers: []ExitCodeHandler{
			ExitCodeHandlerFunc(func(err error) int { return 0 }),
		},
	})
	var out bytes.Buffer
	handler.SetStdout(&out)

	err := apperr.WithExitCode(errors.New("boom"), 9)
	handler.HandleRunFailure(ctx, err, nil)

	if got := registries.Current("ctx-2").ExitCode(); got != 9 {
		t.Errorf("abstaining handlers must fall back to the cause chain, got %d", got)
	}
}

func TestHandleRunFailure_HandlerChainSkippedWhenNotRunning(t *testing.T) {
	ctx := &fakeContext{id: "ctx-3", running: false}
	registries := NewRegistryStore()

	handler := NewRunFailureHandler(HandlerConfig{
		Logger:     quietLogger(t),
		Registries: registries,
		ExitHandlers: []ExitCodeHandler{
			ExitCodeHandlerFunc(func(err error) int { return 7 }),
		},
	})
	var out bytes.Buffer
	handler.SetStdout(&out)

	handler.HandleRunFailure(ctx, errors.New("boom"), nil)

	if got := registries.Current("ctx-3").ExitCode(); got != 0 {
		t.Errorf("stopped context must not consult the handler chain, got %d", got)
	}
}

func TestHandleRunFailure_ClosesContextAndUnregisters(t *testing.T) {
	ctx := &fakeContext{id: "ctx-4", running: true}
	hooks := &fakeHooks{}

	handler := NewRunFailureHandler(HandlerConfig{
		Logger:     quietLogger(t),
		Hooks:      hooks,
		Registries: NewRegistryStore(),
	})
	var out bytes.Buffer
	handler.SetStdout(&out)

	handler.HandleRunFailure(ctx, errors.New("boom"), nil)

	if ctx.closed != 1 {
		t.Errorf("context must be closed exactly once, got %d", ctx.closed)
	}
	if len(hooks.unregistered) != 1 || hooks.unregistered[0] != "ctx-4" {
		t.Errorf("failed context must be unregistered exactly once, got %v", hooks.unregistered)
	}
}

func TestHandleRunFailure_CloseErrorSwallowed(t *testing.T) {
	ctx := &fakeContext{id: "ctx-5", running: true, closeErr: errors.New("close broke")}

	handler := NewRunFailureHandler(HandlerConfig{
		Logger:     quietLogger(t),
		Registries: NewRegistryStore(),
	})
	var out bytes.Buffer
	handler.SetStdout(&out)

	original := errors.New("boom")
	result := handler.HandleRunFailure(ctx, original, nil)

	if !errors.Is(result, original) {
		t.Error("close failure must never replace the original failure")
	}
}

func TestHandleRunFailure_NotifiesListeners(t *testing.T) {
	ctx := &fakeContext{id: "ctx-6", running: true}
	listeners := &recordingListeners{}

	handler := NewRunFailureHandler(HandlerConfig{
		Logger:     quietLogger(t),
		Registries: NewRegistryStore(),
	})
	var out bytes.Buffer
	handler.SetStdout(&out)

	original := errors.New("boom")
	handler.HandleRunFailure(ctx, original, listeners)

	if len(listeners.failures) != 1 || listeners.failures[0] != original {
		t.Errorf("listeners must see the original failure, got %v", listeners.failures)
	}
}

func TestHandleRunFailure_ReportingSurvivesListenerPanic(t *testing.T) {
	reporter := &recordingReporter{handled: true}
	ctx := &fakeContext{id: "ctx-7", running: true}

	handler := NewRunFailureHandler(HandlerConfig{
		Logger:     quietLogger(t),
		Reporters:  []Reporter{reporter},
		Registries: NewRegistryStore(),
	})
	var out bytes.Buffer
	handler.SetStdout(&out)

	panicking := listenersFunc(func(ApplicationContext, error) { panic("listener broke") })

	func() {
		defer func() {
			if recover() == nil {
				t.Error("listener panic should propagate to the caller")
			}
		}()
		handler.HandleRunFailure(ctx, errors.New("boom"), panicking)
	}()

	if reporter.calls != 1 {
		t.Error("reporting must run even when listener notification panics")
	}
	if ctx.closed != 1 {
		t.Error("context close must run even when listener notification panics")
	}
}

type listenersFunc func(ctx ApplicationContext, err error)

func (f listenersFunc) Failed(ctx ApplicationContext, err error) { f(ctx, err) }

func TestHandleRunFailure_ReentrantStateError(t *testing.T) {
	reporter := &recordingReporter{handled: true}
	handler := NewRunFailureHandler(HandlerConfig{
		Logger:     quietLogger(t),
		Reporters:  []Reporter{reporter},
		Registries: NewRegistryStore(),
	})

	already := apperr.IllegalState(errors.New("boom"))
	result := handler.HandleRunFailure(nil, already, nil)

	if result != already {
		t.Error("an already-normalized failure must be returned unchanged")
	}
	if reporter.calls != 0 {
		t.Error("re-entrant handling must cause no further side effects")
	}
}

func TestHandleRunFailure_RuntimeErrorPassesThrough(t *testing.T) {
	handler := NewRunFailureHandler(HandlerConfig{
		Logger:     quietLogger(t),
		Registries: NewRegistryStore(),
	})
	var out bytes.Buffer
	handler.SetStdout(&out)

	rt := apperr.Runtime(errors.New("boom"))
	result := handler.HandleRunFailure(nil, rt, nil)

	if result != rt {
		t.Error("a runtime failure must be returned as-is, not re-wrapped")
	}
}

func TestHandleRunFailure_StackPrintedOnFallback(t *testing.T) {
	handler := NewRunFailureHandler(HandlerConfig{
		Logger:     quietLogger(t),
		Registries: NewRegistryStore(),
	})
	var out bytes.Buffer
	handler.SetStdout(&out)

	rt := apperr.RuntimeWithTrace("boom", []byte("goroutine 7 [running]:\nmain.crash()\n"))
	handler.HandleRunFailure(nil, rt, nil)

	if !strings.Contains(out.String(), "main.crash") {
		t.Errorf("fallback must print the full stack trace, got %q", out.String())
	}
}
