package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/embarklabs/embark/pkg/apperr"
	"github.com/embarklabs/embark/pkg/config"
	"github.com/embarklabs/embark/pkg/eventbus"
	"github.com/embarklabs/embark/pkg/failure"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Logging.Level = "off"
	cfg.Events.StreamEnabled = false
	cfg.Journal.Enabled = false
	return cfg
}

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	runner, err := NewRunner(testConfig())
	if err != nil {
		t.Fatalf("failed to build runner: %v", err)
	}
	t.Cleanup(func() { runner.Close() })
	return runner
}

func TestRunner_CleanRun(t *testing.T) {
	runner := newTestRunner(t)
	runner.AddComponent(ComponentFunc{
		ComponentName: "worker",
		Fn:            func(ctx context.Context) error { return nil },
	})

	if err := runner.Run(context.Background()); err != nil {
		t.Errorf("clean run should return nil, got %v", err)
	}
}

func TestRunner_FailedRunReturnsNormalizedError(t *testing.T) {
	runner := newTestRunner(t)
	original := errors.New("boom")
	runner.AddComponent(ComponentFunc{
		ComponentName: "worker",
		Fn:            func(ctx context.Context) error { return original },
	})

	err := runner.Run(context.Background())
	if err == nil {
		t.Fatal("failed run must return an error")
	}

	e, ok := err.(*apperr.Error)
	if !ok {
		t.Fatalf("expected *apperr.Error, got %T", err)
	}
	if e.Kind != apperr.KindState {
		t.Errorf("plain error should normalize to KindState, got %s", e.Kind)
	}
	if !errors.Is(e, original) {
		t.Error("normalized error must keep the original as cause")
	}
}

func TestRunner_PanickingComponent(t *testing.T) {
	runner := newTestRunner(t)
	runner.AddComponent(ComponentFunc{
		ComponentName: "worker",
		Fn:            func(ctx context.Context) error { panic("gave up") },
	})

	err := runner.Run(context.Background())
	if err == nil {
		t.Fatal("a panicking component must fail the run")
	}

	e, ok := err.(*apperr.Error)
	if !ok {
		t.Fatalf("expected *apperr.Error, got %T", err)
	}
	if len(e.RawTrace) == 0 {
		t.Error("a panic should carry the recovered stack")
	}
}

func TestRunner_ListenersSeeFailure(t *testing.T) {
	runner := newTestRunner(t)
	original := errors.New("boom")
	runner.AddComponent(ComponentFunc{
		ComponentName: "worker",
		Fn:            func(ctx context.Context) error { return original },
	})

	var seen []error
	runner.AddListener(listenersFunc(func(ctx failure.ApplicationContext, err error) {
		seen = append(seen, err)
	}))

	runner.Run(context.Background())

	if len(seen) != 1 || seen[0] != original {
		t.Errorf("listeners must see the original failure, got %v", seen)
	}
}

func TestRunner_PanickingListenerDoesNotStopOthers(t *testing.T) {
	runner := newTestRunner(t)
	runner.AddComponent(ComponentFunc{
		ComponentName: "worker",
		Fn:            func(ctx context.Context) error { return errors.New("boom") },
	})

	notified := false
	runner.AddListener(listenersFunc(func(failure.ApplicationContext, error) { panic("listener broke") }))
	runner.AddListener(listenersFunc(func(failure.ApplicationContext, error) { notified = true }))

	runner.Run(context.Background())

	if !notified {
		t.Error("a panicking listener must not silence the others")
	}
}

func TestRunner_PublishesLifecycleEvents(t *testing.T) {
	runner := newTestRunner(t)
	sub := runner.Bus().Subscribe(eventbus.Filter{})

	runner.AddComponent(ComponentFunc{
		ComponentName: "worker",
		Fn:            func(ctx context.Context) error { return errors.New("boom") },
	})

	runner.Run(context.Background())

	types := make(map[string]bool)
	deadline := time.After(time.Second)
	for len(types) < 2 {
		select {
		case e := <-sub.C:
			types[e.Type] = true
		case <-deadline:
			t.Fatalf("timed out, saw %v", types)
		}
	}

	if !types[eventbus.TypeApplicationReady] {
		t.Error("ready event should be published")
	}
	if !types[eventbus.TypeApplicationFailed] {
		t.Error("failed event should be published")
	}
}

func TestRunner_FailedContextLeavesShutdown(t *testing.T) {
	runner := newTestRunner(t)
	runner.AddComponent(ComponentFunc{
		ComponentName: "worker",
		Fn:            func(ctx context.Context) error { return errors.New("boom") },
	})

	var contextID string
	runner.AddListener(listenersFunc(func(ctx failure.ApplicationContext, err error) {
		if ctx != nil {
			contextID = ctx.ID()
		}
	}))

	runner.Run(context.Background())

	if contextID == "" {
		t.Fatal("listener should have observed the context")
	}
	if runner.Hooks().Tracked(contextID) {
		t.Error("a failed context must be unregistered from shutdown")
	}
}

type listenersFunc func(ctx failure.ApplicationContext, err error)

func (f listenersFunc) Failed(ctx failure.ApplicationContext, err error) { f(ctx, err) }

func TestContext_Lifecycle(t *testing.T) {
	ctx := NewContext("test-app", nil)

	if ctx.IsRunning() {
		t.Error("context starts stopped")
	}
	ctx.Start()
	if !ctx.IsRunning() {
		t.Error("Start should mark the context running")
	}

	var order []int
	ctx.OnClose(func() error { order = append(order, 1); return nil })
	ctx.OnClose(func() error { order = append(order, 2); return nil })

	if err := ctx.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
	if ctx.IsRunning() {
		t.Error("closed context is not running")
	}
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Errorf("cleanups run LIFO, got %v", order)
	}

	// Idempotent
	order = nil
	if err := ctx.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}
	if len(order) != 0 {
		t.Error("cleanups must not run twice")
	}
}

func TestContext_CloseCollectsFirstError(t *testing.T) {
	ctx := NewContext("test-app", nil)
	first := errors.New("first")

	ctx.OnClose(func() error { return first })
	ctx.OnClose(func() error { return errors.New("second") })

	// Cleanups run LIFO, so the later-registered "second" fails first
	err := ctx.Close()
	if err == nil || err.Error() != "second" {
		t.Errorf("first cleanup error in execution order wins, got %v", err)
	}
}
