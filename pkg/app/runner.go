package app

import (
	"context"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"

	"github.com/embarklabs/embark/pkg/apperr"
	"github.com/embarklabs/embark/pkg/config"
	"github.com/embarklabs/embark/pkg/eventbus"
	"github.com/embarklabs/embark/pkg/failure"
	"github.com/embarklabs/embark/pkg/hooks"
	"github.com/embarklabs/embark/pkg/journal"
	"github.com/embarklabs/embark/pkg/logger"
)

// Component is a unit of application work run by the bootstrap. Run
// blocks until the component finishes or its context is canceled.
type Component interface {
	Name() string
	Run(ctx context.Context) error
}

// ComponentFunc adapts a function to the Component interface
type ComponentFunc struct {
	ComponentName string
	Fn            func(ctx context.Context) error
}

// Name implements Component
func (c ComponentFunc) Name() string { return c.ComponentName }

// Run implements Component
func (c ComponentFunc) Run(ctx context.Context) error { return c.Fn(ctx) }

// Listeners fans a failure notification out to every registered
// listener. One panicking listener does not silence the others.
type Listeners []failure.RunListeners

// Failed implements failure.RunListeners
func (l Listeners) Failed(ctx failure.ApplicationContext, err error) {
	for _, listener := range l {
		notifyListener(listener, ctx, err)
	}
}

func notifyListener(listener failure.RunListeners, ctx failure.ApplicationContext, err error) {
	defer func() {
		if v := recover(); v != nil {
			logger.Warn("run listener panicked", "reason", fmt.Sprint(v))
		}
	}()
	listener.Failed(ctx, err)
}

// hookAdapter bridges the hook registry to the failure pipeline's
// narrower contract
type hookAdapter struct {
	registry *hooks.Registry
}

func (a hookAdapter) UnregisterFailedContext(ctx failure.ApplicationContext) {
	a.registry.UnregisterFailedContext(ctx)
}

// Runner boots an Embark application: it builds the shared
// infrastructure from configuration, runs components concurrently, and
// routes any failure through the run-failure handler.
type Runner struct {
	cfg        *config.Config
	log        *logger.Logger
	lifecycle  *logger.LifecycleLogger
	bus        *eventbus.Bus
	hooks      *hooks.Registry
	journal    *journal.Store
	registries *failure.RegistryStore

	components   []Component
	listeners    Listeners
	reporters    []failure.Reporter
	exitHandlers []failure.ExitCodeHandler
}

// NewRunner builds a runner from configuration. The logger is
// initialized first so every later step can report its own failures.
func NewRunner(cfg *config.Config) (*Runner, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if err := logger.Initialize(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output); err != nil {
		return nil, fmt.Errorf("could not initialize logging: %w", err)
	}
	log := logger.Global().WithComponent("bootstrap")

	bus, err := eventbus.New(eventbus.Config{
		BufferSize:    cfg.Events.BufferSize,
		StreamEnabled: cfg.Events.StreamEnabled,
		StreamAddr:    cfg.Events.StreamAddr,
		StreamPath:    cfg.Events.StreamPath,
		StreamRate:    cfg.Events.StreamRate,
		StreamBurst:   cfg.Events.StreamBurst,
		WriteTimeout:  cfg.Events.WriteTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start event bus: %w", err)
	}

	r := &Runner{
		cfg:        cfg,
		log:        log,
		lifecycle:  logger.NewLifecycleLogger(log),
		bus:        bus,
		hooks:      hooks.NewRegistry(log),
		registries: failure.DefaultStore(),
	}

	if cfg.Journal.Enabled {
		store, err := journal.NewStore(journal.StoreConfig{
			Path:            cfg.Journal.Path,
			RetentionDays:   cfg.Journal.RetentionDays,
			CleanupSchedule: cfg.Journal.CleanupSchedule,
		})
		if err != nil {
			bus.Close()
			return nil, fmt.Errorf("failed to open failure journal: %w", err)
		}
		r.journal = store
		r.reporters = append(r.reporters, store.Reporter())
	}

	return r, nil
}

// Bus returns the runner's event bus
func (r *Runner) Bus() *eventbus.Bus {
	return r.bus
}

// Hooks returns the runner's shutdown-hook registry
func (r *Runner) Hooks() *hooks.Registry {
	return r.hooks
}

// Journal returns the failure journal, or nil when journaling is
// disabled
func (r *Runner) Journal() *journal.Store {
	return r.journal
}

// AddComponent registers a component to run
func (r *Runner) AddComponent(c Component) {
	r.components = append(r.components, c)
}

// AddListener registers a run listener
func (r *Runner) AddListener(l failure.RunListeners) {
	r.listeners = append(r.listeners, l)
}

// AddReporter appends a failure reporter; reporters run in registration
// order
func (r *Runner) AddReporter(rep failure.Reporter) {
	r.reporters = append(r.reporters, rep)
}

// AddExitHandler appends an exit-code handler; handlers run in
// registration order
func (r *Runner) AddExitHandler(h failure.ExitCodeHandler) {
	r.exitHandlers = append(r.exitHandlers, h)
}

// Run boots the application and blocks until every component returns.
// A failed run is routed through the failure handler and its normalized
// error is returned; a clean run closes the context and returns nil.
// When the failure resolves to a non-zero exit code the process
// terminates before Run returns, after reporting and cleanup finish.
func (r *Runner) Run(ctx context.Context) error {
	appCtx := NewContext(r.cfg.App.Name, r.bus)
	r.hooks.TrackContext(appCtx)

	handler := failure.NewRunFailureHandler(failure.HandlerConfig{
		Logger:       r.log,
		Hooks:        hookAdapter{registry: r.hooks},
		Reporters:    r.reporters,
		ExitHandlers: r.exitHandlers,
		Registries:   r.registries,
	})

	// The context's registry forwards anything unreported to the
	// bootstrap log, the outermost handler this process has
	registry := failure.NewContextRegistry(appCtx.ID(), func(err error, stack []byte) {
		r.log.Error("uncaught failure", "context_id", appCtx.ID(), "error", err.Error())
		if len(stack) > 0 && r.log.ErrorEnabled() {
			r.log.Error("uncaught failure trace", "trace", string(stack))
		}
	})
	r.registries.Bind(appCtx.ID(), registry)

	r.lifecycle.LogAppStarting(ctx, appCtx.Name(), appCtx.ID(), len(r.components))
	appCtx.Start()
	appCtx.PublishEvent(ReadyEvent{ContextID: appCtx.ID(), Name: appCtx.Name()})
	r.lifecycle.LogAppReady(ctx, appCtx.Name(), appCtx.ID())

	g, gctx := errgroup.WithContext(ctx)
	for _, component := range r.components {
		component := component
		g.Go(func() (err error) {
			defer func() {
				if v := recover(); v != nil {
					err = recoveredError(component, v, debug.Stack())
				}
			}()
			return component.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		appCtx.PublishEvent(FailedEvent{ContextID: appCtx.ID(), Err: err})
		r.lifecycle.LogAppFailed(ctx, appCtx.Name(), appCtx.ID(), err)
		normalized := handler.HandleRunFailure(appCtx, err, r.listeners)
		if code := registry.ExitCode(); code != 0 {
			r.lifecycle.LogExitRequested(ctx, appCtx.ID(), code)
		}
		// The run loop is this context's outermost guard: deliver the
		// handled failure as an uncaught one. Reporting already
		// registered it, so the delegate stays quiet; the delivery
		// closes the episode and terminates the process when a
		// non-zero exit code is pending.
		registry.HandleUncaught(normalized, nil)
		return normalized
	}

	r.log.Info("application finished", "name", appCtx.Name())
	err := appCtx.Close()
	r.lifecycle.LogContextClosed(ctx, appCtx.ID())
	return err
}

// Close releases the runner's shared infrastructure
func (r *Runner) Close() error {
	var firstErr error
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			firstErr = err
		}
	}
	if err := r.bus.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func recoveredError(component Component, v interface{}, stack []byte) error {
	if err, ok := v.(error); ok {
		return err
	}
	e := apperr.RuntimeWithTrace(v, stack)
	e.Message = fmt.Sprintf("component %s panicked: %s", component.Name(), e.Message)
	return e
}
