// Package hooks provides the shutdown-hook registry for Embark
// applications: ordered cleanup on process termination and removal of
// failed application contexts from that ordering.
package hooks

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/embarklabs/embark/pkg/logger"
)

// Closable is the subset of an application context the hook registry
// needs for shutdown bookkeeping
type Closable interface {
	ID() string
	Close() error
}

// Hook is a single shutdown action
type Hook func()

// Registry runs registered hooks and tracked application contexts when
// the process shuts down. Hooks run LIFO, mirroring defer semantics.
type Registry struct {
	mu       sync.Mutex
	hooks    []Hook
	contexts map[string]Closable
	ran      bool
	log      *logger.Logger
}

// NewRegistry creates an empty shutdown-hook registry
func NewRegistry(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Global().WithComponent("hooks")
	}
	return &Registry{
		contexts: make(map[string]Closable),
		log:      log,
	}
}

// Register adds a shutdown hook. Hooks registered after shutdown has run
// are dropped.
func (r *Registry) Register(h Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ran {
		return
	}
	r.hooks = append(r.hooks, h)
}

// TrackContext includes an application context in ordered shutdown
func (r *Registry) TrackContext(ctx Closable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ran {
		return
	}
	r.contexts[ctx.ID()] = ctx
}

// UnregisterFailedContext removes a failed context from ordered
// shutdown. The failure pipeline has already closed it; closing again
// during shutdown would double cleanup.
func (r *Registry) UnregisterFailedContext(ctx Closable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.contexts, ctx.ID())
}

// Tracked reports whether a context is still part of ordered shutdown
func (r *Registry) Tracked(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.contexts[id]
	return ok
}

// Run executes all tracked context closes and hooks exactly once. Hooks
// run LIFO; a panicking hook does not stop the rest.
func (r *Registry) Run() {
	r.mu.Lock()
	if r.ran {
		r.mu.Unlock()
		return
	}
	r.ran = true
	hooks := r.hooks
	contexts := make([]Closable, 0, len(r.contexts))
	for _, ctx := range r.contexts {
		contexts = append(contexts, ctx)
	}
	r.mu.Unlock()

	for _, ctx := range contexts {
		if err := ctx.Close(); err != nil {
			r.log.Warn("context close failed during shutdown",
				"context_id", ctx.ID(),
				"error", err.Error(),
			)
		}
	}

	for i := len(hooks) - 1; i >= 0; i-- {
		r.runHook(hooks[i])
	}
}

func (r *Registry) runHook(h Hook) {
	defer func() {
		if v := recover(); v != nil {
			r.log.Warn("shutdown hook panicked", "reason", v)
		}
	}()
	h()
}

// InstallSignalHandler runs the registry when SIGINT or SIGTERM arrives,
// then exits. The returned stop function releases the signal watcher.
func (r *Registry) InstallSignalHandler() (stop func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			r.log.Info("shutdown signal received", "signal", sig.String())
			r.Run()
			os.Exit(0)
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}
