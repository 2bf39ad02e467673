// Package app provides Embark's application context and the bootstrap
// runner that wires components, listeners, and the failure pipeline
// together.
package app

import (
	"sync"

	"github.com/google/uuid"

	"github.com/embarklabs/embark/pkg/eventbus"
	"github.com/embarklabs/embark/pkg/failure"
	"github.com/embarklabs/embark/pkg/logger"
)

// ReadyEvent is published when the application context has started
type ReadyEvent struct {
	ContextID string
	Name      string
}

// FailedEvent is published when an application run fails
type FailedEvent struct {
	ContextID string
	Err       error
}

// Context is the running application's context: identity, liveness, and
// event publication. It satisfies the failure pipeline's
// ApplicationContext contract.
type Context struct {
	id   string
	name string
	bus  *eventbus.Bus
	log  *logger.Logger

	mu      sync.Mutex
	running bool
	closed  bool
	onClose []func() error
}

// NewContext creates an application context publishing to the given bus
func NewContext(name string, bus *eventbus.Bus) *Context {
	return &Context{
		id:   uuid.NewString(),
		name: name,
		bus:  bus,
		log:  logger.Global().WithComponent("app"),
	}
}

// ID returns the context's unique identifier
func (c *Context) ID() string {
	return c.id
}

// Name returns the application name
func (c *Context) Name() string {
	return c.name
}

// Start marks the context as running
func (c *Context) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = true
}

// IsRunning reports whether the context has started and not yet closed
func (c *Context) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running && !c.closed
}

// OnClose registers a cleanup function run when the context closes.
// Cleanups run LIFO.
func (c *Context) OnClose(fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, fn)
}

// PublishEvent publishes an application event to the bus. Known event
// types get their canonical bus type; everything else is generic.
func (c *Context) PublishEvent(event interface{}) {
	if c.bus == nil {
		return
	}

	var eventType string
	switch event.(type) {
	case ReadyEvent:
		eventType = eventbus.TypeApplicationReady
	case FailedEvent:
		eventType = eventbus.TypeApplicationFailed
	case failure.ExitCodeEvent:
		eventType = eventbus.TypeExitCode
	default:
		eventType = "application.event"
	}

	c.bus.Publish(eventType, c.id, event)
}

// Close stops the context and runs registered cleanups LIFO. Closing is
// idempotent; the first cleanup error wins but every cleanup runs.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.running = false
	cleanups := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	var firstErr error
	for i := len(cleanups) - 1; i >= 0; i-- {
		if err := cleanups[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if c.bus != nil {
		c.bus.Publish(eventbus.TypeContextClosed, c.id, nil)
	}

	return firstErr
}
