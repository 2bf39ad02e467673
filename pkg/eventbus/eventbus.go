// Package eventbus distributes application lifecycle events to
// in-process subscribers and, optionally, to websocket observers. The
// failure pipeline publishes its exit-code and run-failure events here.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/embarklabs/embark/pkg/logger"
)

// Event types published by the bootstrap and failure pipeline
const (
	TypeApplicationReady  = "application.ready"
	TypeApplicationFailed = "application.failed"
	TypeExitCode          = "application.exit_code"
	TypeContextClosed     = "context.closed"
)

// Event is one application event as delivered to subscribers
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	ContextID string      `json:"context_id"`
	Payload   interface{} `json:"payload,omitempty"`
	Received  time.Time   `json:"received"`
	Sequence  int64       `json:"sequence"`
}

// Filter defines which events a subscriber wants to receive
type Filter struct {
	ContextID string   // Only events from this context (empty = all contexts)
	Types     []string // Only these event types (empty = all types)
}

func (f Filter) matches(e Event) bool {
	if f.ContextID != "" && f.ContextID != e.ContextID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}

// Subscriber receives events matched by its filter on C. A subscriber
// that falls behind loses events rather than blocking the publisher.
type Subscriber struct {
	ID     string
	Filter Filter
	C      chan Event

	mu     sync.Mutex
	closed bool
}

func (s *Subscriber) deliver(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.C <- e:
	default:
		// Slow subscriber, drop
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.C)
}

// Config holds event bus configuration
type Config struct {
	BufferSize    int           // Per-subscriber channel buffer
	StreamEnabled bool          // Enable websocket event stream
	StreamAddr    string        // Websocket listen address
	StreamPath    string        // Websocket path
	StreamRate    float64       // Events per second per websocket client
	StreamBurst   int           // Burst allowance per websocket client
	WriteTimeout  time.Duration // Websocket write deadline
}

// DefaultConfig returns default event bus configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:   64,
		StreamAddr:   "127.0.0.1:8710",
		StreamPath:   "/events",
		StreamRate:   20,
		StreamBurst:  40,
		WriteTimeout: 5 * time.Second,
	}
}

// Bus manages event distribution to subscribers
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	sequence    int64
	bufferSize  int
	stream      *streamServer
	log         *logger.Logger
	ctx         context.Context
	cancel      context.CancelFunc
}

// New creates a new event bus. When the config enables the stream, the
// websocket server is started immediately.
func New(cfg Config) (*Bus, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	bus := &Bus{
		subscribers: make(map[string]*Subscriber),
		bufferSize:  cfg.BufferSize,
		log:         logger.Global().WithComponent("eventbus"),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.StreamEnabled {
		stream, err := newStreamServer(cfg, bus.log)
		if err != nil {
			cancel()
			return nil, err
		}
		bus.stream = stream
	}

	return bus, nil
}

// Subscribe registers an in-process subscriber for events matching the
// filter
func (b *Bus) Subscribe(filter Filter) *Subscriber {
	sub := &Subscriber{
		ID:     uuid.NewString(),
		Filter: filter,
		C:      make(chan Event, b.bufferSize),
	}

	b.mu.Lock()
	b.subscribers[sub.ID] = sub
	b.mu.Unlock()

	return sub
}

// Unsubscribe removes a subscriber and closes its channel
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	delete(b.subscribers, id)
	b.mu.Unlock()

	if ok {
		sub.close()
	}
}

// Publish delivers an event to every matching subscriber and to the
// websocket stream when enabled. Publish never blocks on a slow
// consumer.
func (b *Bus) Publish(eventType, contextID string, payload interface{}) {
	b.mu.Lock()
	b.sequence++
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		ContextID: contextID,
		Payload:   payload,
		Received:  time.Now().UTC(),
		Sequence:  b.sequence,
	}
	subs := make([]*Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.Filter.matches(event) {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(event)
	}

	if b.stream != nil {
		b.stream.broadcast(event)
	}
}

// Close shuts the bus down, closing every subscriber channel and the
// websocket stream
func (b *Bus) Close() error {
	b.cancel()

	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = make(map[string]*Subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}

	if b.stream != nil {
		return b.stream.close()
	}
	return nil
}
