package events

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Emitter is the interface exposed to producing components. Both the
// in-memory Bus and the Pub/Sub-backed bus satisfy it.
type Emitter interface {
	EmitRejection(event RejectionEvent)
	EmitSpeculative(event SpeculativeEvent)
}

// Handler receives every emitted envelope. Handlers are invoked in
// registration order within a single emit; a panicking handler must not
// affect the others or the caller.
type Handler func(env *Envelope)

// Bus is the in-process event bus. Safe for concurrent emits; concurrent
// emits may interleave across handlers.
type Bus struct {
	mu         sync.RWMutex
	handlers   []Handler
	subs       []chan *Envelope
	bufferSize int
	logger     *log.Logger
}

// NewBus creates an empty in-process bus.
func NewBus() *Bus {
	return &Bus{
		bufferSize: 100,
		logger:     log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
	}
}

// AddHandler registers a synchronous handler.
func (b *Bus) AddHandler(h Handler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

// Subscribe creates a buffered channel receiving every envelope. Delivery is
// best-effort: a full channel drops the event rather than blocking emitters.
func (b *Bus) Subscribe() chan *Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan *Envelope, b.bufferSize)
	b.subs = append(b.subs, ch)
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	filtered := b.subs[:0]
	for _, s := range b.subs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.subs = filtered
	close(ch)
}

// SubscriberCount returns the number of active handlers plus channels.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers) + len(b.subs)
}

// EmitRejection publishes a rejection event.
func (b *Bus) EmitRejection(event RejectionEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.publish(&Envelope{
		Kind:      "rejection",
		ID:        fmt.Sprintf("ev-%d", time.Now().UnixNano()),
		Time:      event.Timestamp,
		Data:      event.toData(),
		Component: event.Component,
	})
}

// EmitSpeculative publishes a speculative-sampling event.
func (b *Bus) EmitSpeculative(event SpeculativeEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.publish(&Envelope{
		Kind: "speculative",
		ID:   fmt.Sprintf("ev-%d", time.Now().UnixNano()),
		Time: event.Timestamp,
		Data: event.toData(),
	})
}

func (b *Bus) publish(env *Envelope) {
	b.mu.RLock()
	handlers := b.handlers
	subs := b.subs
	b.mu.RUnlock()

	for _, h := range handlers {
		b.invoke(h, env)
	}
	for _, ch := range subs {
		select {
		case ch <- env:
		default:
			// channel full, drop
		}
	}
}

// invoke runs one handler with panic isolation.
func (b *Bus) invoke(h Handler, env *Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("event handler failed: %v", r)
		}
	}()
	h(env)
}

var _ Emitter = (*Bus)(nil)
