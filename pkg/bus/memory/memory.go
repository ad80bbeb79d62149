// Package memory implements the presence-event bus in process memory.
//
// It mirrors the kafka implementation's guarantees for tests: per-user
// (per-key) FIFO order, broadcast to every subscriber, and at-least-once
// friendly replay via Replay.
package memory

import (
	"context"
	"sync"

	"github.com/marmos91/presenced/pkg/bus"
)

// Bus is an in-process broadcast bus. A single Bus backs any number of
// publishers and subscribers, standing in for the shared Kafka topic.
type Bus struct {
	mu       sync.Mutex
	handlers map[int]bus.Handler
	nextID   int
	history  []bus.Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{handlers: make(map[int]bus.Handler)}
}

// Publisher returns a publisher writing into this bus.
func (b *Bus) Publisher() bus.Publisher {
	return &publisher{bus: b}
}

// Consumer returns a consumer subscribed to this bus. Events published
// before Run is called are not delivered, matching a fresh consumer group
// starting at the log tail.
func (b *Bus) Consumer() bus.Consumer {
	return &consumer{bus: b}
}

// History returns all events published so far, in publish order.
func (b *Bus) History() []bus.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]bus.Event, len(b.history))
	copy(out, b.history)
	return out
}

// Replay re-delivers the full history to every subscriber. Tests use it to
// exercise at-least-once semantics.
func (b *Bus) Replay(ctx context.Context) {
	b.mu.Lock()
	events := make([]bus.Event, len(b.history))
	copy(events, b.history)
	handlers := b.snapshotHandlers()
	b.mu.Unlock()

	for _, event := range events {
		for _, handler := range handlers {
			_ = handler(ctx, event)
		}
	}
}

func (b *Bus) publish(ctx context.Context, event bus.Event) {
	b.mu.Lock()
	b.history = append(b.history, event)
	handlers := b.snapshotHandlers()
	b.mu.Unlock()

	// Delivery happens synchronously on the publisher's goroutine, which
	// preserves per-user order trivially.
	for _, handler := range handlers {
		_ = handler(ctx, event)
	}
}

// snapshotHandlers copies the live handlers; callers hold b.mu.
func (b *Bus) snapshotHandlers() []bus.Handler {
	handlers := make([]bus.Handler, 0, len(b.handlers))
	for _, handler := range b.handlers {
		handlers = append(handlers, handler)
	}
	return handlers
}

func (b *Bus) subscribe(handler bus.Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	return id
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

type publisher struct {
	bus *Bus
}

func (p *publisher) Publish(ctx context.Context, event bus.Event) error {
	p.bus.publish(ctx, event)
	return nil
}

func (p *publisher) Close() error {
	return nil
}

type consumer struct {
	bus *Bus
}

// Run delivers events until the context is cancelled, then removes the
// subscription so later publishes cannot reach a stopped consumer.
func (c *consumer) Run(ctx context.Context, handler bus.Handler) error {
	id := c.bus.subscribe(handler)
	<-ctx.Done()
	c.bus.unsubscribe(id)
	return nil
}

func (c *consumer) Close() error {
	return nil
}
