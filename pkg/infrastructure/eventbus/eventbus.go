// Package eventbus provides the in-process implementation of domain.EventBus.
package eventbus

import (
	"sync"

	"github.com/sipeed/picowidget/pkg/domain"
	"github.com/sipeed/picowidget/pkg/logger"
)

// InProcessEventBus dispatches events synchronously to registered handlers.
// Handlers run outside the bus lock so they may publish or subscribe
// themselves; a panicking handler is logged and does not stop delivery.
type InProcessEventBus struct {
	handlers    map[domain.EventType][]domain.EventHandler
	allHandlers []domain.EventHandler
	mu          sync.RWMutex
	closed      bool
}

// New creates a new in-process event bus.
func New() *InProcessEventBus {
	return &InProcessEventBus{
		handlers: make(map[domain.EventType][]domain.EventHandler),
	}
}

// Publish dispatches an event to typed handlers first, then global handlers.
func (b *InProcessEventBus) Publish(event domain.Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	typed := b.handlers[event.EventType()]
	targets := make([]domain.EventHandler, 0, len(typed)+len(b.allHandlers))
	targets = append(targets, typed...)
	targets = append(targets, b.allHandlers...)
	b.mu.RUnlock()

	for _, handler := range targets {
		dispatch(handler, event)
	}
}

func dispatch(handler domain.EventHandler, event domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("eventbus", "Event handler panicked", map[string]interface{}{
				"event_type": event.EventType(),
				"panic":      r,
			})
		}
	}()
	handler(event)
}

// Subscribe registers a handler for a specific event type.
func (b *InProcessEventBus) Subscribe(eventType domain.EventType, handler domain.EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll registers a handler that receives every event.
func (b *InProcessEventBus) SubscribeAll(handler domain.EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allHandlers = append(b.allHandlers, handler)
}

// Close marks the bus as closed. No more events will be dispatched.
func (b *InProcessEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

// PublishAll dispatches multiple events (e.g. from AggregateRoot.PullEvents).
func (b *InProcessEventBus) PublishAll(events []domain.Event) {
	for _, event := range events {
		b.Publish(event)
	}
}

var _ domain.EventBus = (*InProcessEventBus)(nil)
