package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/songzhibin97/approval-engine/types"
)

var (
	// ErrBusClosed indicates the event bus has been closed.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull indicates the event channel is full and cannot accept more events.
	ErrChannelFull = errors.New("event channel is full")
	// ErrNoHandler indicates no handlers are registered for the event type.
	ErrNoHandler = errors.New("no handlers registered for event type")
)

// Workflow event types.
const (
	EventEntityCreated    = "entity_created"
	EventStateChanged     = "state_changed"
	EventEntityDeleted    = "entity_deleted"
	EventDecisionRecorded = "decision_recorded"
	EventConfigChanged    = "config_changed"
)

// Event is a workflow notification.
type Event struct {
	Type     string                 // e.g. "state_changed"
	Kind     types.EntityKind       // empty for non-entity events
	EntityID uint64                 // subject entity, zero for non-entity events
	Data     map[string]interface{} // additional payload
}

// Handler processes published events.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, event Event) error

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Bus manages event subscriptions and publishing. Delivery is async by
// default; handler errors are routed to the error handler, never back to
// the publisher.
type Bus struct {
	handlers     map[string][]Handler
	mu           sync.RWMutex
	eventCh      chan Event
	errHandler   func(event Event, err error)
	errHandlerMu sync.RWMutex
	wg           sync.WaitGroup
	closed       bool
	closeMu      sync.RWMutex
}

// Option defines functional options for configuring a Bus.
type Option func(*Bus)

// WithBufferSize sets the event channel buffer size.
func WithBufferSize(size int) Option {
	return func(b *Bus) {
		b.eventCh = make(chan Event, size)
	}
}

// WithErrorHandler sets a custom error handler function.
func WithErrorHandler(handler func(event Event, err error)) Option {
	return func(b *Bus) {
		b.errHandlerMu.Lock()
		defer b.errHandlerMu.Unlock()
		b.errHandler = handler
	}
}

// NewBus creates a Bus with async processing. The default buffer size is
// 100; use options to change it or to install an error handler.
func NewBus(options ...Option) *Bus {
	b := &Bus{
		handlers:   make(map[string][]Handler),
		eventCh:    make(chan Event, 100),
		errHandler: func(Event, error) {},
	}

	for _, option := range options {
		option(b)
	}

	b.wg.Add(1)
	go b.processEvents()

	return b
}

// Subscribe subscribes a handler to an event type.
func (b *Bus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeFunc subscribes a function as a handler to an event type.
func (b *Bus) SubscribeFunc(eventType string, handlerFunc func(ctx context.Context, event Event) error) {
	b.Subscribe(eventType, HandlerFunc(handlerFunc))
}

// HasSubscribers checks if there are any subscribers for a given event type.
func (b *Bus) HasSubscribers(eventType string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType]) > 0
}

// Publish publishes an event asynchronously to all subscribed handlers.
// Returns an error if the context is canceled, the bus is closed, the
// channel is full, or nothing is subscribed. Handlers run later on the
// bus goroutine.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	b.closeMu.RLock()
	if b.closed {
		b.closeMu.RUnlock()
		return ErrBusClosed
	}
	b.closeMu.RUnlock()

	if !b.HasSubscribers(event.Type) {
		return ErrNoHandler
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case b.eventCh <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// PublishSync publishes an event synchronously and returns all handler
// errors. Execution is capped at 5 seconds unless the context is shorter.
func (b *Bus) PublishSync(ctx context.Context, event Event) []error {
	b.closeMu.RLock()
	if b.closed {
		b.closeMu.RUnlock()
		return []error{ErrBusClosed}
	}
	b.closeMu.RUnlock()

	b.mu.RLock()
	handlers := b.handlers[event.Type]
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return []error{ErrNoHandler}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return runHandlers(timeoutCtx, handlers, event)
}

// Stop stops the event processing goroutine and waits for completion.
// Unprocessed events are discarded.
func (b *Bus) Stop() {
	b.closeMu.Lock()
	if !b.closed {
		b.closed = true
		for len(b.eventCh) > 0 {
			<-b.eventCh
		}
		close(b.eventCh)
	}
	b.closeMu.Unlock()

	b.wg.Wait()
}

// processEvents drains the channel, fanning each event out to its
// handlers and reporting failures through the error handler.
func (b *Bus) processEvents() {
	defer b.wg.Done()

	for event := range b.eventCh {
		b.mu.RLock()
		handlers := b.handlers[event.Type]
		b.mu.RUnlock()

		if len(handlers) == 0 {
			continue
		}

		errs := runHandlers(context.Background(), handlers, event)

		b.errHandlerMu.RLock()
		handler := b.errHandler
		b.errHandlerMu.RUnlock()

		for _, err := range errs {
			handler(event, err)
		}
	}
}

// runHandlers executes all handlers for an event concurrently and collects
// their errors.
func runHandlers(ctx context.Context, handlers []Handler, event Event) []error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(handlers))

	for _, handler := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			if err := h.Handle(ctx, event); err != nil {
				errCh <- fmt.Errorf("event %s: %w", event.Type, err)
			}
		}(handler)
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}

	return errs
}
