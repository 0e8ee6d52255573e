package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrBusClosed indicates the bus has been stopped.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull indicates the event buffer cannot accept more events.
	ErrChannelFull = errors.New("event channel is full")
	// ErrNoHandler indicates no handlers are registered for the event type.
	ErrNoHandler = errors.New("no handlers registered for event type")
)

// Event types published by the orchestration manager.
const (
	StepCompleted        = "step.completed"
	StepFailed           = "step.failed"
	StepSkipped          = "step.skipped"
	ProviderRegistered   = "provider.registered"
	ProviderUnregistered = "provider.unregistered"
	ProviderUnhealthy    = "provider.unhealthy"

	// Wildcard subscribers receive every event.
	Wildcard = "*"
)

// Event is a step or provider lifecycle notification.
type Event struct {
	Type        string
	StepID      string
	ExecutionID string
	Provider    string
	Timestamp   time.Time
	Data        map[string]any
}

// Handler handles events.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, event Event) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Subscription identifies a subscribed handler for Unsubscribe.
type Subscription struct {
	eventType string
	id        uint64
}

type subscriber struct {
	id      uint64
	handler Handler
}

// Bus dispatches events to subscribers on a background goroutine.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]subscriber
	nextID   uint64

	eventCh      chan Event
	errHandler   func(event Event, err error)
	errHandlerMu sync.RWMutex
	logger       *slog.Logger

	wg      sync.WaitGroup
	closeMu sync.RWMutex
	closed  bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize sets the event channel buffer size.
func WithBufferSize(size int) Option {
	return func(b *Bus) {
		b.eventCh = make(chan Event, size)
	}
}

// WithErrorHandler sets the function receiving handler errors of
// asynchronously delivered events.
func WithErrorHandler(handler func(event Event, err error)) Option {
	return func(b *Bus) {
		b.errHandlerMu.Lock()
		defer b.errHandlerMu.Unlock()
		b.errHandler = handler
	}
}

// WithLogger sets the logger used by the default error handler.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBus creates a Bus and starts its dispatch goroutine. The default
// buffer holds 100 events and handler errors are logged.
func NewBus(options ...Option) *Bus {
	b := &Bus{
		handlers: make(map[string][]subscriber),
		eventCh:  make(chan Event, 100),
		logger:   slog.Default(),
	}
	for _, option := range options {
		option(b)
	}
	if b.errHandler == nil {
		b.errHandler = b.logError
	}

	b.wg.Add(1)
	go b.processEvents()
	return b
}

// Subscribe registers handler for eventType, or for every event when
// eventType is Wildcard.
func (b *Bus) Subscribe(eventType string, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.handlers[eventType] = append(b.handlers[eventType], subscriber{id: b.nextID, handler: handler})
	return Subscription{eventType: eventType, id: b.nextID}
}

// SubscribeFunc registers a function as a handler.
func (b *Bus) SubscribeFunc(eventType string, fn func(ctx context.Context, event Event) error) Subscription {
	return b.Subscribe(eventType, HandlerFunc(fn))
}

// Unsubscribe removes a subscription. It reports whether it was present.
func (b *Bus) Unsubscribe(sub Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[sub.eventType]
	for i, s := range subs {
		if s.id != sub.id {
			continue
		}
		subs = append(subs[:i:i], subs[i+1:]...)
		if len(subs) == 0 {
			delete(b.handlers, sub.eventType)
		} else {
			b.handlers[sub.eventType] = subs
		}
		return true
	}
	return false
}

// HasSubscribers reports whether an event of eventType would reach anyone.
func (b *Bus) HasSubscribers(eventType string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType]) > 0 || len(b.handlers[Wildcard]) > 0
}

func (b *Bus) handlersFor(eventType string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := b.handlers[eventType]
	all := b.handlers[Wildcard]
	out := make([]Handler, 0, len(subs)+len(all))
	for _, s := range subs {
		out = append(out, s.handler)
	}
	for _, s := range all {
		out = append(out, s.handler)
	}
	return out
}

// Publish queues event for asynchronous delivery. Events nobody subscribed
// to are dropped without error.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	if !b.HasSubscribers(event.Type) {
		return nil
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

// PublishSync delivers event to every handler before returning and
// collects their errors. Delivery is bounded by a 5 second timeout unless
// ctx expires first.
func (b *Bus) PublishSync(ctx context.Context, event Event) []error {
	b.closeMu.RLock()
	closed := b.closed
	b.closeMu.RUnlock()
	if closed {
		return []error{ErrBusClosed}
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	handlers := b.handlersFor(event.Type)
	if len(handlers) == 0 {
		return []error{ErrNoHandler}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return b.executeHandlers(timeoutCtx, handlers, event)
}

// Stop rejects new events, delivers the ones already queued and waits for
// the dispatch goroutine to exit. It is safe to call more than once.
func (b *Bus) Stop() {
	b.closeMu.Lock()
	if !b.closed {
		b.closed = true
		close(b.eventCh)
	}
	b.closeMu.Unlock()

	b.wg.Wait()
}

func (b *Bus) processEvents() {
	defer b.wg.Done()

	for event := range b.eventCh {
		handlers := b.handlersFor(event.Type)
		if len(handlers) == 0 {
			continue
		}

		errs := b.executeHandlers(context.Background(), handlers, event)

		b.errHandlerMu.RLock()
		handler := b.errHandler
		b.errHandlerMu.RUnlock()
		for _, err := range errs {
			handler(event, err)
		}
	}
}

// executeHandlers runs handlers concurrently and waits for all of them.
// A panicking handler is reported as an error.
func (b *Bus) executeHandlers(ctx context.Context, handlers []Handler, event Event) []error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(handlers))

	for _, handler := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errCh <- fmt.Errorf("event handler panic: %v", r)
				}
			}()
			if err := h.Handle(ctx, event); err != nil {
				errCh <- err
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

func (b *Bus) logError(event Event, err error) {
	b.logger.Error("event handler failed",
		slog.String("event", event.Type),
		slog.String("step_id", event.StepID),
		slog.String("provider", event.Provider),
		slog.String("error", err.Error()))
}
