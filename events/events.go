package events

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrBusClosed is returned once Stop has been called.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrQueueFull is returned when the delivery queue cannot take another event.
	ErrQueueFull = errors.New("event queue is full")
	// ErrNoHandler is returned for events nobody subscribed to.
	ErrNoHandler = errors.New("no handlers registered for event type")
)

// Event types published by the engine. Notifications travel under their own type.
const (
	EventTransition   = "workflow-transition"
	EventStateChanged = "workflow.state_changed"
	EventWaiting      = "workflow.waiting"
)

// DefaultBufferSize is the queue length of a bus built without WithBufferSize.
const DefaultBufferSize = 100

// Event is something that happened to one workflow.
type Event struct {
	Type       string
	WorkflowID string
	Time       time.Time
	Data       map[string]interface{}
}

// Handler consumes events.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event Event) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// EventBus routes events to the handlers subscribed to their type.
//
// Publish queues an event and returns at once; a single goroutine delivers the
// queue, so handlers see the events of a bus in publish order. Deliver runs the
// handlers on the caller's goroutine instead.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler

	queue  chan Event
	logger *slog.Logger
	wg     sync.WaitGroup

	closeMu sync.RWMutex
	closed  bool
}

// EventBusOption configures an EventBus.
type EventBusOption func(*EventBus)

// WithBufferSize sets how many events may wait for delivery.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		if size > 0 {
			eb.queue = make(chan Event, size)
		}
	}
}

// WithLogger sets the logger handler failures are reported to.
func WithLogger(logger *slog.Logger) EventBusOption {
	return func(eb *EventBus) {
		eb.logger = logger
	}
}

// NewEventBus starts a bus.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		handlers: make(map[string][]Handler),
		queue:    make(chan Event, DefaultBufferSize),
		logger:   slog.Default(),
	}
	for _, option := range options {
		option(eb)
	}

	eb.wg.Add(1)
	go eb.run()
	return eb
}

// Subscribe registers handler for eventType.
func (eb *EventBus) Subscribe(eventType string, handler Handler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

func (eb *EventBus) subscribers(eventType string) []Handler {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return eb.handlers[eventType]
}

// Publish queues event for delivery. It never blocks.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	eb.closeMu.RLock()
	defer eb.closeMu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}
	if len(eb.subscribers(event.Type)) == 0 {
		return ErrNoHandler
	}
	stamp(&event)

	select {
	case eb.queue <- event:
		return nil
	default:
		return errors.Wrapf(ErrQueueFull, "event %s of %s", event.Type, event.WorkflowID)
	}
}

// Deliver runs the handlers of event before returning. Every handler runs even
// when an earlier one fails; the first failure is returned.
func (eb *EventBus) Deliver(ctx context.Context, event Event) error {
	eb.closeMu.RLock()
	closed := eb.closed
	eb.closeMu.RUnlock()
	if closed {
		return ErrBusClosed
	}
	handlers := eb.subscribers(event.Type)
	if len(handlers) == 0 {
		return ErrNoHandler
	}
	stamp(&event)

	var first error
	failed := 0
	for _, h := range handlers {
		if err := eb.handle(ctx, h, event); err != nil {
			if first == nil {
				first = err
			}
			failed++
		}
	}
	if first != nil {
		return errors.WithMessagef(first, "%d of %d handlers of %s failed", failed, len(handlers), event.Type)
	}
	return nil
}

// Stop closes the bus and waits until the queued events are delivered.
func (eb *EventBus) Stop() {
	eb.closeMu.Lock()
	if !eb.closed {
		eb.closed = true
		close(eb.queue)
	}
	eb.closeMu.Unlock()

	eb.wg.Wait()
}

func (eb *EventBus) run() {
	defer eb.wg.Done()

	for event := range eb.queue {
		for _, h := range eb.subscribers(event.Type) {
			if err := eb.handle(context.Background(), h, event); err != nil {
				eb.logger.Error("event handler failed",
					"event", event.Type,
					"workflow_id", event.WorkflowID,
					"error", err)
			}
		}
	}
}

// handle runs one handler, turning a panic into an error.
func (eb *EventBus) handle(ctx context.Context, h Handler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h.Handle(ctx, event)
}

func stamp(event *Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
}
