package events

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector records the events it handles.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) Handle(_ context.Context, e Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *collector) workflowIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.events))
	for _, e := range c.events {
		ids = append(ids, e.WorkflowID)
	}
	return ids
}

func TestEventBus_PublishKeepsOrder(t *testing.T) {
	eb := NewEventBus()
	c := &collector{}
	eb.Subscribe(EventStateChanged, c)

	want := []string{"wf-1", "wf-2", "wf-3", "wf-4"}
	for _, id := range want {
		require.NoError(t, eb.Publish(context.Background(), Event{
			Type:       EventStateChanged,
			WorkflowID: id,
			Data:       map[string]interface{}{"from": "draft", "to": "review"},
		}))
	}
	eb.Stop()

	assert.Equal(t, want, c.workflowIDs())
	assert.False(t, c.events[0].Time.IsZero(), "publish stamps the event")
}

func TestEventBus_RoutesByType(t *testing.T) {
	eb := NewEventBus()
	changed, waiting := &collector{}, &collector{}
	eb.Subscribe(EventStateChanged, changed)
	eb.Subscribe(EventWaiting, waiting)

	ctx := context.Background()
	require.NoError(t, eb.Publish(ctx, Event{Type: EventStateChanged, WorkflowID: "wf-1"}))
	require.NoError(t, eb.Publish(ctx, Event{Type: EventWaiting, WorkflowID: "wf-2"}))
	assert.ErrorIs(t, eb.Publish(ctx, Event{Type: EventTransition, WorkflowID: "wf-3"}), ErrNoHandler)
	eb.Stop()

	assert.Equal(t, []string{"wf-1"}, changed.workflowIDs())
	assert.Equal(t, []string{"wf-2"}, waiting.workflowIDs())
}

func TestEventBus_PublishErrors(t *testing.T) {
	eb := NewEventBus(WithBufferSize(1))
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	eb.Subscribe(EventWaiting, HandlerFunc(func(context.Context, Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}))

	ctx := context.Background()
	require.NoError(t, eb.Publish(ctx, Event{Type: EventWaiting, WorkflowID: "wf-1"}))
	<-started
	// the first event is being handled, the second fills the queue
	require.NoError(t, eb.Publish(ctx, Event{Type: EventWaiting, WorkflowID: "wf-2"}))
	assert.ErrorIs(t, eb.Publish(ctx, Event{Type: EventWaiting, WorkflowID: "wf-3"}), ErrQueueFull)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, eb.Publish(cancelled, Event{Type: EventWaiting, WorkflowID: "wf-4"}), context.Canceled)

	close(release)
	eb.Stop()
	assert.ErrorIs(t, eb.Publish(ctx, Event{Type: EventWaiting, WorkflowID: "wf-5"}), ErrBusClosed)
	assert.ErrorIs(t, eb.Deliver(ctx, Event{Type: EventWaiting, WorkflowID: "wf-5"}), ErrBusClosed)
}

func TestEventBus_Deliver(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	c := &collector{}
	eb.Subscribe("workflow.revert", HandlerFunc(func(context.Context, Event) error {
		return errors.New("pager unavailable")
	}))
	eb.Subscribe("workflow.revert", c)

	err := eb.Deliver(context.Background(), Event{Type: "workflow.revert", WorkflowID: "wf-9"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 handlers of workflow.revert failed")
	assert.Contains(t, err.Error(), "pager unavailable")
	assert.Equal(t, []string{"wf-9"}, c.workflowIDs(), "later handlers still run")

	assert.ErrorIs(t, eb.Deliver(context.Background(), Event{Type: "workflow.fail"}), ErrNoHandler)
}

func TestEventBus_HandlerPanic(t *testing.T) {
	var logs bytes.Buffer
	eb := NewEventBus(WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	c := &collector{}
	eb.Subscribe(EventStateChanged, HandlerFunc(func(context.Context, Event) error {
		panic("listener bug")
	}))
	eb.Subscribe(EventStateChanged, c)

	err := eb.Deliver(context.Background(), Event{Type: EventStateChanged, WorkflowID: "wf-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler panic: listener bug")

	require.NoError(t, eb.Publish(context.Background(), Event{Type: EventStateChanged, WorkflowID: "wf-2"}))
	eb.Stop()

	assert.Equal(t, []string{"wf-1", "wf-2"}, c.workflowIDs())
	assert.Contains(t, logs.String(), "event handler failed")
	assert.Contains(t, logs.String(), "workflow_id=wf-2")
}

func TestEventBus_StopDrainsQueue(t *testing.T) {
	eb := NewEventBus(WithBufferSize(16))
	c := &collector{}
	eb.Subscribe(EventStateChanged, HandlerFunc(func(ctx context.Context, e Event) error {
		time.Sleep(time.Millisecond)
		return c.Handle(ctx, e)
	}))

	for i := 0; i < 10; i++ {
		require.NoError(t, eb.Publish(context.Background(), Event{Type: EventStateChanged, WorkflowID: "wf"}))
	}
	eb.Stop()
	eb.Stop()

	assert.Len(t, c.workflowIDs(), 10)
}
