package events

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"
)

// Severity grades notifications and structured events.
type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

// Notification reports a condition an operator may need to act on.
type Notification struct {
	Type        string
	Code        int
	SubjectID   string
	Context     []string
	Message     string
	Description string
	Severity    Severity
	Alias       string
	Realm       string
}

// Notifier receives notifications. Implementations must not block the caller for long.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification)

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) {
	f(ctx, n)
}

// BusNotifier publishes notifications on an EventBus under their type.
// ERROR notifications are delivered before Notify returns, so operator
// handlers have seen a failure before the engine moves on; the rest are queued.
type BusNotifier struct {
	bus    *EventBus
	logger *slog.Logger
}

// NewBusNotifier returns a notifier publishing to bus.
func NewBusNotifier(bus *EventBus, logger *slog.Logger) *BusNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &BusNotifier{bus: bus, logger: logger}
}

// Notify implements Notifier. Notifications nobody subscribed to are dropped.
func (b *BusNotifier) Notify(ctx context.Context, n Notification) {
	event := Event{
		Type:       n.Type,
		WorkflowID: n.SubjectID,
		Data: map[string]interface{}{
			"code":        n.Code,
			"context":     n.Context,
			"message":     n.Message,
			"description": n.Description,
			"severity":    string(n.Severity),
			"alias":       n.Alias,
			"realm":       n.Realm,
		},
	}
	ctx = context.WithoutCancel(ctx)
	var err error
	if n.Severity == SeverityError {
		err = b.bus.Deliver(ctx, event)
	} else {
		err = b.bus.Publish(ctx, event)
	}
	if err != nil && !errors.Is(err, ErrNoHandler) {
		b.logger.WarnContext(ctx, "could not publish notification",
			"type", n.Type,
			"workflow_id", n.SubjectID,
			"error", err)
	}
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier returns a notifier logging to logger.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (l *LogNotifier) Notify(ctx context.Context, n Notification) {
	level := slog.LevelInfo
	switch n.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityError:
		level = slog.LevelError
	}
	l.logger.Log(ctx, level, n.Message,
		"type", n.Type,
		"code", n.Code,
		"workflow_id", n.SubjectID,
		"description", n.Description)
}

// Notifiers fans a notification out to every notifier.
type Notifiers []Notifier

// Notify implements Notifier.
func (ns Notifiers) Notify(ctx context.Context, n Notification) {
	for _, notifier := range ns {
		notifier.Notify(ctx, n)
	}
}
