package events

import (
	"context"
	"time"
)

// TransitionRecord is the structured event opened around one transition run.
type TransitionRecord struct {
	Name          string
	Action        string
	CorrelationID string
	ArtifactID    string
	WorkflowID    string
	Alias         string
	Realm         string
	Started       time.Time
	Stopped       time.Time
	Severity      Severity
	Code          string
	Reason        string
	Err           error
}

// Closed reports whether Close was already recorded.
func (r *TransitionRecord) Closed() bool {
	return !r.Stopped.IsZero()
}

// Fail enriches the record with a failure.
func (r *TransitionRecord) Fail(err error, code string) {
	r.Err = err
	r.Code = code
	r.Severity = SeverityError
	if err != nil {
		r.Reason = err.Error()
	}
}

// Recorder opens and closes transition records. Open returns the context the
// run continues with; Close receives that same context.
type Recorder interface {
	Open(ctx context.Context, rec *TransitionRecord) context.Context
	Close(ctx context.Context, rec *TransitionRecord)
}

// NopRecorder discards records.
type NopRecorder struct{}

func (NopRecorder) Open(ctx context.Context, _ *TransitionRecord) context.Context { return ctx }
func (NopRecorder) Close(context.Context, *TransitionRecord)                      {}

// BusRecorder publishes closed records on an EventBus as EventTransition.
type BusRecorder struct {
	bus *EventBus
}

// NewBusRecorder returns a recorder publishing to bus.
func NewBusRecorder(bus *EventBus) *BusRecorder {
	return &BusRecorder{bus: bus}
}

// Open implements Recorder.
func (b *BusRecorder) Open(ctx context.Context, _ *TransitionRecord) context.Context {
	return ctx
}

// Close implements Recorder.
func (b *BusRecorder) Close(ctx context.Context, rec *TransitionRecord) {
	_ = b.bus.Publish(context.WithoutCancel(ctx), Event{
		Type:       EventTransition,
		WorkflowID: rec.WorkflowID,
		Time:       rec.Stopped,
		Data: map[string]interface{}{
			"action":        rec.Action,
			"artifactId":    rec.ArtifactID,
			"correlationId": rec.CorrelationID,
			"alias":         rec.Alias,
			"realm":         rec.Realm,
			"started":       rec.Started,
			"stopped":       rec.Stopped,
			"duration":      rec.Stopped.Sub(rec.Started),
			"severity":      string(rec.Severity),
			"code":          rec.Code,
			"reason":        rec.Reason,
		},
	})
}

// Recorders combines recorders; Open runs in order and Close in reverse.
type Recorders []Recorder

// Open implements Recorder.
func (rs Recorders) Open(ctx context.Context, rec *TransitionRecord) context.Context {
	for _, r := range rs {
		ctx = r.Open(ctx, rec)
	}
	return ctx
}

// Close implements Recorder.
func (rs Recorders) Close(ctx context.Context, rec *TransitionRecord) {
	for i := len(rs) - 1; i >= 0; i-- {
		rs[i].Close(ctx, rec)
	}
}
