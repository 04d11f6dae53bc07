package workflow

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/workflow-fsm/auth"
	"github.com/songzhibin97/workflow-fsm/binding"
	"github.com/songzhibin97/workflow-fsm/definition"
	"github.com/songzhibin97/workflow-fsm/events"
	"github.com/songzhibin97/workflow-fsm/runner"
	"github.com/songzhibin97/workflow-fsm/storage"
	"github.com/songzhibin97/workflow-fsm/types"
)

// MaxChainDepth bounds synchronous automatic chaining.
const MaxChainDepth = 100

// Notification types.
const (
	NotifyRevert      = "workflow.revert"
	NotifyBatchRevert = "workflow.batchRevert"
	NotifyListener    = "workflow.listener"
	NotifyRun         = "workflow.run"
	NotifyFail        = "workflow.fail"
)

// Listener observes committed transitions. A failing listener never undoes the transition.
type Listener interface {
	OnTransition(ctx context.Context, w *types.WorkflowInstance, t *types.TransitionInstance, from, to *types.State, actor *types.Actor) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, w *types.WorkflowInstance, t *types.TransitionInstance, from, to *types.State, actor *types.Actor) error

// OnTransition implements Listener.
func (f ListenerFunc) OnTransition(ctx context.Context, w *types.WorkflowInstance, t *types.TransitionInstance, from, to *types.State, actor *types.Actor) error {
	return f(ctx, w, t, from, to, actor)
}

// Engine runs transitions of workflow instances against a shared store.
type Engine struct {
	definitions   *definition.Registry
	store         storage.Manager
	bindings      *binding.Registry
	runners       *runner.Registry
	generate      generator.Generator
	systemID      string
	environment   string
	roles         auth.RoleHandler
	permissions   auth.PermissionHandler
	tokens        auth.TokenValidator
	listeners     []Listener
	recorder      events.Recorder
	notifier      events.Notifier
	eventBus      *events.EventBus
	logger        *slog.Logger
	maxChainDepth int
	now           func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithSystemID sets the node identity stamped on running work. Defaults to the host name.
func WithSystemID(id string) Option {
	return func(e *Engine) { e.systemID = id }
}

// WithEnvironment sets the environment tag of created workflows.
func WithEnvironment(env string) Option {
	return func(e *Engine) { e.environment = env }
}

// WithBindings sets the business logic registry.
func WithBindings(r *binding.Registry) Option {
	return func(e *Engine) { e.bindings = r }
}

// WithRunners sets the registry of asynchronous targets.
func WithRunners(r *runner.Registry) Option {
	return func(e *Engine) { e.runners = r }
}

// WithRoleHandler replaces the default handler, which trusts the roles on the actor.
func WithRoleHandler(h auth.RoleHandler) Option {
	return func(e *Engine) { e.roles = h }
}

// WithPermissionHandler consults h before every transition.
func WithPermissionHandler(h auth.PermissionHandler) Option {
	return func(e *Engine) { e.permissions = h }
}

// WithTokenValidator treats actors failing v as anonymous.
func WithTokenValidator(v auth.TokenValidator) Option {
	return func(e *Engine) { e.tokens = v }
}

// WithListener adds a transition listener.
func WithListener(l Listener) Option {
	return func(e *Engine) { e.listeners = append(e.listeners, l) }
}

// WithRecorder sets the structured event recorder.
func WithRecorder(r events.Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithNotifier sets the operational notification sink.
func WithNotifier(n events.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithEventBus sets the bus state changes are published on.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) { e.eventBus = bus }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMaxChainDepth bounds synchronous automatic chaining.
func WithMaxChainDepth(depth int) Option {
	return func(e *Engine) { e.maxChainDepth = depth }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine. A nil store falls back to in-memory storage.
func NewEngine(generate generator.Generator, store storage.Manager, definitions *definition.Registry, opts ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryManager()
	}
	if definitions == nil {
		definitions = definition.NewRegistry()
	}

	e := &Engine{
		definitions:   definitions,
		store:         store,
		generate:      generate,
		maxChainDepth: MaxChainDepth,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.systemID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, errors.Wrap(err, "failed to resolve system id")
		}
		e.systemID = host
	}
	if e.bindings == nil {
		e.bindings = binding.NewRegistry()
	}
	if e.runners == nil {
		e.runners = runner.NewRegistry()
	}
	if e.roles == nil {
		e.roles = auth.ActorRoles{}
	}
	if e.eventBus == nil {
		e.eventBus = events.NewEventBus(events.WithLogger(e.logger))
	}
	if e.recorder == nil {
		e.recorder = events.NopRecorder{}
	}
	if e.notifier == nil {
		e.notifier = events.Notifiers{
			events.NewLogNotifier(e.logger),
			events.NewBusNotifier(e.eventBus, e.logger),
		}
	}
	return e, nil
}

// SystemID returns the node identity.
func (e *Engine) SystemID() string { return e.systemID }

// Store returns the persistence manager.
func (e *Engine) Store() storage.Manager { return e.store }

// Definitions returns the definition registry.
func (e *Engine) Definitions() *definition.Registry { return e.definitions }

// Bindings returns the business logic registry.
func (e *Engine) Bindings() *binding.Registry { return e.bindings }

// Runners returns the asynchronous target registry.
func (e *Engine) Runners() *runner.Registry { return e.runners }

// SubscribeEvent subscribes an event handler to a specific event type.
func (e *Engine) SubscribeEvent(eventType string, handler events.Handler) {
	e.eventBus.Subscribe(eventType, handler)
}

// Stop flushes pending events.
func (e *Engine) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.eventBus.Stop()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// newID generates a unique ID using the configured generator.
func (e *Engine) newID() (string, error) {
	id, err := e.generate.NextID()
	if err != nil {
		return "", errors.Wrap(err, "failed to generate ID")
	}
	return strconv.FormatUint(id, 10), nil
}

// publishEvent publishes an event to the event bus. Events nobody listens to are dropped.
func (e *Engine) publishEvent(ctx context.Context, eventType, workflowID string, data map[string]interface{}) {
	err := e.eventBus.Publish(context.WithoutCancel(ctx), events.Event{
		Type:       eventType,
		WorkflowID: workflowID,
		Time:       e.now(),
		Data:       data,
	})
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		e.logger.WarnContext(ctx, "could not publish event", "event", eventType, "workflow_id", workflowID, "error", err)
	}
}

func (e *Engine) notify(ctx context.Context, kind string, code int, severity events.Severity, w *types.WorkflowInstance, message string, err error) {
	n := events.Notification{
		Type:     kind,
		Code:     code,
		Message:  message,
		Severity: severity,
	}
	if w != nil {
		n.SubjectID = w.ID
		n.Context = []string{w.DefinitionID, w.CorrelationID, w.ContextID}
	}
	if err != nil {
		n.Description = err.Error()
	}
	e.notifier.Notify(ctx, n)
}

// load returns a workflow with its definition, sorted history and properties.
func (e *Engine) load(ctx context.Context, workflowID string) (*execution, error) {
	w, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, errors.WithMessagef(err, "workflow %s", workflowID)
	}
	def, err := e.definitions.Get(w.DefinitionID)
	if err != nil {
		return nil, err
	}
	history, err := e.store.ListTransitions(ctx, w.ID)
	if err != nil {
		return nil, newError(ErrPersistence, "", err, "list transitions of %s", w.ID)
	}
	props, err := e.store.ListProperties(ctx, w.ID)
	if err != nil {
		return nil, newError(ErrPersistence, "", err, "list properties of %s", w.ID)
	}
	return newExecution(def, w, history, props, nil), nil
}

// Snapshot is a workflow with its history and effective properties.
type Snapshot struct {
	Workflow   *types.WorkflowInstance
	History    []*types.TransitionInstance
	Properties map[string]interface{}
	Rows       []*types.InstanceProperty
}

// Inspect returns the persisted view of a workflow.
func (e *Engine) Inspect(ctx context.Context, workflowID string) (*Snapshot, error) {
	x, err := e.load(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Workflow:   x.workflow,
		History:    x.history,
		Properties: x.effectiveProperties(),
		Rows:       x.properties,
	}, nil
}
