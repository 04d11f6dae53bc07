package workflow

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/songzhibin97/workflow-fsm/binding"
	"github.com/songzhibin97/workflow-fsm/definition"
	"github.com/songzhibin97/workflow-fsm/evaluation"
	"github.com/songzhibin97/workflow-fsm/events"
	"github.com/songzhibin97/workflow-fsm/types"
)

var validate = validator.New()

// TransitionInput carries caller supplied values into a transition run.
type TransitionInput struct {
	// State is the state output of the step that triggered the run.
	State map[string]interface{}
	// Transition holds the values of the binding's declared input fields.
	Transition map[string]interface{}
	// Force skips the reachability and input checks of Transition.
	Force bool
}

type runOptions struct {
	// evaluating is the state whose automatic pass triggered the run.
	evaluating string
	// create persists the workflow itself in the opening unit.
	create bool
}

// execution is the mutable view of one workflow shared along a chain of runs.
type execution struct {
	def        *definition.Definition
	workflow   *types.WorkflowInstance
	history    []*types.TransitionInstance
	properties []*types.InstanceProperty
	actor      *types.Actor
	depth      int
	// repeat is set when an automatic pass must evaluate its state again.
	repeat *repeatPass
}

type repeatPass struct {
	state map[string]interface{}
}

func newExecution(def *definition.Definition, w *types.WorkflowInstance, history []*types.TransitionInstance, props []*types.InstanceProperty, actor *types.Actor) *execution {
	types.SortHistory(history)
	evaluation.SortProperties(history, props)
	return &execution{def: def, workflow: w, history: history, properties: props, actor: actor}
}

func (x *execution) effectiveProperties() map[string]interface{} {
	return evaluation.Properties(x.history, x.properties)
}

// StartRequest describes a new workflow instance.
type StartRequest struct {
	DefinitionID string `validate:"required"`
	// Transition is the id or name of a transition leaving an initial state.
	Transition    string `validate:"required"`
	Actor         *types.Actor
	ParentID      string
	BatchID       string
	CorrelationID string
	ContextID     string
	GroupID       string
	WorkflowType  string
	Input         *TransitionInput
}

// Start creates a workflow in the initial state the transition leaves and runs it.
// The instance is returned whenever it was persisted, also when the run failed.
func (e *Engine) Start(ctx context.Context, req *StartRequest) (*types.WorkflowInstance, error) {
	if req == nil {
		return nil, errors.New("start request is required")
	}
	if err := validate.Struct(req); err != nil {
		return nil, errors.Wrap(err, "invalid start request")
	}
	def, err := e.definitions.Get(req.DefinitionID)
	if err != nil {
		return nil, err
	}
	t := def.TransitionByID(req.Transition)
	if t == nil {
		return nil, newError(ErrTransitionNotFound, "", nil, "%s in %s", req.Transition, def.ID())
	}
	source := def.TransitionFromState(t.ID)
	if !def.IsInitial(source) {
		return nil, newError(ErrInvalidState, "", nil, "transition %s does not leave an initial state", t.Name)
	}

	id, err := e.newID()
	if err != nil {
		return nil, err
	}
	w := &types.WorkflowInstance{
		ID:              id,
		ParentID:        req.ParentID,
		DefinitionID:    def.ID(),
		StateID:         source.ID,
		TransitionState: types.LevelRunning,
		Started:         e.now(),
		BatchID:         req.BatchID,
		ContextID:       req.ContextID,
		CorrelationID:   req.CorrelationID,
		GroupID:         req.GroupID,
		WorkflowType:    req.WorkflowType,
		Environment:     e.environment,
	}
	x := newExecution(def, w, nil, nil, req.Actor)
	if err := e.run(ctx, x, t, req.Input, runOptions{create: true}); err != nil {
		// nothing was persisted unless the opening unit committed
		if len(x.history) == 0 {
			return nil, err
		}
		return w, err
	}
	return w, nil
}

// Transition runs the named transition on a stored workflow. Unless input.Force
// is set, the transition must be reachable from the current state, nothing may
// be running, and the declared input must be complete.
func (e *Engine) Transition(ctx context.Context, workflowID, transitionID string, actor *types.Actor, input *TransitionInput) error {
	if input == nil {
		input = &TransitionInput{}
	}
	x, err := e.load(ctx, workflowID)
	if err != nil {
		return err
	}
	x.actor = actor
	t := x.def.TransitionByID(transitionID)
	if t == nil {
		return newError(ErrTransitionNotFound, "", nil, "%s in %s", transitionID, x.def.ID())
	}
	if !input.Force {
		w := x.workflow
		if w.TransitionState.IsFinal() {
			return newError(ErrInvalidState, "", nil, "workflow %s is %s", w.ID, w.TransitionState)
		}
		if last := types.LastTransition(x.history); last != nil && last.TransitionState == types.LevelRunning {
			return newError(ErrInvalidState, "", nil, "workflow %s is running transition %s", w.ID, last.ID)
		}
		if !x.def.Allows(w.StateID, t) {
			return newError(ErrInvalidState, "", nil, "transition %s is not available in state %s", t.Name, w.StateID)
		}
		if b, _, err := e.resolveBinding(x.def, t); err == nil {
			if err := b.Schema().Validate(input.Transition); err != nil {
				return err
			}
		}
	}
	return e.run(ctx, x, t, input, runOptions{})
}

// Run executes t on w with the given history and properties, then continues
// automatically while predicates match.
func (e *Engine) Run(ctx context.Context, w *types.WorkflowInstance, history []*types.TransitionInstance, properties []*types.InstanceProperty, t *types.Transition, actor *types.Actor, input *TransitionInput) error {
	def, err := e.definitions.Get(w.DefinitionID)
	if err != nil {
		return err
	}
	return e.run(ctx, newExecution(def, w, history, properties, actor), t, input, runOptions{})
}

func (e *Engine) run(ctx context.Context, x *execution, t *types.Transition, input *TransitionInput, ro runOptions) error {
	err := e.execute(ctx, x, t, input, ro)
	if err != nil {
		e.logger.ErrorContext(ctx, "transition failed",
			"workflow_id", x.workflow.ID,
			"definition_id", x.def.ID(),
			"transition", t.Name,
			"error", err)
		e.notify(ctx, NotifyRun, 2, events.SeverityError, x.workflow,
			fmt.Sprintf("Failed while running transition '%s' (or automatic transitions after it)", t.Name), err)
	}
	return err
}

func (e *Engine) resolveBinding(def *definition.Definition, t *types.Transition) (binding.Binding, string, error) {
	kind := binding.KindTransition
	if def.IsInitial(def.TransitionFromState(t.ID)) {
		kind = binding.KindInitial
	}
	name := binding.Name(def.ID(), kind, t.Name)
	b, ok := e.bindings.Resolve(name)
	if !ok {
		return nil, name, newError(ErrMissingBinding, CodeMissingBinding, nil, "no binding %s for transition %s (%s)", name, t.Name, t.ID)
	}
	return b, name, nil
}

func (e *Engine) authorize(ctx context.Context, w *types.WorkflowInstance, t *types.Transition, actor *types.Actor) error {
	if len(t.Roles) > 0 {
		allowed := false
		for _, role := range t.Roles {
			if e.roles.HasRole(ctx, actor, role) {
				allowed = true
				break
			}
		}
		if !allowed {
			return newError(ErrRoleDenied, CodeRoleDenied, nil, "the actor does not have the correct role to run %s", t.Name)
		}
	}
	if e.permissions != nil && !e.permissions.HasPermission(ctx, actor, w.ID, t.Name) {
		return newError(ErrPermissionDenied, CodePermissionDenied, nil, "the actor does not have permission to run %s", t.Name)
	}
	return nil
}

func (e *Engine) execute(ctx context.Context, x *execution, t *types.Transition, input *TransitionInput, ro runOptions) error {
	if input == nil {
		input = &TransitionInput{}
	}
	def, w := x.def, x.workflow

	actor := x.actor
	if actor != nil && e.tokens != nil && !e.tokens.IsValid(ctx, actor) {
		e.logger.WarnContext(ctx, "actor token rejected, continuing anonymously", "workflow_id", w.ID, "actor", actor.Name)
		actor = nil
	}
	if err := e.authorize(ctx, w, t, actor); err != nil {
		return err
	}
	if w.TransitionState == types.LevelFailed {
		return newError(ErrInvalidState, "", nil, "workflow %s has failed", w.ID)
	}
	b, _, err := e.resolveBinding(def, t)
	if err != nil {
		return err
	}
	schema := b.Schema()

	types.SortHistory(x.history)
	evaluation.SortProperties(x.history, x.properties)

	ti, batch, err := e.open(ctx, x, t, actor, schema, ro.create)
	if err != nil {
		return err
	}

	from := def.StateByID(ti.FromStateID)
	target := def.StateByID(ti.ToStateID)

	rec := &events.TransitionRecord{
		Name:          events.EventTransition,
		Action:        t.Name,
		CorrelationID: w.ID,
		ArtifactID:    w.ID,
		WorkflowID:    w.ID,
		Started:       ti.Started,
		Severity:      events.SeverityInfo,
	}
	if actor != nil {
		rec.Alias, rec.Realm = actor.Name, actor.Realm
	}
	rctx := e.recorder.Open(ctx, rec)

	out, err := e.invoke(rctx, b, &binding.Input{
		Workflow:   w.Clone(),
		Properties: x.effectiveProperties(),
		History:    append([]*types.TransitionInstance(nil), x.history[:len(x.history)-1]...),
		State:      input.State,
		Transition: input.Transition,
		BatchID:    ti.BatchID,
		Force:      input.Force,
	})
	if err != nil {
		err = newError(ErrBusinessLogic, "", err, "transition %s", t.Name)
	} else {
		err = e.complete(ctx, x, ti, batch, out)
	}
	rec.Stopped = e.now()
	if err != nil {
		rec.Fail(err, DeepestCode(err))
		e.recorder.Close(rctx, rec)
		return e.fail(ctx, x, ti, err)
	}
	e.recorder.Close(rctx, rec)

	e.publishEvent(ctx, events.EventStateChanged, w.ID, map[string]interface{}{
		"from":       ti.FromStateID,
		"to":         ti.ToStateID,
		"transition": t.Name,
		"status":     string(w.TransitionState),
	})
	e.callListeners(ctx, w, ti, from, target, actor)

	if batch != nil {
		done, err := e.completeBatch(ctx, batch)
		if err != nil {
			return err
		}
		if !done {
			return nil
		}
		ti.TransitionState = types.LevelSucceeded
		err = e.store.Transaction(ctx, func(ctx context.Context, txID string) error {
			return e.store.UpdateTransition(ctx, txID, ti)
		})
		if err != nil {
			return newError(ErrPersistence, "", err, "conclude batch transition %s", ti.ID)
		}
	}

	if !def.IsFinal(target) {
		// a self transition fired by an automatic pass leaves the state to that pass,
		// which evaluates it again when the transition may repeat
		if ro.evaluating != "" && ro.evaluating == target.ID {
			if t.AllowsMultipleAutomaticExecutions(def.IsSelfTransition(t)) {
				x.repeat = &repeatPass{state: out.State}
			}
			return nil
		}
		e.continueWith(ctx, x, target, out.State)
		return nil
	}
	if w.BatchID != "" {
		e.checkParentBatch(ctx, w)
	}
	return nil
}

// open allocates the transition instance and its batch and commits them with
// the workflow flipped to RUNNING.
func (e *Engine) open(ctx context.Context, x *execution, t *types.Transition, actor *types.Actor, schema binding.Schema, create bool) (*types.TransitionInstance, *types.BatchInstance, error) {
	w := x.workflow
	id, err := e.newID()
	if err != nil {
		return nil, nil, err
	}
	ti := &types.TransitionInstance{
		ID:              id,
		WorkflowID:      w.ID,
		DefinitionID:    t.ID,
		FromStateID:     w.StateID,
		ToStateID:       x.def.ResolveTarget(t, w.StateID),
		SystemID:        e.systemID,
		TransitionState: types.LevelRunning,
		Started:         e.now(),
	}
	if last := types.LastTransition(x.history); last != nil {
		ti.Sequence = last.Sequence + 1
		ti.ParentID = last.ID
	}
	if actor != nil {
		ti.ActorID = actor.Name
	}

	var batch *types.BatchInstance
	if t.StartBatch || schema.ConsumesBatch {
		batchID, err := e.newID()
		if err != nil {
			return nil, nil, err
		}
		batch = &types.BatchInstance{
			ID:           batchID,
			TransitionID: ti.ID,
			WorkflowID:   w.ID,
			State:        types.LevelRunning,
			SystemID:     e.systemID,
			Started:      ti.Started,
		}
		ti.BatchID = batch.ID
	}

	previous := w.TransitionState
	w.TransitionState = types.LevelRunning
	err = e.store.Transaction(ctx, func(ctx context.Context, txID string) error {
		if create {
			if err := e.store.CreateWorkflow(ctx, txID, w); err != nil {
				return err
			}
		} else if previous != types.LevelRunning {
			if err := e.store.UpdateWorkflow(ctx, txID, w); err != nil {
				return err
			}
		}
		if err := e.store.CreateTransition(ctx, txID, ti); err != nil {
			return err
		}
		if batch != nil {
			return e.store.CreateBatch(ctx, txID, batch)
		}
		return nil
	})
	if err != nil {
		w.TransitionState = previous
		return nil, nil, newError(ErrPersistence, "", err, "open transition %s on %s", t.Name, w.ID)
	}
	x.history = append(x.history, ti)
	return ti, batch, nil
}

func (e *Engine) invoke(ctx context.Context, b binding.Binding, in *binding.Input) (out *binding.Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("binding panic: %v", r)
		}
	}()
	out, err = b.Invoke(ctx, in)
	if err == nil && out == nil {
		out = &binding.Output{}
	}
	return out, err
}

// complete interprets a successful invocation and commits its effects.
func (e *Engine) complete(ctx context.Context, x *execution, ti *types.TransitionInstance, batch *types.BatchInstance, out *binding.Output) error {
	w := x.workflow
	flat := evaluation.Flatten(out.Properties)
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	props := make([]*types.InstanceProperty, 0, len(keys))
	for _, k := range keys {
		id, err := e.newID()
		if err != nil {
			return err
		}
		props = append(props, &types.InstanceProperty{
			ID:           id,
			WorkflowID:   w.ID,
			TransitionID: ti.ID,
			Key:          k,
			Value:        flat[k],
		})
	}

	snapshot := *w
	if out.GroupID != "" {
		w.GroupID = out.GroupID
	}
	if out.ContextID != "" {
		w.ContextID = out.ContextID
	}
	if out.WorkflowType != "" {
		w.WorkflowType = out.WorkflowType
	}
	if out.CorrelationID != "" {
		w.CorrelationID = out.CorrelationID
	}

	now := e.now()
	ti.Log, ti.Code, ti.URI = out.Log, out.Code, out.URI
	ti.Stopped = &now
	if batch != nil {
		ti.TransitionState = types.LevelWaiting
	} else {
		ti.TransitionState = types.LevelSucceeded
	}
	w.StateID = ti.ToStateID
	if x.def.IsFinal(x.def.StateByID(ti.ToStateID)) {
		w.TransitionState = types.LevelSucceeded
		w.Stopped = &now
	} else {
		w.TransitionState = types.LevelStopped
	}

	err := e.store.Transaction(ctx, func(ctx context.Context, txID string) error {
		if err := e.store.UpdateTransition(ctx, txID, ti); err != nil {
			return err
		}
		if err := e.store.UpdateWorkflow(ctx, txID, w); err != nil {
			return err
		}
		if len(props) > 0 {
			if err := e.store.CreateProperties(ctx, txID, props); err != nil {
				return err
			}
		}
		if batch != nil {
			updated := batch.Clone()
			updated.Created = &now
			updated.State = types.LevelWaiting
			ok, err := e.store.UpdateBatch(ctx, txID, updated, types.LevelRunning)
			if err != nil {
				return err
			}
			if !ok {
				return errors.Errorf("batch %s is no longer running", batch.ID)
			}
			*batch = *updated
		}
		return nil
	})
	if err != nil {
		*w = snapshot
		return newError(ErrPersistence, "", err, "commit transition %s", ti.ID)
	}
	x.properties = append(x.properties, props...)
	return nil
}

// fail persists the error state of a transition run and returns cause.
func (e *Engine) fail(ctx context.Context, x *execution, ti *types.TransitionInstance, cause error) error {
	w := x.workflow
	now := e.now()
	ti.TransitionState = types.LevelError
	ti.Stopped = &now
	ti.ErrorLog = fmt.Sprintf("%+v", cause)
	ti.ErrorCode = DeepestCode(cause)
	w.TransitionState = types.LevelError

	err := e.store.Transaction(ctx, func(ctx context.Context, txID string) error {
		if err := e.store.UpdateTransition(ctx, txID, ti); err != nil {
			return err
		}
		return e.store.UpdateWorkflow(ctx, txID, w)
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "could not persist transition failure",
			"workflow_id", w.ID,
			"transition", ti.DefinitionID,
			"error", err)
	}
	e.publishEvent(ctx, events.EventStateChanged, w.ID, map[string]interface{}{
		"from":   ti.FromStateID,
		"to":     ti.ToStateID,
		"status": string(w.TransitionState),
		"code":   ti.ErrorCode,
	})
	return cause
}

func (e *Engine) callListeners(ctx context.Context, w *types.WorkflowInstance, ti *types.TransitionInstance, from, to *types.State, actor *types.Actor) {
	for _, l := range e.listeners {
		if err := safeListen(ctx, l, w, ti, from, to, actor); err != nil {
			e.logger.ErrorContext(ctx, "workflow listener failed",
				"workflow_id", w.ID,
				"transition", ti.DefinitionID,
				"error", err)
			e.notify(ctx, NotifyListener, 2, events.SeverityError, w, "Could not execute workflow listener", err)
		}
	}
}

func safeListen(ctx context.Context, l Listener, w *types.WorkflowInstance, ti *types.TransitionInstance, from, to *types.State, actor *types.Actor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("listener panic: %v", r)
		}
	}()
	return l.OnTransition(ctx, w.Clone(), ti.Clone(), from, to, actor)
}
