package workflow

import (
	"context"
	"strings"

	"github.com/songzhibin97/workflow-fsm/binding"
	"github.com/songzhibin97/workflow-fsm/evaluation"
	"github.com/songzhibin97/workflow-fsm/events"
	"github.com/songzhibin97/workflow-fsm/runner"
	"github.com/songzhibin97/workflow-fsm/types"
)

// Continue evaluates the automatic transitions available in target and runs
// the first matching priority tier. Failures are logged, never returned.
func (e *Engine) Continue(ctx context.Context, w *types.WorkflowInstance, history []*types.TransitionInstance, properties []*types.InstanceProperty, target *types.State, lastOutput *binding.Output, actor *types.Actor) {
	def, err := e.definitions.Get(w.DefinitionID)
	if err != nil {
		e.logger.ErrorContext(ctx, "cannot continue workflow", "workflow_id", w.ID, "error", err)
		return
	}
	var state map[string]interface{}
	if lastOutput != nil {
		state = lastOutput.State
	}
	e.continueWith(ctx, newExecution(def, w, history, properties, actor), target, state)
}

func (e *Engine) continueWith(ctx context.Context, x *execution, target *types.State, state map[string]interface{}) {
	def, w := x.def, x.workflow
	env := evaluation.Env(x.effectiveProperties(), state)
	evaluator := def.Evaluator()

	matched, dispatched := false, false
	matchedOrder := 0
	for _, t := range def.Candidates(target.ID) {
		if matched && t.QueryOrder > matchedOrder {
			break
		}
		if strings.TrimSpace(t.Query) == "" {
			continue
		}
		b, name, err := e.resolveBinding(def, t)
		if err != nil {
			e.logger.WarnContext(ctx, "skipping automatic transition",
				"workflow_id", w.ID,
				"definition_id", def.ID(),
				"transition", t.Name,
				"error", err)
			continue
		}
		schema := b.Schema()
		if schema.RequiresInput() {
			continue
		}
		if last := types.LastTransition(x.history); last != nil && last.DefinitionID == t.ID &&
			!t.AllowsMultipleAutomaticExecutions(def.IsSelfTransition(t)) {
			continue
		}

		ok, err := evaluator.Evaluate(t.Query, env)
		if err != nil {
			e.logger.ErrorContext(ctx, "invalid query",
				"workflow_id", w.ID,
				"definition_id", def.ID(),
				"transition", t.Name,
				"query", t.Query,
				"error", newError(ErrInvalidPredicate, "", err, "transition %s", t.Name))
			continue
		}
		if !ok {
			continue
		}
		matched = true
		matchedOrder = t.QueryOrder

		if t.Target != "" {
			if err := e.dispatch(ctx, x, t, name, schema, env); err != nil {
				e.logger.ErrorContext(ctx, "could not dispatch automatic transition",
					"workflow_id", w.ID,
					"definition_id", def.ID(),
					"transition", t.Name,
					"target", t.Target,
					"error", err)
				continue
			}
			dispatched = true
			continue
		}

		if x.depth >= e.maxChainDepth {
			e.logger.ErrorContext(ctx, "automatic chain stopped",
				"workflow_id", w.ID,
				"definition_id", def.ID(),
				"transition", t.Name,
				"error", newError(ErrChainTooDeep, "", nil, "depth %d", x.depth))
			continue
		}
		x.depth++
		x.repeat = nil
		err = e.run(ctx, x, t, &TransitionInput{State: state}, runOptions{evaluating: target.ID})
		x.depth--
		if err != nil {
			e.logger.WarnContext(ctx, "could not automatically transition",
				"workflow_id", w.ID,
				"definition_id", def.ID(),
				"transition", t.Name,
				"error", err)
			continue
		}
		if repeat := x.repeat; repeat != nil {
			x.repeat = nil
			e.evaluateAgain(ctx, x, target, repeat.state)
			return
		}
	}

	if !matched || (!dispatched && w.StateID == target.ID && w.TransitionState == types.LevelStopped) {
		e.wait(ctx, w)
	}
}

// evaluateAgain evaluates target again after a repeatable self transition fired.
// The nested pass holds one level of chain depth, so repetitions stay bounded.
func (e *Engine) evaluateAgain(ctx context.Context, x *execution, target *types.State, state map[string]interface{}) {
	w := x.workflow
	if w.StateID != target.ID || w.TransitionState != types.LevelStopped {
		return
	}
	x.depth++
	e.continueWith(ctx, x, target, state)
	x.depth--
}

// wait parks a workflow until external input arrives.
func (e *Engine) wait(ctx context.Context, w *types.WorkflowInstance) {
	previous := w.TransitionState
	w.TransitionState = types.LevelWaiting
	err := e.store.Transaction(ctx, func(ctx context.Context, txID string) error {
		return e.store.UpdateWorkflow(ctx, txID, w)
	})
	if err != nil {
		w.TransitionState = previous
		e.logger.ErrorContext(ctx, "could not park workflow", "workflow_id", w.ID, "error", err)
		return
	}
	e.publishEvent(ctx, events.EventWaiting, w.ID, map[string]interface{}{"state": w.StateID})
}

func (e *Engine) dispatch(ctx context.Context, x *execution, t *types.Transition, name string, schema binding.Schema, env map[string]interface{}) error {
	r, err := e.runners.Resolve(t.Target)
	if err != nil {
		return newError(ErrMissingTarget, "", err, "transition %s", t.Name)
	}
	masked := evaluation.Mask(env, schema.Accepts, x.workflow.ID)
	params := make(map[string]interface{}, len(t.TargetProperties))
	for k, v := range t.TargetProperties {
		if !strings.HasPrefix(v, "=") {
			params[k] = v
			continue
		}
		value, err := x.def.Evaluator().Value(v[1:], masked)
		if err != nil {
			return newError(ErrInvalidPredicate, "", err, "target property %s of %s", k, t.Name)
		}
		params[k] = value
	}
	return r.Dispatch(ctx, &runner.Job{
		Target:       t.Target,
		DefinitionID: x.def.ID(),
		WorkflowID:   x.workflow.ID,
		TransitionID: t.ID,
		FromStateID:  x.workflow.StateID,
		Binding:      name,
		Parameters:   params,
		Input:        masked,
		Actor:        x.actor,
	})
}

// HandleJob runs a dispatched automatic transition. The job parameters become
// the transition input of the binding. A job whose workflow has moved on since
// dispatch is dropped.
func (e *Engine) HandleJob(ctx context.Context, job *runner.Job) error {
	w, err := e.store.GetWorkflow(ctx, job.WorkflowID)
	if err != nil {
		return err
	}
	if w.StateID != job.FromStateID {
		e.logger.InfoContext(ctx, "dropping stale job",
			"workflow_id", w.ID,
			"transition", job.TransitionID,
			"expected_state", job.FromStateID,
			"state", w.StateID)
		return nil
	}
	input := &TransitionInput{Transition: job.Parameters}
	if state, ok := job.Input[evaluation.KeyState].(map[string]interface{}); ok {
		input.State = state
	}
	return e.Transition(ctx, job.WorkflowID, job.TransitionID, job.Actor, input)
}
