package workflow

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/songzhibin97/workflow-fsm/events"
	"github.com/songzhibin97/workflow-fsm/storage"
	"github.com/songzhibin97/workflow-fsm/types"
)

// RecoveryReport lists what Recover reverted.
type RecoveryReport struct {
	Workflows []string
	Batches   []string
	Failures  []error
}

// Recover reverts the work this node left running when it went down: workflows
// of definitionID whose last transition is RUNNING and owned by this node, and
// RUNNING batches owned by this node. Work owned by other nodes is left alone.
func (e *Engine) Recover(ctx context.Context, definitionID string) (*RecoveryReport, error) {
	running, err := e.store.ListWorkflows(ctx, storage.WorkflowFilter{
		DefinitionID:    definitionID,
		TransitionState: types.LevelRunning,
	})
	if err != nil {
		return nil, newError(ErrPersistence, "", err, "list running workflows of %s", definitionID)
	}

	report := &RecoveryReport{}
	for _, w := range running {
		reverted, err := e.revertWorkflow(ctx, w)
		if err != nil {
			report.Failures = append(report.Failures, err)
			e.logger.ErrorContext(ctx, "could not revert workflow", "workflow_id", w.ID, "definition_id", definitionID, "error", err)
			e.notify(ctx, NotifyRevert, 0, events.SeverityWarning, w, "Could not revert running workflow", err)
			continue
		}
		if reverted {
			report.Workflows = append(report.Workflows, w.ID)
		}
	}

	batches, err := e.store.ListBatches(ctx, types.LevelRunning, storage.Page{})
	if err != nil {
		return report, newError(ErrPersistence, "", err, "list running batches")
	}
	for _, b := range batches {
		if b.SystemID != e.systemID {
			continue
		}
		reverted, err := e.revertBatch(ctx, b)
		if err != nil {
			report.Failures = append(report.Failures, err)
			e.logger.ErrorContext(ctx, "could not revert batch", "batch_id", b.ID, "error", err)
			e.notify(ctx, NotifyBatchRevert, 1, events.SeverityWarning, &types.WorkflowInstance{ID: b.WorkflowID}, "Could not revert running batch", err)
			continue
		}
		if reverted {
			report.Batches = append(report.Batches, b.ID)
		}
	}

	e.logger.InfoContext(ctx, "recovery finished",
		"definition_id", definitionID,
		"system_id", e.systemID,
		"workflows", len(report.Workflows),
		"batches", len(report.Batches),
		"failures", len(report.Failures))
	return report, nil
}

func (e *Engine) revertWorkflow(ctx context.Context, w *types.WorkflowInstance) (bool, error) {
	history, err := e.store.ListTransitions(ctx, w.ID)
	if err != nil {
		return false, errors.WithMessagef(err, "workflow %s", w.ID)
	}
	types.SortHistory(history)
	last := types.LastTransition(history)
	if last == nil || last.TransitionState != types.LevelRunning || last.SystemID != e.systemID {
		return false, nil
	}

	now := e.now()
	last.TransitionState = types.LevelReverted
	last.Stopped = &now
	w.TransitionState = types.LevelReverted
	err = e.store.Transaction(ctx, func(ctx context.Context, txID string) error {
		if err := e.store.UpdateWorkflow(ctx, txID, w); err != nil {
			return err
		}
		return e.store.UpdateTransition(ctx, txID, last)
	})
	if err != nil {
		return false, errors.WithMessagef(err, "revert workflow %s", w.ID)
	}
	return true, nil
}

func (e *Engine) revertBatch(ctx context.Context, b *types.BatchInstance) (bool, error) {
	updated := b.Clone()
	updated.State = types.LevelReverted
	var ok bool
	err := e.store.Transaction(ctx, func(ctx context.Context, txID string) error {
		var err error
		ok, err = e.store.UpdateBatch(ctx, txID, updated, types.LevelRunning)
		return err
	})
	if err != nil {
		return false, errors.WithMessagef(err, "revert batch %s", b.ID)
	}
	return ok, nil
}

// AutoRetry re-runs, with force, the most recent transition of a workflow
// that needs no caller input. Transitions out of an initial state are never
// retried; start a new workflow instead.
func (e *Engine) AutoRetry(ctx context.Context, workflowID string, actor *types.Actor) error {
	x, err := e.load(ctx, workflowID)
	if err != nil {
		return err
	}
	if len(x.history) == 0 {
		return newError(ErrNothingToRetry, "", nil, "no transitions found to retry for %s", workflowID)
	}
	for i := len(x.history) - 1; i >= 0; i-- {
		t := x.def.TransitionByID(x.history[i].DefinitionID)
		if t == nil || x.def.IsInitial(x.def.TransitionFromState(t.ID)) {
			continue
		}
		b, name, err := e.resolveBinding(x.def, t)
		if err != nil {
			e.logger.WarnContext(ctx, "retry skipping transition without binding", "workflow_id", workflowID, "binding", name)
			continue
		}
		if b.Schema().RequiresInput() {
			e.logger.InfoContext(ctx, "retry skipping transition because of required input", "workflow_id", workflowID, "binding", name)
			continue
		}
		x.actor = actor
		return e.run(ctx, x, t, &TransitionInput{Force: true}, runOptions{})
	}
	return newError(ErrNothingToRetry, "", nil, "no transition of %s can run without input", workflowID)
}

// Fail concludes a workflow as permanently failed. No transition runs on it afterwards.
func (e *Engine) Fail(ctx context.Context, workflowID, reason string) error {
	w, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return errors.WithMessagef(err, "workflow %s", workflowID)
	}
	if w.TransitionState.IsFinal() {
		return newError(ErrInvalidState, "", nil, "workflow %s is already %s", w.ID, w.TransitionState)
	}
	now := e.now()
	w.TransitionState = types.LevelFailed
	w.Stopped = &now
	err = e.store.Transaction(ctx, func(ctx context.Context, txID string) error {
		return e.store.UpdateWorkflow(ctx, txID, w)
	})
	if err != nil {
		return newError(ErrPersistence, "", err, "fail workflow %s", w.ID)
	}
	e.notify(ctx, NotifyFail, 0, events.SeverityInfo, w, fmt.Sprintf("Workflow marked as failed: %s", reason), nil)
	e.publishEvent(ctx, events.EventStateChanged, w.ID, map[string]interface{}{
		"state":  w.StateID,
		"status": string(w.TransitionState),
		"reason": reason,
	})
	return nil
}
