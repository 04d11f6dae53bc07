package workflow

import (
	"context"

	"github.com/pkg/errors"

	"github.com/songzhibin97/workflow-fsm/events"
	"github.com/songzhibin97/workflow-fsm/storage"
	"github.com/songzhibin97/workflow-fsm/types"
)

// ComputeBatchStatus returns the status of a batch derived from its children.
// LevelStopped means every child succeeded and the batch can be completed.
func (e *Engine) ComputeBatchStatus(ctx context.Context, batchID string) (types.Level, error) {
	status, err := e.store.BatchStatus(ctx, batchID)
	if err != nil {
		return "", errors.WithMessagef(err, "batch %s", batchID)
	}
	return status, nil
}

// TryCompleteBatch marks a batch whose children are done as succeeded and
// resumes the parent transition waiting on it. Only one caller wins a batch;
// the others get false.
func (e *Engine) TryCompleteBatch(ctx context.Context, batch *types.BatchInstance) (bool, error) {
	done, err := e.completeBatch(ctx, batch)
	if err != nil || !done {
		return false, err
	}
	return true, e.resumeParent(ctx, batch)
}

func (e *Engine) completeBatch(ctx context.Context, batch *types.BatchInstance) (bool, error) {
	status, err := e.store.BatchStatus(ctx, batch.ID)
	if err != nil {
		return false, newError(ErrPersistence, "", err, "status of batch %s", batch.ID)
	}
	if status != types.LevelStopped {
		return false, nil
	}

	updated := batch.Clone()
	updated.State = types.LevelSucceeded
	var won bool
	err = e.store.Transaction(ctx, func(ctx context.Context, txID string) error {
		var err error
		won, err = e.store.UpdateBatch(ctx, txID, updated, types.LevelWaiting)
		return err
	})
	if errors.Is(err, storage.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, newError(ErrPersistence, "", err, "complete batch %s", batch.ID)
	}
	if won {
		*batch = *updated
	}
	return won, nil
}

// resumeParent concludes the transition waiting on batch and continues its workflow.
func (e *Engine) resumeParent(ctx context.Context, batch *types.BatchInstance) error {
	x, err := e.load(ctx, batch.WorkflowID)
	if err != nil {
		return err
	}
	var waiting *types.TransitionInstance
	for _, ti := range x.history {
		if ti.TransitionState == types.LevelWaiting && ti.BatchID == batch.ID {
			waiting = ti
		}
	}
	if waiting == nil {
		return newError(ErrInvalidState, "", nil, "no transition of %s waits on batch %s", x.workflow.ID, batch.ID)
	}

	waiting.TransitionState = types.LevelSucceeded
	err = e.store.Transaction(ctx, func(ctx context.Context, txID string) error {
		return e.store.UpdateTransition(ctx, txID, waiting)
	})
	if err != nil {
		return newError(ErrPersistence, "", err, "resume transition %s", waiting.ID)
	}
	e.logger.InfoContext(ctx, "batch completed",
		"batch_id", batch.ID,
		"workflow_id", x.workflow.ID,
		"transition", waiting.DefinitionID)

	target := x.def.StateByID(waiting.ToStateID)
	if !x.def.IsFinal(target) {
		e.continueWith(ctx, x, target, nil)
		return nil
	}
	if x.workflow.BatchID != "" {
		e.checkParentBatch(ctx, x.workflow)
	}
	return nil
}

// checkParentBatch completes the batch w belongs to once w was its last running child.
func (e *Engine) checkParentBatch(ctx context.Context, w *types.WorkflowInstance) {
	err := func() error {
		status, err := e.store.BatchStatus(ctx, w.BatchID)
		if err != nil {
			return err
		}
		if status != types.LevelStopped {
			return nil
		}
		batch, err := e.store.GetBatch(ctx, w.BatchID)
		if err != nil {
			return err
		}
		_, err = e.TryCompleteBatch(ctx, batch)
		return err
	}()
	if err != nil {
		e.logger.ErrorContext(ctx, "could not complete parent batch",
			"workflow_id", w.ID,
			"batch_id", w.BatchID,
			"error", err)
		e.notify(ctx, NotifyRun, 2, events.SeverityError, w, "Could not resume the parent of batch "+w.BatchID, err)
	}
}
