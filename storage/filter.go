package storage

import (
	"sort"

	"github.com/songzhibin97/workflow-fsm/evaluation"
	"github.com/songzhibin97/workflow-fsm/types"
)

// matches reports whether w passes every non-property criterion of f.
func (f WorkflowFilter) matches(w *types.WorkflowInstance) bool {
	switch {
	case f.DefinitionID != "" && w.DefinitionID != f.DefinitionID,
		f.StateID != "" && w.StateID != f.StateID,
		f.TransitionState != "" && w.TransitionState != f.TransitionState,
		f.From != nil && w.Started.Before(*f.From),
		f.Until != nil && w.Started.After(*f.Until),
		f.Environment != "" && w.Environment != f.Environment,
		f.ParentID != "" && w.ParentID != f.ParentID,
		f.BatchID != "" && w.BatchID != f.BatchID,
		f.CorrelationID != "" && w.CorrelationID != f.CorrelationID,
		f.ContextID != "" && w.ContextID != f.ContextID,
		f.GroupID != "" && w.GroupID != f.GroupID,
		f.WorkflowType != "" && w.WorkflowType != f.WorkflowType,
		f.Running && w.TransitionState.IsFinal():
		return false
	}
	return true
}

// matchesProperties compares the wanted values against the effective value of
// each property path, rendered as text.
func (f WorkflowFilter) matchesProperties(history []*types.TransitionInstance, props []*types.InstanceProperty) bool {
	if len(f.Properties) == 0 {
		return true
	}
	effective := evaluation.Values(history, props)
	for k, want := range f.Properties {
		if got, ok := effective[k]; !ok || evaluation.Text(got) != want {
			return false
		}
	}
	return true
}

// sortWorkflows orders by start time, then id, so pages are stable.
func sortWorkflows(ws []*types.WorkflowInstance) {
	sort.SliceStable(ws, func(i, j int) bool {
		if !ws[i].Started.Equal(ws[j].Started) {
			return ws[i].Started.Before(ws[j].Started)
		}
		return ws[i].ID < ws[j].ID
	})
}

func sortBatches(bs []*types.BatchInstance) {
	sort.SliceStable(bs, func(i, j int) bool {
		if !bs[i].Started.Equal(bs[j].Started) {
			return bs[i].Started.Before(bs[j].Started)
		}
		return bs[i].ID < bs[j].ID
	})
}

// ComputeBatchStatus aggregates a batch and its child workflows.
//
// A batch that is concluded or reverted reports its stored state, and one whose
// parent transition has not committed yet reports RUNNING. Otherwise an errored
// child makes the batch ERROR, a failed child makes it FAILED, unfinished
// children keep it WAITING, and all children succeeded yields STOPPED,
// meaning the batch can be completed.
func ComputeBatchStatus(b *types.BatchInstance, children []*types.WorkflowInstance) types.Level {
	switch b.State {
	case types.LevelSucceeded, types.LevelReverted, types.LevelFailed, types.LevelRunning:
		return b.State
	}

	status := types.LevelStopped
	for _, child := range children {
		switch child.TransitionState {
		case types.LevelError:
			return types.LevelError
		case types.LevelFailed:
			status = types.LevelFailed
		case types.LevelSucceeded:
		default:
			if status != types.LevelFailed {
				status = types.LevelWaiting
			}
		}
	}
	return status
}
