package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/workflow-fsm/types"
)

// Helper function to create a sample workflow instance
func newWorkflow(definitionID string) *types.WorkflowInstance {
	return &types.WorkflowInstance{
		ID:              uuid.NewString(),
		DefinitionID:    definitionID,
		StateID:         "draft",
		TransitionState: types.LevelRunning,
		Started:         time.Now().UTC().Truncate(time.Millisecond),
		Environment:     "test",
	}
}

// Helper function to create a sample transition instance
func newTransition(w *types.WorkflowInstance, sequence int) *types.TransitionInstance {
	return &types.TransitionInstance{
		ID:              uuid.NewString(),
		WorkflowID:      w.ID,
		DefinitionID:    "submit",
		FromStateID:     "draft",
		ToStateID:       "review",
		Sequence:        sequence,
		SystemID:        "node-a",
		TransitionState: types.LevelRunning,
		Started:         time.Now().UTC().Truncate(time.Millisecond),
	}
}

func commit(t *testing.T, m Manager, fn func(ctx context.Context, txID string) error) {
	t.Helper()
	require.NoError(t, m.Transaction(context.Background(), fn))
}

// testManager runs the behaviour every backend must share.
func testManager(t *testing.T, m Manager) {
	ctx := context.Background()
	definitionID := "def-" + uuid.NewString()

	t.Run("CreateAndGetWorkflow", func(t *testing.T) {
		w := newWorkflow(definitionID)
		commit(t, m, func(ctx context.Context, txID string) error {
			return m.CreateWorkflow(ctx, txID, w)
		})

		got, err := m.GetWorkflow(ctx, w.ID)
		require.NoError(t, err)
		assert.Equal(t, w.ID, got.ID)
		assert.Equal(t, types.LevelRunning, got.TransitionState)
		assert.Equal(t, "draft", got.StateID)
	})

	t.Run("GetMissingWorkflow", func(t *testing.T) {
		_, err := m.GetWorkflow(ctx, uuid.NewString())
		assert.True(t, errors.Is(err, ErrWorkflowNotFound), "got %v", err)
	})

	t.Run("RollbackOnError", func(t *testing.T) {
		w := newWorkflow(definitionID)
		boom := errors.New("boom")
		err := m.Transaction(ctx, func(ctx context.Context, txID string) error {
			if err := m.CreateWorkflow(ctx, txID, w); err != nil {
				return err
			}
			if err := m.CreateTransition(ctx, txID, newTransition(w, 1)); err != nil {
				return err
			}
			return boom
		})
		assert.True(t, errors.Is(err, boom))

		_, err = m.GetWorkflow(ctx, w.ID)
		assert.True(t, errors.Is(err, ErrWorkflowNotFound))
		history, err := m.ListTransitions(ctx, w.ID)
		require.NoError(t, err)
		assert.Empty(t, history)
	})

	t.Run("StagedWritesInvisibleUntilCommit", func(t *testing.T) {
		w := newWorkflow(definitionID)
		commit(t, m, func(ctx context.Context, txID string) error {
			return m.CreateWorkflow(ctx, txID, w)
		})

		updated := w.Clone()
		updated.StateID = "review"
		commit(t, m, func(ctx context.Context, txID string) error {
			if err := m.UpdateWorkflow(ctx, txID, updated); err != nil {
				return err
			}
			got, err := m.GetWorkflow(context.Background(), w.ID)
			if err != nil {
				return err
			}
			assert.Equal(t, "draft", got.StateID)
			return nil
		})

		got, err := m.GetWorkflow(ctx, w.ID)
		require.NoError(t, err)
		assert.Equal(t, "review", got.StateID)
	})

	t.Run("UnknownTransaction", func(t *testing.T) {
		err := m.CreateWorkflow(ctx, "nope", newWorkflow(definitionID))
		assert.True(t, errors.Is(err, ErrNoTransaction))
	})

	t.Run("HistoryOrderedBySequence", func(t *testing.T) {
		w := newWorkflow(definitionID)
		t3, t1, t2 := newTransition(w, 3), newTransition(w, 1), newTransition(w, 2)
		commit(t, m, func(ctx context.Context, txID string) error {
			if err := m.CreateWorkflow(ctx, txID, w); err != nil {
				return err
			}
			for _, tr := range []*types.TransitionInstance{t3, t1, t2} {
				if err := m.CreateTransition(ctx, txID, tr); err != nil {
					return err
				}
			}
			return nil
		})

		t1.TransitionState = types.LevelSucceeded
		commit(t, m, func(ctx context.Context, txID string) error {
			return m.UpdateTransition(ctx, txID, t1)
		})

		history, err := m.ListTransitions(ctx, w.ID)
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.Equal(t, []int{1, 2, 3}, []int{history[0].Sequence, history[1].Sequence, history[2].Sequence})
		assert.Equal(t, types.LevelSucceeded, history[0].TransitionState)
	})

	t.Run("PropertiesAndFilters", func(t *testing.T) {
		defID := "props-" + uuid.NewString()
		first, second := newWorkflow(defID), newWorkflow(defID)
		second.Started = first.Started.Add(time.Second)
		tr1, tr2 := newTransition(first, 1), newTransition(first, 2)
		commit(t, m, func(ctx context.Context, txID string) error {
			for _, w := range []*types.WorkflowInstance{first, second} {
				if err := m.CreateWorkflow(ctx, txID, w); err != nil {
					return err
				}
			}
			if err := m.CreateTransition(ctx, txID, tr1); err != nil {
				return err
			}
			if err := m.CreateTransition(ctx, txID, tr2); err != nil {
				return err
			}
			return m.CreateProperties(ctx, txID, []*types.InstanceProperty{
				{ID: uuid.NewString(), WorkflowID: first.ID, TransitionID: tr1.ID, Key: "customer", Value: "old"},
				{ID: uuid.NewString(), WorkflowID: first.ID, TransitionID: tr2.ID, Key: "customer", Value: "acme"},
			})
		})

		props, err := m.ListProperties(ctx, first.ID)
		require.NoError(t, err)
		assert.Len(t, props, 2)

		got, err := m.ListWorkflows(ctx, WorkflowFilter{DefinitionID: defID})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, first.ID, got[0].ID)

		got, err = m.ListWorkflows(ctx, WorkflowFilter{DefinitionID: defID, Properties: map[string]string{"customer": "acme"}})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, first.ID, got[0].ID)

		got, err = m.ListWorkflows(ctx, WorkflowFilter{DefinitionID: defID, Properties: map[string]string{"customer": "old"}})
		require.NoError(t, err)
		assert.Empty(t, got, "superseded values do not match")

		got, err = m.ListWorkflows(ctx, WorkflowFilter{DefinitionID: defID, Page: Page{Offset: 1, Limit: 5}})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, second.ID, got[0].ID)

		second.TransitionState = types.LevelSucceeded
		commit(t, m, func(ctx context.Context, txID string) error {
			return m.UpdateWorkflow(ctx, txID, second)
		})
		got, err = m.ListWorkflows(ctx, WorkflowFilter{DefinitionID: defID, Running: true})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, first.ID, got[0].ID)
	})

	t.Run("BatchStatus", func(t *testing.T) {
		parent := newWorkflow(definitionID)
		batch := &types.BatchInstance{
			ID:         uuid.NewString(),
			WorkflowID: parent.ID,
			State:      types.LevelRunning,
			SystemID:   "node-a",
			Started:    time.Now().UTC().Truncate(time.Millisecond),
		}
		commit(t, m, func(ctx context.Context, txID string) error {
			if err := m.CreateWorkflow(ctx, txID, parent); err != nil {
				return err
			}
			return m.CreateBatch(ctx, txID, batch)
		})

		status, err := m.BatchStatus(ctx, batch.ID)
		require.NoError(t, err)
		assert.Equal(t, types.LevelRunning, status, "uncommitted parent transition")

		var children []*types.WorkflowInstance
		commit(t, m, func(ctx context.Context, txID string) error {
			waiting := batch.Clone()
			waiting.State = types.LevelWaiting
			applied, err := m.UpdateBatch(ctx, txID, waiting, types.LevelRunning)
			if err != nil {
				return err
			}
			assert.True(t, applied)
			for i := 0; i < 3; i++ {
				child := newWorkflow(definitionID)
				child.BatchID = batch.ID
				child.TransitionState = types.LevelSucceeded
				children = append(children, child)
				if err := m.CreateWorkflow(ctx, txID, child); err != nil {
					return err
				}
			}
			return nil
		})

		status, err = m.BatchStatus(ctx, batch.ID)
		require.NoError(t, err)
		assert.Equal(t, types.LevelStopped, status)

		children[2].TransitionState = types.LevelError
		commit(t, m, func(ctx context.Context, txID string) error {
			return m.UpdateWorkflow(ctx, txID, children[2])
		})
		status, err = m.BatchStatus(ctx, batch.ID)
		require.NoError(t, err)
		assert.Equal(t, types.LevelError, status)

		waiting, err := m.ListBatches(ctx, types.LevelWaiting, Page{})
		require.NoError(t, err)
		var found bool
		for _, b := range waiting {
			found = found || b.ID == batch.ID
		}
		assert.True(t, found)
	})

	t.Run("ConditionalBatchUpdate", func(t *testing.T) {
		batch := &types.BatchInstance{
			ID:      uuid.NewString(),
			State:   types.LevelWaiting,
			Started: time.Now().UTC().Truncate(time.Millisecond),
		}
		commit(t, m, func(ctx context.Context, txID string) error {
			return m.CreateBatch(ctx, txID, batch)
		})

		done := batch.Clone()
		done.State = types.LevelSucceeded
		var applied bool
		commit(t, m, func(ctx context.Context, txID string) error {
			var err error
			applied, err = m.UpdateBatch(ctx, txID, done, types.LevelRunning)
			return err
		})
		assert.False(t, applied, "state mismatch must not apply")

		got, err := m.GetBatch(ctx, batch.ID)
		require.NoError(t, err)
		assert.Equal(t, types.LevelWaiting, got.State)
	})

	t.Run("ConcurrentBatchCompletionHasOneWinner", func(t *testing.T) {
		batch := &types.BatchInstance{
			ID:      uuid.NewString(),
			State:   types.LevelWaiting,
			Started: time.Now().UTC().Truncate(time.Millisecond),
		}
		commit(t, m, func(ctx context.Context, txID string) error {
			return m.CreateBatch(ctx, txID, batch)
		})

		var wins int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				var applied bool
				err := m.Transaction(ctx, func(ctx context.Context, txID string) error {
					done := batch.Clone()
					done.State = types.LevelSucceeded
					var err error
					applied, err = m.UpdateBatch(ctx, txID, done, types.LevelWaiting)
					return err
				})
				if err == nil && applied {
					atomic.AddInt32(&wins, 1)
				} else if err != nil {
					assert.True(t, errors.Is(err, ErrConflict), "got %v", err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), atomic.LoadInt32(&wins))
	})

	t.Run("NestedTransactionJoins", func(t *testing.T) {
		w := newWorkflow(definitionID)
		commit(t, m, func(ctx context.Context, outer string) error {
			return m.Transaction(ctx, func(ctx context.Context, inner string) error {
				assert.Equal(t, outer, inner)
				return m.CreateWorkflow(ctx, inner, w)
			})
		})
		_, err := m.GetWorkflow(ctx, w.ID)
		assert.NoError(t, err)
	})
}
