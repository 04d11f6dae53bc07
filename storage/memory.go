package storage

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/songzhibin97/workflow-fsm/types"
)

// MemoryManager is an in-memory implementation of the Manager interface.
// Writes are journaled per transaction and applied under a single lock on commit.
type MemoryManager struct {
	workflows   map[string]*types.WorkflowInstance
	transitions map[string]*types.TransitionInstance
	properties  map[string]*types.InstanceProperty
	batches     map[string]*types.BatchInstance
	mu          sync.RWMutex
	journal     *journal
}

// NewMemoryManager creates a new MemoryManager instance.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		workflows:   make(map[string]*types.WorkflowInstance),
		transitions: make(map[string]*types.TransitionInstance),
		properties:  make(map[string]*types.InstanceProperty),
		batches:     make(map[string]*types.BatchInstance),
		journal:     newJournal(),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, mu *sync.RWMutex, m map[string]T, id string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, errors.Wrapf(errNotFound, "id=%s", id)
		}
		return item, nil
	})
}

// Transaction runs fn and applies its staged writes atomically.
func (s *MemoryManager) Transaction(ctx context.Context, fn func(ctx context.Context, txID string) error) error {
	if txID := TransactionFromContext(ctx); txID != "" {
		return fn(ctx, txID)
	}
	txID, u := s.journal.begin()
	defer s.journal.end(txID)

	if err := fn(WithTransaction(ctx, txID), txID); err != nil {
		return err
	}
	return withContextError(ctx, func() error {
		return s.commit(u.snapshot())
	})
}

func (s *MemoryManager) commit(ops []op) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := make(map[string]bool)
	for _, o := range ops {
		if err := s.check(o, created); err != nil {
			return err
		}
	}
	for _, o := range ops {
		switch o.kind {
		case opCreateWorkflow, opUpdateWorkflow:
			s.workflows[o.workflow.ID] = o.workflow
		case opCreateTransition, opUpdateTransition:
			s.transitions[o.transition.ID] = o.transition
		case opCreateProperty, opUpdateProperty:
			s.properties[o.property.ID] = o.property
		case opCreateBatch, opUpdateBatch:
			s.batches[o.batch.ID] = o.batch
		}
	}
	return nil
}

// check validates o against committed data plus the records created earlier in the same unit.
func (s *MemoryManager) check(o op, created map[string]bool) error {
	exists := func(kind, id string, committed bool) bool {
		return committed || created[kind+":"+id]
	}
	switch o.kind {
	case opCreateWorkflow:
		if _, ok := s.workflows[o.workflow.ID]; ok || created["w:"+o.workflow.ID] {
			return errors.Wrapf(ErrDuplicate, "workflow %s", o.workflow.ID)
		}
		created["w:"+o.workflow.ID] = true
	case opUpdateWorkflow:
		_, ok := s.workflows[o.workflow.ID]
		if !exists("w", o.workflow.ID, ok) {
			return errors.Wrapf(ErrWorkflowNotFound, "id=%s", o.workflow.ID)
		}
	case opCreateTransition:
		if _, ok := s.transitions[o.transition.ID]; ok || created["t:"+o.transition.ID] {
			return errors.Wrapf(ErrDuplicate, "transition %s", o.transition.ID)
		}
		created["t:"+o.transition.ID] = true
	case opUpdateTransition:
		_, ok := s.transitions[o.transition.ID]
		if !exists("t", o.transition.ID, ok) {
			return errors.Wrapf(ErrTransitionNotFound, "id=%s", o.transition.ID)
		}
	case opCreateProperty:
		if _, ok := s.properties[o.property.ID]; ok || created["p:"+o.property.ID] {
			return errors.Wrapf(ErrDuplicate, "property %s", o.property.ID)
		}
		created["p:"+o.property.ID] = true
	case opCreateBatch:
		if _, ok := s.batches[o.batch.ID]; ok || created["b:"+o.batch.ID] {
			return errors.Wrapf(ErrDuplicate, "batch %s", o.batch.ID)
		}
		created["b:"+o.batch.ID] = true
	case opUpdateBatch:
		if created["b:"+o.batch.ID] {
			return nil
		}
		current, ok := s.batches[o.batch.ID]
		if !ok {
			return errors.Wrapf(ErrBatchNotFound, "id=%s", o.batch.ID)
		}
		if current.State != o.expected {
			return errors.Wrapf(ErrConflict, "batch %s is %s, expected %s", o.batch.ID, current.State, o.expected)
		}
	}
	return nil
}

// CreateWorkflow stages the creation of w.
func (s *MemoryManager) CreateWorkflow(ctx context.Context, txID string, w *types.WorkflowInstance) error {
	return withContextError(ctx, func() error { return stageWorkflow(s.journal, txID, opCreateWorkflow, w) })
}

// UpdateWorkflow stages an update of w.
func (s *MemoryManager) UpdateWorkflow(ctx context.Context, txID string, w *types.WorkflowInstance) error {
	return withContextError(ctx, func() error { return stageWorkflow(s.journal, txID, opUpdateWorkflow, w) })
}

// GetWorkflow retrieves a workflow instance from memory.
func (s *MemoryManager) GetWorkflow(ctx context.Context, id string) (*types.WorkflowInstance, error) {
	w, err := getItem(ctx, &s.mu, s.workflows, id, ErrWorkflowNotFound)
	if err != nil {
		return nil, err
	}
	return w.Clone(), nil
}

// ListWorkflows returns the workflows matching filter ordered by start time.
func (s *MemoryManager) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*types.WorkflowInstance, error) {
	return withContext(ctx, func() ([]*types.WorkflowInstance, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()

		var out []*types.WorkflowInstance
		for _, w := range s.workflows {
			if !filter.matches(w) {
				continue
			}
			if len(filter.Properties) > 0 && !filter.matchesProperties(s.history(w.ID), s.propertiesOf(w.ID)) {
				continue
			}
			out = append(out, w.Clone())
		}
		sortWorkflows(out)
		start, end := filter.Page.apply(len(out))
		return out[start:end], nil
	})
}

// CreateTransition stages the creation of t.
func (s *MemoryManager) CreateTransition(ctx context.Context, txID string, t *types.TransitionInstance) error {
	return withContextError(ctx, func() error { return stageTransition(s.journal, txID, opCreateTransition, t) })
}

// UpdateTransition stages an update of t.
func (s *MemoryManager) UpdateTransition(ctx context.Context, txID string, t *types.TransitionInstance) error {
	return withContextError(ctx, func() error { return stageTransition(s.journal, txID, opUpdateTransition, t) })
}

// ListTransitions returns the history of workflowID ordered by sequence.
func (s *MemoryManager) ListTransitions(ctx context.Context, workflowID string) ([]*types.TransitionInstance, error) {
	return withContext(ctx, func() ([]*types.TransitionInstance, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		history := s.history(workflowID)
		out := make([]*types.TransitionInstance, len(history))
		for i, t := range history {
			out[i] = t.Clone()
		}
		return out, nil
	})
}

func (s *MemoryManager) history(workflowID string) []*types.TransitionInstance {
	var out []*types.TransitionInstance
	for _, t := range s.transitions {
		if t.WorkflowID == workflowID {
			out = append(out, t)
		}
	}
	types.SortHistory(out)
	return out
}

// CreateProperties stages the creation of props.
func (s *MemoryManager) CreateProperties(ctx context.Context, txID string, props []*types.InstanceProperty) error {
	return withContextError(ctx, func() error { return stageProperties(s.journal, txID, opCreateProperty, props) })
}

// UpdateProperties stages an update of props.
func (s *MemoryManager) UpdateProperties(ctx context.Context, txID string, props []*types.InstanceProperty) error {
	return withContextError(ctx, func() error { return stageProperties(s.journal, txID, opUpdateProperty, props) })
}

// ListProperties returns every property row of workflowID.
func (s *MemoryManager) ListProperties(ctx context.Context, workflowID string) ([]*types.InstanceProperty, error) {
	return withContext(ctx, func() ([]*types.InstanceProperty, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		props := s.propertiesOf(workflowID)
		out := make([]*types.InstanceProperty, len(props))
		for i, p := range props {
			out[i] = p.Clone()
		}
		return out, nil
	})
}

func (s *MemoryManager) propertiesOf(workflowID string) []*types.InstanceProperty {
	var out []*types.InstanceProperty
	for _, p := range s.properties {
		if p.WorkflowID == workflowID {
			out = append(out, p)
		}
	}
	return out
}

// CreateBatch stages the creation of b.
func (s *MemoryManager) CreateBatch(ctx context.Context, txID string, b *types.BatchInstance) error {
	return withContextError(ctx, func() error {
		return s.journal.stage(txID, op{kind: opCreateBatch, batch: b.Clone()})
	})
}

// UpdateBatch stages a conditional update of b.
func (s *MemoryManager) UpdateBatch(ctx context.Context, txID string, b *types.BatchInstance, expected types.Level) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		s.mu.RLock()
		current, ok := s.batches[b.ID]
		s.mu.RUnlock()
		if ok && current.State != expected {
			return false, nil
		}
		if err := s.journal.stage(txID, op{kind: opUpdateBatch, batch: b.Clone(), expected: expected}); err != nil {
			return false, err
		}
		return true, nil
	})
}

// GetBatch retrieves a batch from memory.
func (s *MemoryManager) GetBatch(ctx context.Context, id string) (*types.BatchInstance, error) {
	b, err := getItem(ctx, &s.mu, s.batches, id, ErrBatchNotFound)
	if err != nil {
		return nil, err
	}
	return b.Clone(), nil
}

// ListBatches returns the batches in state, ordered by start time.
func (s *MemoryManager) ListBatches(ctx context.Context, state types.Level, page Page) ([]*types.BatchInstance, error) {
	return withContext(ctx, func() ([]*types.BatchInstance, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []*types.BatchInstance
		for _, b := range s.batches {
			if state == "" || b.State == state {
				out = append(out, b.Clone())
			}
		}
		sortBatches(out)
		start, end := page.apply(len(out))
		return out[start:end], nil
	})
}

// BatchStatus computes the aggregate status of batchID.
func (s *MemoryManager) BatchStatus(ctx context.Context, batchID string) (types.Level, error) {
	return withContext(ctx, func() (types.Level, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		b, ok := s.batches[batchID]
		if !ok {
			return "", errors.Wrapf(ErrBatchNotFound, "id=%s", batchID)
		}
		var children []*types.WorkflowInstance
		for _, w := range s.workflows {
			if w.BatchID == batchID {
				children = append(children, w)
			}
		}
		return ComputeBatchStatus(b, children), nil
	})
}
