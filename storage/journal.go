package storage

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/songzhibin97/workflow-fsm/types"
)

type opKind int

const (
	opCreateWorkflow opKind = iota
	opUpdateWorkflow
	opCreateTransition
	opUpdateTransition
	opCreateProperty
	opUpdateProperty
	opCreateBatch
	opUpdateBatch
)

// op is one staged write. Records are cloned when staged.
type op struct {
	kind       opKind
	workflow   *types.WorkflowInstance
	transition *types.TransitionInstance
	property   *types.InstanceProperty
	batch      *types.BatchInstance
	expected   types.Level
}

// unit collects the writes of one transaction until it commits.
type unit struct {
	mu  sync.Mutex
	ops []op
}

func (u *unit) stage(o op) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.ops = append(u.ops, o)
}

func (u *unit) snapshot() []op {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]op(nil), u.ops...)
}

// journal tracks the open units of a journaling backend.
type journal struct {
	mu    sync.Mutex
	units map[string]*unit
}

func newJournal() *journal {
	return &journal{units: make(map[string]*unit)}
}

func (j *journal) begin() (string, *unit) {
	txID := uuid.NewString()
	u := &unit{}
	j.mu.Lock()
	j.units[txID] = u
	j.mu.Unlock()
	return txID, u
}

func (j *journal) end(txID string) {
	j.mu.Lock()
	delete(j.units, txID)
	j.mu.Unlock()
}

func (j *journal) stage(txID string, o op) error {
	j.mu.Lock()
	u, ok := j.units[txID]
	j.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrNoTransaction, "tx %s", txID)
	}
	u.stage(o)
	return nil
}

func stageWorkflow(j *journal, txID string, kind opKind, w *types.WorkflowInstance) error {
	return j.stage(txID, op{kind: kind, workflow: w.Clone()})
}

func stageTransition(j *journal, txID string, kind opKind, t *types.TransitionInstance) error {
	return j.stage(txID, op{kind: kind, transition: t.Clone()})
}

func stageProperties(j *journal, txID string, kind opKind, props []*types.InstanceProperty) error {
	for _, p := range props {
		if err := j.stage(txID, op{kind: kind, property: p.Clone()}); err != nil {
			return err
		}
	}
	return nil
}
