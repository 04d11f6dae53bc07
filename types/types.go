package types

import (
	"sort"
	"time"
)

// Level is the execution status of a workflow instance, a transition instance or a batch.
// It is distinct from the domain state a workflow is in.
type Level string

const (
	// LevelRunning marks ongoing work (non-final).
	LevelRunning Level = "RUNNING"
	// LevelWaiting marks work waiting for an external trigger or for batch children (non-final).
	LevelWaiting Level = "WAITING"
	// LevelStopped is a successful pause in between automated transitions (non-final).
	// For batches it is the computed "children done" status and is never stored.
	LevelStopped Level = "STOPPED"
	// LevelError marks a runtime failure an operator can retry from (non-final).
	LevelError Level = "ERROR"
	// LevelSucceeded is a successful conclusion (final).
	LevelSucceeded Level = "SUCCEEDED"
	// LevelFailed is set by an administrator to conclude a workflow as failed (final).
	LevelFailed Level = "FAILED"
	// LevelReverted marks work reverted by crash recovery (non-final).
	LevelReverted Level = "REVERTED"
)

// IsFinal reports whether no further execution can follow the level.
func (l Level) IsFinal() bool {
	return l == LevelSucceeded || l == LevelFailed
}

// State is a named node of a workflow definition graph.
type State struct {
	ID          string       `json:"id" yaml:"id" validate:"required"`
	Name        string       `json:"name" yaml:"name" validate:"required"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Transitions []Transition `json:"transitions,omitempty" yaml:"transitions,omitempty" validate:"dive"`
	// Extensions lists the ids (or names) of states whose transitions also apply to this state.
	Extensions []string `json:"extensions,omitempty" yaml:"extensions,omitempty"`
	// Global states are implicitly extended by every other state and are never a target.
	Global bool `json:"global,omitempty" yaml:"global,omitempty"`
	// Final overrides the computed finality (a state without outgoing transitions is final).
	Final *bool `json:"final,omitempty" yaml:"final,omitempty"`
}

// Transition moves a workflow from the state that declares it to TargetStateID.
type Transition struct {
	ID            string   `json:"id" yaml:"id" validate:"required"`
	Name          string   `json:"name" yaml:"name" validate:"required"`
	Description   string   `json:"description,omitempty" yaml:"description,omitempty"`
	TargetStateID string   `json:"target_state_id" yaml:"target_state_id" validate:"required"`
	Roles         []string `json:"roles,omitempty" yaml:"roles,omitempty"`
	// Query is the predicate that triggers the transition automatically.
	Query string `json:"query,omitempty" yaml:"query,omitempty"`
	// QueryOrder is the evaluation priority, lower runs first.
	QueryOrder int  `json:"query_order,omitempty" yaml:"query_order,omitempty"`
	StartBatch bool `json:"start_batch,omitempty" yaml:"start_batch,omitempty"`
	// Target names an external runner that executes the transition asynchronously.
	Target string `json:"target,omitempty" yaml:"target,omitempty"`
	// TargetProperties are runner parameters, values starting with "=" are expressions.
	TargetProperties map[string]string `json:"target_properties,omitempty" yaml:"target_properties,omitempty"`
	// AllowMultipleAutomaticExecutions defaults to false for self transitions and true otherwise.
	AllowMultipleAutomaticExecutions *bool `json:"allow_multiple_automatic_executions,omitempty" yaml:"allow_multiple_automatic_executions,omitempty"`
}

// AllowsMultipleAutomaticExecutions resolves the flag against its default.
func (t *Transition) AllowsMultipleAutomaticExecutions(self bool) bool {
	if t.AllowMultipleAutomaticExecutions != nil {
		return *t.AllowMultipleAutomaticExecutions
	}
	return !self
}

// Actor is the identity a transition runs for. A nil actor is anonymous.
type Actor struct {
	Name  string   `json:"name"`
	Realm string   `json:"realm,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// WorkflowInstance represents one running occurrence of a definition.
type WorkflowInstance struct {
	ID              string     `json:"id"`
	ParentID        string     `json:"parent_id,omitempty"`
	DefinitionID    string     `json:"definition_id"`
	StateID         string     `json:"state_id"`
	TransitionState Level      `json:"transition_state"`
	Started         time.Time  `json:"started"`
	Stopped         *time.Time `json:"stopped,omitempty"`
	BatchID         string     `json:"batch_id,omitempty"`
	ContextID       string     `json:"context_id,omitempty"`
	CorrelationID   string     `json:"correlation_id,omitempty"`
	GroupID         string     `json:"group_id,omitempty"`
	WorkflowType    string     `json:"workflow_type,omitempty"`
	Environment     string     `json:"environment,omitempty"`
}

// Clone returns a copy that shares no mutable memory with w.
func (w *WorkflowInstance) Clone() *WorkflowInstance {
	if w == nil {
		return nil
	}
	c := *w
	c.Stopped = cloneTime(w.Stopped)
	return &c
}

// TransitionInstance is the durable record of one attempt to execute a transition.
type TransitionInstance struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflow_id"`
	// DefinitionID is the id of the executed Transition.
	DefinitionID    string     `json:"definition_id"`
	ParentID        string     `json:"parent_id,omitempty"`
	FromStateID     string     `json:"from_state_id"`
	ToStateID       string     `json:"to_state_id"`
	Sequence        int        `json:"sequence"`
	SystemID        string     `json:"system_id"`
	TransitionState Level      `json:"transition_state"`
	Started         time.Time  `json:"started"`
	Stopped         *time.Time `json:"stopped,omitempty"`
	ActorID         string     `json:"actor_id,omitempty"`
	BatchID         string     `json:"batch_id,omitempty"`
	Log             string     `json:"log,omitempty"`
	Code            string     `json:"code,omitempty"`
	URI             string     `json:"uri,omitempty"`
	ErrorLog        string     `json:"error_log,omitempty"`
	ErrorCode       string     `json:"error_code,omitempty"`
}

// Clone returns a copy that shares no mutable memory with t.
func (t *TransitionInstance) Clone() *TransitionInstance {
	if t == nil {
		return nil
	}
	c := *t
	c.Stopped = cloneTime(t.Stopped)
	return &c
}

// InstanceProperty is an append-only key/value record scoped to the transition that produced it.
type InstanceProperty struct {
	ID           string `json:"id"`
	WorkflowID   string `json:"workflow_id"`
	TransitionID string `json:"transition_id"`
	// Key is the property path, e.g. "customer.tier" or "items[0]".
	Key string `json:"key"`
	// Value is the JSON encoding of a scalar.
	Value string `json:"value"`
}

// Clone returns a copy of p.
func (p *InstanceProperty) Clone() *InstanceProperty {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// BatchInstance groups the child workflows a transition fans out into.
type BatchInstance struct {
	ID           string     `json:"id"`
	TransitionID string     `json:"transition_id"`
	WorkflowID   string     `json:"workflow_id"`
	State        Level      `json:"state"`
	SystemID     string     `json:"system_id"`
	Created      *time.Time `json:"created,omitempty"`
	Started      time.Time  `json:"started"`
}

// Clone returns a copy that shares no mutable memory with b.
func (b *BatchInstance) Clone() *BatchInstance {
	if b == nil {
		return nil
	}
	c := *b
	c.Created = cloneTime(b.Created)
	return &c
}

// SortHistory orders transition instances by ascending sequence.
func SortHistory(history []*TransitionInstance) {
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].Sequence < history[j].Sequence
	})
}

// LastTransition returns the highest sequenced transition instance of a sorted history.
func LastTransition(history []*TransitionInstance) *TransitionInstance {
	if len(history) == 0 {
		return nil
	}
	return history[len(history)-1]
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
