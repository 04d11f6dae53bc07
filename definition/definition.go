package definition

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/songzhibin97/workflow-fsm/rules"
	"github.com/songzhibin97/workflow-fsm/types"
)

var (
	// ErrInvalidDefinition is returned when a definition graph does not hold together.
	ErrInvalidDefinition = errors.New("invalid workflow definition")
	// ErrDefinitionNotFound is returned by Registry lookups.
	ErrDefinitionNotFound = errors.New("workflow definition not found")
)

var validate = validator.New()

// Config is the declarative form of a definition.
type Config struct {
	ID          string        `json:"id" yaml:"id" validate:"required"`
	Name        string        `json:"name" yaml:"name"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Version     int64         `json:"version,omitempty" yaml:"version,omitempty"`
	States      []types.State `json:"states" yaml:"states" validate:"required,min=1,dive"`
}

// Definition is an immutable, indexed workflow graph.
// Candidate sets and compiled predicates are resolved per definition and
// discarded together with it when the definition is reloaded.
type Definition struct {
	id          string
	name        string
	description string
	version     int64

	states      []*types.State
	stateByID   map[string]*types.State
	stateByName map[string]*types.State

	transitions      []*types.Transition
	transitionByID   map[string]*types.Transition
	transitionByName map[string]*types.Transition
	sources          map[string]*types.State
	targeted         map[string]bool

	candidates map[string][]*types.Transition
	evaluator  *rules.ExprEvaluator
}

// New validates cfg and builds its indexes.
func New(cfg Config) (*Definition, error) {
	if err := validate.Struct(cfg); err != nil {
		return nil, errors.Wrapf(ErrInvalidDefinition, "%s: %v", cfg.ID, err)
	}

	d := &Definition{
		id:               cfg.ID,
		name:             cfg.Name,
		description:      cfg.Description,
		version:          cfg.Version,
		stateByID:        make(map[string]*types.State, len(cfg.States)),
		stateByName:      make(map[string]*types.State, len(cfg.States)),
		transitionByID:   make(map[string]*types.Transition),
		transitionByName: make(map[string]*types.Transition),
		sources:          make(map[string]*types.State),
		targeted:         make(map[string]bool),
		candidates:       make(map[string][]*types.Transition, len(cfg.States)),
		evaluator:        rules.NewExprEvaluator(),
	}
	if d.name == "" {
		d.name = d.id
	}

	for i := range cfg.States {
		state := cfg.States[i]
		state.Transitions = append([]types.Transition(nil), cfg.States[i].Transitions...)
		if _, ok := d.stateByID[state.ID]; ok {
			return nil, d.invalid("duplicate state id %q", state.ID)
		}
		d.states = append(d.states, &state)
		d.stateByID[state.ID] = &state
		if _, ok := d.stateByName[state.Name]; !ok {
			d.stateByName[state.Name] = &state
		}
	}

	for _, state := range d.states {
		for i := range state.Transitions {
			t := &state.Transitions[i]
			if _, ok := d.transitionByID[t.ID]; ok {
				return nil, d.invalid("duplicate transition id %q", t.ID)
			}
			target, ok := d.stateByID[t.TargetStateID]
			if !ok {
				return nil, d.invalid("transition %q targets unknown state %q", t.ID, t.TargetStateID)
			}
			if target.Global && target.ID != state.ID {
				return nil, d.invalid("transition %q targets global state %q", t.ID, target.ID)
			}
			if t.Query != "" {
				if err := d.evaluator.Compile(t.Query); err != nil {
					return nil, d.invalid("transition %q: %v", t.ID, err)
				}
			}
			d.transitions = append(d.transitions, t)
			d.transitionByID[t.ID] = t
			if _, ok := d.transitionByName[t.Name]; !ok {
				d.transitionByName[t.Name] = t
			}
			d.sources[t.ID] = state
			d.targeted[target.ID] = true
		}
	}

	for _, state := range d.states {
		for _, ext := range state.Extensions {
			if d.StateByID(ext) == nil {
				return nil, d.invalid("state %q extends unknown state %q", state.ID, ext)
			}
		}
		d.candidates[state.ID] = d.resolveCandidates(state)
	}
	return d, nil
}

func (d *Definition) invalid(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidDefinition, "%s: %s", d.id, fmt.Sprintf(format, args...))
}

// resolveCandidates merges a state's own transitions with those of the states it
// extends explicitly and of every global state. The result is de-duplicated and
// ordered by query order, then case-insensitive name.
func (d *Definition) resolveCandidates(state *types.State) []*types.Transition {
	seen := make(map[string]bool)
	var out []*types.Transition
	add := func(s *types.State) {
		for i := range s.Transitions {
			t := &s.Transitions[i]
			if seen[t.ID] {
				continue
			}
			seen[t.ID] = true
			out = append(out, t)
		}
	}

	add(state)
	for _, ext := range state.Extensions {
		add(d.StateByID(ext))
	}
	for _, s := range d.states {
		if s.Global && s.ID != state.ID {
			add(s)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].QueryOrder != out[j].QueryOrder {
			return out[i].QueryOrder < out[j].QueryOrder
		}
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}

// ID returns the definition id.
func (d *Definition) ID() string { return d.id }

// Name returns the display name.
func (d *Definition) Name() string { return d.name }

// Description returns the free-form description.
func (d *Definition) Description() string { return d.description }

// Version returns the declared version.
func (d *Definition) Version() int64 { return d.version }

// States returns all states in declaration order.
func (d *Definition) States() []*types.State { return d.states }

// Transitions returns all transitions in declaration order.
func (d *Definition) Transitions() []*types.Transition { return d.transitions }

// Evaluator returns the predicate evaluator whose cache belongs to this definition.
func (d *Definition) Evaluator() rules.Evaluator { return d.evaluator }

// StateByID matches a state by id first and by name second.
func (d *Definition) StateByID(id string) *types.State {
	if s, ok := d.stateByID[id]; ok {
		return s
	}
	return d.stateByName[id]
}

// TransitionByID matches a transition by id first and by name second.
func (d *Definition) TransitionByID(id string) *types.Transition {
	if t, ok := d.transitionByID[id]; ok {
		return t
	}
	return d.transitionByName[id]
}

// TransitionFromState returns the state that declares t.
func (d *Definition) TransitionFromState(id string) *types.State {
	t := d.TransitionByID(id)
	if t == nil {
		return nil
	}
	return d.sources[t.ID]
}

// IsSelfTransition reports whether t leaves and re-enters the state that declares it.
func (d *Definition) IsSelfTransition(t *types.Transition) bool {
	from := d.TransitionFromState(t.ID)
	return from != nil && from.ID == t.TargetStateID
}

// ResolveTarget returns the state id a workflow in currentStateID lands in after t.
// Self transitions, including those inherited from extension or global states,
// keep the workflow in its current state.
func (d *Definition) ResolveTarget(t *types.Transition, currentStateID string) string {
	if d.IsSelfTransition(t) {
		return currentStateID
	}
	return t.TargetStateID
}

// IsExtensionState reports whether another state extends id, or id is global.
func (d *Definition) IsExtensionState(id string) bool {
	target := d.StateByID(id)
	if target == nil {
		return false
	}
	if target.Global {
		return true
	}
	for _, s := range d.states {
		for _, ext := range s.Extensions {
			if e := d.StateByID(ext); e != nil && e.ID == target.ID {
				return true
			}
		}
	}
	return false
}

// IsFinal reports whether s concludes a workflow.
func (d *Definition) IsFinal(s *types.State) bool {
	if s == nil {
		return false
	}
	if s.Final != nil {
		return *s.Final
	}
	return len(s.Transitions) == 0
}

// IsInitial reports whether s is an entry point: nothing targets it and it is
// neither a global nor an extension state.
func (d *Definition) IsInitial(s *types.State) bool {
	return s != nil && !s.Global && !d.targeted[s.ID] && !d.IsExtensionState(s.ID)
}

// InitialStates returns the entry points of the graph.
func (d *Definition) InitialStates() []*types.State {
	var out []*types.State
	for _, s := range d.states {
		if d.IsInitial(s) {
			out = append(out, s)
		}
	}
	return out
}

// FinalStates returns the states that conclude a workflow.
func (d *Definition) FinalStates() []*types.State {
	var out []*types.State
	for _, s := range d.states {
		if !s.Global && d.IsFinal(s) {
			out = append(out, s)
		}
	}
	return out
}

// Candidates returns the ordered transitions available from stateID.
func (d *Definition) Candidates(stateID string) []*types.Transition {
	s := d.StateByID(stateID)
	if s == nil {
		return nil
	}
	return d.candidates[s.ID]
}

// Allows reports whether t can be taken from stateID.
func (d *Definition) Allows(stateID string, t *types.Transition) bool {
	for _, c := range d.Candidates(stateID) {
		if c.ID == t.ID {
			return true
		}
	}
	return false
}
