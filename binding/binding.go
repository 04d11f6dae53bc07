// Package binding connects transitions to the business logic they execute.
package binding

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/songzhibin97/workflow-fsm/types"
)

// Kind separates the bindings of initial transitions from the others.
type Kind string

const (
	KindInitial    Kind = "initial"
	KindTransition Kind = "transition"
)

// Fields every binding receives without declaring them.
const (
	FieldWorkflow   = "workflow"
	FieldProperties = "properties"
	FieldHistory    = "history"
	FieldState      = "state"
	FieldTransition = "transition"
	FieldBatchID    = "batchId"
	FieldForce      = "force"
	FieldWorkflowID = "workflowId"
	FieldBestEffort = "bestEffort"
)

var standardFields = map[string]bool{
	FieldWorkflow:   true,
	FieldProperties: true,
	FieldHistory:    true,
	FieldState:      true,
	FieldTransition: true,
	FieldBatchID:    true,
	FieldForce:      true,
	FieldWorkflowID: true,
	FieldBestEffort: true,
}

// ErrInvalidInput is returned when transition input misses required fields.
var ErrInvalidInput = errors.New("invalid transition input")

var validate = validator.New()

// Field describes one extra input field of a binding.
type Field struct {
	Name     string
	Required bool
}

// Schema describes the input a binding accepts beyond the standard fields.
type Schema struct {
	Input []Field
	// ConsumesBatch makes every run of the bound transition open a batch.
	ConsumesBatch bool
}

// RequiresInput reports whether a run needs caller supplied values.
func (s Schema) RequiresInput() bool {
	for _, f := range s.Input {
		if f.Required {
			return true
		}
	}
	return false
}

// Accepts reports whether name is a standard or declared field.
func (s Schema) Accepts(name string) bool {
	if standardFields[name] {
		return true
	}
	for _, f := range s.Input {
		if f.Name == name {
			return true
		}
	}
	return false
}

// Validate checks the required fields of values.
func (s Schema) Validate(values map[string]interface{}) error {
	rules := make(map[string]interface{})
	for _, f := range s.Input {
		if f.Required {
			rules[f.Name] = "required"
		}
	}
	if len(rules) == 0 {
		return nil
	}
	if values == nil {
		values = map[string]interface{}{}
	}
	if errs := validate.ValidateMap(values, rules); len(errs) > 0 {
		missing := make([]string, 0, len(errs))
		for name := range errs {
			missing = append(missing, name)
		}
		return errors.Wrapf(ErrInvalidInput, "fields %s", strings.Join(missing, ", "))
	}
	return nil
}

// Input is what business logic receives for one transition run.
type Input struct {
	Workflow   *types.WorkflowInstance
	Properties map[string]interface{}
	History    []*types.TransitionInstance
	State      map[string]interface{}
	Transition map[string]interface{}
	BatchID    string
	Force      bool
}

// Output is what business logic returns.
type Output struct {
	// Properties are flattened into new property rows.
	Properties map[string]interface{}
	// State is exposed to predicates of the next automatic step.
	State map[string]interface{}

	GroupID       string
	ContextID     string
	WorkflowType  string
	CorrelationID string

	Log  string
	Code string
	URI  string
}

// Binding is the business logic run by a transition.
type Binding interface {
	Schema() Schema
	Invoke(ctx context.Context, in *Input) (*Output, error)
}

// Func adapts a plain function to Binding.
type Func struct {
	schema Schema
	fn     func(ctx context.Context, in *Input) (*Output, error)
}

// NewFunc returns a Binding that calls fn.
func NewFunc(schema Schema, fn func(ctx context.Context, in *Input) (*Output, error)) *Func {
	return &Func{schema: schema, fn: fn}
}

// Schema implements Binding.
func (f *Func) Schema() Schema { return f.schema }

// Invoke implements Binding.
func (f *Func) Invoke(ctx context.Context, in *Input) (*Output, error) { return f.fn(ctx, in) }

// Error is a business failure carrying a stable code.
type Error struct {
	Code    string
	Message string
	Err     error
}

// NewError returns an *Error with code.
func NewError(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error { return e.Err }

// ErrorCode returns the business code.
func (e *Error) ErrorCode() string { return e.Code }

// Name returns the deterministic name a transition's binding is registered under.
func Name(definitionID string, kind Kind, transitionName string) string {
	return definitionID + ".services." + string(kind) + "." + CleanName(transitionName)
}

// CleanName turns a display name into a lower camel case identifier.
func CleanName(name string) string {
	var b strings.Builder
	upperNext := false
	for _, r := range name {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			upperNext = b.Len() > 0
			continue
		}
		switch {
		case b.Len() == 0:
			if unicode.IsDigit(r) {
				b.WriteRune('_')
			}
			b.WriteRune(unicode.ToLower(r))
		case upperNext:
			b.WriteRune(unicode.ToUpper(r))
		default:
			b.WriteRune(r)
		}
		upperNext = false
	}
	return b.String()
}

// Registry resolves bindings by name.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]Binding
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bindings: make(map[string]Binding)}
}

// Register adds b under name, replacing any previous binding.
func (r *Registry) Register(name string, b Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[name] = b
}

// Resolve returns the binding registered under name.
func (r *Registry) Resolve(name string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[name]
	return b, ok
}
