package workflow

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/songzhibin97/workflow-fsm/storage"
)

// Error kinds. Every error the engine returns matches one of them with errors.Is.
var (
	ErrRoleDenied       = errors.New("role denied")
	ErrPermissionDenied = errors.New("permission denied")
	ErrMissingBinding   = errors.New("missing binding")
	ErrBusinessLogic    = errors.New("business logic failed")
	ErrPersistence      = errors.New("persistence failed")
	ErrInvalidPredicate = errors.New("invalid predicate")
	ErrMissingTarget    = errors.New("missing target service")
	ErrNothingToRetry   = errors.New("nothing to retry")
	ErrInvalidState     = errors.New("invalid workflow state")
	ErrChainTooDeep     = errors.New("automatic chain too deep")

	ErrWorkflowNotFound   = storage.ErrWorkflowNotFound
	ErrTransitionNotFound = errors.New("transition not found")
)

// Codes attached to engine-raised errors.
const (
	CodeMissingBinding   = "WORKFLOW-2"
	CodeRoleDenied       = "WORKFLOW-4"
	CodePermissionDenied = "WORKFLOW-5"
)

// Coder is implemented by errors that carry a stable code.
type Coder interface {
	ErrorCode() string
}

// Error is the structured error returned by the engine.
type Error struct {
	Kind    error
	Code    string
	Message string
	Err     error
}

func newError(kind error, code string, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), Err: cause}
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// ErrorCode implements Coder.
func (e *Error) ErrorCode() string { return e.Code }

// Format prints the cause with its stack for %+v.
func (e *Error) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			fmt.Fprint(s, e.Kind.Error())
			if e.Message != "" {
				fmt.Fprintf(s, ": %s", e.Message)
			}
			if e.Err != nil {
				fmt.Fprintf(s, ": %+v", e.Err)
			}
			return
		}
		fallthrough
	case 's':
		fmt.Fprint(s, e.Error())
	case 'q':
		fmt.Fprintf(s, "%q", e.Error())
	}
}

// DeepestCode walks the cause chain of err and returns the innermost non-empty code.
func DeepestCode(err error) string {
	var code string
	walk(err, func(e error) {
		if c, ok := e.(Coder); ok && c.ErrorCode() != "" {
			code = c.ErrorCode()
		}
	})
	return code
}

func walk(err error, visit func(error)) {
	for err != nil {
		visit(err)
		switch x := err.(type) {
		case interface{ Unwrap() []error }:
			for _, nested := range x.Unwrap() {
				walk(nested, visit)
			}
			return
		case interface{ Unwrap() error }:
			err = x.Unwrap()
		case interface{ Cause() error }:
			err = x.Cause()
		default:
			return
		}
	}
}
