package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/songzhibin97/workflow-fsm/types"
)

// Errors
var (
	ErrWorkflowNotFound   = errors.New("workflow not found")
	ErrTransitionNotFound = errors.New("transition instance not found")
	ErrBatchNotFound      = errors.New("batch not found")
	// ErrNoTransaction is returned when a mutation names an unknown transaction.
	ErrNoTransaction = errors.New("no such transaction")
	// ErrConflict is returned when a commit loses a race on a conditional update.
	ErrConflict = errors.New("conflicting concurrent update")
	// ErrDuplicate is returned when a create targets an existing id.
	ErrDuplicate = errors.New("record already exists")
)

// Manager is the persistence contract of the engine.
//
// Mutations are staged in the transaction identified by txID and become
// visible together when the function given to Transaction returns nil.
// Reads always observe committed data.
type Manager interface {
	// Transaction runs fn within a new transaction, or joins the one carried by ctx.
	Transaction(ctx context.Context, fn func(ctx context.Context, txID string) error) error

	CreateWorkflow(ctx context.Context, txID string, w *types.WorkflowInstance) error
	UpdateWorkflow(ctx context.Context, txID string, w *types.WorkflowInstance) error
	GetWorkflow(ctx context.Context, id string) (*types.WorkflowInstance, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*types.WorkflowInstance, error)

	CreateTransition(ctx context.Context, txID string, t *types.TransitionInstance) error
	UpdateTransition(ctx context.Context, txID string, t *types.TransitionInstance) error
	// ListTransitions returns the history of a workflow ordered by sequence.
	ListTransitions(ctx context.Context, workflowID string) ([]*types.TransitionInstance, error)

	CreateProperties(ctx context.Context, txID string, props []*types.InstanceProperty) error
	UpdateProperties(ctx context.Context, txID string, props []*types.InstanceProperty) error
	ListProperties(ctx context.Context, workflowID string) ([]*types.InstanceProperty, error)

	CreateBatch(ctx context.Context, txID string, b *types.BatchInstance) error
	// UpdateBatch applies b only if the stored batch is still in expected.
	// It reports whether the update was staged; a lost race at commit time
	// fails the transaction with ErrConflict.
	UpdateBatch(ctx context.Context, txID string, b *types.BatchInstance, expected types.Level) (bool, error)
	GetBatch(ctx context.Context, id string) (*types.BatchInstance, error)
	ListBatches(ctx context.Context, state types.Level, page Page) ([]*types.BatchInstance, error)
	// BatchStatus computes the aggregate status of a batch from its child workflows.
	BatchStatus(ctx context.Context, batchID string) (types.Level, error)
}

// Page selects a window of a listing. A zero Limit means no limit.
type Page struct {
	Offset int
	Limit  int
}

func (p Page) apply(n int) (int, int) {
	start := p.Offset
	if start < 0 {
		start = 0
	}
	if start > n {
		start = n
	}
	end := n
	if p.Limit > 0 && start+p.Limit < n {
		end = start + p.Limit
	}
	return start, end
}

// WorkflowFilter selects workflow instances. Zero fields do not filter.
type WorkflowFilter struct {
	DefinitionID    string
	StateID         string
	TransitionState types.Level
	From            *time.Time
	Until           *time.Time
	Environment     string
	ParentID        string
	BatchID         string
	CorrelationID   string
	ContextID       string
	GroupID         string
	WorkflowType    string
	// Properties match against effective property values.
	Properties map[string]string
	// Running keeps only workflows whose status is not final.
	Running bool
	Page
}

type txKey struct{}

// WithTransaction returns a context carrying txID, joined by nested Transaction calls.
func WithTransaction(ctx context.Context, txID string) context.Context {
	return context.WithValue(ctx, txKey{}, txID)
}

// TransactionFromContext returns the transaction carried by ctx, if any.
func TransactionFromContext(ctx context.Context) string {
	txID, _ := ctx.Value(txKey{}).(string)
	return txID
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
