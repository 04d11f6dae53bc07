// Package runner hands automatic transitions that name a remote target to
// whatever executes them: an in-process goroutine or a Redis work queue.
package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/songzhibin97/workflow-fsm/types"
)

// ErrRunnerNotFound is returned when no runner serves a target.
var ErrRunnerNotFound = errors.New("runner not found")

// Job is one remote transition request.
type Job struct {
	ID           string                 `json:"id"`
	Target       string                 `json:"target"`
	DefinitionID string                 `json:"definitionId"`
	WorkflowID   string                 `json:"workflowId"`
	TransitionID string                 `json:"transitionId"`
	FromStateID  string                 `json:"fromStateId"`
	Binding      string                 `json:"binding"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	Input        map[string]interface{} `json:"input,omitempty"`
	Actor        *types.Actor           `json:"actor,omitempty"`
	Enqueued     time.Time              `json:"enqueued"`
}

// Runner accepts jobs for later execution. Dispatch must not wait for the job to run.
type Runner interface {
	Dispatch(ctx context.Context, job *Job) error
}

// Handler executes a job.
type Handler func(ctx context.Context, job *Job) error

// Registry maps targets to runners.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]Runner)}
}

// Register serves target with r, replacing any earlier runner.
func (r *Registry) Register(target string, runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[target] = runner
}

// Resolve returns the runner for target.
func (r *Registry) Resolve(target string) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[target]
	if !ok {
		return nil, errors.Wrapf(ErrRunnerNotFound, "target %s", target)
	}
	return runner, nil
}

// Option configures the retry and logging behaviour shared by runners.
type Option func(*options)

type options struct {
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
}

func defaultOptions() options {
	return options{maxRetries: 3, retryDelay: time.Second, logger: slog.Default()}
}

// WithRetry sets how often a failed job is retried and the pause between attempts.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(o *options) {
		o.maxRetries = maxRetries
		o.retryDelay = delay
	}
}

// WithLogger sets the logger for job failures.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// execute runs handler with retries. Total attempts = 1 initial + maxRetries.
func (o options) execute(ctx context.Context, handler Handler, job *Job) error {
	var lastErr error
	for i := 0; i <= o.maxRetries; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = safeHandle(ctx, handler, job)
		if lastErr == nil {
			return nil
		}
		if i < o.maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.retryDelay):
			}
		}
	}
	return errors.Wrapf(lastErr, "job %s failed after %d retries", job.ID, o.maxRetries)
}

func safeHandle(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("job handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}
