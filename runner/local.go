package runner

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalRunner executes jobs on goroutines of the current process.
type LocalRunner struct {
	handler Handler
	opts    options
	wg      sync.WaitGroup
}

// NewLocalRunner returns a runner that passes every job to handler.
func NewLocalRunner(handler Handler, opts ...Option) *LocalRunner {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &LocalRunner{handler: handler, opts: o}
}

// Dispatch implements Runner. The job runs detached from ctx's cancellation.
func (l *LocalRunner) Dispatch(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Enqueued.IsZero() {
		job.Enqueued = time.Now()
	}
	runCtx := context.WithoutCancel(ctx)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := l.opts.execute(runCtx, l.handler, job); err != nil {
			l.opts.logger.Error("local job failed",
				"job_id", job.ID,
				"target", job.Target,
				"workflow_id", job.WorkflowID,
				"transition", job.TransitionID,
				"error", err)
		}
	}()
	return nil
}

// Wait blocks until every dispatched job has finished.
func (l *LocalRunner) Wait() {
	l.wg.Wait()
}
