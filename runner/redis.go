package runner

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const queuePrefix = "runner:"

func queueKey(target string) string { return queuePrefix + target }

// RedisRunner pushes jobs onto a Redis list that workers on any node pop from.
type RedisRunner struct {
	client      *redis.Client
	target      string
	opts        options
	pollTimeout time.Duration
}

// NewRedisRunner returns a runner for target backed by client.
func NewRedisRunner(client *redis.Client, target string, opts ...Option) *RedisRunner {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisRunner{client: client, target: target, opts: o, pollTimeout: 2 * time.Second}
}

// Dispatch implements Runner.
func (r *RedisRunner) Dispatch(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Enqueued.IsZero() {
		job.Enqueued = time.Now()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "failed to marshal job")
	}
	if err := r.client.LPush(ctx, queueKey(r.target), data).Err(); err != nil {
		return errors.Wrapf(err, "failed to enqueue job for %s", r.target)
	}
	return nil
}

// Len reports the number of queued jobs.
func (r *RedisRunner) Len(ctx context.Context) (int64, error) {
	return r.client.LLen(ctx, queueKey(r.target)).Result()
}

// Serve pops jobs and runs them through handler until ctx is cancelled.
func (r *RedisRunner) Serve(ctx context.Context, handler Handler) error {
	key := queueKey(r.target)
	r.opts.logger.Info("redis runner serving", "target", r.target)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		res, err := r.client.BRPop(ctx, r.pollTimeout, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			r.opts.logger.Error("failed to pop job", "target", r.target, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.opts.retryDelay):
			}
			continue
		}
		// BRPOP answers [key, value]
		if len(res) != 2 {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			r.opts.logger.Error("dropping malformed job", "target", r.target, "error", err)
			continue
		}
		if err := r.opts.execute(ctx, handler, &job); err != nil {
			r.opts.logger.Error("redis job failed",
				"job_id", job.ID,
				"target", job.Target,
				"workflow_id", job.WorkflowID,
				"transition", job.TransitionID,
				"error", err)
		}
	}
}
