package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/songzhibin97/workflow-fsm/types"
)

const (
	workflowPrefix   = "workflow:"
	transitionPrefix = "transition:"
	propertyPrefix   = "property:"
	batchPrefix      = "batch:"

	workflowIndex = "workflows"
	batchIndex    = "batches"
)

func workflowKey(id string) string   { return workflowPrefix + id }
func transitionKey(id string) string { return transitionPrefix + id }
func propertyKey(id string) string   { return propertyPrefix + id }
func batchKey(id string) string      { return batchPrefix + id }

func workflowTransitionsKey(id string) string { return workflowPrefix + id + ":transitions" }
func workflowPropertiesKey(id string) string  { return workflowPrefix + id + ":properties" }
func batchChildrenKey(id string) string       { return batchPrefix + id + ":children" }

// RedisManager is a Redis-backed implementation of the Manager interface.
// Records are stored as JSON documents next to id sets that index them.
// Staged writes are committed in one MULTI/EXEC, guarded by WATCH on every
// batch that is conditionally updated.
type RedisManager struct {
	client  *redis.Client
	journal *journal
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisManager creates a new RedisManager instance with configurable options.
func NewRedisManager(opts RedisOptions) (*RedisManager, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return NewRedisManagerFromClient(client), nil
}

// NewRedisManagerFromClient wraps an existing client.
func NewRedisManagerFromClient(client *redis.Client) *RedisManager {
	return &RedisManager{client: client, journal: newJournal()}
}

// Client exposes the underlying client, shared with the redis job runner.
func (s *RedisManager) Client() *redis.Client {
	return s.client
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// getFromRedis retrieves and unmarshals a value from Redis.
func getFromRedis[T any](ctx context.Context, client getter, key string, errNotFound error) (*T, error) {
	return withContext(ctx, func() (*T, error) {
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, errors.Wrapf(errNotFound, "key=%s", key)
		} else if err != nil {
			return nil, errors.Wrapf(err, "failed to get %s from Redis", key)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, errors.Wrapf(err, "failed to unmarshal %s", key)
		}
		return &result, nil
	})
}

// loadAll fetches the JSON documents under keys, skipping missing ones.
func loadAll[T any](ctx context.Context, client *redis.Client, keys []string) ([]*T, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to mget from Redis")
	}
	out := make([]*T, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var item T
		if err := json.Unmarshal([]byte(s), &item); err != nil {
			return nil, errors.Wrapf(err, "failed to unmarshal %s", keys[i])
		}
		out = append(out, &item)
	}
	return out, nil
}

func (s *RedisManager) members(ctx context.Context, setKey string, prefix func(string) string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read index %s", setKey)
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = prefix(id)
	}
	return keys, nil
}

// Transaction runs fn and commits its staged writes in one MULTI/EXEC.
func (s *RedisManager) Transaction(ctx context.Context, fn func(ctx context.Context, txID string) error) error {
	if txID := TransactionFromContext(ctx); txID != "" {
		return fn(ctx, txID)
	}
	txID, u := s.journal.begin()
	defer s.journal.end(txID)

	if err := fn(WithTransaction(ctx, txID), txID); err != nil {
		return err
	}
	return withContextError(ctx, func() error {
		return s.commit(ctx, u.snapshot())
	})
}

func (s *RedisManager) commit(ctx context.Context, ops []op) error {
	if len(ops) == 0 {
		return nil
	}
	var watched []string
	for _, o := range ops {
		if o.kind == opUpdateBatch {
			watched = append(watched, batchKey(o.batch.ID))
		}
	}

	write := func(pipe redis.Pipeliner) error {
		for _, o := range ops {
			if err := queue(ctx, pipe, o); err != nil {
				return err
			}
		}
		return nil
	}

	if len(watched) == 0 {
		if _, err := s.client.TxPipelined(ctx, write); err != nil {
			return errors.Wrap(err, "failed to commit transaction")
		}
		return nil
	}

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		for _, o := range ops {
			if o.kind != opUpdateBatch {
				continue
			}
			current, err := getFromRedis[types.BatchInstance](ctx, tx, batchKey(o.batch.ID), ErrBatchNotFound)
			if err != nil {
				return err
			}
			if current.State != o.expected {
				return errors.Wrapf(ErrConflict, "batch %s is %s, expected %s", o.batch.ID, current.State, o.expected)
			}
		}
		_, err := tx.TxPipelined(ctx, write)
		return err
	}, watched...)
	if errors.Is(err, redis.TxFailedErr) {
		return errors.Wrap(ErrConflict, "watched batch changed during commit")
	}
	if err != nil {
		return errors.WithMessage(err, "failed to commit transaction")
	}
	return nil
}

// queue adds the commands of o to pipe.
func queue(ctx context.Context, pipe redis.Pipeliner, o op) error {
	set := func(key string, value interface{}) error {
		data, err := json.Marshal(value)
		if err != nil {
			return errors.Wrapf(err, "failed to marshal %s", key)
		}
		pipe.Set(ctx, key, data, 0)
		return nil
	}

	switch o.kind {
	case opCreateWorkflow:
		pipe.SAdd(ctx, workflowIndex, o.workflow.ID)
		if o.workflow.BatchID != "" {
			pipe.SAdd(ctx, batchChildrenKey(o.workflow.BatchID), o.workflow.ID)
		}
		return set(workflowKey(o.workflow.ID), o.workflow)
	case opUpdateWorkflow:
		return set(workflowKey(o.workflow.ID), o.workflow)
	case opCreateTransition:
		pipe.SAdd(ctx, workflowTransitionsKey(o.transition.WorkflowID), o.transition.ID)
		return set(transitionKey(o.transition.ID), o.transition)
	case opUpdateTransition:
		return set(transitionKey(o.transition.ID), o.transition)
	case opCreateProperty:
		pipe.SAdd(ctx, workflowPropertiesKey(o.property.WorkflowID), o.property.ID)
		return set(propertyKey(o.property.ID), o.property)
	case opUpdateProperty:
		return set(propertyKey(o.property.ID), o.property)
	case opCreateBatch:
		pipe.SAdd(ctx, batchIndex, o.batch.ID)
		return set(batchKey(o.batch.ID), o.batch)
	case opUpdateBatch:
		return set(batchKey(o.batch.ID), o.batch)
	}
	return fmt.Errorf("unknown operation %d", o.kind)
}

// CreateWorkflow stages the creation of w.
func (s *RedisManager) CreateWorkflow(ctx context.Context, txID string, w *types.WorkflowInstance) error {
	return withContextError(ctx, func() error { return stageWorkflow(s.journal, txID, opCreateWorkflow, w) })
}

// UpdateWorkflow stages an update of w.
func (s *RedisManager) UpdateWorkflow(ctx context.Context, txID string, w *types.WorkflowInstance) error {
	return withContextError(ctx, func() error { return stageWorkflow(s.journal, txID, opUpdateWorkflow, w) })
}

// GetWorkflow retrieves a workflow instance from Redis.
func (s *RedisManager) GetWorkflow(ctx context.Context, id string) (*types.WorkflowInstance, error) {
	return getFromRedis[types.WorkflowInstance](ctx, s.client, workflowKey(id), ErrWorkflowNotFound)
}

// ListWorkflows scans the workflow index and filters in memory.
func (s *RedisManager) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*types.WorkflowInstance, error) {
	index := workflowIndex
	if filter.BatchID != "" {
		index = batchChildrenKey(filter.BatchID)
	}
	keys, err := s.members(ctx, index, workflowKey)
	if err != nil {
		return nil, err
	}
	all, err := loadAll[types.WorkflowInstance](ctx, s.client, keys)
	if err != nil {
		return nil, err
	}

	var out []*types.WorkflowInstance
	for _, w := range all {
		if !filter.matches(w) {
			continue
		}
		if len(filter.Properties) > 0 {
			history, err := s.ListTransitions(ctx, w.ID)
			if err != nil {
				return nil, err
			}
			props, err := s.ListProperties(ctx, w.ID)
			if err != nil {
				return nil, err
			}
			if !filter.matchesProperties(history, props) {
				continue
			}
		}
		out = append(out, w)
	}
	sortWorkflows(out)
	start, end := filter.Page.apply(len(out))
	return out[start:end], nil
}

// CreateTransition stages the creation of t.
func (s *RedisManager) CreateTransition(ctx context.Context, txID string, t *types.TransitionInstance) error {
	return withContextError(ctx, func() error { return stageTransition(s.journal, txID, opCreateTransition, t) })
}

// UpdateTransition stages an update of t.
func (s *RedisManager) UpdateTransition(ctx context.Context, txID string, t *types.TransitionInstance) error {
	return withContextError(ctx, func() error { return stageTransition(s.journal, txID, opUpdateTransition, t) })
}

// ListTransitions returns the history of workflowID ordered by sequence.
func (s *RedisManager) ListTransitions(ctx context.Context, workflowID string) ([]*types.TransitionInstance, error) {
	keys, err := s.members(ctx, workflowTransitionsKey(workflowID), transitionKey)
	if err != nil {
		return nil, err
	}
	history, err := loadAll[types.TransitionInstance](ctx, s.client, keys)
	if err != nil {
		return nil, err
	}
	types.SortHistory(history)
	return history, nil
}

// CreateProperties stages the creation of props.
func (s *RedisManager) CreateProperties(ctx context.Context, txID string, props []*types.InstanceProperty) error {
	return withContextError(ctx, func() error { return stageProperties(s.journal, txID, opCreateProperty, props) })
}

// UpdateProperties stages an update of props.
func (s *RedisManager) UpdateProperties(ctx context.Context, txID string, props []*types.InstanceProperty) error {
	return withContextError(ctx, func() error { return stageProperties(s.journal, txID, opUpdateProperty, props) })
}

// ListProperties returns every property row of workflowID.
func (s *RedisManager) ListProperties(ctx context.Context, workflowID string) ([]*types.InstanceProperty, error) {
	keys, err := s.members(ctx, workflowPropertiesKey(workflowID), propertyKey)
	if err != nil {
		return nil, err
	}
	return loadAll[types.InstanceProperty](ctx, s.client, keys)
}

// CreateBatch stages the creation of b.
func (s *RedisManager) CreateBatch(ctx context.Context, txID string, b *types.BatchInstance) error {
	return withContextError(ctx, func() error {
		return s.journal.stage(txID, op{kind: opCreateBatch, batch: b.Clone()})
	})
}

// UpdateBatch stages a conditional update of b, re-checked under WATCH on commit.
func (s *RedisManager) UpdateBatch(ctx context.Context, txID string, b *types.BatchInstance, expected types.Level) (bool, error) {
	current, err := s.GetBatch(ctx, b.ID)
	if err != nil {
		return false, err
	}
	if current.State != expected {
		return false, nil
	}
	if err := s.journal.stage(txID, op{kind: opUpdateBatch, batch: b.Clone(), expected: expected}); err != nil {
		return false, err
	}
	return true, nil
}

// GetBatch retrieves a batch from Redis.
func (s *RedisManager) GetBatch(ctx context.Context, id string) (*types.BatchInstance, error) {
	return getFromRedis[types.BatchInstance](ctx, s.client, batchKey(id), ErrBatchNotFound)
}

// ListBatches returns the batches in state, ordered by start time.
func (s *RedisManager) ListBatches(ctx context.Context, state types.Level, page Page) ([]*types.BatchInstance, error) {
	keys, err := s.members(ctx, batchIndex, batchKey)
	if err != nil {
		return nil, err
	}
	all, err := loadAll[types.BatchInstance](ctx, s.client, keys)
	if err != nil {
		return nil, err
	}
	var out []*types.BatchInstance
	for _, b := range all {
		if state == "" || b.State == state {
			out = append(out, b)
		}
	}
	sortBatches(out)
	start, end := page.apply(len(out))
	return out[start:end], nil
}

// BatchStatus computes the aggregate status of batchID.
func (s *RedisManager) BatchStatus(ctx context.Context, batchID string) (types.Level, error) {
	b, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return "", err
	}
	keys, err := s.members(ctx, batchChildrenKey(batchID), workflowKey)
	if err != nil {
		return "", err
	}
	children, err := loadAll[types.WorkflowInstance](ctx, s.client, keys)
	if err != nil {
		return "", err
	}
	return ComputeBatchStatus(b, children), nil
}

// Close closes the Redis client connection.
func (s *RedisManager) Close() error {
	return s.client.Close()
}
