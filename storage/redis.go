package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/songzhibin97/workflow-orchestrator/types"
)

const (
	executionPrefix = "execution:"
	workflowIndex   = "workflow:%s:executions"
	schedulesKey    = "schedules"
)

// RedisStore is a Redis-backed implementation of Store. Executions are JSON
// blobs indexed per workflow by a sorted set scored by creation time;
// schedules live in a single hash keyed by workflow id.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
	// KeyPrefix namespaces every key, e.g. "orchestrator:".
	KeyPrefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
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
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStoreFromClient(client, opts.KeyPrefix), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, prefix: keyPrefix}
}

func (s *RedisStore) executionKey(id string) string {
	return s.prefix + executionPrefix + id
}

func (s *RedisStore) indexKey(workflowID string) string {
	return s.prefix + fmt.Sprintf(workflowIndex, workflowID)
}

func (s *RedisStore) schedulesKey() string {
	return s.prefix + schedulesKey
}

// SaveExecution writes the execution and its index entry in one transaction.
func (s *RedisStore) SaveExecution(ctx context.Context, exec types.WorkflowExecution) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(exec)
		if err != nil {
			return fmt.Errorf("failed to marshal execution %s: %w", exec.ID, err)
		}
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.executionKey(exec.ID), data, 0)
			pipe.ZAdd(ctx, s.indexKey(exec.WorkflowID), &redis.Z{
				Score:  float64(exec.CreatedAt.UnixNano()),
				Member: exec.ID,
			})
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to save execution %s: %w", exec.ID, err)
		}
		return nil
	})
}

// GetExecution retrieves an execution from Redis.
func (s *RedisStore) GetExecution(ctx context.Context, id string) (types.WorkflowExecution, error) {
	return getFromRedis[types.WorkflowExecution](ctx, s.client, s.executionKey(id))
}

// getFromRedis retrieves and unmarshals a value stored under key.
func getFromRedis[T any](ctx context.Context, client *redis.Client, key string) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", ErrNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		return result, nil
	})
}

// ListExecutions reads the workflow index and fetches the executions with
// a single MGET. Index entries whose execution is gone are skipped.
func (s *RedisStore) ListExecutions(ctx context.Context, workflowID string, opts types.ListOptions) ([]types.WorkflowExecution, error) {
	return withContext(ctx, func() ([]types.WorkflowExecution, error) {
		ids, err := s.client.ZRange(ctx, s.indexKey(workflowID), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read index of %s: %w", workflowID, err)
		}
		if len(ids) == 0 {
			return []types.WorkflowExecution{}, nil
		}

		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = s.executionKey(id)
		}
		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to fetch executions of %s: %w", workflowID, err)
		}

		execs := make([]types.WorkflowExecution, 0, len(values))
		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			var exec types.WorkflowExecution
			if err := json.Unmarshal([]byte(raw), &exec); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s: %w", keys[i], err)
			}
			execs = append(execs, exec)
		}
		return filterExecutions(execs, opts), nil
	})
}

// ClearFinished scans every execution and deletes the finished ones
// together with their index entries.
func (s *RedisStore) ClearFinished(ctx context.Context) error {
	return withContextError(ctx, func() error {
		pattern := s.executionKey("*")
		iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()

		pipe := s.client.Pipeline()
		queued := 0
		for iter.Next(ctx) {
			key := iter.Val()
			data, err := s.client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			} else if err != nil {
				return fmt.Errorf("failed to get %s: %w", key, err)
			}

			var exec types.WorkflowExecution
			if err := json.Unmarshal(data, &exec); err != nil {
				return fmt.Errorf("failed to unmarshal %s: %w", key, err)
			}
			if exec.Finished() {
				pipe.Del(ctx, key)
				pipe.ZRem(ctx, s.indexKey(exec.WorkflowID), exec.ID)
				queued++
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("failed to scan executions: %w", err)
		}
		if queued == 0 {
			return nil
		}

		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to execute pipeline for deletion: %w", err)
		}
		return nil
	})
}

// SaveSchedule stores sched in the schedules hash.
func (s *RedisStore) SaveSchedule(ctx context.Context, sched types.WorkflowSchedule) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(sched)
		if err != nil {
			return fmt.Errorf("failed to marshal schedule %s: %w", sched.ID, err)
		}
		if err := s.client.HSet(ctx, s.schedulesKey(), sched.WorkflowID, data).Err(); err != nil {
			return fmt.Errorf("failed to save schedule of %s: %w", sched.WorkflowID, err)
		}
		return nil
	})
}

// GetSchedule retrieves the schedule of workflowID.
func (s *RedisStore) GetSchedule(ctx context.Context, workflowID string) (types.WorkflowSchedule, error) {
	return withContext(ctx, func() (types.WorkflowSchedule, error) {
		var sched types.WorkflowSchedule
		data, err := s.client.HGet(ctx, s.schedulesKey(), workflowID).Bytes()
		if errors.Is(err, redis.Nil) {
			return sched, fmt.Errorf("%w: schedule=%s", ErrNotFound, workflowID)
		} else if err != nil {
			return sched, fmt.Errorf("failed to get schedule of %s: %w", workflowID, err)
		}
		if err := json.Unmarshal(data, &sched); err != nil {
			return sched, fmt.Errorf("failed to unmarshal schedule of %s: %w", workflowID, err)
		}
		return sched, nil
	})
}

// DeleteSchedule removes the schedule of workflowID.
func (s *RedisStore) DeleteSchedule(ctx context.Context, workflowID string) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		n, err := s.client.HDel(ctx, s.schedulesKey(), workflowID).Result()
		if err != nil {
			return false, fmt.Errorf("failed to delete schedule of %s: %w", workflowID, err)
		}
		return n > 0, nil
	})
}

// ListSchedules returns every schedule ordered by workflow id.
func (s *RedisStore) ListSchedules(ctx context.Context) ([]types.WorkflowSchedule, error) {
	return withContext(ctx, func() ([]types.WorkflowSchedule, error) {
		all, err := s.client.HGetAll(ctx, s.schedulesKey()).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list schedules: %w", err)
		}
		out := make([]types.WorkflowSchedule, 0, len(all))
		for workflowID, raw := range all {
			var sched types.WorkflowSchedule
			if err := json.Unmarshal([]byte(raw), &sched); err != nil {
				return nil, fmt.Errorf("failed to unmarshal schedule of %s: %w", workflowID, err)
			}
			out = append(out, sched)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].WorkflowID < out[j].WorkflowID })
		return out, nil
	})
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
