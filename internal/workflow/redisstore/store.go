// Package redisstore keeps the execution ledger in Redis.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/Kristopherlb/harmony-sub001/internal/errs"
	"github.com/Kristopherlb/harmony-sub001/internal/workflow"
)

const maxUpdateRetries = 10

// Store implements workflow.Store on Redis with optimistic WATCH transactions.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// New returns a Store; prefix namespaces every key.
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "harmony"
	}
	return &Store{client: client, prefix: prefix}
}

// Connect builds a client for addr and pings it.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

func (s *Store) runKey(runID string) string {
	return fmt.Sprintf("%s:execution:%s", s.prefix, runID)
}

func (s *Store) indexKey() string {
	return s.prefix + ":executions"
}

// Create implements workflow.Store.
func (s *Store) Create(ctx context.Context, exec workflow.Execution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("encode execution: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.runKey(exec.RunID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("store execution: %w", err)
	}
	if !ok {
		return errs.ErrDuplicateRun
	}
	score := float64(exec.StartedAt.UnixNano())
	if err := s.client.ZAdd(ctx, s.indexKey(), redis.Z{Score: score, Member: exec.RunID}).Err(); err != nil {
		return fmt.Errorf("index execution: %w", err)
	}
	return nil
}

// Get implements workflow.Store.
func (s *Store) Get(ctx context.Context, runID string) (workflow.Execution, error) {
	data, err := s.client.Get(ctx, s.runKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return workflow.Execution{}, errs.ErrNotFound
	}
	if err != nil {
		return workflow.Execution{}, fmt.Errorf("load execution: %w", err)
	}
	return decode(data)
}

// Update implements workflow.Store.
func (s *Store) Update(ctx context.Context, runID string, fn func(*workflow.Execution) error) (workflow.Execution, error) {
	key := s.runKey(runID)
	var (
		result workflow.Execution
		fnErr  error
	)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return errs.ErrNotFound
		}
		if err != nil {
			return err
		}
		current, err := decode(data)
		if err != nil {
			return err
		}
		working := current.Clone()
		if err := fn(&working); err != nil {
			result, fnErr = current, err
			return nil
		}
		encoded, err := json.Marshal(working)
		if err != nil {
			return fmt.Errorf("encode execution: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			return nil
		})
		if err == nil {
			result, fnErr = working, nil
		}
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return workflow.Execution{}, err
		}
		return result, fnErr
	}
	return workflow.Execution{}, fmt.Errorf("update %s: too much contention", runID)
}

// List implements workflow.Store.
func (s *Store) List(ctx context.Context, filter workflow.Filter) ([]workflow.Execution, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	if len(ids) == 0 {
		return []workflow.Execution{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.runKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load executions: %w", err)
	}

	out := make([]workflow.Execution, 0, len(values))
	for _, raw := range values {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		exec, err := decode([]byte(str))
		if err != nil {
			return nil, err
		}
		if !filter.Matches(exec) {
			continue
		}
		out = append(out, exec)
	}
	workflow.SortNewestFirst(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func decode(data []byte) (workflow.Execution, error) {
	var exec workflow.Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		return workflow.Execution{}, fmt.Errorf("decode execution: %w", err)
	}
	return exec, nil
}
