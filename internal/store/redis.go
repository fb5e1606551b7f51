package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"overseer/internal/config"
	"overseer/internal/types"
)

// RedisStore implements Store on two go-redis clients: one for the state
// database, one for the queue database. There is no locking; correctness
// depends on the single-active-supervisor deployment invariant.
type RedisStore struct {
	state    *redis.Client
	queue    *redis.Client
	stateKey string
	queueKey string
	logger   *zap.Logger
}

// NewRedisStore connects both clients. The connection is verified lazily;
// call Ping to fail fast.
func NewRedisStore(cfg config.StoreConfig, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		state: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr(),
			Password: cfg.Password,
			DB:       cfg.StateDB,
		}),
		queue: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr(),
			Password: cfg.Password,
			DB:       cfg.QueueDB,
		}),
		stateKey: cfg.StateKey,
		queueKey: cfg.QueueKey,
		logger:   logger,
	}
}

// InitState creates the snapshot with SETNX semantics.
func (s *RedisStore) InitState(ctx context.Context, state *types.SupervisorState) error {
	state.LastUpdated = time.Now().UTC()
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	ok, err := s.state.SetNX(ctx, s.stateKey, data, 0).Result()
	if err != nil {
		return fmt.Errorf("writing state key %q: %w", s.stateKey, err)
	}
	if !ok {
		return ErrStateExists
	}
	s.logger.Info("initialized supervisor state", zap.String("key", s.stateKey))
	return nil
}

// LoadState reads the snapshot, backfills legacy entries, and verifies
// integrity. A missing snapshot is ErrStateNotFound; a corrupt one is an
// IntegrityError the driver converts into an INTERNAL_ERROR halt.
func (s *RedisStore) LoadState(ctx context.Context) (*types.SupervisorState, error) {
	data, err := s.state.Get(ctx, s.stateKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading state key %q: %w", s.stateKey, err)
	}
	var state types.SupervisorState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, &IntegrityError{Field: "snapshot", Detail: err.Error()}
	}
	BackfillLegacy(&state)
	if err := CheckIntegrity(&state); err != nil {
		return nil, err
	}
	state.EnsureMaps()
	return &state, nil
}

// SaveState overwrites the full snapshot. LastUpdated is stamped here so
// the timestamp always reflects the persisted version.
func (s *RedisStore) SaveState(ctx context.Context, state *types.SupervisorState) error {
	state.LastUpdated = time.Now().UTC()
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	if err := s.state.Set(ctx, s.stateKey, data, 0).Err(); err != nil {
		return fmt.Errorf("writing state key %q: %w", s.stateKey, err)
	}
	return nil
}

// PushTasks appends each task to the queue tail in input order. Tasks are
// encoded individually so a pop returns the exact bytes of one push.
func (s *RedisStore) PushTasks(ctx context.Context, tasks []types.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	encoded := make([]interface{}, 0, len(tasks))
	for i := range tasks {
		data, err := json.Marshal(&tasks[i])
		if err != nil {
			return fmt.Errorf("encoding task %s: %w", tasks[i].TaskID, err)
		}
		encoded = append(encoded, data)
	}
	if err := s.queue.RPush(ctx, s.queueKey, encoded...).Err(); err != nil {
		return fmt.Errorf("pushing %d tasks to %q: %w", len(tasks), s.queueKey, err)
	}
	s.logger.Info("enqueued tasks", zap.Int("count", len(tasks)))
	return nil
}

// PopTask removes the queue head.
func (s *RedisStore) PopTask(ctx context.Context) (*types.Task, error) {
	data, err := s.queue.LPop(ctx, s.queueKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrQueueEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("popping from %q: %w", s.queueKey, err)
	}
	var task types.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("decoding queued task: %w", err)
	}
	return &task, nil
}

// PeekQueue reads the queue head without consuming it.
func (s *RedisStore) PeekQueue(ctx context.Context) (*types.Task, error) {
	data, err := s.queue.LIndex(ctx, s.queueKey, 0).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("peeking %q: %w", s.queueKey, err)
	}
	var task types.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("decoding queued task: %w", err)
	}
	return &task, nil
}

// QueueLength reports the current queue depth.
func (s *RedisStore) QueueLength(ctx context.Context) (int64, error) {
	n, err := s.queue.LLen(ctx, s.queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("reading length of %q: %w", s.queueKey, err)
	}
	return n, nil
}

// Ping verifies both connections.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.state.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("state store unreachable: %w", err)
	}
	if err := s.queue.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("queue store unreachable: %w", err)
	}
	return nil
}

// Close releases both clients.
func (s *RedisStore) Close() error {
	stateErr := s.state.Close()
	queueErr := s.queue.Close()
	if stateErr != nil {
		return stateErr
	}
	return queueErr
}
