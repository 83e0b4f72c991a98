package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voicelane/voicelane/internal/domain"
)

const (
	statusTTL = 24 * time.Hour
	metaTTL   = 24 * time.Hour
)

func taskStatusKey(taskID string) string { return "vl:task:status:" + taskID }
func taskMetaKey(taskID string) string   { return "vl:task:meta:" + taskID }
func runStatusKey(runID string) string   { return "vl:run:status:" + runID }

// StateStore is the read-side status cache. The database remains the source
// of truth; the cache exists so status polls from the gateway do not hit
// Postgres on every request.
type StateStore interface {
	SetTaskStatus(ctx context.Context, taskID string, status domain.Status) error
	GetTaskStatus(ctx context.Context, taskID string) (domain.Status, error)
	SetTaskMeta(ctx context.Context, task *domain.Task) error
	GetTaskMeta(ctx context.Context, taskID string) (*domain.Task, error)
	SetRunStatus(ctx context.Context, runID string, status domain.Status) error
	GetRunStatus(ctx context.Context, runID string) (domain.Status, error)
}

type stateStore struct {
	client *redis.Client
}

// NewStateStore creates a Redis-backed StateStore.
func NewStateStore(client *redis.Client) StateStore {
	return &stateStore{client: client}
}

// NewClient creates and returns a new Redis client.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

func (s *stateStore) SetTaskStatus(ctx context.Context, taskID string, status domain.Status) error {
	err := s.client.Set(ctx, taskStatusKey(taskID), string(status), statusTTL).Err()
	if err != nil {
		return fmt.Errorf("redis set status for %s: %w", taskID, err)
	}
	return nil
}

func (s *stateStore) GetTaskStatus(ctx context.Context, taskID string) (domain.Status, error) {
	val, err := s.client.Get(ctx, taskStatusKey(taskID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", &domain.TaskNotFoundError{TaskID: taskID}
		}
		return "", fmt.Errorf("redis get status for %s: %w", taskID, err)
	}
	return domain.Status(val), nil
}

func (s *stateStore) SetTaskMeta(ctx context.Context, task *domain.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task meta: %w", err)
	}
	err = s.client.Set(ctx, taskMetaKey(task.TaskID), data, metaTTL).Err()
	if err != nil {
		return fmt.Errorf("redis set meta for %s: %w", task.TaskID, err)
	}
	return nil
}

func (s *stateStore) GetTaskMeta(ctx context.Context, taskID string) (*domain.Task, error) {
	data, err := s.client.Get(ctx, taskMetaKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.TaskNotFoundError{TaskID: taskID}
		}
		return nil, fmt.Errorf("redis get meta for %s: %w", taskID, err)
	}
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("unmarshal task meta: %w", err)
	}
	return &task, nil
}

func (s *stateStore) SetRunStatus(ctx context.Context, runID string, status domain.Status) error {
	err := s.client.Set(ctx, runStatusKey(runID), string(status), statusTTL).Err()
	if err != nil {
		return fmt.Errorf("redis set run status for %s: %w", runID, err)
	}
	return nil
}

func (s *stateStore) GetRunStatus(ctx context.Context, runID string) (domain.Status, error) {
	val, err := s.client.Get(ctx, runStatusKey(runID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", &domain.RunNotFoundError{RunID: runID}
		}
		return "", fmt.Errorf("redis get run status for %s: %w", runID, err)
	}
	return domain.Status(val), nil
}
