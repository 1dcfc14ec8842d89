package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Kandimus/FreeDistributedBuild/internal/domain"
)

const (
	stateTTL   = 24 * time.Hour
	summaryTTL = 7 * 24 * time.Hour
)

func taskKey(jobID string) string    { return "build:job:" + jobID + ":tasks" }
func summaryKey(jobID string) string { return "build:job:" + jobID + ":summary" }

const latestJobKey = "build:job:latest"

// StateStore mirrors live job progress in Redis so dashboards and scripts
// can follow a build without talking to the master. It is write-mostly and
// never read back by the scheduler.
type StateStore interface {
	SetTaskStatus(ctx context.Context, jobID string, taskID uint32, status domain.Status) error
	GetTaskStatus(ctx context.Context, jobID string, taskID uint32) (domain.Status, error)
	TaskStatuses(ctx context.Context, jobID string) (map[uint32]domain.Status, error)
	SetJobSummary(ctx context.Context, s *domain.JobSummary) error
	GetJobSummary(ctx context.Context, jobID string) (*domain.JobSummary, error)
	LatestJobID(ctx context.Context) (string, error)
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

func (s *stateStore) SetTaskStatus(ctx context.Context, jobID string, taskID uint32, status domain.Status) error {
	key := taskKey(jobID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, strconv.FormatUint(uint64(taskID), 10), string(status))
	pipe.Expire(ctx, key, stateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set status for %s/%d: %w", jobID, taskID, err)
	}
	return nil
}

func (s *stateStore) GetTaskStatus(ctx context.Context, jobID string, taskID uint32) (domain.Status, error) {
	val, err := s.client.HGet(ctx, taskKey(jobID), strconv.FormatUint(uint64(taskID), 10)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", &domain.TaskNotFoundError{TaskID: taskID}
		}
		return "", fmt.Errorf("redis get status for %s/%d: %w", jobID, taskID, err)
	}
	return domain.Status(val), nil
}

func (s *stateStore) TaskStatuses(ctx context.Context, jobID string) (map[uint32]domain.Status, error) {
	vals, err := s.client.HGetAll(ctx, taskKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get statuses for %s: %w", jobID, err)
	}
	out := make(map[uint32]domain.Status, len(vals))
	for k, v := range vals {
		id, err := strconv.ParseUint(k, 10, 32)
		if err != nil {
			continue
		}
		out[uint32(id)] = domain.Status(v)
	}
	return out, nil
}

func (s *stateStore) SetJobSummary(ctx context.Context, sum *domain.JobSummary) error {
	data, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("marshal job summary: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, summaryKey(sum.JobID), data, summaryTTL)
	pipe.Set(ctx, latestJobKey, sum.JobID, summaryTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set summary for %s: %w", sum.JobID, err)
	}
	return nil
}

func (s *stateStore) GetJobSummary(ctx context.Context, jobID string) (*domain.JobSummary, error) {
	data, err := s.client.Get(ctx, summaryKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.JobNotFoundError{JobID: jobID}
		}
		return nil, fmt.Errorf("redis get summary for %s: %w", jobID, err)
	}
	var sum domain.JobSummary
	if err := json.Unmarshal(data, &sum); err != nil {
		return nil, fmt.Errorf("unmarshal job summary: %w", err)
	}
	return &sum, nil
}

func (s *stateStore) LatestJobID(ctx context.Context) (string, error) {
	id, err := s.client.Get(ctx, latestJobKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", &domain.JobNotFoundError{}
		}
		return "", fmt.Errorf("redis get latest job: %w", err)
	}
	return id, nil
}
