package ticker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Full key pattern: {prefix}:ticker:task:{taskID}
// Example: cds:ticker:task:sweep
const trackerKeyInfix = ":ticker:task:"

// Tracker persists the last execution time of periodic tasks so that a newly
// promoted leader continues the schedule instead of restarting it.
type Tracker interface {
	// GetLastRun returns zero time if the task has never run
	GetLastRun(ctx context.Context, taskID string) (time.Time, error)
	SetLastRun(ctx context.Context, taskID string, timestamp time.Time) error
	DeleteLastRun(ctx context.Context, taskID string) error
	// GetAllTaskIDs returns every task id currently tracked
	GetAllTaskIDs(ctx context.Context) ([]string, error)
}

type redisTracker struct {
	log    logrus.FieldLogger
	redis  *redis.Client
	prefix string
}

// NewRedisTracker creates a Redis-backed task tracker
func NewRedisTracker(log logrus.FieldLogger, client *redis.Client, prefix string) Tracker {
	if prefix == "" {
		prefix = "cds"
	}

	return &redisTracker{
		log:    log.WithField("component", "ticker_tracker"),
		redis:  client,
		prefix: prefix + trackerKeyInfix,
	}
}

func (r *redisTracker) GetLastRun(ctx context.Context, taskID string) (time.Time, error) {
	val, err := r.redis.Get(ctx, r.prefix+taskID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			r.log.WithField("task_id", taskID).Debug("No last run found for task")
			return time.Time{}, nil
		}

		return time.Time{}, fmt.Errorf("failed to get last run for task %s: %w", taskID, err)
	}

	timestamp, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		r.log.WithError(err).
			WithFields(logrus.Fields{
				"task_id":   taskID,
				"raw_value": val,
			}).
			Error("Failed to parse timestamp")

		return time.Time{}, fmt.Errorf("failed to parse timestamp for task %s: %w", taskID, err)
	}

	return timestamp, nil
}

func (r *redisTracker) SetLastRun(ctx context.Context, taskID string, timestamp time.Time) error {
	if err := r.redis.Set(ctx, r.prefix+taskID, timestamp.UTC().Format(time.RFC3339Nano), 0).Err(); err != nil {
		return fmt.Errorf("failed to set last run for task %s: %w", taskID, err)
	}

	return nil
}

func (r *redisTracker) DeleteLastRun(ctx context.Context, taskID string) error {
	if err := r.redis.Del(ctx, r.prefix+taskID).Err(); err != nil {
		return fmt.Errorf("failed to delete last run for task %s: %w", taskID, err)
	}

	return nil
}

func (r *redisTracker) GetAllTaskIDs(ctx context.Context) ([]string, error) {
	// SCAN instead of KEYS to avoid blocking Redis
	const scanBatchSize = 100

	var taskIDs []string

	iter := r.redis.Scan(ctx, 0, r.prefix+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		taskIDs = append(taskIDs, iter.Val()[len(r.prefix):])
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan task IDs: %w", err)
	}

	return taskIDs, nil
}

var _ Tracker = (*redisTracker)(nil)
