package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/cds/pkg/observability"
	"github.com/ethpandaops/cds/pkg/queue"
	"github.com/ethpandaops/cds/pkg/scheduler"
	"github.com/ethpandaops/cds/pkg/tracking"
	"github.com/ethpandaops/cds/pkg/watcher"
)

// Enqueuer is the part of asynq.Client used to publish tasks
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Client publishes outbound tasks. Task ids make every publication
// idempotent: a task that is still queued is not queued twice.
type Client struct {
	log      logrus.FieldLogger
	enqueuer Enqueuer
	cfg      Config
}

var (
	_ scheduler.Sender    = (*Client)(nil)
	_ watcher.Partitioner = (*Client)(nil)
	_ watcher.Rerunner    = (*Client)(nil)
)

// NewClient creates a transport client
func NewClient(log logrus.FieldLogger, enqueuer Enqueuer, cfg Config) *Client {
	return &Client{
		log:      log.WithField("component", "transport"),
		enqueuer: enqueuer,
		cfg:      cfg,
	}
}

// SendToProcessing implements scheduler.Sender
func (c *Client) SendToProcessing(ctx context.Context, entry *tracking.Entry) error {
	return c.sendChunk(ctx, TypeChunkProcess, c.cfg.ProcessingQueue, entry)
}

// SendToDelivery implements scheduler.Sender
func (c *Client) SendToDelivery(ctx context.Context, entry *tracking.Entry) error {
	return c.sendChunk(ctx, TypeChunkDeliver, c.cfg.DeliveryQueue, entry)
}

func (c *Client) sendChunk(ctx context.Context, taskType, queueName string, entry *tracking.Entry) error {
	payload := ChunkPayload{
		JobID:      entry.Key.JobID,
		ChunkID:    entry.Key.ChunkID,
		SinkID:     entry.SinkID,
		Priority:   entry.Priority,
		EnqueuedAt: time.Now().UTC(),
	}

	return c.enqueue(ctx, taskType, queueName, payload.UniqueID(taskType), payload)
}

// Partition implements watcher.Partitioner
func (c *Client) Partition(ctx context.Context, entry *queue.JobEntry) error {
	payload := JobPayload{
		EntryID:      entry.ID,
		JobID:        entry.JobID,
		SinkID:       entry.SinkID,
		SplitterKind: entry.SplitterKind,
		EnqueuedAt:   time.Now().UTC(),
	}

	return c.enqueue(ctx, TypeJobPartition, c.cfg.PartitionQueue, payload.UniqueID(TypeJobPartition), payload)
}

// Rerun implements watcher.Rerunner
func (c *Client) Rerun(ctx context.Context, entry *queue.RerunEntry) error {
	payload := JobPayload{
		EntryID:    entry.ID,
		JobID:      entry.JobID,
		EnqueuedAt: time.Now().UTC(),
	}

	return c.enqueue(ctx, TypeJobRerun, c.cfg.RerunQueue, payload.UniqueID(TypeJobRerun), payload)
}

// Publish sends an inbound event to the scheduler queue. Workers and the CLI use it.
func (c *Client) Publish(ctx context.Context, taskType string, payload any) error {
	return c.enqueue(ctx, taskType, c.cfg.EventQueue, "", payload)
}

func (c *Client) enqueue(ctx context.Context, taskType, queueName, taskID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", taskType, err)
	}

	opts := []asynq.Option{
		asynq.Queue(queueName),
		asynq.MaxRetry(c.cfg.MaxRetry),
	}

	if taskID != "" {
		opts = append(opts, asynq.TaskID(taskID))
	}

	_, err = c.enqueuer.EnqueueContext(ctx, asynq.NewTask(taskType, data), opts...)

	switch {
	case errors.Is(err, asynq.ErrTaskIDConflict):
		c.log.WithFields(logrus.Fields{
			"task_type": taskType,
			"task_id":   taskID,
		}).Debug("Task already queued")
		observability.RecordTaskEnqueued(taskType, "duplicate")

		return nil
	case err != nil:
		observability.RecordTaskEnqueued(taskType, "failed")
		return fmt.Errorf("failed to enqueue %s: %w", taskType, err)
	}

	observability.RecordTaskEnqueued(taskType, "enqueued")

	return nil
}
