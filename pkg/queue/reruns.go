package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RerunEntry is a job waiting to be rerun
type RerunEntry struct {
	ID          int64     `json:"id"`
	JobID       int64     `json:"jobId"`
	State       State     `json:"state"`
	TimeOfEntry time.Time `json:"timeOfEntry"`
}

func (e *RerunEntry) entryID() int64             { return e.ID }
func (e *RerunEntry) setEntryID(id int64)        { e.ID = id }
func (e *RerunEntry) entryState() State          { return e.State }
func (e *RerunEntry) setEntryState(s State)      { e.State = s }
func (e *RerunEntry) setTimeOfEntry(t time.Time) { e.TimeOfEntry = t }

// RerunQueue is the single global FIFO of reruns
type RerunQueue struct {
	fifo[RerunEntry, *RerunEntry]
}

// NewRerunQueue creates a Redis-backed rerun queue
func NewRerunQueue(log logrus.FieldLogger, client *redis.Client, prefix string) *RerunQueue {
	return &RerunQueue{
		fifo: newFifo[RerunEntry](log.WithField("component", "rerun_queue"), client, prefix, "reruns"),
	}
}

func (q *RerunQueue) listKey() string {
	return q.prefix + "fifo"
}

// Name identifies the queue in logs and metrics
func (q *RerunQueue) Name() string {
	return "reruns"
}

// AddWaiting appends a rerun
func (q *RerunQueue) AddWaiting(ctx context.Context, entry *RerunEntry) error {
	if entry == nil {
		return fmt.Errorf("%w: entry is required", ErrInvalidEntry)
	}

	if entry.JobID < 0 {
		return fmt.Errorf("%w: negative job id", ErrInvalidEntry)
	}

	if err := q.add(ctx, q.listKey(), entry, nil); err != nil {
		return err
	}

	q.log.WithFields(logrus.Fields{
		"entry_id": entry.ID,
		"job_id":   entry.JobID,
	}).Debug("Job queued for rerun")

	return nil
}

// SeizeHeadOfQueueIfWaiting admits the head rerun if it is WAITING. It
// returns nil when the queue is empty or its head is in progress.
func (q *RerunQueue) SeizeHeadOfQueueIfWaiting(ctx context.Context) (*RerunEntry, error) {
	return q.seizeHead(ctx, q.listKey())
}

// Get returns a queued rerun
func (q *RerunQueue) Get(ctx context.Context, id int64) (*RerunEntry, error) {
	return q.get(ctx, id)
}

// Remove drops a rerun from the queue
func (q *RerunQueue) Remove(ctx context.Context, id int64) error {
	return q.remove(ctx, id, func(*RerunEntry) string { return q.listKey() }, nil)
}

// Reset forces a rerun back to WAITING
func (q *RerunQueue) Reset(ctx context.Context, id int64) (*RerunEntry, error) {
	return q.reset(ctx, id)
}

// GetInProgress returns every admitted rerun
func (q *RerunQueue) GetInProgress(ctx context.Context) ([]*RerunEntry, error) {
	return q.inProgress(ctx)
}

// ResetInProgress puts every admitted rerun back to WAITING
func (q *RerunQueue) ResetInProgress(ctx context.Context) (int, error) {
	return q.resetInProgress(ctx)
}

// List returns the queue, head first
func (q *RerunQueue) List(ctx context.Context) ([]*RerunEntry, error) {
	return q.list(ctx, q.listKey())
}
