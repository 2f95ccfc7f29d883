package queue

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// JobEntry is a job waiting to be partitioned against a sink
type JobEntry struct {
	ID           int64     `json:"id"`
	JobID        int64     `json:"jobId"`
	SinkID       int64     `json:"sinkId"`
	State        State     `json:"state"`
	SplitterKind string    `json:"splitterKind,omitempty"`
	TimeOfEntry  time.Time `json:"timeOfEntry"`
}

func (e *JobEntry) entryID() int64             { return e.ID }
func (e *JobEntry) setEntryID(id int64)        { e.ID = id }
func (e *JobEntry) entryState() State          { return e.State }
func (e *JobEntry) setEntryState(s State)      { e.State = s }
func (e *JobEntry) setTimeOfEntry(t time.Time) { e.TimeOfEntry = t }

// JobQueue keeps one FIFO of jobs per sink
type JobQueue struct {
	fifo[JobEntry, *JobEntry]
}

// NewJobQueue creates a Redis-backed job queue
func NewJobQueue(log logrus.FieldLogger, client *redis.Client, prefix string) *JobQueue {
	return &JobQueue{
		fifo: newFifo[JobEntry](log.WithField("component", "job_queue"), client, prefix, "jobs"),
	}
}

func (q *JobQueue) sinkKey(sinkID int64) string {
	return q.prefix + "sink:" + strconv.FormatInt(sinkID, 10)
}

func (q *JobQueue) sinksKey() string {
	return q.prefix + "sinks"
}

// Name identifies the queue in logs and metrics
func (q *JobQueue) Name() string {
	return "jobs"
}

// AddWaiting appends a job to the FIFO of its sink. ID, state and time of
// entry are assigned here.
func (q *JobQueue) AddWaiting(ctx context.Context, entry *JobEntry) error {
	if entry == nil {
		return fmt.Errorf("%w: entry is required", ErrInvalidEntry)
	}

	// 0 is a valid job and sink id
	if entry.JobID < 0 || entry.SinkID < 0 {
		return fmt.Errorf("%w: negative job or sink id", ErrInvalidEntry)
	}

	err := q.add(ctx, q.sinkKey(entry.SinkID), entry, func(pipe redis.Pipeliner) {
		pipe.SAdd(ctx, q.sinksKey(), entry.SinkID)
	})
	if err != nil {
		return err
	}

	q.log.WithFields(logrus.Fields{
		"entry_id": entry.ID,
		"job_id":   entry.JobID,
		"sink_id":  entry.SinkID,
	}).Debug("Job queued for partitioning")

	return nil
}

// SinksWithJobs returns the sinks whose FIFO is not empty
func (q *JobQueue) SinksWithJobs(ctx context.Context) ([]int64, error) {
	members, err := q.client.SMembers(ctx, q.sinksKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sinks with jobs: %w", err)
	}

	sinks := make([]int64, 0, len(members))

	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: sink id %q", ErrInvalidEntry, m)
		}

		sinks = append(sinks, id)
	}

	sort.Slice(sinks, func(i, j int) bool { return sinks[i] < sinks[j] })

	return sinks, nil
}

// SeizeHeadIfWaiting admits the head of the sink's FIFO if it is WAITING. It
// returns nil when the FIFO is empty or the sink is occupied.
func (q *JobQueue) SeizeHeadIfWaiting(ctx context.Context, sinkID int64) (*JobEntry, error) {
	return q.seizeHead(ctx, q.sinkKey(sinkID))
}

// Get returns a queued job
func (q *JobQueue) Get(ctx context.Context, id int64) (*JobEntry, error) {
	return q.get(ctx, id)
}

// Remove drops a job from its FIFO
func (q *JobQueue) Remove(ctx context.Context, id int64) error {
	return q.remove(ctx, id,
		func(e *JobEntry) string { return q.sinkKey(e.SinkID) },
		func(pipe redis.Pipeliner, e *JobEntry) { pipe.SRem(ctx, q.sinksKey(), e.SinkID) },
	)
}

// Reset forces a job back to WAITING
func (q *JobQueue) Reset(ctx context.Context, id int64) (*JobEntry, error) {
	return q.reset(ctx, id)
}

// GetInProgress returns every admitted job
func (q *JobQueue) GetInProgress(ctx context.Context) ([]*JobEntry, error) {
	return q.inProgress(ctx)
}

// ResetInProgress puts every admitted job back to WAITING and returns how many were reset
func (q *JobQueue) ResetInProgress(ctx context.Context) (int, error) {
	return q.resetInProgress(ctx)
}

// List returns the FIFO of a sink, head first
func (q *JobQueue) List(ctx context.Context, sinkID int64) ([]*JobEntry, error) {
	return q.list(ctx, q.sinkKey(sinkID))
}
