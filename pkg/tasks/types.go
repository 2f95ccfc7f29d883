// Package tasks carries chunks and jobs between the scheduler and the workers
// over asynq queues.
package tasks

import (
	"fmt"
	"time"

	"github.com/ethpandaops/cds/pkg/tracking"
)

// Outbound task types
const (
	// TypeChunkProcess asks a worker to process a chunk
	TypeChunkProcess = "chunk:process"
	// TypeChunkDeliver asks a worker to deliver a processed chunk to its sink
	TypeChunkDeliver = "chunk:deliver"
	// TypeJobPartition asks a worker to split an admitted job into chunks
	TypeJobPartition = "job:partition"
	// TypeJobRerun asks a worker to rerun an admitted job
	TypeJobRerun = "job:rerun"
)

// Inbound task types, handled by the scheduler
const (
	// TypeChunkPartitioned reports a new chunk of a partitioning job
	TypeChunkPartitioned = "chunk:partitioned"
	// TypeChunkProcessed reports that a chunk finished processing
	TypeChunkProcessed = "chunk:processed"
	// TypeChunkDelivered reports that a chunk was delivered
	TypeChunkDelivered = "chunk:delivered"
	// TypeJobPartitioned reports that a job finished partitioning
	TypeJobPartitioned = "job:partitioned"
	// TypeJobRerunDone reports that a rerun finished
	TypeJobRerunDone = "job:rerun-done"
)

// ChunkPayload identifies a chunk sent to processing or delivery
type ChunkPayload struct {
	JobID      int64     `json:"job_id"`
	ChunkID    int64     `json:"chunk_id"`
	SinkID     int64     `json:"sink_id"`
	Priority   int       `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Key returns the tracking key of the chunk
func (p ChunkPayload) Key() tracking.Key {
	return tracking.NewKey(p.JobID, p.ChunkID)
}

// UniqueID returns the task id for a chunk in a given task type
func (p ChunkPayload) UniqueID(taskType string) string {
	return fmt.Sprintf("%s:%d:%d", taskType, p.JobID, p.ChunkID)
}

// ChunkPartitionedPayload describes a chunk produced by partitioning. Sink
// carries the definition the partitioner used and is required.
type ChunkPartitionedPayload struct {
	JobID     int64          `json:"job_id"`
	ChunkID   int64          `json:"chunk_id"`
	SinkID    int64          `json:"sink_id"`
	Priority  int            `json:"priority"`
	MatchKeys []string       `json:"match_keys,omitempty"`
	Sink      *tracking.Sink `json:"sink,omitempty"`
}

// Chunk returns the chunk handed to the scheduler
func (p ChunkPartitionedPayload) Chunk() *tracking.Chunk {
	return &tracking.Chunk{JobID: p.JobID, ChunkID: p.ChunkID, MatchKeys: p.MatchKeys}
}

// JobPayload identifies an admitted queue entry
type JobPayload struct {
	EntryID      int64     `json:"entry_id"`
	JobID        int64     `json:"job_id"`
	SinkID       int64     `json:"sink_id,omitempty"`
	SplitterKind string    `json:"splitter_kind,omitempty"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// UniqueID returns the task id for an entry in a given task type
func (p JobPayload) UniqueID(taskType string) string {
	return fmt.Sprintf("%s:%d", taskType, p.EntryID)
}
