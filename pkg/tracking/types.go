// Package tracking provides the durable dependency-tracking store for chunks
package tracking

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

var (
	// ErrEntryNotFound is returned when no tracking entry exists for a key
	ErrEntryNotFound = errors.New("tracking entry not found")
	// ErrEntryExists is returned when inserting a key that is already tracked
	ErrEntryExists = errors.New("tracking entry already exists")
	// ErrNoChange is returned by a mutator to leave the entry untouched
	ErrNoChange = errors.New("no change")
	// ErrConsistency is returned when the dependency graph references entries that do not exist
	ErrConsistency = errors.New("dependency graph consistency fault")
	// ErrTooMuchContention is returned when an optimistic transaction keeps failing
	ErrTooMuchContention = errors.New("too much contention on tracking entry")
	// ErrInvalidKey is returned when a key string cannot be parsed
	ErrInvalidKey = errors.New("invalid tracking key: expected job:chunk")
)

// Key identifies a chunk. It is immutable and never reused.
type Key struct {
	JobID   int64 `json:"jobId"`
	ChunkID int64 `json:"chunkId"`
}

// NewKey creates a key
func NewKey(jobID, chunkID int64) Key {
	return Key{JobID: jobID, ChunkID: chunkID}
}

// String returns the canonical "job:chunk" form
func (k Key) String() string {
	return strconv.FormatInt(k.JobID, 10) + ":" + strconv.FormatInt(k.ChunkID, 10)
}

// Compare orders keys by job and then chunk
func (k Key) Compare(other Key) int {
	switch {
	case k.JobID < other.JobID:
		return -1
	case k.JobID > other.JobID:
		return 1
	case k.ChunkID < other.ChunkID:
		return -1
	case k.ChunkID > other.ChunkID:
		return 1
	default:
		return 0
	}
}

// ParseKey parses the canonical "job:chunk" form
func ParseKey(s string) (Key, error) {
	job, chunk, ok := strings.Cut(s, ":")
	if !ok {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}

	jobID, err := strconv.ParseInt(job, 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}

	chunkID, err := strconv.ParseInt(chunk, 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}

	return Key{JobID: jobID, ChunkID: chunkID}, nil
}

// SortKeys sorts keys in place and removes duplicates
func SortKeys(keys []Key) []Key {
	slices.SortFunc(keys, Key.Compare)

	return slices.Compact(keys)
}

// Status is the lifecycle state of a tracked chunk
type Status string

const (
	// StatusReadyForProcessing means the chunk waits to be submitted for processing
	StatusReadyForProcessing Status = "READY_FOR_PROCESSING"
	// StatusQueuedForProcessing means the chunk has been submitted for processing
	StatusQueuedForProcessing Status = "QUEUED_FOR_PROCESSING"
	// StatusReadyForDelivery means the chunk is processed and has no pending predecessors
	StatusReadyForDelivery Status = "READY_FOR_DELIVERY"
	// StatusBlocked means the chunk is processed but still waits on predecessors
	StatusBlocked Status = "BLOCKED"
	// StatusQueuedForDelivery means the chunk has been submitted for delivery
	StatusQueuedForDelivery Status = "QUEUED_FOR_DELIVERY"
)

// AllStatuses lists statuses in lifecycle order
var AllStatuses = []Status{ //nolint:gochecknoglobals // read-only lookup table
	StatusReadyForProcessing,
	StatusQueuedForProcessing,
	StatusReadyForDelivery,
	StatusBlocked,
	StatusQueuedForDelivery,
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	return slices.Contains(AllStatuses, s)
}

// Entry is the tracking record of one chunk
type Entry struct {
	Key       Key      `json:"key"`
	SinkID    int64    `json:"sinkId"`
	Status    Status   `json:"status"`
	Priority  int      `json:"priority"`
	Seq       int64    `json:"seq"`
	WaitingOn []Key    `json:"waitingOn"`
	MatchKeys []string `json:"matchKeys"`
	// Chained lists the match keys on which the entry waits, directly or
	// transitively, on every earlier live entry carrying that key.
	Chained []string `json:"chained,omitempty"`
	// Retired entries are being removed and may no longer gain dependents.
	Retired bool `json:"retired,omitempty"`
}

// Clone returns a deep copy of the entry
func (e *Entry) Clone() *Entry {
	c := *e
	c.WaitingOn = slices.Clone(e.WaitingOn)
	c.MatchKeys = slices.Clone(e.MatchKeys)
	c.Chained = slices.Clone(e.Chained)

	return &c
}

// IsWaitingOn reports whether the entry waits on key
func (e *Entry) IsWaitingOn(key Key) bool {
	return slices.Contains(e.WaitingOn, key)
}

// RemoveWaitingOn drops key from the waiting-on set and reports whether it was present
func (e *Entry) RemoveWaitingOn(key Key) bool {
	idx := slices.Index(e.WaitingOn, key)
	if idx < 0 {
		return false
	}

	e.WaitingOn = slices.Delete(e.WaitingOn, idx, idx+1)

	return true
}

// Chunk is a partitioned unit of a job handed to the scheduler
type Chunk struct {
	JobID     int64    `json:"jobId"`
	ChunkID   int64    `json:"chunkId"`
	MatchKeys []string `json:"matchKeys,omitempty"`
}

// Key returns the tracking key of the chunk
func (c *Chunk) Key() Key {
	return Key{JobID: c.JobID, ChunkID: c.ChunkID}
}

// Sink is a delivery destination
type Sink struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	// StrictOrdering chains every chunk of the sink behind the previous one.
	StrictOrdering bool `json:"strictOrdering"`
}
