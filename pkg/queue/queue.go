// Package queue provides the Redis-backed admission queues: a FIFO of jobs
// per sink waiting to be partitioned and a single FIFO of jobs waiting to be
// rerun. Admission flips the head of a FIFO from WAITING to IN_PROGRESS with
// a conditional update, which is the only mutual exclusion between watchers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	// ErrEntryNotFound is returned when a queue entry does not exist
	ErrEntryNotFound = errors.New("queue entry not found")
	// ErrTooMuchContention is returned when an optimistic transaction keeps failing
	ErrTooMuchContention = errors.New("too much contention on queue")
	// ErrInvalidEntry is returned when an entry is missing required fields
	ErrInvalidEntry = errors.New("invalid queue entry")
)

// maxRetries bounds how often an optimistic transaction is retried
const maxRetries = 16

// State is the admission state of a queue entry
type State string

const (
	// StateWaiting means the entry waits to be admitted
	StateWaiting State = "WAITING"
	// StateInProgress means the entry has been admitted and is being worked on
	StateInProgress State = "IN_PROGRESS"
)

// record is implemented by every entry type stored in a fifo
type record interface {
	entryID() int64
	setEntryID(id int64)
	entryState() State
	setEntryState(s State)
	setTimeOfEntry(t time.Time)
}

// pointer constrains P to be a pointer to T that implements record
type pointer[T any] interface {
	*T
	record
}

// fifo stores JSON records and keeps their ids in Redis lists. One fifo may
// serve many lists (one per sink for the job queue).
type fifo[T any, P pointer[T]] struct {
	log    logrus.FieldLogger
	client *redis.Client
	prefix string
}

func newFifo[T any, P pointer[T]](log logrus.FieldLogger, client *redis.Client, prefix, name string) fifo[T, P] {
	if prefix == "" {
		prefix = "cds"
	}

	return fifo[T, P]{
		log:    log,
		client: client,
		prefix: prefix + ":queue:" + name + ":",
	}
}

func (f *fifo[T, P]) entryKey(id int64) string {
	return f.prefix + "entry:" + strconv.FormatInt(id, 10)
}

func (f *fifo[T, P]) inProgressKey() string {
	return f.prefix + "in_progress"
}

func (f *fifo[T, P]) seqKey() string {
	return f.prefix + "seq"
}

func (f *fifo[T, P]) transact(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := f.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}

		f.log.WithField("attempt", attempt+1).Debug("Queue transaction conflicted, retrying")
	}

	return ErrTooMuchContention
}

// add assigns an id, marks the record waiting and appends it to list.
// extra runs inside the same MULTI/EXEC.
func (f *fifo[T, P]) add(ctx context.Context, list string, e P, extra func(pipe redis.Pipeliner)) error {
	id, err := f.client.Incr(ctx, f.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate queue entry id: %w", err)
	}

	e.setEntryID(id)
	e.setEntryState(StateWaiting)
	e.setTimeOfEntry(time.Now().UTC())

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode queue entry: %w", err)
	}

	_, err = f.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, f.entryKey(id), data, 0)
		pipe.RPush(ctx, list, id)

		if extra != nil {
			extra(pipe)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue entry %d: %w", id, err)
	}

	return nil
}

// seizeHead flips the head of list to IN_PROGRESS if it is WAITING. It
// returns nil when the list is empty or its head is already in progress.
func (f *fifo[T, P]) seizeHead(ctx context.Context, list string) (P, error) {
	var seized P

	err := f.transact(ctx, func(tx *redis.Tx) error {
		seized = nil

		head, err := tx.LIndex(ctx, list, 0).Int64()
		if errors.Is(err, redis.Nil) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("failed to read queue head: %w", err)
		}

		if err := tx.Watch(ctx, f.entryKey(head)).Err(); err != nil {
			return err
		}

		e, err := f.load(ctx, tx, head)
		if errors.Is(err, ErrEntryNotFound) {
			// removed between LINDEX and WATCH; the list changed too
			return redis.TxFailedErr
		}

		if err != nil {
			return err
		}

		if e.entryState() != StateWaiting {
			return nil
		}

		e.setEntryState(StateInProgress)

		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode queue entry: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, f.entryKey(head), data, 0)
			pipe.SAdd(ctx, f.inProgressKey(), head)

			return nil
		})
		if err != nil {
			return err
		}

		seized = e

		return nil
	}, list)

	return seized, err
}

// remove deletes the record and drops it from list. empty runs inside the
// same MULTI/EXEC when list becomes empty.
func (f *fifo[T, P]) remove(ctx context.Context, id int64, listOf func(P) string, empty func(pipe redis.Pipeliner, e P)) error {
	entryKey := f.entryKey(id)

	return f.transact(ctx, func(tx *redis.Tx) error {
		e, err := f.load(ctx, tx, id)
		if err != nil {
			return err
		}

		list := listOf(e)

		if err := tx.Watch(ctx, list).Err(); err != nil {
			return err
		}

		length, err := tx.LLen(ctx, list).Result()
		if err != nil {
			return fmt.Errorf("failed to read queue length: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, list, 0, id)
			pipe.Del(ctx, entryKey)
			pipe.SRem(ctx, f.inProgressKey(), id)

			if empty != nil && length <= 1 {
				empty(pipe, e)
			}

			return nil
		})

		return err
	}, entryKey)
}

// reset forces the record back to WAITING
func (f *fifo[T, P]) reset(ctx context.Context, id int64) (P, error) {
	entryKey := f.entryKey(id)

	var updated P

	err := f.transact(ctx, func(tx *redis.Tx) error {
		e, err := f.load(ctx, tx, id)
		if err != nil {
			return err
		}

		e.setEntryState(StateWaiting)

		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode queue entry: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, entryKey, data, 0)
			pipe.SRem(ctx, f.inProgressKey(), id)

			return nil
		})
		if err != nil {
			return err
		}

		updated = e

		return nil
	}, entryKey)

	return updated, err
}

func (f *fifo[T, P]) get(ctx context.Context, id int64) (P, error) {
	return f.load(ctx, f.client, id)
}

// inProgress returns the admitted records ordered by id
func (f *fifo[T, P]) inProgress(ctx context.Context) ([]P, error) {
	members, err := f.client.SMembers(ctx, f.inProgressKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list in-progress entries: %w", err)
	}

	ids := make([]int64, 0, len(members))

	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: id %q", ErrInvalidEntry, m)
		}

		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return f.loadAll(ctx, ids)
}

// resetInProgress puts every admitted record back to WAITING
func (f *fifo[T, P]) resetInProgress(ctx context.Context) (int, error) {
	entries, err := f.inProgress(ctx)
	if err != nil {
		return 0, err
	}

	for _, e := range entries {
		if _, err := f.reset(ctx, e.entryID()); err != nil && !errors.Is(err, ErrEntryNotFound) {
			return 0, err
		}
	}

	return len(entries), nil
}

// list returns the records of list in FIFO order
func (f *fifo[T, P]) list(ctx context.Context, list string) ([]P, error) {
	ids, err := f.client.LRange(ctx, list, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}

	parsed := make([]int64, 0, len(ids))

	for _, v := range ids {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: id %q", ErrInvalidEntry, v)
		}

		parsed = append(parsed, id)
	}

	return f.loadAll(ctx, parsed)
}

// loadAll loads records, skipping ones removed concurrently
func (f *fifo[T, P]) loadAll(ctx context.Context, ids []int64) ([]P, error) {
	entries := make([]P, 0, len(ids))

	for _, id := range ids {
		e, err := f.get(ctx, id)
		if errors.Is(err, ErrEntryNotFound) {
			continue
		}

		if err != nil {
			return nil, err
		}

		entries = append(entries, e)
	}

	return entries, nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (f *fifo[T, P]) load(ctx context.Context, c getter, id int64) (P, error) {
	data, err := c.Get(ctx, f.entryKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %d", ErrEntryNotFound, id)
		}

		return nil, fmt.Errorf("failed to get queue entry %d: %w", id, err)
	}

	var e T
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode queue entry %d: %w", id, err)
	}

	return P(&e), nil
}
