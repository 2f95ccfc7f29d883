package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultMaxRetries bounds how often an optimistic transaction is retried
const DefaultMaxRetries = 16

// recentPageSize is how many match index members are read per round trip
const recentPageSize = 16

// Resolver picks the predecessors of a new entry from the candidates sharing a match key
type Resolver func(candidates []*Entry) ([]Key, error)

// Mutator modifies an entry in place. Returning ErrNoChange leaves the stored entry untouched.
type Mutator func(entry *Entry) error

// Reconciler modifies an entry in place given its predecessors, read in the
// same transaction as the entry. Returning ErrNoChange leaves it untouched.
type Reconciler func(entry *Entry, preds []*Entry) error

// Guard inspects an entry before it is deleted. Returning an error aborts the delete.
type Guard func(entry *Entry) error

// Store persists tracking entries and their indexes
type Store interface {
	// Insert atomically selects predecessors through resolve and writes the new entry
	Insert(ctx context.Context, entry *Entry, resolve Resolver) error
	// Get returns the entry for key or ErrEntryNotFound
	Get(ctx context.Context, key Key) (*Entry, error)
	// GetMany returns the entries found for keys and the keys that are not tracked
	GetMany(ctx context.Context, keys []Key) ([]*Entry, []Key, error)
	// Update applies mutate to the entry in an optimistic read-modify-write
	Update(ctx context.Context, key Key, mutate Mutator) (*Entry, error)
	// Reconcile is Update with the entry's predecessors and the inherit keys
	// loaded and watched in the same transaction. Retired inherited entries
	// contribute their own predecessors too. A predecessor the entry still
	// waits on that is not tracked is ErrConsistency; inherited keys that are
	// not tracked are left out.
	Reconcile(ctx context.Context, key Key, inherit []Key, reconcile Reconciler) (*Entry, error)
	// Delete removes the entry once guard approves it
	Delete(ctx context.Context, key Key, guard Guard) error

	// FindChunksToWaitFor returns the most recent non-retired entries of the
	// sink per shared match key. Older entries an already selected one waits
	// on are not returned.
	FindChunksToWaitFor(ctx context.Context, sinkID int64, matchKeys []string) ([]Key, error)
	// FindWaiters returns the keys whose waiting-on set contains key
	FindWaiters(ctx context.Context, key Key) ([]Key, error)
	// ListByStatus returns up to limit non-retired entries ordered by priority and scheduling order
	ListByStatus(ctx context.Context, sinkID int64, status Status, limit int64) ([]*Entry, error)
	// CountByStatus counts non-retired entries of a sink in status
	CountByStatus(ctx context.Context, sinkID int64, status Status) (int64, error)
	// JobKeys returns every tracked key of a job
	JobKeys(ctx context.Context, jobID int64) ([]Key, error)
	// Sinks returns every sink that has had tracked chunks
	Sinks(ctx context.Context) ([]int64, error)
	// NextSequence returns the next global scheduling sequence number
	NextSequence(ctx context.Context) (int64, error)
}

// reader is the read surface shared by *redis.Client and *redis.Tx
type reader interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
	ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) *redis.ZSliceCmd
}

// RedisStore implements Store on top of Redis using WATCH/MULTI transactions
type RedisStore struct {
	log        logrus.FieldLogger
	client     *redis.Client
	keys       keyspace
	maxRetries int
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed tracking store
func NewRedisStore(log logrus.FieldLogger, client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		log:        log.WithField("component", "tracking_store"),
		client:     client,
		keys:       newKeyspace(prefix),
		maxRetries: DefaultMaxRetries,
	}
}

// transact runs fn under WATCH of keys and retries when a watched key changed
func (s *RedisStore) transact(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}

		s.log.WithField("attempt", attempt+1).Debug("Tracking transaction conflicted, retrying")
	}

	return ErrTooMuchContention
}

// Insert implements Store
func (s *RedisStore) Insert(ctx context.Context, entry *Entry, resolve Resolver) error {
	entryKey := s.keys.entry(entry.Key)
	matchSets := s.keys.matches(entry.SinkID, entry.MatchKeys)
	watched := append([]string{entryKey}, matchSets...)

	return s.transact(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, entryKey).Result()
		if err != nil {
			return fmt.Errorf("failed to check entry %s: %w", entry.Key, err)
		}

		if exists > 0 {
			return ErrEntryExists
		}

		candidates, walked, tops, err := s.recent(ctx, tx, entry.SinkID, entry.MatchKeys, func(keys ...string) error {
			return tx.Watch(ctx, keys...).Err()
		})
		if err != nil {
			return err
		}

		waitingOn, err := resolve(candidates)
		if err != nil {
			return err
		}

		created := entry.Clone()
		created.Retired = false
		created.WaitingOn = SortKeys(slices.DeleteFunc(slices.Clone(waitingOn), func(k Key) bool {
			return k == entry.Key
		}))
		created.Chained = chainedKeys(created, candidates, walked)

		data, err := json.Marshal(created)
		if err != nil {
			return fmt.Errorf("failed to encode entry %s: %w", entry.Key, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, entryKey, data, 0)
			pipe.SAdd(ctx, s.keys.job(created.Key.JobID), created.Key.String())
			pipe.SAdd(ctx, s.keys.sinks(), strconv.FormatInt(created.SinkID, 10))

			// match sets are ordered by insertion, which may differ from seq order
			for _, set := range matchSets {
				pipe.ZAdd(ctx, set, redis.Z{Score: tops[set] + 1, Member: created.Key.String()})
			}

			s.writeIndexes(ctx, pipe, nil, created)

			return nil
		})
		if err != nil {
			return err
		}

		entry.WaitingOn = created.WaitingOn
		entry.Chained = created.Chained

		return nil
	}, watched...)
}

// Get implements Store
func (s *RedisStore) Get(ctx context.Context, key Key) (*Entry, error) {
	return s.load(ctx, s.client, key)
}

// GetMany implements Store
func (s *RedisStore) GetMany(ctx context.Context, keys []Key) ([]*Entry, []Key, error) {
	return s.loadMany(ctx, s.client, keys)
}

// Update implements Store
func (s *RedisStore) Update(ctx context.Context, key Key, mutate Mutator) (*Entry, error) {
	var updated *Entry

	err := s.transact(ctx, func(tx *redis.Tx) error {
		before, err := s.load(ctx, tx, key)
		if err != nil {
			return err
		}

		after := before.Clone()
		if err := mutate(after); err != nil {
			return err
		}

		updated, err = s.commit(ctx, tx, before, after)

		return err
	}, s.keys.entry(key))
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// Reconcile implements Store
func (s *RedisStore) Reconcile(ctx context.Context, key Key, inherit []Key, reconcile Reconciler) (*Entry, error) {
	var updated *Entry

	err := s.transact(ctx, func(tx *redis.Tx) error {
		raw, before, err := s.loadRaw(ctx, tx, key)
		if err != nil {
			return err
		}

		preds, missing, err := s.loadPredecessors(ctx, tx, before, inherit)
		if err != nil {
			return err
		}

		// The entry was watched before its predecessors were. If it moved on
		// in between, the predecessors read may not match it.
		if len(preds) > 0 || len(missing) > 0 {
			again, _, err := s.loadRaw(ctx, tx, key)
			if err != nil {
				return err
			}

			if !bytes.Equal(raw, again) {
				return redis.TxFailedErr
			}
		}

		for _, k := range missing {
			if before.IsWaitingOn(k) {
				return fmt.Errorf("%w: %s waits on untracked chunk %s", ErrConsistency, key, k)
			}
		}

		after := before.Clone()
		if err := reconcile(after, preds); err != nil {
			return err
		}

		updated, err = s.commit(ctx, tx, before, after)

		return err
	}, s.keys.entry(key))
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// loadPredecessors watches and loads the entry's predecessors and the inherit
// keys. Retired inherited entries hand over their own predecessors in turn.
func (s *RedisStore) loadPredecessors(ctx context.Context, tx *redis.Tx, entry *Entry, inherit []Key) ([]*Entry, []Key, error) {
	seen := map[Key]struct{}{entry.Key: {}}

	var (
		preds   []*Entry
		missing []Key
	)

	next := append(slices.Clone(entry.WaitingOn), inherit...)

	for len(next) > 0 {
		batch := make([]Key, 0, len(next))

		for _, k := range next {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				batch = append(batch, k)
			}
		}

		next = nil

		if len(batch) == 0 {
			break
		}

		if err := tx.Watch(ctx, s.entryKeys(batch)...).Err(); err != nil {
			return nil, nil, fmt.Errorf("failed to watch predecessors of %s: %w", entry.Key, err)
		}

		found, gone, err := s.loadMany(ctx, tx, batch)
		if err != nil {
			return nil, nil, err
		}

		missing = append(missing, gone...)

		for _, p := range found {
			preds = append(preds, p)

			if p.Retired && !entry.IsWaitingOn(p.Key) {
				next = append(next, p.WaitingOn...)
			}
		}
	}

	slices.SortFunc(preds, func(a, b *Entry) int { return a.Key.Compare(b.Key) })

	return preds, SortKeys(missing), nil
}

// commit writes after in place of before along with the index changes
func (s *RedisStore) commit(ctx context.Context, tx *redis.Tx, before, after *Entry) (*Entry, error) {
	key := before.Key

	// identity and index membership are fixed at insert; retiring is final
	after.Key = key
	after.SinkID = before.SinkID
	after.MatchKeys = before.MatchKeys
	after.Chained = before.Chained
	after.Retired = after.Retired || before.Retired
	after.WaitingOn = SortKeys(after.WaitingOn)

	if after.IsWaitingOn(key) {
		return nil, fmt.Errorf("%w: %s would wait on itself", ErrConsistency, key)
	}

	data, err := json.Marshal(after)
	if err != nil {
		return nil, fmt.Errorf("failed to encode entry %s: %w", key, err)
	}

	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.keys.entry(key), data, 0)
		s.writeIndexes(ctx, pipe, before, after)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return after, nil
}

// Delete implements Store
func (s *RedisStore) Delete(ctx context.Context, key Key, guard Guard) error {
	entryKey := s.keys.entry(key)

	return s.transact(ctx, func(tx *redis.Tx) error {
		before, err := s.load(ctx, tx, key)
		if err != nil {
			return err
		}

		if guard != nil {
			if err := guard(before); err != nil {
				return err
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, entryKey, s.keys.waiters(key))
			pipe.SRem(ctx, s.keys.job(key.JobID), key.String())
			s.writeIndexes(ctx, pipe, before, nil)

			return nil
		})

		return err
	}, entryKey)
}

// FindChunksToWaitFor implements Store
func (s *RedisStore) FindChunksToWaitFor(ctx context.Context, sinkID int64, matchKeys []string) ([]Key, error) {
	if len(matchKeys) == 0 {
		return nil, nil
	}

	entries, _, _, err := s.recent(ctx, s.client, sinkID, matchKeys, nil)
	if err != nil {
		return nil, err
	}

	keys := make([]Key, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key)
	}

	return keys, nil
}

// FindWaiters implements Store
func (s *RedisStore) FindWaiters(ctx context.Context, key Key) ([]Key, error) {
	members, err := s.client.SMembers(ctx, s.keys.waiters(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list waiters of %s: %w", key, err)
	}

	return parseKeys(members)
}

// ListByStatus implements Store
func (s *RedisStore) ListByStatus(ctx context.Context, sinkID int64, status Status, limit int64) ([]*Entry, error) {
	if limit <= 0 {
		return nil, nil
	}

	members, err := s.client.ZRange(ctx, s.keys.status(sinkID, status), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s entries of sink %d: %w", status, sinkID, err)
	}

	keys, err := parseKeys(members)
	if err != nil {
		return nil, err
	}

	found, _, err := s.loadMany(ctx, s.client, keys)
	if err != nil {
		return nil, err
	}

	// loadMany returns in key order; restore the index order.
	byKey := make(map[Key]*Entry, len(found))
	for _, e := range found {
		byKey[e.Key] = e
	}

	ordered := make([]*Entry, 0, len(found))

	for _, member := range members {
		k, _ := ParseKey(member)
		if e, ok := byKey[k]; ok {
			ordered = append(ordered, e)
		}
	}

	return ordered, nil
}

// CountByStatus implements Store
func (s *RedisStore) CountByStatus(ctx context.Context, sinkID int64, status Status) (int64, error) {
	n, err := s.client.ZCard(ctx, s.keys.status(sinkID, status)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count %s entries of sink %d: %w", status, sinkID, err)
	}

	return n, nil
}

// JobKeys implements Store
func (s *RedisStore) JobKeys(ctx context.Context, jobID int64) ([]Key, error) {
	members, err := s.client.SMembers(ctx, s.keys.job(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys of job %d: %w", jobID, err)
	}

	return parseKeys(members)
}

// Sinks implements Store
func (s *RedisStore) Sinks(ctx context.Context) ([]int64, error) {
	members, err := s.client.SMembers(ctx, s.keys.sinks()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sinks: %w", err)
	}

	sinks := make([]int64, 0, len(members))

	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			s.log.WithField("member", m).Warn("Ignoring malformed sink id")
			continue
		}

		sinks = append(sinks, id)
	}

	slices.Sort(sinks)

	return sinks, nil
}

// NextSequence implements Store
func (s *RedisStore) NextSequence(ctx context.Context) (int64, error) {
	seq, err := s.client.Incr(ctx, s.keys.seq()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate sequence: %w", err)
	}

	return seq, nil
}


// writeIndexes queues the index changes implied by moving from before to after.
// Either side may be nil for a create or a delete. Match sets are only ever
// left here; Insert joins them.
func (s *RedisStore) writeIndexes(ctx context.Context, pipe redis.Pipeliner, before, after *Entry) {
	member := ""
	if before != nil {
		member = before.Key.String()
	} else {
		member = after.Key.String()
	}

	// match sets hold live entries only
	for _, set := range difference(liveMatchSets(s.keys, before), liveMatchSets(s.keys, after)) {
		pipe.ZRem(ctx, set, member)
	}

	// reverse index
	var oldPreds, newPreds []string
	if before != nil {
		oldPreds = keyStrings(before.WaitingOn)
	}

	if after != nil {
		newPreds = keyStrings(after.WaitingOn)
	}

	for _, p := range difference(oldPreds, newPreds) {
		k, _ := ParseKey(p)
		pipe.SRem(ctx, s.keys.waiters(k), member)
	}

	for _, p := range difference(newPreds, oldPreds) {
		k, _ := ParseKey(p)
		pipe.SAdd(ctx, s.keys.waiters(k), member)
	}

	// status index
	if live(before) && (!live(after) || before.Status != after.Status || before.SinkID != after.SinkID) {
		pipe.ZRem(ctx, s.keys.status(before.SinkID, before.Status), member)
	}

	if live(after) {
		pipe.ZAdd(ctx, s.keys.status(after.SinkID, after.Status), redis.Z{
			Score:  statusScore(after.Priority, after.Seq),
			Member: member,
		})
	}
}

// recent walks the match set of every key from its newest member down and
// selects the live entries found. A walk ends after the first member chained
// on the key, since that member reaches every older one. Chunks scheduled
// through the analyzer chain on all their keys, so a walk normally stops after
// a single member. When watch is set, members are watched before they are
// read. It also returns the members walked per key and the top score of every
// non-empty set.
func (s *RedisStore) recent(
	ctx context.Context,
	c reader,
	sinkID int64,
	matchKeys []string,
	watch func(keys ...string) error,
) ([]*Entry, map[string][]Key, map[string]float64, error) {
	selected := make(map[Key]*Entry)
	walked := make(map[string][]Key, len(matchKeys))
	tops := make(map[string]float64, len(matchKeys))

	for _, mk := range matchKeys {
		set := s.keys.match(sinkID, mk)

	walk:
		for start := int64(0); ; start += recentPageSize {
			members, err := c.ZRevRangeWithScores(ctx, set, start, start+recentPageSize-1).Result()
			if err != nil {
				return nil, nil, nil, fmt.Errorf("failed to read match index: %w", err)
			}

			if start == 0 && len(members) > 0 {
				tops[set] = members[0].Score
			}

			for _, m := range members {
				member, _ := m.Member.(string)

				key, err := ParseKey(member)
				if err != nil {
					return nil, nil, nil, err
				}

				entry, ok := selected[key]
				if !ok {
					if watch != nil {
						if err := watch(s.keys.entry(key)); err != nil {
							return nil, nil, nil, fmt.Errorf("failed to watch candidate %s: %w", key, err)
						}
					}

					entry, err = s.load(ctx, c, key)
					if errors.Is(err, ErrEntryNotFound) {
						// deleted after the index read; a watched set fails the commit
						continue
					}

					if err != nil {
						return nil, nil, nil, err
					}

					if entry.Retired {
						continue
					}

					selected[key] = entry
				}

				walked[mk] = append(walked[mk], key)

				if slices.Contains(entry.Chained, mk) {
					break walk
				}
			}

			if len(members) < recentPageSize {
				break
			}
		}
	}

	keys := make([]Key, 0, len(selected))
	for k := range selected {
		keys = append(keys, k)
	}

	entries := make([]*Entry, 0, len(keys))
	for _, k := range SortKeys(keys) {
		entries = append(entries, selected[k])
	}

	return entries, walked, tops, nil
}

// chainedKeys returns the match keys on which entry reaches every walked
// member, following the waiting-on sets of the candidates.
func chainedKeys(entry *Entry, candidates []*Entry, walked map[string][]Key) []string {
	byKey := make(map[Key]*Entry, len(candidates))
	for _, c := range candidates {
		byKey[c.Key] = c
	}

	reached := make(map[Key]struct{})
	queue := slices.Clone(entry.WaitingOn)

	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]

		if _, ok := reached[k]; ok {
			continue
		}

		reached[k] = struct{}{}

		if c, ok := byKey[k]; ok {
			queue = append(queue, c.WaitingOn...)
		}
	}

	chained := make([]string, 0, len(entry.MatchKeys))

	for _, mk := range entry.MatchKeys {
		all := true

		for _, k := range walked[mk] {
			if _, ok := reached[k]; !ok {
				all = false
				break
			}
		}

		if all {
			chained = append(chained, mk)
		}
	}

	return chained
}

func (s *RedisStore) load(ctx context.Context, c reader, key Key) (*Entry, error) {
	_, entry, err := s.loadRaw(ctx, c, key)

	return entry, err
}

func (s *RedisStore) loadRaw(ctx context.Context, c reader, key Key) ([]byte, *Entry, error) {
	data, err := c.Get(ctx, s.keys.entry(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil, fmt.Errorf("%w: %s", ErrEntryNotFound, key)
		}

		return nil, nil, fmt.Errorf("failed to get entry %s: %w", key, err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, nil, fmt.Errorf("failed to decode entry %s: %w", key, err)
	}

	return data, &entry, nil
}

// loadMany fetches entries in one round trip. Found entries are returned in key order.
func (s *RedisStore) loadMany(ctx context.Context, c reader, keys []Key) ([]*Entry, []Key, error) {
	if len(keys) == 0 {
		return nil, nil, nil
	}

	keys = SortKeys(slices.Clone(keys))

	values, err := c.MGet(ctx, s.entryKeys(keys)...).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get entries: %w", err)
	}

	found := make([]*Entry, 0, len(keys))

	var missing []Key

	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			missing = append(missing, keys[i])
			continue
		}

		var entry Entry
		if err := json.Unmarshal([]byte(str), &entry); err != nil {
			return nil, nil, fmt.Errorf("failed to decode entry %s: %w", keys[i], err)
		}

		found = append(found, &entry)
	}

	return found, missing, nil
}

func (s *RedisStore) entryKeys(keys []Key) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.keys.entry(k))
	}

	return out
}

func live(e *Entry) bool {
	return e != nil && !e.Retired
}

func liveMatchSets(keys keyspace, e *Entry) []string {
	if !live(e) {
		return nil
	}

	return keys.matches(e.SinkID, e.MatchKeys)
}

func keyStrings(keys []Key) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.String())
	}

	return out
}

func parseKeys(members []string) ([]Key, error) {
	keys := make([]Key, 0, len(members))

	for _, m := range members {
		k, err := ParseKey(m)
		if err != nil {
			return nil, err
		}

		keys = append(keys, k)
	}

	return SortKeys(keys), nil
}

// difference returns the elements of a that are not in b
func difference(a, b []string) []string {
	var out []string

	for _, v := range a {
		if !slices.Contains(b, v) {
			out = append(out, v)
		}
	}

	return out
}
