package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/cds/internal/testutil"
	"github.com/ethpandaops/cds/pkg/admission"
	"github.com/ethpandaops/cds/pkg/tracking"
)

var errBrokerDown = errors.New("broker down")

type fakeSender struct {
	mu         sync.Mutex
	processing []tracking.Key
	delivery   []tracking.Key
	err        error
}

func (f *fakeSender) SendToProcessing(_ context.Context, entry *tracking.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}

	f.processing = append(f.processing, entry.Key)

	return nil
}

func (f *fakeSender) SendToDelivery(_ context.Context, entry *tracking.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}

	f.delivery = append(f.delivery, entry.Key)

	return nil
}

func (f *fakeSender) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.err = err
}

func (f *fakeSender) sent() (processing, delivery []tracking.Key) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]tracking.Key(nil), f.processing...), append([]tracking.Key(nil), f.delivery...)
}

type harness struct {
	svc        Service
	store      tracking.Store
	controller *admission.Controller
	sender     *fakeSender
}

func newHarness(t *testing.T, cfg admission.Config) *harness {
	t.Helper()

	_, client := testutil.NewMiniredisClient(t)
	log := testutil.NewLogger(t)

	controller, err := admission.NewController(log, cfg)
	require.NoError(t, err)

	store := tracking.NewRedisStore(log, client, "test")
	sender := &fakeSender{}

	return &harness{
		svc:        NewService(log, store, controller, sender),
		store:      store,
		controller: controller,
		sender:     sender,
	}
}

// racingStore runs interleave once inside the first reconcile of key, after
// the entry and its predecessors were read and before the write is committed
type racingStore struct {
	tracking.Store
	key        tracking.Key
	interleave func()
	fired      atomic.Bool
}

func (r *racingStore) Reconcile(ctx context.Context, key tracking.Key, inherit []tracking.Key, reconcile tracking.Reconciler) (*tracking.Entry, error) {
	if key != r.key {
		return r.Store.Reconcile(ctx, key, inherit, reconcile)
	}

	return r.Store.Reconcile(ctx, key, inherit, func(e *tracking.Entry, preds []*tracking.Entry) error {
		if r.fired.CompareAndSwap(false, true) {
			r.interleave()
		}

		return reconcile(e, preds)
	})
}

// racing rebuilds the service on a store that runs fn inside the first
// reconcile of key
func (h *harness) racing(t *testing.T, key tracking.Key, fn func()) *racingStore {
	t.Helper()

	racing := &racingStore{Store: h.store, key: key, interleave: fn}
	h.svc = NewService(testutil.NewLogger(t), racing, h.controller, h.sender)

	return racing
}

func defaultConfig() admission.Config {
	return admission.Config{
		MaxQueuedProcessing:    1000,
		MaxQueuedDelivering:    1000,
		TransitionToDirectMark: 50,
		BulkBatchLimit:         100,
	}
}

var testSink = &tracking.Sink{ID: 1, Name: "warehouse"} //nolint:gochecknoglobals // test fixture

func (h *harness) schedule(t *testing.T, jobID, chunkID int64, matchKeys ...string) *tracking.Entry {
	t.Helper()

	entry, err := h.svc.ScheduleChunk(context.Background(), &tracking.Chunk{
		JobID:     jobID,
		ChunkID:   chunkID,
		MatchKeys: matchKeys,
	}, testSink, 0)
	require.NoError(t, err)

	return entry
}

func (h *harness) status(t *testing.T, key tracking.Key) tracking.Status {
	t.Helper()

	entry, err := h.store.Get(context.Background(), key)
	require.NoError(t, err)

	return entry.Status
}

func TestScheduleChunk(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultConfig())

	entry := h.schedule(t, 1, 0, "a")
	assert.Empty(t, entry.WaitingOn)
	assert.Equal(t, tracking.StatusQueuedForProcessing, h.status(t, entry.Key))
	assert.Equal(t, int64(1), h.controller.Queued(testSink.ID, admission.PhaseProcessing))

	t.Run("duplicate schedule changes nothing", func(t *testing.T) {
		again := h.schedule(t, 1, 0, "a")
		assert.Equal(t, entry.Key, again.Key)
		assert.Equal(t, tracking.StatusQueuedForProcessing, again.Status)

		processing, _ := h.sender.sent()
		assert.Len(t, processing, 1)
		assert.Equal(t, int64(1), h.controller.Queued(testSink.ID, admission.PhaseProcessing))
	})

	t.Run("sharing a match key waits on the earlier chunk", func(t *testing.T) {
		later := h.schedule(t, 2, 0, "a")
		assert.Equal(t, []tracking.Key{entry.Key}, later.WaitingOn)
		assert.False(t, later.IsWaitingOn(later.Key))
	})

	t.Run("invalid input", func(t *testing.T) {
		_, err := h.svc.ScheduleChunk(ctx, nil, testSink, 0)
		require.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestChunkLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultConfig())

	a := h.schedule(t, 1, 0, "k")
	b := h.schedule(t, 2, 0, "k")
	require.Equal(t, []tracking.Key{a.Key}, b.WaitingOn)

	require.NoError(t, h.svc.ChunkProcessingDone(ctx, b.Key))
	assert.Equal(t, tracking.StatusBlocked, h.status(t, b.Key))

	require.NoError(t, h.svc.ChunkProcessingDone(ctx, a.Key))
	assert.Equal(t, tracking.StatusQueuedForDelivery, h.status(t, a.Key))
	assert.Equal(t, int64(0), h.controller.Queued(testSink.ID, admission.PhaseProcessing))
	assert.Equal(t, int64(1), h.controller.Queued(testSink.ID, admission.PhaseDelivering))

	require.NoError(t, h.svc.ChunkDeliveringDone(ctx, a.Key))

	_, err := h.store.Get(ctx, a.Key)
	require.ErrorIs(t, err, tracking.ErrEntryNotFound)

	released, err := h.store.Get(ctx, b.Key)
	require.NoError(t, err)
	assert.Empty(t, released.WaitingOn)
	assert.Equal(t, tracking.StatusQueuedForDelivery, released.Status)

	_, delivery := h.sender.sent()
	assert.Equal(t, []tracking.Key{a.Key, b.Key}, delivery)
	assert.Equal(t, int64(1), h.controller.Queued(testSink.ID, admission.PhaseDelivering))

	require.NoError(t, h.svc.ChunkDeliveringDone(ctx, b.Key))
	assert.Equal(t, int64(0), h.controller.Queued(testSink.ID, admission.PhaseDelivering))
}

func TestDuplicateSignalsNeverRelease(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultConfig())

	a := h.schedule(t, 1, 0)
	h.schedule(t, 1, 1)
	require.Equal(t, int64(2), h.controller.Queued(testSink.ID, admission.PhaseProcessing))

	require.NoError(t, h.svc.ChunkProcessingDone(ctx, a.Key))
	require.NoError(t, h.svc.ChunkProcessingDone(ctx, a.Key))
	assert.Equal(t, int64(1), h.controller.Queued(testSink.ID, admission.PhaseProcessing))

	require.NoError(t, h.svc.ChunkDeliveringDone(ctx, a.Key))
	require.NoError(t, h.svc.ChunkDeliveringDone(ctx, a.Key))
	assert.Equal(t, int64(0), h.controller.Queued(testSink.ID, admission.PhaseDelivering))

	// unknown chunks are ignored
	require.NoError(t, h.svc.ChunkProcessingDone(ctx, tracking.NewKey(9, 9)))
	require.NoError(t, h.svc.ChunkDeliveringDone(ctx, tracking.NewKey(9, 9)))
	assert.Equal(t, int64(1), h.controller.Queued(testSink.ID, admission.PhaseProcessing))
}

func TestInterruptedDeliveryResumes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultConfig())

	a := h.schedule(t, 1, 0, "k")
	b := h.schedule(t, 2, 0, "k")

	require.NoError(t, h.svc.ChunkProcessingDone(ctx, b.Key))
	require.NoError(t, h.svc.ChunkProcessingDone(ctx, a.Key))

	// simulate a crash between retiring the entry and releasing its waiters
	_, err := h.store.Update(ctx, a.Key, func(e *tracking.Entry) error {
		e.Retired = true
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, h.svc.ChunkDeliveringDone(ctx, a.Key))
	assert.Equal(t, tracking.StatusQueuedForDelivery, h.status(t, b.Key))

	_, err = h.store.Get(ctx, a.Key)
	require.ErrorIs(t, err, tracking.ErrEntryNotFound)
}

func TestReleaseRacingAnotherPredecessorDelivery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultConfig())

	x := h.schedule(t, 1, 0, "a")
	z := h.schedule(t, 2, 0, "b")
	w := h.schedule(t, 3, 0, "a", "b")
	require.Equal(t, []tracking.Key{x.Key, z.Key}, w.WaitingOn)

	require.NoError(t, h.svc.ChunkProcessingDone(ctx, x.Key))
	require.NoError(t, h.svc.ChunkProcessingDone(ctx, z.Key))
	require.NoError(t, h.svc.ChunkProcessingDone(ctx, w.Key))
	require.Equal(t, tracking.StatusBlocked, h.status(t, w.Key))

	// z completes while x's release of w is between its reads and its write
	racing := h.racing(t, w.Key, func() {
		assert.NoError(t, h.svc.ChunkDeliveringDone(ctx, z.Key))
	})

	require.NoError(t, h.svc.ChunkDeliveringDone(ctx, x.Key))
	require.True(t, racing.fired.Load())

	released, err := h.store.Get(ctx, w.Key)
	require.NoError(t, err)
	assert.Empty(t, released.WaitingOn)
	assert.Equal(t, tracking.StatusQueuedForDelivery, released.Status)

	for _, k := range []tracking.Key{x.Key, z.Key} {
		_, err := h.store.Get(ctx, k)
		assert.ErrorIs(t, err, tracking.ErrEntryNotFound)
	}
}

func TestProcessingDoneRacingPredecessorDelivery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultConfig())

	x := h.schedule(t, 1, 0, "a")
	w := h.schedule(t, 2, 0, "a")
	require.NoError(t, h.svc.ChunkProcessingDone(ctx, x.Key))
	require.Equal(t, tracking.StatusQueuedForDelivery, h.status(t, x.Key))

	// a chunk whose first submission failed waits for the next free slot
	h.sender.fail(errBrokerDown)
	stalled := h.schedule(t, 3, 0)
	h.sender.fail(nil)
	require.Equal(t, tracking.StatusReadyForProcessing, h.status(t, stalled.Key))

	racing := h.racing(t, w.Key, func() {
		assert.NoError(t, h.svc.ChunkDeliveringDone(ctx, x.Key))
	})

	require.NoError(t, h.svc.ChunkProcessingDone(ctx, w.Key))
	require.True(t, racing.fired.Load())

	assert.Equal(t, tracking.StatusQueuedForDelivery, h.status(t, w.Key))
	assert.Equal(t, tracking.StatusQueuedForProcessing, h.status(t, stalled.Key))
}

func TestParallelPredecessorCompletion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultConfig())

	matchKeys := []string{"a", "b", "c", "d"}
	preds := make([]tracking.Key, 0, len(matchKeys))

	for i, mk := range matchKeys {
		e := h.schedule(t, int64(i+1), 0, mk)
		require.NoError(t, h.svc.ChunkProcessingDone(ctx, e.Key))
		require.Equal(t, tracking.StatusQueuedForDelivery, h.status(t, e.Key))

		preds = append(preds, e.Key)
	}

	w := h.schedule(t, 9, 0, matchKeys...)
	require.Equal(t, preds, w.WaitingOn)
	require.NoError(t, h.svc.ChunkProcessingDone(ctx, w.Key))
	require.Equal(t, tracking.StatusBlocked, h.status(t, w.Key))

	var g errgroup.Group

	for _, k := range preds {
		g.Go(func() error {
			return h.svc.ChunkDeliveringDone(ctx, k)
		})
	}

	require.NoError(t, g.Wait())

	released, err := h.store.Get(ctx, w.Key)
	require.NoError(t, err)
	assert.Empty(t, released.WaitingOn)
	assert.Equal(t, tracking.StatusQueuedForDelivery, released.Status)

	for _, k := range preds {
		_, err := h.store.Get(ctx, k)
		assert.ErrorIs(t, err, tracking.ErrEntryNotFound)
	}

	_, delivery := h.sender.sent()
	assert.Contains(t, delivery, w.Key)
	assert.Equal(t, int64(1), h.controller.Queued(testSink.ID, admission.PhaseDelivering))
}

func TestAbortJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultConfig())

	a := h.schedule(t, 1, 0, "k")
	b := h.schedule(t, 2, 0, "k")
	c := h.schedule(t, 3, 0, "k")
	require.Equal(t, []tracking.Key{b.Key}, c.WaitingOn)

	waiting, err := h.svc.FindChunksWaitingForMe(ctx, a.Key)
	require.NoError(t, err)
	assert.Equal(t, []tracking.Key{b.Key, c.Key}, waiting)

	require.Equal(t, int64(3), h.controller.Queued(testSink.ID, admission.PhaseProcessing))

	removed, err := h.svc.AbortJob(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	inherited, err := h.store.Get(ctx, c.Key)
	require.NoError(t, err)
	assert.Equal(t, []tracking.Key{a.Key}, inherited.WaitingOn)
	assert.Equal(t, int64(2), h.controller.Queued(testSink.ID, admission.PhaseProcessing))

	removed, err = h.svc.AbortJob(ctx, 2)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestAbortJobKeepsOrderThroughRetiredPredecessors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultConfig())

	p := h.schedule(t, 1, 0, "k")
	r := h.schedule(t, 2, 1, "k")
	x := h.schedule(t, 2, 0, "k")
	w := h.schedule(t, 3, 0, "k")
	require.Equal(t, []tracking.Key{r.Key}, x.WaitingOn)
	require.Equal(t, []tracking.Key{x.Key}, w.WaitingOn)

	// job 2 is removed in key order, so w inherits r after r was retired
	removed, err := h.svc.AbortJob(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	inherited, err := h.store.Get(ctx, w.Key)
	require.NoError(t, err)
	assert.Equal(t, []tracking.Key{p.Key}, inherited.WaitingOn)
}

func TestAbortJobReleasesBlockedWaiters(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultConfig())

	a := h.schedule(t, 1, 0, "k")
	b := h.schedule(t, 2, 0, "k")

	require.NoError(t, h.svc.ChunkProcessingDone(ctx, b.Key))
	require.Equal(t, tracking.StatusBlocked, h.status(t, b.Key))

	removed, err := h.svc.AbortJob(ctx, a.Key.JobID)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	assert.Equal(t, tracking.StatusQueuedForDelivery, h.status(t, b.Key))
}

func TestSendFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultConfig())

	h.sender.fail(errBrokerDown)

	entry := h.schedule(t, 1, 0)
	assert.Equal(t, tracking.StatusReadyForProcessing, h.status(t, entry.Key))
	assert.Equal(t, int64(0), h.controller.Queued(testSink.ID, admission.PhaseProcessing))

	h.sender.fail(nil)

	submitted, err := h.svc.Sweep(ctx, testSink.ID, admission.PhaseProcessing)
	require.NoError(t, err)
	assert.Equal(t, 1, submitted)
	assert.Equal(t, tracking.StatusQueuedForProcessing, h.status(t, entry.Key))
	assert.Equal(t, int64(1), h.controller.Queued(testSink.ID, admission.PhaseProcessing))
}

func TestBulkSweep(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, admission.Config{
		MaxQueuedProcessing:    2,
		MaxQueuedDelivering:    100,
		TransitionToDirectMark: 1,
		BulkBatchLimit:         10,
	})

	entries := make([]*tracking.Entry, 0, 4)
	for i := range int64(4) {
		entries = append(entries, h.schedule(t, i+1, 0))
	}

	assert.Equal(t, admission.ModeBulk, h.controller.Mode(testSink.ID, admission.PhaseProcessing))
	assert.Equal(t, tracking.StatusReadyForProcessing, h.status(t, entries[2].Key))
	assert.Equal(t, tracking.StatusReadyForProcessing, h.status(t, entries[3].Key))

	submitted, err := h.svc.Sweep(ctx, testSink.ID, admission.PhaseProcessing)
	require.NoError(t, err)
	assert.Zero(t, submitted, "queue is full")

	require.NoError(t, h.svc.ChunkProcessingDone(ctx, entries[0].Key))
	require.NoError(t, h.svc.ChunkProcessingDone(ctx, entries[1].Key))
	assert.Equal(t, int64(0), h.controller.Queued(testSink.ID, admission.PhaseProcessing))

	submitted, err = h.svc.Sweep(ctx, testSink.ID, admission.PhaseProcessing)
	require.NoError(t, err)
	assert.Equal(t, 2, submitted)
	assert.Equal(t, tracking.StatusQueuedForProcessing, h.status(t, entries[2].Key))
	assert.Equal(t, admission.ModeBulk, h.controller.Mode(testSink.ID, admission.PhaseProcessing))

	require.NoError(t, h.svc.ChunkProcessingDone(ctx, entries[2].Key))
	require.NoError(t, h.svc.ChunkProcessingDone(ctx, entries[3].Key))

	_, err = h.svc.Sweep(ctx, testSink.ID, admission.PhaseProcessing)
	require.NoError(t, err)
	assert.Equal(t, admission.ModeTransitionToDirect, h.controller.Mode(testSink.ID, admission.PhaseProcessing))

	require.NoError(t, h.svc.SweepAll(ctx))
	assert.Equal(t, admission.ModeDirect, h.controller.Mode(testSink.ID, admission.PhaseProcessing))
}

func TestResyncCounters(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultConfig())

	h.schedule(t, 1, 0)
	h.schedule(t, 1, 1)

	h.controller.SetQueued(testSink.ID, admission.PhaseProcessing, 40)
	h.controller.SetQueued(testSink.ID, admission.PhaseDelivering, 7)

	require.NoError(t, h.svc.ResyncCounters(ctx))
	assert.Equal(t, int64(2), h.controller.Queued(testSink.ID, admission.PhaseProcessing))
	assert.Equal(t, int64(0), h.controller.Queued(testSink.ID, admission.PhaseDelivering))
}
