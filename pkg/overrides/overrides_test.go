package overrides

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/cds/internal/testutil"
	"github.com/ethpandaops/cds/pkg/admission"
)

type recordingApplier struct {
	mu      sync.Mutex
	applied []admission.Override
}

func (r *recordingApplier) Apply(o admission.Override) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.applied = append(r.applied, o)

	return nil
}

func (r *recordingApplier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.applied)
}

func TestOverrideBroadcast(t *testing.T) {
	ctx := context.Background()
	_, client := testutil.NewMiniredisClient(t)
	log := testutil.NewLogger(t)

	controller, err := admission.NewController(log, admission.Config{
		MaxQueuedProcessing:    10,
		MaxQueuedDelivering:    10,
		TransitionToDirectMark: 2,
		BulkBatchLimit:         5,
	})
	require.NoError(t, err)

	first := NewSubscriber(log, client, "test", controller)
	require.NoError(t, first.Start(ctx))

	defer first.Stop()

	second := &recordingApplier{}
	other := NewSubscriber(log, client, "test", second)
	require.NoError(t, other.Start(ctx))

	defer other.Stop()

	publisher := NewPublisher(log, client, "test")
	require.NoError(t, publisher.PublishOverride(ctx, admission.Override{SinkID: 4, Mode: admission.ModeBulk}))

	assert.Eventually(t, func() bool {
		return controller.Mode(4, admission.PhaseProcessing) == admission.ModeBulk &&
			controller.Mode(4, admission.PhaseDelivering) == admission.ModeBulk
	}, 2*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool { return second.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSubscriberIgnoresBadMessages(t *testing.T) {
	ctx := context.Background()
	_, client := testutil.NewMiniredisClient(t)
	log := testutil.NewLogger(t)

	applier := &recordingApplier{}
	sub := NewSubscriber(log, client, "test", applier)
	require.NoError(t, sub.Start(ctx))

	require.NoError(t, client.Publish(ctx, Channel("test"), "not json").Err())
	require.NoError(t, NewPublisher(log, client, "test").PublishOverride(ctx, admission.Override{SinkID: 1, Mode: admission.ModeTransitionToDirect}))

	assert.Eventually(t, func() bool { return applier.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, sub.Stop())
	require.NoError(t, sub.Stop())
}

func TestPublishRequiresSink(t *testing.T) {
	_, client := testutil.NewMiniredisClient(t)

	err := NewPublisher(testutil.NewLogger(t), client, "test").PublishOverride(context.Background(), admission.Override{Mode: admission.ModeBulk})
	assert.ErrorIs(t, err, ErrInvalidOverride)
	assert.Equal(t, "cds:admission:overrides", Channel(""))
}
