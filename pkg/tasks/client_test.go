package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/cds/internal/testutil"
	"github.com/ethpandaops/cds/pkg/queue"
	"github.com/ethpandaops/cds/pkg/tracking"
)

type enqueued struct {
	task *asynq.Task
	opts []asynq.Option
}

type fakeEnqueuer struct {
	tasks []enqueued
	ids   map[string]bool
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}

	for _, o := range opts {
		if o.Type() != asynq.TaskIDOpt {
			continue
		}

		id, _ := o.Value().(string)
		if f.ids[id] {
			return nil, asynq.ErrTaskIDConflict
		}

		if f.ids == nil {
			f.ids = make(map[string]bool)
		}

		f.ids[id] = true
	}

	f.tasks = append(f.tasks, enqueued{task: task, opts: opts})

	return &asynq.TaskInfo{}, nil
}

func option(opts []asynq.Option, typ asynq.OptionType) any {
	for _, o := range opts {
		if o.Type() == typ {
			return o.Value()
		}
	}

	return nil
}

func testConfig() Config {
	return Config{
		Concurrency:     1,
		MaxRetry:        3,
		ProcessingQueue: "processing",
		DeliveryQueue:   "delivery",
		PartitionQueue:  "partition",
		RerunQueue:      "rerun",
		EventQueue:      "scheduler",
	}
}

func TestClientSendsChunks(t *testing.T) {
	ctx := context.Background()
	fake := &fakeEnqueuer{}
	client := NewClient(testutil.NewLogger(t), fake, testConfig())

	entry := &tracking.Entry{Key: tracking.NewKey(4, 2), SinkID: 9, Priority: 3}

	require.NoError(t, client.SendToProcessing(ctx, entry))
	require.NoError(t, client.SendToDelivery(ctx, entry))
	require.Len(t, fake.tasks, 2)

	processing := fake.tasks[0]
	assert.Equal(t, TypeChunkProcess, processing.task.Type())
	assert.Equal(t, "processing", option(processing.opts, asynq.QueueOpt))
	assert.Equal(t, "chunk:process:4:2", option(processing.opts, asynq.TaskIDOpt))
	assert.Equal(t, 3, option(processing.opts, asynq.MaxRetryOpt))

	var payload ChunkPayload
	require.NoError(t, json.Unmarshal(processing.task.Payload(), &payload))
	assert.Equal(t, entry.Key, payload.Key())
	assert.Equal(t, int64(9), payload.SinkID)
	assert.Equal(t, 3, payload.Priority)

	delivery := fake.tasks[1]
	assert.Equal(t, TypeChunkDeliver, delivery.task.Type())
	assert.Equal(t, "delivery", option(delivery.opts, asynq.QueueOpt))
}

func TestClientDeduplicates(t *testing.T) {
	ctx := context.Background()
	fake := &fakeEnqueuer{}
	client := NewClient(testutil.NewLogger(t), fake, testConfig())

	entry := &queue.JobEntry{ID: 12, JobID: 4, SinkID: 1, SplitterKind: "csv"}

	require.NoError(t, client.Partition(ctx, entry))
	require.NoError(t, client.Partition(ctx, entry), "already queued is not an error")
	require.Len(t, fake.tasks, 1)

	var payload JobPayload
	require.NoError(t, json.Unmarshal(fake.tasks[0].task.Payload(), &payload))
	assert.Equal(t, int64(12), payload.EntryID)
	assert.Equal(t, "csv", payload.SplitterKind)
	assert.Equal(t, "partition", option(fake.tasks[0].opts, asynq.QueueOpt))

	require.NoError(t, client.Rerun(ctx, &queue.RerunEntry{ID: 12, JobID: 4}))
	require.Len(t, fake.tasks, 2, "rerun ids are distinct from partition ids")
}

func TestClientSendFailure(t *testing.T) {
	fake := &fakeEnqueuer{err: errors.New("connection refused")}
	client := NewClient(testutil.NewLogger(t), fake, testConfig())

	err := client.SendToProcessing(context.Background(), &tracking.Entry{Key: tracking.NewKey(1, 1)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), TypeChunkProcess)
}

func TestConfigWithPrefix(t *testing.T) {
	cfg := testConfig().WithPrefix("cds")
	assert.Equal(t, "cds:processing", cfg.ProcessingQueue)
	assert.Equal(t, "cds:scheduler", cfg.EventQueue)
	require.NoError(t, cfg.Validate())

	cfg.EventQueue = ""
	require.ErrorIs(t, cfg.Validate(), ErrQueueNameRequired)
}
