package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/cds/internal/testutil"
	"github.com/ethpandaops/cds/pkg/scheduler"
	"github.com/ethpandaops/cds/pkg/tracking"
)

var errSinkRejected = errors.New("sink rejected")

type fakeScheduler struct {
	scheduled []*tracking.Chunk
	sinks     []*tracking.Sink
	processed []tracking.Key
	delivered []tracking.Key
	err       error
}

func (f *fakeScheduler) ScheduleChunk(_ context.Context, chunk *tracking.Chunk, sink *tracking.Sink, _ int) (*tracking.Entry, error) {
	f.scheduled = append(f.scheduled, chunk)
	f.sinks = append(f.sinks, sink)

	return &tracking.Entry{Key: chunk.Key()}, f.err
}

func (f *fakeScheduler) ChunkProcessingDone(_ context.Context, key tracking.Key) error {
	f.processed = append(f.processed, key)
	return f.err
}

func (f *fakeScheduler) ChunkDeliveringDone(_ context.Context, key tracking.Key) error {
	f.delivered = append(f.delivered, key)
	return f.err
}

type fakeAdmission struct {
	partitioned []int64
	rerun       []int64
}

func (f *fakeAdmission) PartitioningDone(_ context.Context, id int64) error {
	f.partitioned = append(f.partitioned, id)
	return nil
}

func (f *fakeAdmission) RerunDone(_ context.Context, id int64) error {
	f.rerun = append(f.rerun, id)
	return nil
}

// fakeSinks records resolved definitions and fails for names listed in reject
type fakeSinks struct {
	resolved []*tracking.Sink
	reject   string
}

func (f *fakeSinks) ResolveSink(_ context.Context, sink *tracking.Sink) (*tracking.Sink, error) {
	if sink.Name == f.reject {
		return nil, fmt.Errorf("%w: %s", errSinkRejected, sink.Name)
	}

	f.resolved = append(f.resolved, sink)

	return sink, nil
}

func newTask(t *testing.T, taskType string, payload any) *asynq.Task {
	t.Helper()

	data, err := json.Marshal(payload)
	require.NoError(t, err)

	return asynq.NewTask(taskType, data)
}

func newTestHandler(t *testing.T) (*Handler, *fakeScheduler, *fakeAdmission) {
	t.Helper()

	chunks := &fakeScheduler{}
	admission := &fakeAdmission{}
	sinks := &fakeSinks{reject: "broken"}

	return NewHandler(testutil.NewLogger(t), chunks, admission, sinks), chunks, admission
}

func TestHandlerRoutes(t *testing.T) {
	ctx := context.Background()
	handler, chunks, admission := newTestHandler(t)
	routes := handler.Routes()

	require.Len(t, routes, 5)

	require.NoError(t, routes[TypeChunkPartitioned](ctx, newTask(t, TypeChunkPartitioned, ChunkPartitionedPayload{
		JobID: 1, ChunkID: 2, SinkID: 3, MatchKeys: []string{"a"},
		Sink: &tracking.Sink{Name: "warehouse", StrictOrdering: true},
	})))
	require.Len(t, chunks.scheduled, 1)
	assert.Equal(t, tracking.NewKey(1, 2), chunks.scheduled[0].Key())
	assert.Equal(t, []string{"a"}, chunks.scheduled[0].MatchKeys)
	assert.True(t, chunks.sinks[0].StrictOrdering)
	assert.Equal(t, int64(3), chunks.sinks[0].ID, "definitions take the event's sink id")

	require.NoError(t, routes[TypeChunkProcessed](ctx, newTask(t, TypeChunkProcessed, ChunkPayload{JobID: 1, ChunkID: 2})))
	require.NoError(t, routes[TypeChunkDelivered](ctx, newTask(t, TypeChunkDelivered, ChunkPayload{JobID: 1, ChunkID: 2})))
	assert.Equal(t, []tracking.Key{tracking.NewKey(1, 2)}, chunks.processed)
	assert.Equal(t, []tracking.Key{tracking.NewKey(1, 2)}, chunks.delivered)

	require.NoError(t, routes[TypeJobPartitioned](ctx, newTask(t, TypeJobPartitioned, JobPayload{EntryID: 5, JobID: 1})))
	require.NoError(t, routes[TypeJobRerunDone](ctx, newTask(t, TypeJobRerunDone, JobPayload{EntryID: 6, JobID: 1})))
	assert.Equal(t, []int64{5}, admission.partitioned)
	assert.Equal(t, []int64{6}, admission.rerun)
}

func TestHandlerErrors(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		taskType  string
		payload   []byte
		schedErr  error
		skipRetry bool
	}{
		{
			name:      "malformed payload is dropped",
			taskType:  TypeChunkProcessed,
			payload:   []byte("{"),
			skipRetry: true,
		},
		{
			name:      "missing entry id is dropped",
			taskType:  TypeJobPartitioned,
			payload:   []byte(`{"job_id":1}`),
			skipRetry: true,
		},
		{
			name:      "consistency fault is dropped",
			taskType:  TypeChunkDelivered,
			payload:   []byte(`{"job_id":1,"chunk_id":1}`),
			schedErr:  tracking.ErrConsistency,
			skipRetry: true,
		},
		{
			name:      "invalid input is dropped",
			taskType:  TypeChunkPartitioned,
			payload:   []byte(`{"job_id":1,"chunk_id":1,"sink_id":3,"sink":{"name":"warehouse"}}`),
			schedErr:  scheduler.ErrInvalidInput,
			skipRetry: true,
		},
		{
			name:      "missing sink definition is dropped",
			taskType:  TypeChunkPartitioned,
			payload:   []byte(`{"job_id":1,"chunk_id":1,"sink_id":3}`),
			skipRetry: true,
		},
		{
			name:      "failing sink cache is retried",
			taskType:  TypeChunkPartitioned,
			payload:   []byte(`{"job_id":1,"chunk_id":1,"sink_id":3,"sink":{"name":"broken"}}`),
			skipRetry: false,
		},
		{
			name:      "store contention is retried",
			taskType:  TypeChunkProcessed,
			payload:   []byte(`{"job_id":1,"chunk_id":1}`),
			schedErr:  tracking.ErrTooMuchContention,
			skipRetry: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, chunks, _ := newTestHandler(t)
			chunks.err = tt.schedErr

			err := handler.Routes()[tt.taskType](ctx, asynq.NewTask(tt.taskType, tt.payload))
			require.Error(t, err)
			assert.Equal(t, tt.skipRetry, errors.Is(err, asynq.SkipRetry))
		})
	}
}
