package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/cds/internal/testutil"
	"github.com/ethpandaops/cds/pkg/admission"
	"github.com/ethpandaops/cds/pkg/flowcache"
	"github.com/ethpandaops/cds/pkg/queue"
	"github.com/ethpandaops/cds/pkg/scheduler"
	"github.com/ethpandaops/cds/pkg/tracking"
)

type nopSender struct{}

func (nopSender) SendToProcessing(context.Context, *tracking.Entry) error { return nil }
func (nopSender) SendToDelivery(context.Context, *tracking.Entry) error   { return nil }

type fixture struct {
	app        *fiber.App
	controller *admission.Controller
	scheduler  scheduler.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	_, client := testutil.NewMiniredisClient(t)
	log := testutil.NewLogger(t)

	controller, err := admission.NewController(log, admission.Config{
		MaxQueuedProcessing:    100,
		MaxQueuedDelivering:    100,
		TransitionToDirectMark: 10,
		BulkBatchLimit:         50,
	})
	require.NoError(t, err)

	cache, err := flowcache.Open(log, filepath.Join(t.TempDir(), "cds.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	store := tracking.NewRedisStore(log, client, "test")
	svc := scheduler.NewService(log, store, controller, nopSender{})

	server := NewServer(Deps{
		Scheduler:   svc,
		Entries:     store,
		Admission:   controller,
		Jobs:        queue.NewJobQueue(log, client, "test"),
		Reruns:      queue.NewRerunQueue(log, client, "test"),
		Definitions: cache,
	}, log)

	app := fiber.New()
	server.Register(app.Group("/api/v1"))

	return &fixture{app: app, controller: controller, scheduler: svc}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()

	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}

	req := httptest.NewRequest(method, "/api/v1"+path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.app.Test(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, data
}

func TestSinkRoutes(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodPut, "/sinks/3", `{"name":"warehouse","strictOrdering":true}`)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.JSONEq(t, `{"definition":{"id":3,"name":"warehouse","strictOrdering":true},"cached":false}`, string(body))

	status, body = f.do(t, http.MethodPut, "/sinks/3", `{"name":"warehouse","strictOrdering":true}`)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"cached":true`)

	status, body = f.do(t, http.MethodGet, "/sinks/3", "")
	require.Equal(t, http.StatusOK, status)

	var sink SinkResponse
	require.NoError(t, json.Unmarshal(body, &sink))
	assert.Equal(t, admission.ModeDirect, sink.Processing.Mode)
	require.NotNil(t, sink.Definition)
	assert.True(t, sink.Definition.StrictOrdering)

	status, _ = f.do(t, http.MethodPost, "/sinks/3/bulk", "")
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, admission.ModeBulk, f.controller.Mode(3, admission.PhaseDelivering))

	status, _ = f.do(t, http.MethodPost, "/sinks/3/transition", "")
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, admission.ModeTransitionToDirect, f.controller.Mode(3, admission.PhaseProcessing))

	status, body = f.do(t, http.MethodGet, "/sinks", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"mode":"TRANSITION_TO_DIRECT"`)

	status, _ = f.do(t, http.MethodPut, "/sinks/3", `{"name":""}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodGet, "/sinks/abc", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestThresholdRoutes(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodPut, "/admission/thresholds", `{"bulkBatchLimit":5}`)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, int64(5), f.controller.Thresholds().BulkBatchLimit)
	assert.Equal(t, int64(100), f.controller.Thresholds().MaxQueuedProcessing, "unspecified thresholds are kept")

	status, _ = f.do(t, http.MethodPut, "/admission/thresholds", `{"maxQueuedProcessing":0}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = f.do(t, http.MethodGet, "/admission/thresholds", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"bulkBatchLimit":5`)
}

func TestChunkRoutes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sink := &tracking.Sink{ID: 1, Name: "lake"}

	_, err := f.scheduler.ScheduleChunk(ctx, &tracking.Chunk{JobID: 1, ChunkID: 0, MatchKeys: []string{"k"}}, sink, 0)
	require.NoError(t, err)
	_, err = f.scheduler.ScheduleChunk(ctx, &tracking.Chunk{JobID: 2, ChunkID: 0, MatchKeys: []string{"k"}}, sink, 0)
	require.NoError(t, err)

	status, body := f.do(t, http.MethodGet, "/chunks/2/0", "")
	require.Equal(t, http.StatusOK, status)

	var entry tracking.Entry
	require.NoError(t, json.Unmarshal(body, &entry))
	assert.Equal(t, []tracking.Key{tracking.NewKey(1, 0)}, entry.WaitingOn)

	status, _ = f.do(t, http.MethodGet, "/chunks/9/9", "")
	assert.Equal(t, http.StatusNotFound, status)

	status, body = f.do(t, http.MethodGet, "/chunks/1/0/waiting", "")
	require.Equal(t, http.StatusOK, status)

	var waiting WaitingResponse
	require.NoError(t, json.Unmarshal(body, &waiting))
	assert.Equal(t, []tracking.Key{tracking.NewKey(2, 0)}, waiting.Waiting)

	status, body = f.do(t, http.MethodGet, "/chunks/1/0/graph?format=dot", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"1:0" -> "2:0";`)

	status, body = f.do(t, http.MethodGet, "/chunks/1/0/graph", "")
	require.Equal(t, http.StatusOK, status)

	var graph GraphResponse
	require.NoError(t, json.Unmarshal(body, &graph))
	require.NotNil(t, graph.Info)
	assert.Equal(t, 2, graph.TotalNodes)
	assert.Equal(t, []tracking.Key{tracking.NewKey(2, 0)}, graph.Dependents)
	assert.Empty(t, graph.Dependencies)

	status, body = f.do(t, http.MethodPost, "/jobs/1/abort", "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"jobId":1,"removed":1}`, string(body))

	status, _ = f.do(t, http.MethodGet, "/chunks/1/0", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestJobRoutes(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodPost, "/jobs", `{"jobId":5,"sinkId":3,"splitterKind":"csv"}`)
	require.Equal(t, http.StatusCreated, status, string(body))

	var entry queue.JobEntry
	require.NoError(t, json.Unmarshal(body, &entry))
	assert.NotZero(t, entry.ID)
	assert.Equal(t, queue.StateWaiting, entry.State)

	status, body = f.do(t, http.MethodGet, "/queues/jobs/3", "")
	require.Equal(t, http.StatusOK, status)

	var queued []queue.JobEntry
	require.NoError(t, json.Unmarshal(body, &queued))
	require.Len(t, queued, 1)
	assert.Equal(t, int64(5), queued[0].JobID)

	status, body = f.do(t, http.MethodGet, "/queues/jobs", "")
	require.Equal(t, http.StatusOK, status)

	var admitted []queue.JobEntry
	require.NoError(t, json.Unmarshal(body, &admitted))
	assert.Empty(t, admitted)

	status, _ = f.do(t, http.MethodPost, "/jobs", `{"jobId":-1,"sinkId":3}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = f.do(t, http.MethodPost, "/jobs", `{"sinkId":4}`)
	require.Equal(t, http.StatusCreated, status, "job 0 is accepted")

	var zero queue.JobEntry
	require.NoError(t, json.Unmarshal(body, &zero))
	assert.Zero(t, zero.JobID)

	status, _ = f.do(t, http.MethodPost, "/jobs", `not json`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodPost, "/reruns", `{"jobId":5}`)
	assert.Equal(t, http.StatusCreated, status)

	status, body = f.do(t, http.MethodGet, "/queues/reruns", "")
	require.Equal(t, http.StatusOK, status)

	var reruns []queue.RerunEntry
	require.NoError(t, json.Unmarshal(body, &reruns))
	assert.Empty(t, reruns)
}

func TestFlowRoutes(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodPut, "/flows/7", `{"name":"orders","content":{"steps":["parse"]}}`)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Contains(t, string(body), `"cached":false`)

	status, body = f.do(t, http.MethodGet, "/flows/7", "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"id":7,"name":"orders","content":{"steps":["parse"]}}`, string(body))

	status, _ = f.do(t, http.MethodGet, "/flows/8", "")
	assert.Equal(t, http.StatusNotFound, status)
}
