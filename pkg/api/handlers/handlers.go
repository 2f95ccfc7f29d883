// Package handlers implements the administrative REST routes of the engine.
package handlers

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/cds/pkg/admission"
	"github.com/ethpandaops/cds/pkg/flowcache"
	"github.com/ethpandaops/cds/pkg/queue"
	"github.com/ethpandaops/cds/pkg/tracking"
)

// ChunkScheduler answers chunk queries and aborts jobs
type ChunkScheduler interface {
	FindChunksWaitingForMe(ctx context.Context, key tracking.Key) ([]tracking.Key, error)
	AbortJob(ctx context.Context, jobID int64) (int, error)
}

// EntryReader reads tracking entries
type EntryReader interface {
	Get(ctx context.Context, key tracking.Key) (*tracking.Entry, error)
	GetMany(ctx context.Context, keys []tracking.Key) ([]*tracking.Entry, []tracking.Key, error)
}

// JobQueue accepts and lists jobs waiting for partitioning
type JobQueue interface {
	AddWaiting(ctx context.Context, entry *queue.JobEntry) error
	List(ctx context.Context, sinkID int64) ([]*queue.JobEntry, error)
	GetInProgress(ctx context.Context) ([]*queue.JobEntry, error)
}

// RerunQueue accepts and lists reruns
type RerunQueue interface {
	AddWaiting(ctx context.Context, entry *queue.RerunEntry) error
	GetInProgress(ctx context.Context) ([]*queue.RerunEntry, error)
}

// Definitions caches upstream sink and flow definitions
type Definitions interface {
	PutSink(ctx context.Context, sink *tracking.Sink) (*tracking.Sink, bool, error)
	Sink(ctx context.Context, id int64) (*tracking.Sink, error)
	PutFlow(ctx context.Context, flow *flowcache.Flow) (*flowcache.Flow, bool, error)
	Flow(ctx context.Context, id int64) (*flowcache.Flow, error)
}

// OverridePublisher distributes admission overrides to every engine instance
type OverridePublisher interface {
	PublishOverride(ctx context.Context, o admission.Override) error
}

// Deps bundles the collaborators of the handlers
type Deps struct {
	Scheduler   ChunkScheduler
	Entries     EntryReader
	Admission   *admission.Controller
	Overrides   OverridePublisher
	Jobs        JobQueue
	Reruns      RerunQueue
	Definitions Definitions
}

// Server holds the route handlers
type Server struct {
	deps Deps
	log  logrus.FieldLogger
}

// NewServer creates a new API server instance
func NewServer(deps Deps, log logrus.FieldLogger) *Server {
	return &Server{
		deps: deps,
		log:  log.WithField("component", "api.handlers"),
	}
}

// Register mounts every route on router
func (s *Server) Register(router fiber.Router) {
	router.Get("/sinks", s.ListSinks)
	router.Get("/sinks/:sinkId", s.GetSink)
	router.Put("/sinks/:sinkId", s.PutSinkDefinition)
	router.Post("/sinks/:sinkId/bulk", s.ForceBulk)
	router.Post("/sinks/:sinkId/transition", s.ForceTransition)

	router.Get("/admission/thresholds", s.GetThresholds)
	router.Put("/admission/thresholds", s.PutThresholds)

	router.Get("/chunks/:jobId/:chunkId", s.GetChunk)
	router.Get("/chunks/:jobId/:chunkId/waiting", s.GetWaitingChunks)
	router.Get("/chunks/:jobId/:chunkId/graph", s.GetChunkGraph)

	router.Post("/jobs", s.SubmitJob)
	router.Post("/jobs/:jobId/abort", s.AbortJob)
	router.Post("/reruns", s.SubmitRerun)

	router.Get("/queues/jobs", s.ListJobsInProgress)
	router.Get("/queues/jobs/:sinkId", s.ListSinkJobs)
	router.Get("/queues/reruns", s.ListRerunsInProgress)

	router.Get("/flows/:flowId", s.GetFlow)
	router.Put("/flows/:flowId", s.PutFlowDefinition)
}

func paramID(c fiber.Ctx, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Params(name), 10, 64)
	if err != nil {
		return 0, ErrInvalidID
	}

	return id, nil
}

func paramKey(c fiber.Ctx) (tracking.Key, error) {
	jobID, err := paramID(c, "jobId")
	if err != nil {
		return tracking.Key{}, err
	}

	chunkID, err := paramID(c, "chunkId")
	if err != nil {
		return tracking.Key{}, err
	}

	return tracking.NewKey(jobID, chunkID), nil
}

func decodeBody(c fiber.Ctx, v any) error {
	if err := json.Unmarshal(c.Body(), v); err != nil {
		return ErrInvalidBody
	}

	return nil
}
