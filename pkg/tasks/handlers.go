package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/cds/pkg/observability"
	"github.com/ethpandaops/cds/pkg/scheduler"
	"github.com/ethpandaops/cds/pkg/tracking"
)

// ErrInvalidPayload is returned for events that cannot be decoded or miss required fields
var ErrInvalidPayload = errors.New("invalid task payload")

// ChunkScheduler receives chunk lifecycle events
type ChunkScheduler interface {
	ScheduleChunk(ctx context.Context, chunk *tracking.Chunk, sink *tracking.Sink, priority int) (*tracking.Entry, error)
	ChunkProcessingDone(ctx context.Context, key tracking.Key) error
	ChunkDeliveringDone(ctx context.Context, key tracking.Key) error
}

// JobAdmission receives job completion events
type JobAdmission interface {
	PartitioningDone(ctx context.Context, entryID int64) error
	RerunDone(ctx context.Context, entryID int64) error
}

// SinkResolver records the sink definitions carried by events
type SinkResolver interface {
	ResolveSink(ctx context.Context, sink *tracking.Sink) (*tracking.Sink, error)
}

// Handler dispatches inbound events
type Handler struct {
	log       logrus.FieldLogger
	scheduler ChunkScheduler
	admission JobAdmission
	sinks     SinkResolver
}

// NewHandler creates an inbound event handler
func NewHandler(log logrus.FieldLogger, chunks ChunkScheduler, admission JobAdmission, sinks SinkResolver) *Handler {
	return &Handler{
		log:       log.WithField("component", "task-handler"),
		scheduler: chunks,
		admission: admission,
		sinks:     sinks,
	}
}

// Routes returns the task handler routes for Asynq
func (h *Handler) Routes() map[string]asynq.HandlerFunc {
	return map[string]asynq.HandlerFunc{
		TypeChunkPartitioned: h.instrument(TypeChunkPartitioned, h.HandleChunkPartitioned),
		TypeChunkProcessed:   h.instrument(TypeChunkProcessed, h.HandleChunkProcessed),
		TypeChunkDelivered:   h.instrument(TypeChunkDelivered, h.HandleChunkDelivered),
		TypeJobPartitioned:   h.instrument(TypeJobPartitioned, h.HandleJobPartitioned),
		TypeJobRerunDone:     h.instrument(TypeJobRerunDone, h.HandleJobRerunDone),
	}
}

// HandleChunkPartitioned starts tracking a new chunk
func (h *Handler) HandleChunkPartitioned(ctx context.Context, t *asynq.Task) error {
	var payload ChunkPartitionedPayload
	if err := decode(t, &payload); err != nil {
		return err
	}

	// Every instance must derive the same match keys for a chunk, so the
	// definition travels with the event instead of coming from local state.
	if payload.Sink == nil {
		return fmt.Errorf("%w: sink definition is required: %w", ErrInvalidPayload, asynq.SkipRetry)
	}

	payload.Sink.ID = payload.SinkID

	sink, err := h.sinks.ResolveSink(ctx, payload.Sink)
	if err != nil {
		return fmt.Errorf("failed to resolve sink %d: %w", payload.SinkID, err)
	}

	_, err = h.scheduler.ScheduleChunk(ctx, payload.Chunk(), sink, payload.Priority)

	return permanent(err)
}

// HandleChunkProcessed forwards a processing completion
func (h *Handler) HandleChunkProcessed(ctx context.Context, t *asynq.Task) error {
	var payload ChunkPayload
	if err := decode(t, &payload); err != nil {
		return err
	}

	return permanent(h.scheduler.ChunkProcessingDone(ctx, payload.Key()))
}

// HandleChunkDelivered forwards a delivery completion
func (h *Handler) HandleChunkDelivered(ctx context.Context, t *asynq.Task) error {
	var payload ChunkPayload
	if err := decode(t, &payload); err != nil {
		return err
	}

	return permanent(h.scheduler.ChunkDeliveringDone(ctx, payload.Key()))
}

// HandleJobPartitioned frees the sink of a partitioned job
func (h *Handler) HandleJobPartitioned(ctx context.Context, t *asynq.Task) error {
	var payload JobPayload
	if err := decode(t, &payload); err != nil {
		return err
	}

	if payload.EntryID == 0 {
		return fmt.Errorf("%w: entry id is required: %w", ErrInvalidPayload, asynq.SkipRetry)
	}

	return h.admission.PartitioningDone(ctx, payload.EntryID)
}

// HandleJobRerunDone frees the rerun queue
func (h *Handler) HandleJobRerunDone(ctx context.Context, t *asynq.Task) error {
	var payload JobPayload
	if err := decode(t, &payload); err != nil {
		return err
	}

	if payload.EntryID == 0 {
		return fmt.Errorf("%w: entry id is required: %w", ErrInvalidPayload, asynq.SkipRetry)
	}

	return h.admission.RerunDone(ctx, payload.EntryID)
}

func (h *Handler) instrument(taskType string, next asynq.HandlerFunc) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		err := next(ctx, t)

		switch {
		case err == nil:
			observability.RecordTaskHandled(taskType, "success")
		case errors.Is(err, asynq.SkipRetry):
			h.log.WithError(err).WithField("task_type", taskType).Error("Dropping task")
			observability.RecordTaskHandled(taskType, "dropped")
			observability.RecordError("task-handler", "dropped")
		default:
			h.log.WithError(err).WithField("task_type", taskType).Warn("Task failed, will retry")
			observability.RecordTaskHandled(taskType, "retry")
		}

		return err
	}
}

func decode(t *asynq.Task, v any) error {
	if err := json.Unmarshal(t.Payload(), v); err != nil {
		return fmt.Errorf("%w: %w: %w", ErrInvalidPayload, err, asynq.SkipRetry)
	}

	return nil
}

// permanent marks errors that redelivery cannot fix
func permanent(err error) error {
	if errors.Is(err, scheduler.ErrInvalidInput) || errors.Is(err, tracking.ErrConsistency) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	return err
}
