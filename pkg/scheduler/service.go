// Package scheduler drives tracked chunks through processing and delivery
package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/cds/pkg/admission"
	"github.com/ethpandaops/cds/pkg/dependencies"
	"github.com/ethpandaops/cds/pkg/observability"
	"github.com/ethpandaops/cds/pkg/tracking"
)

// Sender hands chunks to the processing and delivery workers
type Sender interface {
	SendToProcessing(ctx context.Context, entry *tracking.Entry) error
	SendToDelivery(ctx context.Context, entry *tracking.Entry) error
}

// Service defines the public interface of the chunk scheduler
type Service interface {
	// ScheduleChunk starts tracking a partitioned chunk. Scheduling a chunk
	// that is already tracked changes nothing.
	ScheduleChunk(ctx context.Context, chunk *tracking.Chunk, sink *tracking.Sink, priority int) (*tracking.Entry, error)
	// ChunkProcessingDone handles a processing completion signal
	ChunkProcessingDone(ctx context.Context, key tracking.Key) error
	// ChunkDeliveringDone handles a delivery completion signal
	ChunkDeliveringDone(ctx context.Context, key tracking.Key) error
	// FindChunksWaitingForMe returns every chunk waiting on key, directly or transitively
	FindChunksWaitingForMe(ctx context.Context, key tracking.Key) ([]tracking.Key, error)
	// AbortJob stops tracking every chunk of a job and returns how many were removed
	AbortJob(ctx context.Context, jobID int64) (int, error)

	// Sweep submits ready chunks of one sink phase according to its admission mode
	Sweep(ctx context.Context, sinkID int64, phase admission.Phase) (int, error)
	// SweepAll sweeps both phases of every known sink
	SweepAll(ctx context.Context) error
	// ResyncCounters re-derives the admission counters from the store
	ResyncCounters(ctx context.Context) error
}

// service implements Service
type service struct {
	log       logrus.FieldLogger
	store     tracking.Store
	admission *admission.Controller
	sender    Sender
}

// NewService creates a new chunk scheduler
func NewService(log logrus.FieldLogger, store tracking.Store, controller *admission.Controller, sender Sender) Service {
	return &service{
		log:       log.WithField("service", "scheduler"),
		store:     store,
		admission: controller,
		sender:    sender,
	}
}

func (s *service) ScheduleChunk(ctx context.Context, chunk *tracking.Chunk, sink *tracking.Sink, priority int) (*tracking.Entry, error) {
	if chunk == nil || sink == nil {
		return nil, ErrInvalidInput
	}

	log := s.log.WithFields(logrus.Fields{
		"job_id":   chunk.JobID,
		"chunk_id": chunk.ChunkID,
		"sink_id":  sink.ID,
	})

	seq, err := s.store.NextSequence(ctx)
	if err != nil {
		return nil, err
	}

	entry := &tracking.Entry{
		Key:       chunk.Key(),
		SinkID:    sink.ID,
		Status:    tracking.StatusReadyForProcessing,
		Priority:  priority,
		Seq:       seq,
		MatchKeys: tracking.MatchKeys(chunk, sink),
	}

	err = s.store.Insert(ctx, entry, dependencies.Reduce)
	if errors.Is(err, tracking.ErrEntryExists) {
		log.Debug("Chunk already scheduled, ignoring")
		observability.RecordDuplicateSignal("scheduled")

		existing, getErr := s.store.Get(ctx, entry.Key)
		if getErr != nil {
			return nil, getErr
		}

		// A replayed partitioning may find the chunk still waiting for its first
		// submission; offering it again is harmless.
		if existing.Status == tracking.StatusReadyForProcessing && !existing.Retired {
			if _, err := s.tryDirect(ctx, existing, admission.PhaseProcessing); err != nil {
				log.WithError(err).Warn("Failed to submit chunk for processing")
			}
		}

		return existing, nil
	}

	if err != nil {
		if errors.Is(err, dependencies.ErrCyclicDependency) || errors.Is(err, dependencies.ErrSelfDependency) {
			s.consistencyFault(log, "schedule", err)
			return nil, fmt.Errorf("%w: %w", tracking.ErrConsistency, err)
		}

		return nil, fmt.Errorf("failed to track chunk %s: %w", entry.Key, err)
	}

	log.WithFields(logrus.Fields{
		"status":     entry.Status,
		"waiting_on": len(entry.WaitingOn),
	}).Debug("Chunk scheduled")

	observability.RecordChunkScheduled(sink.ID, len(entry.WaitingOn) > 0)
	observability.RecordTransition(sink.ID, string(entry.Status))

	if _, err := s.tryDirect(ctx, entry, admission.PhaseProcessing); err != nil {
		// the chunk is tracked; a later sweep or completion picks it up
		log.WithError(err).Warn("Failed to submit chunk for processing")
	}

	return entry, nil
}

func (s *service) ChunkProcessingDone(ctx context.Context, key tracking.Key) error {
	log := s.log.WithFields(logrus.Fields{
		"job_id":   key.JobID,
		"chunk_id": key.ChunkID,
	})

	// predecessors are read with the entry so a concurrent release retries
	// instead of looking like a dangling edge
	entry, err := s.store.Reconcile(ctx, key, nil, func(e *tracking.Entry, _ []*tracking.Entry) error {
		if e.Status != tracking.StatusQueuedForProcessing || e.Retired {
			return tracking.ErrNoChange
		}

		if len(e.WaitingOn) == 0 {
			e.Status = tracking.StatusReadyForDelivery
		} else {
			e.Status = tracking.StatusBlocked
		}

		return nil
	})
	if errors.Is(err, tracking.ErrNoChange) || errors.Is(err, tracking.ErrEntryNotFound) {
		log.Debug("Ignoring duplicate processing done signal")
		observability.RecordDuplicateSignal("processed")

		return nil
	}

	if errors.Is(err, tracking.ErrConsistency) {
		s.consistencyFault(log, "processing_done", err)
		return err
	}

	if err != nil {
		return fmt.Errorf("failed to complete processing of %s: %w", key, err)
	}

	log = log.WithFields(logrus.Fields{"sink_id": entry.SinkID, "status": entry.Status})
	log.Debug("Chunk processed")
	observability.RecordTransition(entry.SinkID, string(entry.Status))

	s.admission.Done(entry.SinkID, admission.PhaseProcessing)

	if s.admission.Mode(entry.SinkID, admission.PhaseProcessing) == admission.ModeDirect {
		if err := s.submitNextReady(ctx, entry.SinkID, admission.PhaseProcessing); err != nil {
			log.WithError(err).Warn("Failed to submit next chunk for processing")
		}
	}

	if entry.Status == tracking.StatusReadyForDelivery {
		if _, err := s.tryDirect(ctx, entry, admission.PhaseDelivering); err != nil {
			log.WithError(err).Warn("Failed to submit chunk for delivery")
		}
	}

	return nil
}

func (s *service) ChunkDeliveringDone(ctx context.Context, key tracking.Key) error {
	log := s.log.WithFields(logrus.Fields{
		"job_id":   key.JobID,
		"chunk_id": key.ChunkID,
	})

	var resume bool

	entry, err := s.store.Update(ctx, key, func(e *tracking.Entry) error {
		resume = false

		if e.Status != tracking.StatusQueuedForDelivery {
			return tracking.ErrNoChange
		}

		// Retired by an earlier signal whose cascade did not finish
		if e.Retired {
			resume = true
			return tracking.ErrNoChange
		}

		e.Retired = true

		return nil
	})

	switch {
	case errors.Is(err, tracking.ErrNoChange) && resume:
		entry, err = s.store.Get(ctx, key)
		if errors.Is(err, tracking.ErrEntryNotFound) {
			log.Debug("Ignoring duplicate delivering done signal")
			observability.RecordDuplicateSignal("delivered")

			return nil
		}

		if err != nil {
			return err
		}

		log.Info("Resuming release of dependents after an interrupted delivery completion")
	case errors.Is(err, tracking.ErrNoChange) || errors.Is(err, tracking.ErrEntryNotFound):
		log.Debug("Ignoring duplicate delivering done signal")
		observability.RecordDuplicateSignal("delivered")

		return nil
	case err != nil:
		return fmt.Errorf("failed to complete delivery of %s: %w", key, err)
	default:
		s.admission.Done(entry.SinkID, admission.PhaseDelivering)
	}

	log = log.WithField("sink_id", entry.SinkID)

	released, err := s.remove(ctx, entry)
	if err != nil {
		return err
	}

	log.WithField("released", len(released)).Debug("Chunk delivered")

	s.offerForDelivery(ctx, released)

	return nil
}

// tryDirect submits a chunk right away when the admission controller allows it
func (s *service) tryDirect(ctx context.Context, entry *tracking.Entry, phase admission.Phase) (bool, error) {
	if !s.admission.TryDirectSubmit(entry.SinkID, phase) {
		return false, nil
	}

	submitted, err := s.submit(ctx, entry.Key, phase, "direct")
	if !submitted {
		s.admission.Done(entry.SinkID, phase)
	}

	return submitted, err
}

// submitNextReady lets the oldest ready chunk of a sink through the direct path
func (s *service) submitNextReady(ctx context.Context, sinkID int64, phase admission.Phase) error {
	entries, err := s.store.ListByStatus(ctx, sinkID, readyStatus(phase), 1)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if _, err := s.tryDirect(ctx, e, phase); err != nil {
			return err
		}
	}

	return nil
}

// offerForDelivery tries to submit released chunks for delivery
func (s *service) offerForDelivery(ctx context.Context, entries []*tracking.Entry) {
	for _, e := range entries {
		if _, err := s.tryDirect(ctx, e, admission.PhaseDelivering); err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{
				"job_id":   e.Key.JobID,
				"chunk_id": e.Key.ChunkID,
				"sink_id":  e.SinkID,
			}).Warn("Failed to submit released chunk for delivery")
		}
	}
}

func (s *service) consistencyFault(log logrus.FieldLogger, operation string, err error) {
	log.WithError(err).WithField("operation", operation).Error("Dependency graph consistency fault")
	observability.RecordConsistencyFault(operation)
}

var _ Service = (*service)(nil)
