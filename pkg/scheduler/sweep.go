package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/cds/pkg/admission"
	"github.com/ethpandaops/cds/pkg/observability"
	"github.com/ethpandaops/cds/pkg/tracking"
)

func readyStatus(phase admission.Phase) tracking.Status {
	if phase == admission.PhaseDelivering {
		return tracking.StatusReadyForDelivery
	}

	return tracking.StatusReadyForProcessing
}

func queuedStatus(phase admission.Phase) tracking.Status {
	if phase == admission.PhaseDelivering {
		return tracking.StatusQueuedForDelivery
	}

	return tracking.StatusQueuedForProcessing
}

// submit moves a ready chunk to queued and hands it to the workers. It reports
// false without error when the chunk was no longer ready. A failed send puts
// the chunk back to ready.
func (s *service) submit(ctx context.Context, key tracking.Key, phase admission.Phase, path string) (bool, error) {
	ready, queued := readyStatus(phase), queuedStatus(phase)

	entry, err := s.store.Update(ctx, key, func(e *tracking.Entry) error {
		if e.Status != ready || e.Retired {
			return tracking.ErrNoChange
		}

		e.Status = queued

		return nil
	})
	if errors.Is(err, tracking.ErrNoChange) || errors.Is(err, tracking.ErrEntryNotFound) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	if phase == admission.PhaseDelivering {
		err = s.sender.SendToDelivery(ctx, entry)
	} else {
		err = s.sender.SendToProcessing(ctx, entry)
	}

	if err != nil {
		observability.RecordSubmissionFailure(entry.SinkID, string(phase))

		_, rollbackErr := s.store.Update(ctx, key, func(e *tracking.Entry) error {
			if e.Status != queued || e.Retired {
				return tracking.ErrNoChange
			}

			e.Status = ready

			return nil
		})
		if rollbackErr != nil && !errors.Is(rollbackErr, tracking.ErrNoChange) && !errors.Is(rollbackErr, tracking.ErrEntryNotFound) {
			s.log.WithError(rollbackErr).WithField("chunk", key.String()).Error("Failed to roll back chunk after a failed submission")
		}

		return false, fmt.Errorf("%w: %s for %s: %w", ErrSendFailed, key, phase, err)
	}

	observability.RecordSubmission(entry.SinkID, string(phase), path)
	observability.RecordTransition(entry.SinkID, string(entry.Status))

	return true, nil
}

func (s *service) Sweep(ctx context.Context, sinkID int64, phase admission.Phase) (int, error) {
	start := time.Now()
	defer func() {
		observability.RecordSweep(string(phase), time.Since(start).Seconds())
	}()

	log := s.log.WithFields(logrus.Fields{
		"sink_id": sinkID,
		"phase":   phase,
	})

	if s.admission.Mode(sinkID, phase) == admission.ModeDirect {
		return s.sweepStragglers(ctx, sinkID, phase)
	}

	budget := s.admission.SweepBudget(sinkID, phase)

	entries, err := s.store.ListByStatus(ctx, sinkID, readyStatus(phase), budget)
	if err != nil {
		return 0, err
	}

	var (
		submitted int
		errs      []error
	)

	for _, e := range entries {
		s.admission.Submitted(sinkID, phase)

		ok, err := s.submit(ctx, e.Key, phase, "sweep")
		if !ok {
			s.admission.Done(sinkID, phase)
		}

		if err != nil {
			errs = append(errs, err)
			continue
		}

		if ok {
			submitted++
		}
	}

	remaining, err := s.store.CountByStatus(ctx, sinkID, readyStatus(phase))
	if err != nil {
		errs = append(errs, err)
	} else {
		mode := s.admission.AfterSweep(sinkID, phase, remaining)

		if submitted > 0 {
			log.WithFields(logrus.Fields{
				"submitted": submitted,
				"remaining": remaining,
				"mode":      mode,
			}).Debug("Swept ready chunks")
		}
	}

	return submitted, errors.Join(errs...)
}

// sweepStragglers offers ready chunks left behind by the direct path, e.g.
// after a failed send or a restart.
func (s *service) sweepStragglers(ctx context.Context, sinkID int64, phase admission.Phase) (int, error) {
	entries, err := s.store.ListByStatus(ctx, sinkID, readyStatus(phase), s.admission.Thresholds().BulkBatchLimit)
	if err != nil {
		return 0, err
	}

	var (
		submitted int
		errs      []error
	)

	for _, e := range entries {
		ok, err := s.tryDirect(ctx, e, phase)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if ok {
			submitted++
		}
	}

	return submitted, errors.Join(errs...)
}

func (s *service) SweepAll(ctx context.Context) error {
	sinks, err := s.store.Sinks(ctx)
	if err != nil {
		return err
	}

	for _, id := range s.admission.Sinks() {
		if !slices.Contains(sinks, id) {
			sinks = append(sinks, id)
		}
	}

	slices.Sort(sinks)

	var errs []error

	for _, sinkID := range sinks {
		for _, phase := range admission.Phases {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if _, err := s.Sweep(ctx, sinkID, phase); err != nil {
				errs = append(errs, fmt.Errorf("sink %d %s: %w", sinkID, phase, err))
			}
		}
	}

	return errors.Join(errs...)
}

func (s *service) ResyncCounters(ctx context.Context) error {
	sinks, err := s.store.Sinks(ctx)
	if err != nil {
		return err
	}

	for _, sinkID := range sinks {
		for _, phase := range admission.Phases {
			queued, err := s.store.CountByStatus(ctx, sinkID, queuedStatus(phase))
			if err != nil {
				return err
			}

			if previous := s.admission.Queued(sinkID, phase); previous != queued {
				s.log.WithFields(logrus.Fields{
					"sink_id":  sinkID,
					"phase":    phase,
					"previous": previous,
					"queued":   queued,
				}).Info("Resynchronised admission counter")
			}

			s.admission.SetQueued(sinkID, phase, queued)
		}
	}

	return nil
}
