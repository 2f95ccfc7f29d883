package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/cds/pkg/admission"
	"github.com/ethpandaops/cds/pkg/dependencies"
	"github.com/ethpandaops/cds/pkg/observability"
	"github.com/ethpandaops/cds/pkg/tracking"
)

// remove releases every waiter of a retired entry and deletes it. Waiters
// inherit the entry's own predecessors. It returns the waiters that became
// ready for delivery.
func (s *service) remove(ctx context.Context, removed *tracking.Entry) ([]*tracking.Entry, error) {
	log := s.log.WithFields(logrus.Fields{
		"job_id":   removed.Key.JobID,
		"chunk_id": removed.Key.ChunkID,
		"sink_id":  removed.SinkID,
	})

	waiters, err := s.store.FindWaiters(ctx, removed.Key)
	if err != nil {
		return nil, err
	}

	released := make([]*tracking.Entry, 0, len(waiters))

	for _, waiter := range waiters {
		updated, flipped, err := s.redistribute(ctx, waiter, removed)

		switch {
		case errors.Is(err, tracking.ErrNoChange):
			continue
		case errors.Is(err, tracking.ErrEntryNotFound):
			if err := s.checkWaiterGone(ctx, removed.Key, waiter); err != nil {
				s.consistencyFault(log, "release", err)
				return nil, err
			}

			continue
		case errors.Is(err, tracking.ErrConsistency):
			s.consistencyFault(log.WithField("waiter", waiter.String()), "release", err)
			return nil, err
		case err != nil:
			return nil, fmt.Errorf("failed to release %s from %s: %w", waiter, removed.Key, err)
		}

		if flipped {
			log.WithFields(logrus.Fields{
				"waiter": waiter.String(),
				"status": updated.Status,
			}).Debug("Released blocked chunk")
			observability.RecordTransition(updated.SinkID, string(updated.Status))

			released = append(released, updated)
		}
	}

	err = s.store.Delete(ctx, removed.Key, func(e *tracking.Entry) error {
		if !e.Retired {
			return fmt.Errorf("%w: refusing to delete live entry %s", tracking.ErrConsistency, e.Key)
		}

		return nil
	})
	if err != nil && !errors.Is(err, tracking.ErrEntryNotFound) {
		return nil, err
	}

	if len(released) > 0 {
		observability.RecordReleased(removed.SinkID, len(released))
	}

	return released, nil
}

// redistribute drops removed from the waiter's predecessors, substitutes the
// predecessors of removed and reduces the result again. It reports whether the
// waiter flipped from blocked to ready for delivery.
func (s *service) redistribute(ctx context.Context, waiter tracking.Key, removed *tracking.Entry) (*tracking.Entry, bool, error) {
	var flipped bool

	updated, err := s.store.Reconcile(ctx, waiter, removed.WaitingOn, func(e *tracking.Entry, preds []*tracking.Entry) error {
		flipped = false

		if !e.RemoveWaitingOn(removed.Key) {
			return tracking.ErrNoChange
		}

		waitingOn, err := reduce(e, preds)
		if err != nil {
			return err
		}

		e.WaitingOn = waitingOn

		if len(e.WaitingOn) == 0 && e.Status == tracking.StatusBlocked {
			e.Status = tracking.StatusReadyForDelivery
			flipped = true
		}

		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return updated, flipped, nil
}

// reduce keeps the reduced frontier of the entry's own predecessors and the
// live inherited ones. Retired inherited chunks are already completing; the
// store hands over their predecessors instead.
func reduce(e *tracking.Entry, preds []*tracking.Entry) ([]tracking.Key, error) {
	nodes := make([]dependencies.Node, 0, len(preds))

	for _, p := range preds {
		if p.Key == e.Key {
			continue
		}

		if e.IsWaitingOn(p.Key) || !p.Retired {
			nodes = append(nodes, dependencies.NodeFromEntry(p))
		}
	}

	if len(nodes) == 0 {
		return nil, nil
	}

	reduced, err := dependencies.OptimizeDependencies(nodes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", tracking.ErrConsistency, err)
	}

	return reduced, nil
}

// checkWaiterGone distinguishes a waiter removed concurrently from a stale reverse index
func (s *service) checkWaiterGone(ctx context.Context, removed, waiter tracking.Key) error {
	waiters, err := s.store.FindWaiters(ctx, removed)
	if err != nil {
		return err
	}

	if slices.Contains(waiters, waiter) {
		return fmt.Errorf("%w: waiter %s of %s is not tracked", tracking.ErrConsistency, waiter, removed)
	}

	return nil
}

func (s *service) FindChunksWaitingForMe(ctx context.Context, key tracking.Key) ([]tracking.Key, error) {
	seen := map[tracking.Key]struct{}{key: {}}
	queue := []tracking.Key{key}
	result := make([]tracking.Key, 0)

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		waiters, err := s.store.FindWaiters(ctx, current)
		if err != nil {
			return nil, err
		}

		for _, w := range waiters {
			if _, ok := seen[w]; ok {
				continue
			}

			seen[w] = struct{}{}
			result = append(result, w)
			queue = append(queue, w)
		}
	}

	return tracking.SortKeys(result), nil
}

func (s *service) AbortJob(ctx context.Context, jobID int64) (int, error) {
	log := s.log.WithField("job_id", jobID)

	keys, err := s.store.JobKeys(ctx, jobID)
	if err != nil {
		return 0, err
	}

	// Retire everything first so that no new chunk starts waiting on the job.
	for _, key := range keys {
		var before tracking.Status

		entry, err := s.store.Update(ctx, key, func(e *tracking.Entry) error {
			if e.Retired {
				return tracking.ErrNoChange
			}

			before = e.Status
			e.Retired = true

			return nil
		})
		if errors.Is(err, tracking.ErrNoChange) || errors.Is(err, tracking.ErrEntryNotFound) {
			continue
		}

		if err != nil {
			return 0, fmt.Errorf("failed to retire %s: %w", key, err)
		}

		switch before {
		case tracking.StatusQueuedForProcessing:
			s.admission.Done(entry.SinkID, admission.PhaseProcessing)
		case tracking.StatusQueuedForDelivery:
			s.admission.Done(entry.SinkID, admission.PhaseDelivering)
		case tracking.StatusReadyForProcessing, tracking.StatusReadyForDelivery, tracking.StatusBlocked:
		}
	}

	var (
		removed  int
		released []*tracking.Entry
	)

	for _, key := range keys {
		// reload: earlier removals may have rewritten its predecessors
		entry, err := s.store.Get(ctx, key)
		if errors.Is(err, tracking.ErrEntryNotFound) {
			continue
		}

		if err != nil {
			return removed, err
		}

		freed, err := s.remove(ctx, entry)
		if err != nil {
			return removed, err
		}

		removed++

		for _, f := range freed {
			if f.Key.JobID != jobID {
				released = append(released, f)
			}
		}
	}

	log.WithFields(logrus.Fields{
		"removed":  removed,
		"released": len(released),
	}).Info("Aborted job")

	s.offerForDelivery(ctx, released)

	return removed, nil
}
