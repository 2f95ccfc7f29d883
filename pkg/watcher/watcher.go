// Package watcher admits queued jobs for partitioning, one job per sink at a
// time, and admits reruns one at a time.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/cds/pkg/observability"
	"github.com/ethpandaops/cds/pkg/queue"
)

const defaultParallelism = 16

// Partitioner starts partitioning an admitted job
type Partitioner interface {
	Partition(ctx context.Context, entry *queue.JobEntry) error
}

// Rerunner starts an admitted rerun
type Rerunner interface {
	Rerun(ctx context.Context, entry *queue.RerunEntry) error
}

// Watcher runs job and rerun admission
type Watcher struct {
	log         logrus.FieldLogger
	jobs        *queue.JobQueue
	reruns      *queue.RerunQueue
	partitioner Partitioner
	rerunner    Rerunner
	parallelism int
}

// New creates a watcher
func New(log logrus.FieldLogger, jobs *queue.JobQueue, reruns *queue.RerunQueue, partitioner Partitioner, rerunner Rerunner) *Watcher {
	return &Watcher{
		log:         log.WithField("component", "watcher"),
		jobs:        jobs,
		reruns:      reruns,
		partitioner: partitioner,
		rerunner:    rerunner,
		parallelism: defaultParallelism,
	}
}

// Tick admits the head job of every available sink and the head rerun. Sinks
// are serviced in parallel; a failure on one sink does not stop the others.
func (w *Watcher) Tick(ctx context.Context) error {
	sinks, err := w.jobs.SinksWithJobs(ctx)
	if err != nil {
		return err
	}

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)

	g.SetLimit(w.parallelism)

	for _, sinkID := range sinks {
		g.Go(func() error {
			if err := w.admitJob(ctx, sinkID); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("sink %d: %w", sinkID, err))
				mu.Unlock()
			}

			return nil
		})
	}

	_ = g.Wait()

	if w.rerunner != nil {
		if err := w.admitRerun(ctx); err != nil {
			errs = append(errs, fmt.Errorf("rerun: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (w *Watcher) admitJob(ctx context.Context, sinkID int64) error {
	entry, err := w.jobs.SeizeHeadIfWaiting(ctx, sinkID)
	if err != nil {
		return err
	}

	if entry == nil {
		observability.RecordJobAdmitted("jobs", "occupied")
		return nil
	}

	log := w.log.WithFields(logrus.Fields{
		"entry_id": entry.ID,
		"job_id":   entry.JobID,
		"sink_id":  entry.SinkID,
	})

	if err := w.partitioner.Partition(ctx, entry); err != nil {
		observability.RecordJobAdmitted("jobs", "failed")

		if _, resetErr := w.jobs.Reset(ctx, entry.ID); resetErr != nil {
			log.WithError(resetErr).Error("Failed to reset job after a failed dispatch")
		}

		return fmt.Errorf("failed to dispatch partitioning of job %d: %w", entry.JobID, err)
	}

	log.Info("Admitted job for partitioning")
	observability.RecordJobAdmitted("jobs", "admitted")

	return nil
}

func (w *Watcher) admitRerun(ctx context.Context) error {
	entry, err := w.reruns.SeizeHeadOfQueueIfWaiting(ctx)
	if err != nil || entry == nil {
		return err
	}

	log := w.log.WithFields(logrus.Fields{
		"entry_id": entry.ID,
		"job_id":   entry.JobID,
	})

	if err := w.rerunner.Rerun(ctx, entry); err != nil {
		observability.RecordJobAdmitted("reruns", "failed")

		if _, resetErr := w.reruns.Reset(ctx, entry.ID); resetErr != nil {
			log.WithError(resetErr).Error("Failed to reset rerun after a failed dispatch")
		}

		return fmt.Errorf("failed to dispatch rerun of job %d: %w", entry.JobID, err)
	}

	log.Info("Admitted job for rerun")
	observability.RecordJobAdmitted("reruns", "admitted")

	return nil
}

// PartitioningDone frees the sink of a partitioned job. Repeated signals are ignored.
func (w *Watcher) PartitioningDone(ctx context.Context, entryID int64) error {
	err := w.jobs.Remove(ctx, entryID)
	if errors.Is(err, queue.ErrEntryNotFound) {
		w.log.WithField("entry_id", entryID).Debug("Ignoring duplicate partitioning done signal")
		observability.RecordDuplicateSignal("partitioned")

		return nil
	}

	return err
}

// RerunDone frees the rerun queue. Repeated signals are ignored.
func (w *Watcher) RerunDone(ctx context.Context, entryID int64) error {
	err := w.reruns.Remove(ctx, entryID)
	if errors.Is(err, queue.ErrEntryNotFound) {
		w.log.WithField("entry_id", entryID).Debug("Ignoring duplicate rerun done signal")
		observability.RecordDuplicateSignal("rerun_done")

		return nil
	}

	return err
}
