package engine

import (
	"context"
	"errors"

	"github.com/ethpandaops/cds/pkg/observability"
	"github.com/ethpandaops/cds/pkg/queue"
	"github.com/ethpandaops/cds/pkg/ticker"
)

// handleLeadership runs the periodic work for as long as this instance leads
func (a *Service) handleLeadership(ctx context.Context) {
	defer a.wg.Done()

	var (
		cancel context.CancelFunc
		term   chan struct{}
	)

	resign := func() {
		if cancel == nil {
			return
		}

		cancel()
		<-term

		cancel = nil
	}

	defer resign()

	for {
		select {
		case <-a.done:
			return

		case <-ctx.Done():
			return

		case <-a.elector.PromotedChan():
			observability.RecordLeadership(true)

			if cancel != nil {
				a.log.Warn("Received promotion but periodic work already running")
				continue
			}

			a.log.Info("Promoted to leader, starting periodic work")

			var leaderCtx context.Context

			leaderCtx, cancel = context.WithCancel(ctx)
			term = make(chan struct{})

			go func(done chan struct{}) {
				defer close(done)

				a.lead(leaderCtx)
			}(term)

		case <-a.elector.DemotedChan():
			observability.RecordLeadership(false)
			a.log.Info("Demoted from leader, stopping periodic work")

			resign()
		}
	}
}

// lead runs one leadership term until ctx is canceled
func (a *Service) lead(ctx context.Context) {
	t, err := ticker.New(a.log, ticker.NewRedisTracker(a.log, a.redisClient, a.config.Redis.Prefix), a.config.Scheduling.TickResolution, a.tasks())
	if err != nil {
		a.log.WithError(err).Error("Failed to create ticker")
		return
	}

	if err := t.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.log.WithError(err).Error("Ticker stopped with error")
	}
}

// tasks returns the periodic work of a leadership term. Queue recovery runs
// before the first watcher tick of the process and the counters are resynced
// before the first sweep of every term.
func (a *Service) tasks() []ticker.Task {
	var resynced bool

	return []ticker.Task{
		{
			Name:     "watch",
			Schedule: a.config.Scheduling.WatchSchedule,
			Run: func(ctx context.Context) error {
				if err := a.recoverQueues(ctx); err != nil {
					return err
				}

				return a.watcher.Tick(ctx)
			},
		},
		{
			Name:     "sweep",
			Schedule: a.config.Scheduling.SweepSchedule,
			Run: func(ctx context.Context) error {
				if !resynced {
					if err := a.scheduler.ResyncCounters(ctx); err != nil {
						return err
					}

					resynced = true
				}

				return a.scheduler.SweepAll(ctx)
			},
		},
		{
			Name:     "resync",
			Schedule: a.config.Scheduling.ResyncSchedule,
			Run:      a.scheduler.ResyncCounters,
		},
	}
}

// recoverQueues resets the admissions of a crashed predecessor process. A
// later leadership term of the same process keeps its own admissions: the
// work they started may still be running here.
func (a *Service) recoverQueues(ctx context.Context) error {
	a.recoveryMu.Lock()
	defer a.recoveryMu.Unlock()

	if a.recovered {
		return nil
	}

	if _, err := queue.Bootstrap(ctx, a.log, a.jobs, a.reruns); err != nil {
		return err
	}

	a.recovered = true

	return nil
}
