package admission

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/cds/pkg/observability"
)

// Controller tracks per-sink admission state for this process. Counters are an
// approximation of the chunks in flight; the store remains the source of truth.
type Controller struct {
	log        logrus.FieldLogger
	thresholds thresholds

	mu    sync.RWMutex
	sinks map[int64]*SinkStatus
}

// NewController creates a controller with the given thresholds
func NewController(log logrus.FieldLogger, cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		log:   log.WithField("component", "admission"),
		sinks: make(map[int64]*SinkStatus),
	}
	c.thresholds.store(cfg)

	return c, nil
}

// Status returns the status of a sink, creating it in direct mode on first use
func (c *Controller) Status(sinkID int64) *SinkStatus {
	c.mu.RLock()
	status, ok := c.sinks[sinkID]
	c.mu.RUnlock()

	if ok {
		return status
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if status, ok = c.sinks[sinkID]; ok {
		return status
	}

	status = &SinkStatus{SinkID: sinkID}
	c.sinks[sinkID] = status

	return status
}

// TryDirectSubmit reserves a slot for an immediate submission. It succeeds only
// in direct mode below the high-water mark; reaching the mark switches the
// phase to bulk.
func (c *Controller) TryDirectSubmit(sinkID int64, phase Phase) bool {
	ps := c.Status(sinkID).Phase(phase)

	if ps.Mode() != ModeDirect {
		return false
	}

	if ps.incrementBelow(c.thresholds.maxQueued(phase)) {
		c.record(sinkID, phase, ps)
		return true
	}

	c.setMode(sinkID, phase, ps, ModeDirect, ModeBulk)

	return false
}

// Submitted counts a submission made by a sweep
func (c *Controller) Submitted(sinkID int64, phase Phase) {
	ps := c.Status(sinkID).Phase(phase)
	ps.increment()
	c.record(sinkID, phase, ps)
}

// Done releases a slot and returns the new counter value, never below -1
func (c *Controller) Done(sinkID int64, phase Phase) int64 {
	ps := c.Status(sinkID).Phase(phase)
	queued := ps.decrement()
	c.record(sinkID, phase, ps)

	return queued
}

// SweepBudget returns how many ready chunks a sweep may submit. Direct mode
// submits on its own and gets no budget.
func (c *Controller) SweepBudget(sinkID int64, phase Phase) int64 {
	ps := c.Status(sinkID).Phase(phase)

	if ps.Mode() == ModeDirect {
		return 0
	}

	budget := c.thresholds.maxQueued(phase) - ps.effectiveQueued()

	return max(min(budget, c.thresholds.bulkBatchLimit.Load()), 0)
}

// AfterSweep advances the mode once a sweep finished. Bulk mode starts the
// transition back to direct once the queue drained below the transition mark;
// the transition completes when no ready chunk is left behind.
func (c *Controller) AfterSweep(sinkID int64, phase Phase, remainingReady int64) Mode {
	ps := c.Status(sinkID).Phase(phase)

	switch ps.Mode() {
	case ModeBulk:
		if ps.effectiveQueued() < c.thresholds.transitionToDirectMark.Load() {
			c.setMode(sinkID, phase, ps, ModeBulk, ModeTransitionToDirect)
		}
	case ModeTransitionToDirect:
		if remainingReady == 0 {
			c.setMode(sinkID, phase, ps, ModeTransitionToDirect, ModeDirect)
		}
	case ModeDirect:
	}

	c.record(sinkID, phase, ps)

	return ps.Mode()
}

// ForceBulk switches both phases of a sink to bulk mode
func (c *Controller) ForceBulk(sinkID int64) {
	c.force(sinkID, ModeBulk)
}

// ForceTransitionToDirect starts the transition back to direct mode on both phases
func (c *Controller) ForceTransitionToDirect(sinkID int64) {
	c.force(sinkID, ModeTransitionToDirect)
}

// Override is an administrative mode change for a sink
type Override struct {
	SinkID int64 `json:"sinkId"`
	Mode   Mode  `json:"mode"`
}

// ErrUnsupportedOverride is returned for overrides other than bulk and transition
var ErrUnsupportedOverride = errors.New("only BULK and TRANSITION_TO_DIRECT can be forced")

// Apply executes an override
func (c *Controller) Apply(o Override) error {
	switch o.Mode {
	case ModeBulk:
		c.ForceBulk(o.SinkID)
	case ModeTransitionToDirect:
		c.ForceTransitionToDirect(o.SinkID)
	case ModeDirect:
		fallthrough
	default:
		return fmt.Errorf("%w: got %s", ErrUnsupportedOverride, o.Mode)
	}

	return nil
}

func (c *Controller) force(sinkID int64, mode Mode) {
	status := c.Status(sinkID)

	for _, phase := range Phases {
		ps := status.Phase(phase)
		previous := Mode(ps.mode.Swap(int32(mode)))

		if previous != mode {
			c.log.WithFields(logrus.Fields{
				"sink_id": sinkID,
				"phase":   phase,
				"mode":    mode,
			}).Info("Admission mode overridden")
			observability.RecordModeSwitch(sinkID, string(phase), mode.String())
		}

		c.record(sinkID, phase, ps)
	}
}

// Mode returns the current mode of a sink phase
func (c *Controller) Mode(sinkID int64, phase Phase) Mode {
	return c.Status(sinkID).Phase(phase).Mode()
}

// Queued returns the raw counter of a sink phase
func (c *Controller) Queued(sinkID int64, phase Phase) int64 {
	return c.Status(sinkID).Phase(phase).Queued()
}

// SetQueued overwrites a counter, used when re-deriving counters from the store
func (c *Controller) SetQueued(sinkID int64, phase Phase, queued int64) {
	ps := c.Status(sinkID).Phase(phase)
	ps.queued.Store(max(queued, 0))
	c.record(sinkID, phase, ps)
}

// Thresholds returns the current thresholds
func (c *Controller) Thresholds() Config {
	return c.thresholds.load()
}

// SetThresholds replaces the thresholds used by subsequent decisions
func (c *Controller) SetThresholds(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.thresholds.store(cfg)

	c.log.WithFields(logrus.Fields{
		"max_queued_processing":     cfg.MaxQueuedProcessing,
		"max_queued_delivering":     cfg.MaxQueuedDelivering,
		"transition_to_direct_mark": cfg.TransitionToDirectMark,
		"bulk_batch_limit":          cfg.BulkBatchLimit,
	}).Info("Admission thresholds updated")

	return nil
}

// Sinks returns every sink known to the controller
func (c *Controller) Sinks() []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]int64, 0, len(c.sinks))
	for id := range c.sinks {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}

// Snapshot returns a copy of every sink status ordered by sink id
func (c *Controller) Snapshot() []SinkSnapshot {
	ids := c.Sinks()
	snapshots := make([]SinkSnapshot, 0, len(ids))

	for _, id := range ids {
		status := c.Status(id)
		snapshots = append(snapshots, SinkSnapshot{
			SinkID:     id,
			Processing: PhaseSnapshot{Mode: status.Processing.Mode(), Queued: status.Processing.Queued()},
			Delivering: PhaseSnapshot{Mode: status.Delivering.Mode(), Queued: status.Delivering.Queued()},
		})
	}

	return snapshots
}

func (c *Controller) setMode(sinkID int64, phase Phase, ps *PhaseStatus, from, to Mode) {
	if !ps.switchMode(from, to) {
		return
	}

	c.log.WithFields(logrus.Fields{
		"sink_id": sinkID,
		"phase":   phase,
		"mode":    to,
		"queued":  ps.Queued(),
	}).Info("Admission mode switched")

	observability.RecordModeSwitch(sinkID, string(phase), to.String())
	c.record(sinkID, phase, ps)
}

func (c *Controller) record(sinkID int64, phase Phase, ps *PhaseStatus) {
	observability.RecordAdmission(sinkID, string(phase), int(ps.Mode()), ps.Queued())
}
