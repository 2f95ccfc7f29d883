// Package admission decides how many chunks may be in flight per sink
package admission

import (
	"errors"
	"sync/atomic"
)

var (
	// ErrInvalidMaxQueued is returned when a high-water mark is not positive
	ErrInvalidMaxQueued = errors.New("max queued must be positive")
	// ErrInvalidTransitionMark is returned when the transition mark is negative or not below the high-water marks
	ErrInvalidTransitionMark = errors.New("transition to direct mark must be between 0 and max queued")
	// ErrInvalidBulkBatchLimit is returned when the bulk batch limit is not positive
	ErrInvalidBulkBatchLimit = errors.New("bulk batch limit must be positive")
)

// Config defines admission thresholds
type Config struct {
	MaxQueuedProcessing    int64 `yaml:"maxQueuedProcessing" json:"maxQueuedProcessing" default:"1000"`
	MaxQueuedDelivering    int64 `yaml:"maxQueuedDelivering" json:"maxQueuedDelivering" default:"1000"`
	TransitionToDirectMark int64 `yaml:"transitionToDirectMark" json:"transitionToDirectMark" default:"50"`
	BulkBatchLimit         int64 `yaml:"bulkBatchLimit" json:"bulkBatchLimit" default:"100"`
}

// Validate checks if the admission configuration is valid
func (c *Config) Validate() error {
	if c.MaxQueuedProcessing <= 0 || c.MaxQueuedDelivering <= 0 {
		return ErrInvalidMaxQueued
	}

	if c.TransitionToDirectMark < 0 ||
		c.TransitionToDirectMark > c.MaxQueuedProcessing ||
		c.TransitionToDirectMark > c.MaxQueuedDelivering {
		return ErrInvalidTransitionMark
	}

	if c.BulkBatchLimit <= 0 {
		return ErrInvalidBulkBatchLimit
	}

	return nil
}

// thresholds holds the live values read on every decision
type thresholds struct {
	maxQueuedProcessing    atomic.Int64
	maxQueuedDelivering    atomic.Int64
	transitionToDirectMark atomic.Int64
	bulkBatchLimit         atomic.Int64
}

func (t *thresholds) store(cfg Config) {
	t.maxQueuedProcessing.Store(cfg.MaxQueuedProcessing)
	t.maxQueuedDelivering.Store(cfg.MaxQueuedDelivering)
	t.transitionToDirectMark.Store(cfg.TransitionToDirectMark)
	t.bulkBatchLimit.Store(cfg.BulkBatchLimit)
}

func (t *thresholds) load() Config {
	return Config{
		MaxQueuedProcessing:    t.maxQueuedProcessing.Load(),
		MaxQueuedDelivering:    t.maxQueuedDelivering.Load(),
		TransitionToDirectMark: t.transitionToDirectMark.Load(),
		BulkBatchLimit:         t.bulkBatchLimit.Load(),
	}
}

func (t *thresholds) maxQueued(phase Phase) int64 {
	if phase == PhaseDelivering {
		return t.maxQueuedDelivering.Load()
	}

	return t.maxQueuedProcessing.Load()
}
