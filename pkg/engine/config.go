// Package engine wires the chunk scheduler, admission control, job admission
// and transport into one runnable service
package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/cds/pkg/admission"
	"github.com/ethpandaops/cds/pkg/api"
	"github.com/ethpandaops/cds/pkg/election"
	"github.com/ethpandaops/cds/pkg/redis"
	"github.com/ethpandaops/cds/pkg/tasks"
	"github.com/ethpandaops/cds/pkg/ticker"
)

var (
	// ErrInvalidLogLevel is returned when logging is not a logrus level
	ErrInvalidLogLevel = errors.New("invalid log level")
	// ErrCachePathRequired is returned when no definition cache path is configured
	ErrCachePathRequired = errors.New("cache path is required")
	// ErrInvalidTickResolution is returned when the tick resolution is not positive
	ErrInvalidTickResolution = errors.New("tick resolution must be positive")
)

// Config represents the complete engine configuration
type Config struct {
	// Core settings
	Logging         string `yaml:"logging" default:"info"`
	MetricsAddr     string `yaml:"metricsAddr" default:":9090"`
	HealthCheckAddr string `yaml:"healthCheckAddr"`
	PProfAddr       string `yaml:"pprofAddr"`

	// Dependencies
	Redis redis.Config `yaml:"redis"`

	Admission  admission.Config `yaml:"admission"`
	Scheduling SchedulingConfig `yaml:"scheduling"`
	Transport  tasks.Config     `yaml:"transport"`
	Election   election.Config  `yaml:"election"`
	Cache      CacheConfig      `yaml:"cache"`

	// API service configuration
	API api.Config `yaml:"api"`
}

// SchedulingConfig defines how often the leader runs its periodic work
type SchedulingConfig struct {
	SweepSchedule  string        `yaml:"sweepSchedule" default:"@every 1s"`
	WatchSchedule  string        `yaml:"watchSchedule" default:"@every 1s"`
	ResyncSchedule string        `yaml:"resyncSchedule" default:"@every 5m"`
	TickResolution time.Duration `yaml:"tickResolution" default:"250ms"`
}

// Validate checks every schedule parses
func (c *SchedulingConfig) Validate() error {
	if c.TickResolution <= 0 {
		return ErrInvalidTickResolution
	}

	for name, schedule := range map[string]string{
		"sweepSchedule":  c.SweepSchedule,
		"watchSchedule":  c.WatchSchedule,
		"resyncSchedule": c.ResyncSchedule,
	} {
		if _, err := ticker.ParseScheduleInterval(schedule); err != nil {
			return fmt.Errorf("scheduling.%s: %w", name, err)
		}
	}

	return nil
}

// CacheConfig locates the upstream definition cache
type CacheConfig struct {
	Path string `yaml:"path" default:"cds.db"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Logging {
	case "panic", "fatal", "error", "warn", "warning", "info", "debug", "trace":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Logging)
	}

	if err := c.Redis.Validate(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := c.Admission.Validate(); err != nil {
		return fmt.Errorf("admission: %w", err)
	}

	if err := c.Scheduling.Validate(); err != nil {
		return err
	}

	if err := c.Transport.Validate(); err != nil {
		return fmt.Errorf("transport: %w", err)
	}

	if err := c.Election.Validate(); err != nil {
		return fmt.Errorf("election: %w", err)
	}

	if c.Cache.Path == "" {
		return ErrCachePathRequired
	}

	return c.API.Validate()
}
