package tasks

import "errors"

var (
	// ErrInvalidConcurrency is returned when the worker concurrency is not positive
	ErrInvalidConcurrency = errors.New("transport concurrency must be positive")
	// ErrQueueNameRequired is returned when a queue name is empty
	ErrQueueNameRequired = errors.New("transport queue names are required")
)

// Config configures the asynq transport
type Config struct {
	// Concurrency of the inbound event server
	Concurrency int `yaml:"concurrency" default:"10"`
	// MaxRetry for outbound tasks
	MaxRetry int `yaml:"maxRetry" default:"25"`

	ProcessingQueue string `yaml:"processingQueue" default:"processing"`
	DeliveryQueue   string `yaml:"deliveryQueue" default:"delivery"`
	PartitionQueue  string `yaml:"partitionQueue" default:"partition"`
	RerunQueue      string `yaml:"rerunQueue" default:"rerun"`
	EventQueue      string `yaml:"eventQueue" default:"scheduler"`
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Concurrency <= 0 {
		return ErrInvalidConcurrency
	}

	for _, q := range []string{c.ProcessingQueue, c.DeliveryQueue, c.PartitionQueue, c.RerunQueue, c.EventQueue} {
		if q == "" {
			return ErrQueueNameRequired
		}
	}

	return nil
}

// WithPrefix returns a copy whose queue names carry prefix
func (c Config) WithPrefix(prefix string) Config {
	if prefix == "" {
		return c
	}

	c.ProcessingQueue = prefix + ":" + c.ProcessingQueue
	c.DeliveryQueue = prefix + ":" + c.DeliveryQueue
	c.PartitionQueue = prefix + ":" + c.PartitionQueue
	c.RerunQueue = prefix + ":" + c.RerunQueue
	c.EventQueue = prefix + ":" + c.EventQueue

	return c
}
