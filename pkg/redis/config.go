// Package redis provides Redis client configuration
package redis

import (
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Define static errors
var (
	ErrURLRequired = errors.New("redis url is required")
	ErrInvalidURL  = errors.New("invalid redis url")
)

// DefaultPrefix namespaces every key and queue when no prefix is configured
const DefaultPrefix = "cds"

// Config holds Redis client configuration
type Config struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix" default:"cds"`
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.URL == "" {
		return ErrURLRequired
	}

	if _, err := redis.ParseURL(c.URL); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}

	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}

	return nil
}

// PrefixKey adds the configured prefix to a Redis key
func (c *Config) PrefixKey(key string) string {
	if c.Prefix == "" {
		return key
	}

	return fmt.Sprintf("%s:%s", c.Prefix, key)
}

// PrefixQueue adds the configured prefix to an Asynq queue name
func (c *Config) PrefixQueue(queue string) string {
	if c.Prefix == "" {
		return queue
	}

	return fmt.Sprintf("%s:%s", c.Prefix, queue)
}
