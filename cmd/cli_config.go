package cmd

import (
	"context"
	"os"
	"time"

	"github.com/creasty/defaults"
	goredis "github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/cds/pkg/redis"
)

// cliTimeout bounds every one-shot CLI operation
const cliTimeout = 30 * time.Second

// CLIConfig represents minimal configuration for CLI commands. It reads the
// same file as the engine and ignores the sections it does not need.
type CLIConfig struct {
	Redis redis.Config `yaml:"redis"`
}

// Validate validates the CLI configuration
func (c *CLIConfig) Validate() error {
	return c.Redis.Validate()
}

// LoadCLIConfig loads CLI configuration from a YAML file
func LoadCLIConfig(path string) (*CLIConfig, error) {
	config := &CLIConfig{}

	if err := defaults.Set(config); err != nil {
		return nil, err
	}

	// Try to read the file, but allow it to not exist
	yamlFile, err := os.ReadFile(path) //nolint:gosec // User-provided config file path
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := yaml.Unmarshal(yamlFile, config); err != nil {
		return nil, err
	}

	if url := os.Getenv("CDS_REDIS_URL"); url != "" {
		config.Redis.URL = url
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// connectRedis loads the CLI configuration and returns a connected client
func connectRedis(ctx context.Context) (*CLIConfig, *goredis.Client, error) {
	cfg, err := LoadCLIConfig(cfgFile)
	if err != nil {
		return nil, nil, err
	}

	opt, err := cfg.Redis.Options()
	if err != nil {
		return nil, nil, err
	}

	client, err := redis.NewClient(ctx, opt)
	if err != nil {
		return nil, nil, err
	}

	return cfg, client, nil
}

func closeRedis(client *goredis.Client) {
	if err := client.Close(); err != nil {
		logger.WithError(err).Error("Failed to close Redis client")
	}
}
