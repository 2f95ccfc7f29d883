package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/creasty/defaults"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/cds/pkg/engine"
)

//nolint:gochecknoglobals // Cobra commands are typically global
var engineCmd = &cobra.Command{
	Use:   "engine",
	Short: "Start the CDS engine",
	Long: `The engine consumes partitioning and completion events, tracks chunk
dependencies, admits queued jobs and submits chunks for processing and
delivery. Periodic work runs on the elected leader only.`,
	RunE: runEngine,
}

func init() {
	rootCmd.AddCommand(engineCmd)
}

func loadEngineConfigFromFile(file string) (*engine.Config, error) {
	config := &engine.Config{}

	if err := defaults.Set(config); err != nil {
		return nil, err
	}

	yamlFile, err := os.ReadFile(file) //nolint:gosec // User-provided config file path
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(yamlFile, config); err != nil {
		return nil, err
	}

	return config, nil
}

func runEngine(cmd *cobra.Command, _ []string) error {
	// Silence usage on error
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	config, err := loadEngineConfigFromFile(cfgFile)
	if err != nil {
		return err
	}

	// --log-level wins over the config file when given explicitly
	if !cmd.Flags().Changed("log-level") {
		level, err := logrus.ParseLevel(config.Logging)
		if err != nil {
			return err
		}

		logger.SetLevel(level)
	}

	logger.WithField("config", cfgFile).Info("Configuration loaded")

	svc, err := engine.NewService(logger, config)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		_ = svc.Stop()
		return err
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	cancel()

	// Graceful shutdown
	return svc.Stop()
}
