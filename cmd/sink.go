package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/cds/pkg/admission"
	"github.com/ethpandaops/cds/pkg/overrides"
)

//nolint:gochecknoglobals // Command flags need to be global for cobra
var sinkID int64

//nolint:gochecknoglobals // Cobra commands are typically global
var sinkCmd = &cobra.Command{
	Use:   "sink",
	Short: "Override the admission mode of a sink on every engine instance",
}

//nolint:gochecknoglobals // Cobra commands are typically global
var sinkBulkCmd = &cobra.Command{
	Use:   "bulk",
	Short: "Force a sink into bulk mode",
	Long: `Bulk mode leaves ready chunks to the periodic sweep, which submits them
in batches bounded by bulkBatchLimit.

Examples:
  cds sink bulk --sink 3`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return publishOverride(cmd, admission.ModeBulk)
	},
}

//nolint:gochecknoglobals // Cobra commands are typically global
var sinkTransitionCmd = &cobra.Command{
	Use:   "transition",
	Short: "Start the transition of a sink back to direct mode",
	Long: `The sink drains its remaining ready chunks and returns to direct mode
once its queue falls to transitionToDirectMark.

Examples:
  cds sink transition --sink 3`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return publishOverride(cmd, admission.ModeTransitionToDirect)
	},
}

func init() {
	rootCmd.AddCommand(sinkCmd)
	sinkCmd.AddCommand(sinkBulkCmd, sinkTransitionCmd)

	sinkCmd.PersistentFlags().Int64Var(&sinkID, "sink", 0, "Sink id")
	_ = sinkCmd.MarkPersistentFlagRequired("sink")
}

func publishOverride(cmd *cobra.Command, mode admission.Mode) error {
	cmd.SilenceUsage = true

	ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
	defer cancel()

	cfg, client, err := connectRedis(ctx)
	if err != nil {
		return err
	}
	defer closeRedis(client)

	return overrides.NewPublisher(logger, client, cfg.Redis.Prefix).PublishOverride(ctx, admission.Override{SinkID: sinkID, Mode: mode})
}
