package cmd

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/cds/pkg/queue"
)

//nolint:gochecknoglobals // Command flags need to be global for cobra
var rerunJobID int64

// rerunCmd represents the rerun command
//
//nolint:gochecknoglobals // Cobra commands are typically global
var rerunCmd = &cobra.Command{
	Use:   "rerun",
	Short: "Queue a job for rerun",
	Long: `Rerun appends a job to the global rerun FIFO. The engine leader runs at
most one rerun at a time.

Examples:
  cds rerun --job 42`,
	RunE: runRerun,
}

func init() {
	rootCmd.AddCommand(rerunCmd)

	rerunCmd.Flags().Int64Var(&rerunJobID, "job", 0, "Job id to rerun")
	_ = rerunCmd.MarkFlagRequired("job")
}

func runRerun(cmd *cobra.Command, _ []string) error {
	// Silence usage on error
	cmd.SilenceUsage = true

	ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
	defer cancel()

	cfg, client, err := connectRedis(ctx)
	if err != nil {
		return err
	}
	defer closeRedis(client)

	entry := &queue.RerunEntry{JobID: rerunJobID}
	if err := queue.NewRerunQueue(logger, client, cfg.Redis.Prefix).AddWaiting(ctx, entry); err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"entry_id": entry.ID,
		"job_id":   entry.JobID,
	}).Info("Job queued for rerun")

	return nil
}
