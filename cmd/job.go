package cmd

import (
	"context"
	"encoding/json"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/cds/pkg/queue"
)

//nolint:gochecknoglobals // Command flags need to be global for cobra
var (
	jobID           int64
	jobSinkID       int64
	jobSplitterKind string
)

//nolint:gochecknoglobals // Cobra commands are typically global
var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage jobs waiting for partitioning",
}

//nolint:gochecknoglobals // Cobra commands are typically global
var jobSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Queue a job for partitioning against a sink",
	Long: `Submit appends a job to the FIFO of its sink. The engine leader admits
at most one job per sink at a time and dispatches it for partitioning.

Examples:
  cds job submit --job 42 --sink 3
  cds job submit --job 43 --sink 3 --splitter csv`,
	RunE: runJobSubmit,
}

//nolint:gochecknoglobals // Cobra commands are typically global
var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the jobs queued for a sink",
	RunE:  runJobList,
}

func init() {
	rootCmd.AddCommand(jobCmd)
	jobCmd.AddCommand(jobSubmitCmd, jobListCmd)

	jobSubmitCmd.Flags().Int64Var(&jobID, "job", 0, "Job id")
	jobSubmitCmd.Flags().Int64Var(&jobSinkID, "sink", 0, "Sink id the job delivers to")
	jobSubmitCmd.Flags().StringVar(&jobSplitterKind, "splitter", "", "Splitter used to partition the job")

	_ = jobSubmitCmd.MarkFlagRequired("job")
	_ = jobSubmitCmd.MarkFlagRequired("sink")

	jobListCmd.Flags().Int64Var(&jobSinkID, "sink", 0, "Sink id")
	_ = jobListCmd.MarkFlagRequired("sink")
}

func runJobSubmit(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true

	ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
	defer cancel()

	cfg, client, err := connectRedis(ctx)
	if err != nil {
		return err
	}
	defer closeRedis(client)

	entry := &queue.JobEntry{JobID: jobID, SinkID: jobSinkID, SplitterKind: jobSplitterKind}
	if err := queue.NewJobQueue(logger, client, cfg.Redis.Prefix).AddWaiting(ctx, entry); err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"entry_id": entry.ID,
		"job_id":   entry.JobID,
		"sink_id":  entry.SinkID,
	}).Info("Job queued for partitioning")

	return nil
}

func runJobList(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true

	ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
	defer cancel()

	cfg, client, err := connectRedis(ctx)
	if err != nil {
		return err
	}
	defer closeRedis(client)

	entries, err := queue.NewJobQueue(logger, client, cfg.Redis.Prefix).List(ctx, jobSinkID)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")

	return encoder.Encode(entries)
}
