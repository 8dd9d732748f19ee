package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sstlabs/esocial-engine/internal/model"
	"github.com/sstlabs/esocial-engine/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	Short:   "Reconcile employee master data from processed events",
	GroupID: "sync",
}

var syncStartCmd = &cobra.Command{
	Use:   "start <employer-tax-id>",
	Short: "Queue a manual sync job for an employer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetBool("wait")
		interval, _ := cmd.Flags().GetDuration("interval")
		ctx := context.Background()

		job, err := engineClient.ScheduleSync(ctx, args[0])
		if err != nil {
			return fmt.Errorf("scheduling sync: %w", err)
		}
		if wait {
			for !job.Status.IsTerminal() {
				time.Sleep(interval)
				if job, err = engineClient.GetSyncJob(ctx, job.ID); err != nil {
					return fmt.Errorf("getting sync job: %w", err)
				}
			}
		}
		if jsonOutput {
			return printJSON(job)
		}
		printJob(job)
		if job.Status == model.JobFailed {
			return fmt.Errorf("sync job %s failed", job.ID)
		}
		return nil
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show a sync job, or every tracked job and the scheduler counters",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		if len(args) == 1 {
			job, err := engineClient.GetSyncJob(ctx, args[0])
			if err != nil {
				return fmt.Errorf("getting sync job: %w", err)
			}
			if jsonOutput {
				return printJSON(job)
			}
			printJob(job)
			return nil
		}

		stats, err := engineClient.SyncStats(ctx)
		if err != nil {
			return fmt.Errorf("getting sync stats: %w", err)
		}
		jobs, err := engineClient.ListSyncJobs(ctx)
		if err != nil {
			return fmt.Errorf("listing sync jobs: %w", err)
		}
		if jsonOutput {
			return printJSON(map[string]any{"stats": stats, "jobs": jobs})
		}
		printJobs(jobs)
		fmt.Printf("\n%d jobs: %s queued, %s running, %s completed, %s failed, %d cancelled; %d free slots\n",
			stats.Total,
			ui.RenderMuted(fmt.Sprint(stats.Queued)),
			ui.RenderWarn(fmt.Sprint(stats.Running)),
			ui.RenderOK(fmt.Sprint(stats.Completed)),
			ui.RenderFail(fmt.Sprint(stats.Failed)),
			stats.Cancelled,
			stats.FreeSlots,
		)
		return nil
	},
}

func init() {
	syncStartCmd.Flags().Bool("wait", false, "wait until the job finishes")
	syncStartCmd.Flags().Duration("interval", time.Second, "status poll interval with --wait")

	syncCmd.AddCommand(syncStartCmd)
	syncCmd.AddCommand(syncStatusCmd)
}
