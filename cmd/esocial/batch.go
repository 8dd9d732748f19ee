package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sstlabs/esocial-engine/internal/client"
	"github.com/sstlabs/esocial-engine/internal/lifecycle"
	"github.com/sstlabs/esocial-engine/internal/ui"
)

var batchCmd = &cobra.Command{
	Use:     "batch",
	Short:   "Submit and poll event batches",
	GroupID: "events",
}

var batchSubmitCmd = &cobra.Command{
	Use:   "submit <event-id>...",
	Short: "Sign and transmit events as one batch",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := engineClient.SubmitBatch(context.Background(), args)
		return reportSubmit(res, err)
	},
}

var batchRetryCmd = &cobra.Command{
	Use:   "retry <batch-id>",
	Short: "Transmit a batch again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := engineClient.RetryBatch(context.Background(), args[0])
		return reportSubmit(res, err)
	},
}

// reportSubmit prints whatever outcome the server returned, including the
// partial one that accompanies a failed transmission.
func reportSubmit(res *lifecycle.SubmitResult, err error) error {
	if res != nil {
		if jsonOutput {
			if perr := printJSON(res); perr != nil {
				return perr
			}
		} else {
			printSubmitResult(res)
		}
	}
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) {
			for _, d := range apiErr.Details {
				fmt.Printf("  %s %s: %s\n", ui.RenderFail("✗"), d.ID, d.Message)
			}
		}
		return fmt.Errorf("submitting batch: %w", err)
	}
	return nil
}

var batchPollCmd = &cobra.Command{
	Use:   "poll [batch-id]",
	Short: "Query the processing result of a batch, or of every open batch of an employer",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		employer, _ := cmd.Flags().GetString("employer")
		ctx := context.Background()

		switch {
		case len(args) == 1:
			res, err := engineClient.PollBatch(ctx, args[0])
			if err != nil {
				return fmt.Errorf("polling batch: %w", err)
			}
			if jsonOutput {
				return printJSON(res)
			}
			printPollResult(res)
			return nil
		case employer != "":
			polls, err := engineClient.PollEmployer(ctx, employer)
			if err != nil {
				return fmt.Errorf("polling employer: %w", err)
			}
			if jsonOutput {
				return printJSON(polls)
			}
			var failed int
			for _, p := range polls {
				if p.Error != "" {
					failed++
					fmt.Printf("%s %s: %s\n", ui.RenderFail("✗"), p.BatchID, p.Error)
					continue
				}
				printPollResult(p.Result)
			}
			if len(polls) == 0 {
				fmt.Println("No open batches")
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d batches could not be polled", failed, len(polls))
			}
			return nil
		default:
			return errors.New("a batch id or --employer is required")
		}
	},
}

func init() {
	batchPollCmd.Flags().String("employer", "", "poll every open batch of this employer id")

	batchCmd.AddCommand(batchSubmitCmd)
	batchCmd.AddCommand(batchRetryCmd)
	batchCmd.AddCommand(batchPollCmd)
}
