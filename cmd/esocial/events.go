package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sstlabs/esocial-engine/internal/client"
	"github.com/sstlabs/esocial-engine/internal/ui"
)

var eventsCmd = &cobra.Command{
	Use:     "events",
	Short:   "List, inspect and delete events",
	GroupID: "events",
}

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List events",
	RunE: func(cmd *cobra.Command, args []string) error {
		employer, _ := cmd.Flags().GetString("employer")
		status, _ := cmd.Flags().GetStringSlice("status")
		types, _ := cmd.Flags().GetStringSlice("type")
		batch, _ := cmd.Flags().GetString("batch")
		sort, _ := cmd.Flags().GetString("sort")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		resp, err := engineClient.ListEvents(context.Background(), &client.ListEventsRequest{
			EmployerID: employer,
			Status:     status,
			Type:       types,
			BatchID:    batch,
			Sort:       sort,
			Limit:      limit,
			Offset:     offset,
		})
		if err != nil {
			return fmt.Errorf("listing events: %w", err)
		}
		if jsonOutput {
			return printJSON(resp)
		}
		printEventList(resp.Events, resp.Total)
		return nil
	},
}

var eventsShowCmd = &cobra.Command{
	Use:   "show <event-id>",
	Short: "Show an event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := engineClient.GetEvent(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("getting event: %w", err)
		}
		if jsonOutput {
			return printJSON(e)
		}
		printEvent(e)
		return nil
	},
}

var eventsDeleteCmd = &cobra.Command{
	Use:   "delete <event-id>...",
	Short: "Delete draft or failed events",
	Long:  "Delete events in preparing or error status. Events the government may already hold are refused.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var failed int
		for _, id := range args {
			e, err := engineClient.DeleteEvent(context.Background(), id)
			if err != nil {
				failed++
				fmt.Printf("%s %s: %v\n", ui.RenderFail("✗"), id, err)
				continue
			}
			fmt.Printf("%s deleted %s (%s)\n", ui.RenderOK("✓"), e.ID, e.Status)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d events not deleted", failed, len(args))
		}
		return nil
	},
}

func init() {
	eventsListCmd.Flags().String("employer", "", "filter by employer id")
	eventsListCmd.Flags().StringSliceP("status", "s", nil, "filter by status (repeatable)")
	eventsListCmd.Flags().StringSliceP("type", "t", nil, "filter by event type (repeatable)")
	eventsListCmd.Flags().String("batch", "", "filter by batch id")
	eventsListCmd.Flags().String("sort", "-created_at", "sort field, prefix - for descending")
	eventsListCmd.Flags().Int("limit", 50, "maximum number of events")
	eventsListCmd.Flags().Int("offset", 0, "events to skip")

	eventsCmd.AddCommand(eventsListCmd)
	eventsCmd.AddCommand(eventsShowCmd)
	eventsCmd.AddCommand(eventsDeleteCmd)
}
