package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var employersCmd = &cobra.Command{
	Use:     "employers",
	Short:   "List registered employers",
	GroupID: "sync",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := engineClient.ListEmployers(context.Background())
		if err != nil {
			return fmt.Errorf("listing employers: %w", err)
		}
		if jsonOutput {
			return printJSON(list)
		}
		w := newTable()
		fmt.Fprintln(w, "ID\tTAX ID\tNAME")
		for _, e := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\n", e.ID, e.TaxID, e.Name)
		}
		w.Flush()
		return nil
	},
}
