package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sstlabs/esocial-engine/internal/ui"
)

var healthCmd = &cobra.Command{
	Use:     "health",
	Short:   "Check the health of the engine",
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := engineClient.Health(context.Background())
		if err != nil {
			return fmt.Errorf("checking health: %w", err)
		}
		if jsonOutput {
			if err := printJSON(map[string]string{"status": status}); err != nil {
				return err
			}
		} else {
			fmt.Printf("Health: %s\n", ui.RenderStatus(status))
		}
		if status != "ok" {
			return fmt.Errorf("unhealthy: %s", status)
		}
		return nil
	},
}

var connectivityCmd = &cobra.Command{
	Use:     "connectivity",
	Short:   "Probe the eSocial webservice of the server's environment",
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := engineClient.Connectivity(context.Background())
		if err != nil {
			return fmt.Errorf("testing connectivity: %w", err)
		}
		if jsonOutput {
			if err := printJSON(res); err != nil {
				return err
			}
		} else {
			state := ui.RenderOK("reachable")
			if !res.Reachable {
				state = ui.RenderFail("unreachable")
			}
			fmt.Printf("Environment: %s\n", res.Environment)
			fmt.Printf("Endpoint:    %s\n", res.Endpoint)
			fmt.Printf("Status:      %s (%d ms)\n", state, res.LatencyMs)
			if res.Error != "" {
				fmt.Printf("Error:       %s\n", res.Error)
			}
		}
		if !res.Reachable {
			return fmt.Errorf("%s endpoint unreachable", res.Environment)
		}
		return nil
	},
}
