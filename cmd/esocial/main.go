package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sstlabs/esocial-engine/internal/client"
	"github.com/sstlabs/esocial-engine/internal/ui"
)

var (
	httpURL    string
	token      string
	actor      string
	jsonOutput bool

	engineClient client.EngineClient
)

func envOr(key, def string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return def
}

func defaultActor() string {
	if s := os.Getenv("ESOCIAL_ACTOR"); s != "" {
		return s
	}
	if s := os.Getenv("USER"); s != "" {
		return s
	}
	return "cli"
}

var rootCmd = &cobra.Command{
	Use:           "esocial <command>",
	Short:         "eSocial event submission engine",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if !ui.ShouldUseColor() {
			ui.ForceNoColor()
		}
		engineClient = client.NewHTTPClient(httpURL,
			client.WithToken(token),
			client.WithActor(actor),
		)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if engineClient != nil {
			engineClient.Close()
		}
	},
}

// noClient is the PersistentPreRunE of commands that run in-process and
// never talk to a server.
func noClient(cmd *cobra.Command, args []string) error {
	if !ui.ShouldUseColor() {
		ui.ForceNoColor()
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&httpURL, "http-url", envOr("ESOCIAL_HTTP_URL", "http://localhost:8080"), "engine HTTP API URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("ESOCIAL_AUTH_TOKEN"), "bearer token for the HTTP API")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", defaultActor(), "actor recorded in the audit trail")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	rootCmd.AddGroup(
		&cobra.Group{ID: "events", Title: "Events:"},
		&cobra.Group{ID: "sync", Title: "Master data:"},
		&cobra.Group{ID: "system", Title: "System:"},
	)

	cobra.EnableCommandSorting = false
	rootCmd.SetHelpFunc(colorizedHelpFunc())

	// Events
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(watchCmd)

	// Master data
	rootCmd.AddCommand(employersCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(certCmd)

	// System
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(connectivityCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		os.Exit(1)
	}
}
