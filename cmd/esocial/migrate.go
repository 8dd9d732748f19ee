package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sstlabs/esocial-engine/internal/config"
	"github.com/sstlabs/esocial-engine/internal/store/postgres"
)

var migrateCmd = &cobra.Command{
	Use:               "migrate",
	Short:             "Apply pending database migrations",
	GroupID:           "system",
	PersistentPreRunE: noClient,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
			return err
		}
		fmt.Println("Database is up to date")
		return nil
	},
}
