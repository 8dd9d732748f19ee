package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sstlabs/esocial-engine/internal/certvault"
	"github.com/sstlabs/esocial-engine/internal/ui"
)

var certCmd = &cobra.Command{
	Use:     "cert",
	Short:   "Inspect A1 certificates",
	GroupID: "sync",
}

var certValidateCmd = &cobra.Command{
	Use:   "validate <file.pfx>",
	Short: "Validate a PKCS#12 certificate locally without uploading it",
	Args:  cobra.ExactArgs(1),
	// Runs locally; the container and its password never leave this host.
	PersistentPreRunE: noClient,
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("tax-id")

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading certificate: %w", err)
		}
		password := os.Getenv("ESOCIAL_CERT_PASSWORD")
		if password == "" {
			if password, err = ui.ReadSecret("Certificate password: ", os.Stdin); err != nil {
				return err
			}
		}

		_, report, err := certvault.New().LoadAndValidate(data, password, owner)
		if report != nil {
			if jsonOutput {
				if perr := printJSON(report); perr != nil {
					return perr
				}
			} else {
				printReport(report)
			}
		}
		if err != nil {
			return err
		}
		if !report.Usable() {
			return errors.New("certificate is not usable")
		}
		return nil
	},
}

func init() {
	certValidateCmd.Flags().String("tax-id", "", "expected owner CNPJ or CPF")
	certCmd.AddCommand(certValidateCmd)
}
