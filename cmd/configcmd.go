package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	Long:  "Merges defaults, the config file, and FLEETSYNC_* environment overrides, then prints the result. Secrets are redacted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		redacted := *cfg
		if redacted.Dashboard.SessionToken != "" {
			redacted.Dashboard.SessionToken = "[redacted]"
		}
		if redacted.Bank.Secret != "" {
			redacted.Bank.Secret = "[redacted]"
		}
		if redacted.Bank.AccessToken != "" {
			redacted.Bank.AccessToken = "[redacted]"
		}
		if redacted.Telemetry.APIKey != "" {
			redacted.Telemetry.APIKey = "[redacted]"
		}

		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close() //nolint:errcheck
		return eris.Wrap(enc.Encode(&redacted), "config: encode yaml")
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
