package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/vectorrouter/internal/config"
)

func newConfigCmd(a *app) *cobra.Command {
	var validate bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective router configuration",
		Long: `Load the configuration exactly as the router would, including legacy
migration, environment expansion and defaults, and print it as JSON with
credentials masked. Nothing is connected.

Examples:
  vrouter config
  vrouter config --config legacy.yaml --validate`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.loadConfig()
			if err := writeJSON(cmd.OutOrStdout(), cfg.Redacted()); err != nil {
				return err
			}
			if !validate {
				return nil
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("configuration problems:\n%w", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&validate, "validate", false, "exit non-zero if the configuration has problems")

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file path that would be read",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), config.ResolvePath(a.configPath))
		},
	})
	return cmd
}
