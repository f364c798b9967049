package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fulgidus/seedstream/internal/config"
)

var configForce bool

// configCmd groups configuration helpers
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

// configInitCmd writes the default configuration
var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the default configuration as YAML",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "seedstream.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		if err := writeDefaultConfig(path, configForce); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", path)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}

func writeDefaultConfig(path string, force bool) error {
	if err := config.WriteFile(path, config.DefaultConfig(), force); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
