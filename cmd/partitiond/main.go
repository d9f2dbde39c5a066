package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/restatedb/partitiond/pkg/config"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "partitiond",
	Short: "partitiond runs a node's partition processors, metadata store, and supporting services",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		dump, _ := cmd.Flags().GetBool("dump-config")
		if !dump {
			return nil
		}
		configFile, _ := cmd.Flags().GetString("config-file")
		cfg, err := config.Resolve(configFile)
		if err != nil {
			return fmt.Errorf("resolve config: %w", err)
		}
		data, err := config.DumpYAML(cfg)
		if err != nil {
			return fmt.Errorf("dump config: %w", err)
		}
		fmt.Print(string(data))
		os.Exit(0)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config-file", "", fmt.Sprintf("Path to a YAML node configuration file (falls back to %s, then built-in defaults)", config.EnvConfigFile))
	rootCmd.PersistentFlags().Bool("dump-config", false, "Print the effective configuration as YAML and exit")
}
