package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/restatedb/partitiond/pkg/config"
)

var wipeCmd = &cobra.Command{
	Use:   "wipe {worker|local-loglet|local-metadata-store|all}",
	Short: "Delete this node's on-disk state for the given target",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile, _ := cmd.Flags().GetString("config-file")
		cfg, err := config.Resolve(configFile)
		if err != nil {
			return fmt.Errorf("resolve config: %w", err)
		}
		target, err := config.ParseWipeTarget(args[0])
		if err != nil {
			return err
		}
		if err := config.Wipe(cfg, target); err != nil {
			return fmt.Errorf("wipe %s: %w", args[0], err)
		}
		fmt.Printf("wiped %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(wipeCmd)
}
