package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/iraspa/projectsync/internal/config"
	"github.com/iraspa/projectsync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Manage psync configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default config file",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path := config.FileName
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.WriteDefault(path); err != nil {
			fatalf("Error: %v", err)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Run: func(cmd *cobra.Command, args []string) {
		if err := cfg.Show(os.Stdout); err != nil {
			fatalf("Error: %v", err)
		}
	},
}

func init() {
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
