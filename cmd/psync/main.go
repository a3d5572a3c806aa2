// Command psync keeps a local project tree in sync with a shared record
// store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/iraspa/projectsync/internal/config"
)

var (
	configPath string
	quiet      bool

	// cfg is loaded before every command runs.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "psync",
	Short: "Sync project trees with a shared record store",
	Long: `psync mirrors the project hierarchy kept in a record store into a local tree.

It lists the root collections, expands groups on demand, downloads and decodes
project payloads side by side, uploads local projects, and follows newly
created projects as they appear in the store.

Settings are read from psync.toml (see 'psync config init') and PSYNC_*
environment variables.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loaded, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: ./psync.toml)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress component logs")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
