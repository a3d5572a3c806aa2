package main

import (
	"github.com/spf13/cobra"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Start a real-time WebSocket dashboard of a sync session",
	Long: `Bootstrap a sync session, keep following new projects, and serve the
session's events over WebSocket.

WebSocket messages include:
- bootstrap_complete: The session bootstrap finished (with its error, if any)
- node_spliced: A project or group was added to the tree
- progress: Download progress of one project
- log: A warning or error reported for a project
- stats: Session counters, also sent to every client on connect

Example usage:
  psync dashboard                   # Start on the configured port (default 8080)
  psync dashboard --port 9000       # Start on a custom port

Connect with a WebSocket client:
  ws://localhost:8080/ws

With the sqlite store the dashboard also reports projects saved by other
psync processes sharing the database.`,
	Run: func(cmd *cobra.Command, args []string) {
		opts := syncOptions{watch: true, dashboard: true, port: cfg.Dashboard.Port}
		opts.depth, _ = cmd.Flags().GetInt("depth")
		opts.download, _ = cmd.Flags().GetBool("download")
		if cmd.Flags().Changed("port") {
			opts.port, _ = cmd.Flags().GetInt("port")
		}
		runSync(opts)
	},
}

func init() {
	dashboardCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	dashboardCmd.Flags().IntP("depth", "d", 1, "Group levels to expand below the roots")
	dashboardCmd.Flags().Bool("download", false, "Download and decode every listed project")

	rootCmd.AddCommand(dashboardCmd)
}
