package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/iraspa/projectsync/internal/coordinator"
	"github.com/iraspa/projectsync/internal/dashboard"
	"github.com/iraspa/projectsync/internal/tree"
	"github.com/iraspa/projectsync/internal/ui"
)

type syncOptions struct {
	depth     int
	download  bool
	watch     bool
	dashboard bool
	port      int
}

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Bootstrap a session and mirror the project tree",
	Long: `Bootstrap a sync session and mirror the remote project tree locally.

The bootstrap:
  1. Checks the account and asks for discoverability
  2. Installs the change subscription
  3. Resolves the signed-in user and their role
  4. Lists the root collections

Groups are then expanded down to --depth levels. With --download every
listed project payload is fetched and decoded. With --watch the command keeps
running and adds projects created elsewhere until interrupted.`,
	Run: func(cmd *cobra.Command, args []string) {
		var opts syncOptions
		opts.depth, _ = cmd.Flags().GetInt("depth")
		opts.download, _ = cmd.Flags().GetBool("download")
		opts.watch, _ = cmd.Flags().GetBool("watch")
		opts.dashboard, _ = cmd.Flags().GetBool("dashboard")
		opts.port, _ = cmd.Flags().GetInt("port")
		if !cmd.Flags().Changed("port") {
			opts.port = cfg.Dashboard.Port
		}
		runSync(opts)
	},
}

func runSync(opts syncOptions) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var obs coordinator.Observer
	if opts.download {
		obs.ImportProgress = func(name string, f float64) {
			if f >= 1 {
				fmt.Printf("   %s %s\n", ui.RenderPass("✓"), name)
			}
		}
	}
	if opts.watch {
		obs.NodeSpliced = func(n *tree.Node) {
			fmt.Printf("%s %s\n", ui.RenderAccent("+"), strings.Join(n.Path(), " / "))
		}
	}

	var handler *dashboard.Handler
	if opts.dashboard {
		logger := log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
		server := dashboard.NewServer(&dashboard.Config{Port: opts.port, Logger: logger})
		handler = dashboard.NewHandler(server, logger)
		obs = handler.Observer(obs)
		if err := server.Start(); err != nil {
			fatalf("Error: failed to start dashboard: %v", err)
		}
		defer func() {
			if err := server.Stop(); err != nil {
				fmt.Fprintf(os.Stderr, "Error during dashboard shutdown: %v\n", err)
			}
		}()
		fmt.Printf("Dashboard: http://%s (WebSocket: ws://%s/ws)\n", server.Addr(), server.Addr())
	}

	s, err := openSession(ctx, obs)
	if err != nil {
		fatalf("Error: failed to open session: %v", err)
	}
	defer s.close()
	if handler != nil {
		detach := handler.AttachSink(s.sink)
		defer detach()
	}

	start := time.Now()
	fmt.Printf("%s Bootstrapping session...\n", ui.RenderAccent("🔄"))
	s.init(ctx)
	if err := s.expand(ctx, opts.depth); err != nil {
		fatalf("Error: failed to expand groups: %v", err)
	}

	if opts.download {
		leaves, err := s.leaves(ctx)
		if err != nil {
			fatalf("Error: %v", err)
		}
		fmt.Printf("%s Downloading %d projects...\n", ui.RenderAccent("⬇"), len(leaves))
		if len(leaves) > 0 {
			b, err := s.coord.Import(leaves, nil)
			if err != nil {
				fatalf("Error: failed to schedule downloads: %v", err)
			}
			_ = b.Op().Wait(ctx)
			for n, ferr := range b.Failures() {
				fmt.Printf("   %s %s: %v\n", ui.RenderFail("✗"), n.DisplayName, ferr)
			}
		}
	}

	printTree(ctx, s, treeView{})
	fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))

	if !opts.watch {
		return
	}
	if s.db != nil {
		if err := s.db.Watch(ctx); err != nil {
			fatalf("Error: failed to watch %s: %v", s.db.Path(), err)
		}
	}
	fmt.Println("\nWatching for new projects. Press Ctrl+C to stop...")
	<-ctx.Done()
	fmt.Println("\nShutting down...")
}

func init() {
	syncCmd.Flags().IntP("depth", "d", 1, "Group levels to expand below the roots")
	syncCmd.Flags().Bool("download", false, "Download and decode every listed project")
	syncCmd.Flags().BoolP("watch", "w", false, "Keep running and follow new projects")
	syncCmd.Flags().Bool("dashboard", false, "Serve a WebSocket dashboard of the session")
	syncCmd.Flags().IntP("port", "p", 8080, "Dashboard port")

	rootCmd.AddCommand(syncCmd)
}
