package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iraspa/projectsync/internal/archive"
	"github.com/iraspa/projectsync/internal/cloud"
	"github.com/iraspa/projectsync/internal/tree"
	"github.com/iraspa/projectsync/internal/ui"
)

var pushCmd = &cobra.Command{
	Use:     "push <file>...",
	GroupID: "sync",
	Short:   "Upload project files below a group record",
	Long: `Decode local project files and upload them below the group record given by
--parent.

Files may be binary project archives or legacy YAML property lists. A file that
does not decode is reported and skipped; the others are still uploaded.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		parent, _ := cmd.Flags().GetString("parent")
		if parent == "" {
			fatalf("Error: --parent is required")
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		type local struct {
			name    string
			project *archive.Project
		}
		var locals []local
		chain := archive.DefaultChain()
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s %s: %v\n", ui.RenderFail("✗"), path, err)
				continue
			}
			p, strategy, err := chain.Decode(data)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s %s: %v\n", ui.RenderFail("✗"), path, err)
				continue
			}
			name := p.Name
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			}
			fmt.Printf("%s %s (%s, %s)\n", ui.RenderAccent("→"), name, p.Kind, strategy)
			locals = append(locals, local{name: name, project: p})
		}
		if len(locals) == 0 {
			fatalf("Error: nothing to upload")
		}

		s, err := openSession(ctx, noObserver)
		if err != nil {
			fatalf("Error: failed to open session: %v", err)
		}
		defer s.close()
		s.init(ctx)

		// Uploaded nodes go below the parent's proxy when it is listed, so
		// the notifications of their creation find them.
		var nodes []*tree.Node
		err = s.coord.Read(ctx, func(ctl *tree.Controller) {
			under, _ := ctl.FindByRecordID(cloud.RecordID(parent))
			for _, l := range locals {
				n := ctl.NewNode(l.name)
				ctl.SetPayload(n, tree.Payload{State: tree.Loaded, Kind: l.project.Kind, Project: l.project})
				if aerr := ctl.Append(n, under); aerr != nil {
					fmt.Fprintf(os.Stderr, "%s %s: %v\n", ui.RenderFail("✗"), l.name, aerr)
					continue
				}
				nodes = append(nodes, n)
			}
		})
		if err != nil {
			fatalf("Error: %v", err)
		}

		save, err := s.coord.Save(nodes, cloud.RecordID(parent))
		if err != nil {
			fatalf("Error: failed to schedule upload: %v", err)
		}
		if err := save.Op().Wait(ctx); err != nil {
			fatalf("Error: upload failed: %v", err)
		}
		for _, r := range save.Saved() {
			fmt.Printf("%s %s %s\n", ui.RenderPass("✓"), r.DisplayName(), ui.RenderMuted(string(r.ID)))
		}
		failures := save.Failures()
		for id, ferr := range failures {
			fmt.Fprintf(os.Stderr, "%s %s: %v\n", ui.RenderFail("✗"), id, ferr)
		}
		if len(failures) > 0 {
			os.Exit(1)
		}
	},
}

func init() {
	pushCmd.Flags().String("parent", "", "Record ID of the group to upload into (required)")

	rootCmd.AddCommand(pushCmd)
}
