package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iraspa/projectsync/internal/tree"
	"github.com/iraspa/projectsync/internal/ui"
)

// treeView selects what printTree shows.
type treeView struct {
	filter string
	owner  string
	sorted bool
}

func (v treeView) match() func(*tree.Node) bool {
	var checks []func(*tree.Node) bool
	if v.filter != "" {
		checks = append(checks, tree.NameContains(v.filter))
	}
	if v.owner != "" {
		checks = append(checks, func(n *tree.Node) bool { return strings.EqualFold(n.Owner, v.owner) })
	}
	if len(checks) == 0 {
		return nil
	}
	return func(n *tree.Node) bool {
		for _, check := range checks {
			if !check(n) {
				return false
			}
		}
		return true
	}
}

func printTree(ctx context.Context, s *session, v treeView) {
	var less func(a, b *tree.Node) bool
	if v.sorted {
		less = tree.ByDisplayName
	}
	var out string
	var visible int
	err := s.coord.Read(ctx, func(ctl *tree.Controller) {
		p := ctl.Filter(v.match(), less)
		visible = p.Len()
		out = ui.RenderTree(p, ui.TreeOptions{
			Width:            ui.Width(os.Stdout),
			HighlightMatches: v.filter != "" && ui.IsTerminal(os.Stdout),
			ShowOwner:        v.owner == "",
		})
	})
	if err != nil {
		fatalf("Error: failed to read tree: %v", err)
	}
	if visible == 0 {
		fmt.Println(ui.RenderMuted("(no projects)"))
		return
	}
	fmt.Print(out)
}

var treeCmd = &cobra.Command{
	Use:     "tree",
	GroupID: "sync",
	Short:   "Print the project tree",
	Long: `Bootstrap a session and print the project tree.

Groups are expanded down to --depth levels. --filter keeps projects whose
name contains the text, together with the groups leading to them.`,
	Run: func(cmd *cobra.Command, args []string) {
		depth, _ := cmd.Flags().GetInt("depth")
		var v treeView
		v.filter, _ = cmd.Flags().GetString("filter")
		v.owner, _ = cmd.Flags().GetString("owner")
		v.sorted, _ = cmd.Flags().GetBool("sort")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		s, err := openSession(ctx, noObserver)
		if err != nil {
			fatalf("Error: failed to open session: %v", err)
		}
		defer s.close()

		s.init(ctx)
		if err := s.expand(ctx, depth); err != nil {
			fatalf("Error: failed to expand groups: %v", err)
		}
		printTree(ctx, s, v)
	},
}

func init() {
	treeCmd.Flags().IntP("depth", "d", 1, "Group levels to expand below the roots")
	treeCmd.Flags().StringP("filter", "f", "", "Only show projects whose name contains this text")
	treeCmd.Flags().String("owner", "", "Only show projects created by this user record")
	treeCmd.Flags().Bool("sort", false, "Sort siblings by name")

	rootCmd.AddCommand(treeCmd)
}
