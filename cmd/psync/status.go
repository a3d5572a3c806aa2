package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iraspa/projectsync/internal/cloud"
	"github.com/iraspa/projectsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show account, user and store status",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		s, err := openSession(ctx, noObserver)
		if err != nil {
			fatalf("Error: failed to open session: %v", err)
		}
		defer s.close()
		s.init(ctx)

		fmt.Printf("\n%s Sync Status\n\n", ui.RenderAccent("📊"))

		account, err := s.store.AccountStatus(ctx)
		if err != nil {
			fmt.Printf("Account:       %s\n", ui.RenderFail(err.Error()))
		} else if account == cloud.AccountAvailable {
			fmt.Printf("Account:       %s\n", ui.RenderPass(account.String()))
		} else {
			fmt.Printf("Account:       %s\n", ui.RenderWarn(account.String()))
		}

		if id, ok := s.coord.CurrentUser(); ok {
			role := "member"
			if id.Administrator {
				role = "administrator"
			}
			fmt.Printf("User:          %s (%s)\n", id.RecordID, role)
		} else {
			fmt.Printf("User:          %s\n", ui.RenderWarn("unknown"))
		}
		if s.coord.Listening() {
			fmt.Printf("Notifications: %s\n", ui.RenderPass("listening"))
		} else {
			fmt.Printf("Notifications: %s\n", ui.RenderWarn("off"))
		}

		roots := s.coord.Roots()
		names := make([]string, 0, len(roots))
		for _, n := range roots {
			names = append(names, n.DisplayName)
		}
		fmt.Printf("Roots:         %d", len(roots))
		if len(names) > 0 {
			fmt.Printf(" (%s)", strings.Join(names, ", "))
		}
		fmt.Println()

		if s.db == nil {
			fmt.Printf("Store:         %s\n\n", cfg.Store.Driver)
			return
		}
		fmt.Printf("Store:         %s (%s)\n", cfg.Store.Driver, s.db.Path())
		for _, typ := range []string{cloud.TypeRootNode, cloud.TypeProjectNode, cloud.TypeUser} {
			n, err := s.db.Count(ctx, typ)
			if err != nil {
				fatalf("Error: failed to count %s records: %v", typ, err)
			}
			fmt.Printf("  %-13s %d\n", typ+":", n)
		}
		subs, err := s.db.Subscriptions(ctx)
		if err != nil {
			fatalf("Error: failed to list subscriptions: %v", err)
		}
		for _, sub := range subs {
			reasons := make([]string, 0, len(sub.Reasons))
			for _, r := range sub.Reasons {
				reasons = append(reasons, r.String())
			}
			fmt.Printf("  Subscription  %q on %s [%s]\n", sub.ID, sub.RecordType, strings.Join(reasons, ", "))
		}
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
