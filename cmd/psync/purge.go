package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iraspa/projectsync/internal/ui"
)

var purgeCmd = &cobra.Command{
	Use:     "purge",
	GroupID: "advanced",
	Short:   "Delete every record of one type (administrators only)",
	Long: `Delete every record of the given type from the store.

This cannot be undone. Only administrators may purge; you are asked to
confirm unless --yes is given.`,
	Run: func(cmd *cobra.Command, args []string) {
		recordType, _ := cmd.Flags().GetString("type")
		if recordType == "" {
			recordType = cfg.Sync.ProjectType
		}
		yes, _ := cmd.Flags().GetBool("yes")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		s, err := openSession(ctx, noObserver)
		if err != nil {
			fatalf("Error: failed to open session: %v", err)
		}
		defer s.close()
		s.init(ctx)

		if !s.coord.IsAdministrator() {
			fatalf("Error: only administrators may delete all %s records", recordType)
		}
		if !yes {
			fmt.Printf("%s Delete every %s record? [y/N] ", ui.RenderWarn("⚠"), recordType)
			answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
			if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
				fmt.Println("Aborted.")
				return
			}
		}

		d, err := s.coord.DeleteAll(recordType)
		if err != nil {
			fatalf("Error: %v", err)
		}
		if err := d.Op().Wait(ctx); err != nil {
			fatalf("Error: purge failed after %d records: %v", d.Deleted(), err)
		}
		failures := d.Failures()
		for id, ferr := range failures {
			fmt.Fprintf(os.Stderr, "%s %s: %v\n", ui.RenderFail("✗"), id, ferr)
		}
		fmt.Printf("%s Deleted %d %s records\n", ui.RenderPass("✓"), d.Deleted(), recordType)
		if len(failures) > 0 {
			os.Exit(1)
		}
	},
}

func init() {
	purgeCmd.Flags().StringP("type", "t", "", "Record type to delete (default: the project type)")
	purgeCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")

	rootCmd.AddCommand(purgeCmd)
}
