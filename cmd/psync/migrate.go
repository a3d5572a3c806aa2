package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iraspa/projectsync/internal/migrate"
	"github.com/iraspa/projectsync/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export <snapshot.jsonl>",
	GroupID: "advanced",
	Short:   "Write the store's records to a JSONL snapshot",
	Long: `Write every root and project record, with its payload, to a JSONL snapshot.

Use --files to also write each project payload to its own file.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		files, _ := cmd.Flags().GetString("files")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		s, err := openSession(ctx, noObserver)
		if err != nil {
			fatalf("Error: failed to open session: %v", err)
		}
		defer s.close()

		// #nosec G304 - controlled path from CLI
		out, err := os.Create(args[0])
		if err != nil {
			fatalf("Error: %v", err)
		}
		types := append(append([]string(nil), cfg.Sync.RecordTypes...), cfg.Sync.ProjectType)
		result, err := migrate.Export(ctx, s.store, out, migrate.ExportOptions{
			RecordTypes: types,
			PageSize:    cfg.Sync.PageSize,
			Policy:      s.coord.FetchConfig().Policy,
			ToFiles:     files,
		})
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			fatalf("Error: export failed: %v", err)
		}

		for _, e := range result.Errors {
			fmt.Fprintf(os.Stderr, "%s %s\n", ui.RenderWarn("⚠"), e)
		}
		fmt.Printf("%s Exported %d records (%d payloads) to %s\n", ui.RenderPass("✓"), result.Records, result.Assets, args[0])
		if files != "" {
			fmt.Printf("  %d project files in %s\n", result.FilesWritten, files)
		}
	},
}

var importCmd = &cobra.Command{
	Use:     "import <snapshot.jsonl>",
	GroupID: "advanced",
	Short:   "Save the records of a JSONL snapshot into the store",
	Long: `Save the records of a JSONL snapshot written by 'psync export' into the
configured store. Records keep their ids, so importing twice replaces rather
than duplicates.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backup, _ := cmd.Flags().GetBool("backup")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		s, err := openSession(ctx, noObserver)
		if err != nil {
			fatalf("Error: failed to open session: %v", err)
		}
		defer s.close()

		result, err := migrate.Import(ctx, s.store, migrate.ImportOptions{
			FromJSONL: args[0],
			DryRun:    dryRun,
			Backup:    backup,
		})
		if err != nil {
			fatalf("Error: import failed: %v", err)
		}

		if result.BackupCreated != "" {
			fmt.Printf("Backup: %s\n", result.BackupCreated)
		}
		if dryRun {
			fmt.Printf("%s %d records would be imported\n", ui.RenderAccent("→"), result.Records)
			return
		}
		for _, e := range result.Errors {
			fmt.Fprintf(os.Stderr, "%s %s\n", ui.RenderFail("✗"), e)
		}
		fmt.Printf("%s Imported %d of %d records\n", ui.RenderPass("✓"), result.Saved, result.Records)
		if len(result.Errors) > 0 {
			os.Exit(1)
		}
	},
}

func init() {
	exportCmd.Flags().String("files", "", "Also write project payloads to this directory")
	importCmd.Flags().Bool("dry-run", false, "Read the snapshot without saving")
	importCmd.Flags().Bool("backup", false, "Copy the snapshot before importing")

	rootCmd.AddCommand(exportCmd, importCmd)
}
