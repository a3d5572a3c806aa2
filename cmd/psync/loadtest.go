package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/iraspa/projectsync/internal/loadtest"
	"github.com/iraspa/projectsync/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:   "loadtest",
	Short: "Measure a shared record database under concurrent sessions",
	Long: `Seed a scratch SQLite record database and measure it under load.

Simulated sessions expand randomly chosen groups, paging through their
children the way 'psync sync' does. With --verify a writer keeps uploading
projects while readers check that every listing stays consistent.

The database is created in a temporary directory unless --db is given.

Examples:
  psync loadtest
  psync loadtest --sessions 100 --projects 5000
  psync loadtest --verify 5s --json`,
	Run:     runLoadtest,
	GroupID: "advanced",
}

func init() {
	loadtestCmd.Flags().Int("sessions", 50, "Number of concurrent sessions to simulate")
	loadtestCmd.Flags().Int("listings", 10, "Group listings per session")
	loadtestCmd.Flags().Int("roots", 4, "Root collections to seed")
	loadtestCmd.Flags().Int("groups", 5, "Groups per root collection")
	loadtestCmd.Flags().Int("projects", 1000, "Projects to seed")
	loadtestCmd.Flags().Duration("verify", 0, "Also run a read/write consistency check for this long")
	loadtestCmd.Flags().String("db", "", "Database path (default: a temporary file)")
	loadtestCmd.Flags().Bool("json", false, "Output results as JSON")
	rootCmd.AddCommand(loadtestCmd)
}

type loadtestResult struct {
	Fixture  map[string]any `json:"fixture"`
	Listings struct {
		Total   int     `json:"total"`
		Records int     `json:"records"`
		Errors  int     `json:"errors"`
		MinMs   float64 `json:"min_ms"`
		P50Ms   float64 `json:"p50_ms"`
		MeanMs  float64 `json:"mean_ms"`
		P95Ms   float64 `json:"p95_ms"`
		P99Ms   float64 `json:"p99_ms"`
		MaxMs   float64 `json:"max_ms"`
	} `json:"listings"`
	Verify *struct {
		Duration string `json:"duration"`
		Written  int    `json:"written"`
		Error    string `json:"error,omitempty"`
	} `json:"verify,omitempty"`
}

func runLoadtest(cmd *cobra.Command, args []string) {
	sessions, _ := cmd.Flags().GetInt("sessions")
	listings, _ := cmd.Flags().GetInt("listings")
	roots, _ := cmd.Flags().GetInt("roots")
	groups, _ := cmd.Flags().GetInt("groups")
	projects, _ := cmd.Flags().GetInt("projects")
	verify, _ := cmd.Flags().GetDuration("verify")
	dbPath, _ := cmd.Flags().GetString("db")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if sessions <= 0 || listings <= 0 {
		fatalf("Error: --sessions and --listings must be positive")
	}
	if roots <= 0 || groups <= 0 {
		fatalf("Error: --roots and --groups must be positive")
	}
	if projects < 0 {
		fatalf("Error: --projects must not be negative")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if dbPath == "" {
		dir, err := os.MkdirTemp("", "psync-loadtest-")
		if err != nil {
			fatalf("Error: %v", err)
		}
		defer os.RemoveAll(dir)
		dbPath = filepath.Join(dir, "records.db")
	}

	if !jsonOutput {
		fmt.Printf("Seeding %d roots, %d groups, %d projects in %s...\n", roots, roots*groups, projects, dbPath)
	}
	start := time.Now()
	f, err := loadtest.CreateFixture(ctx, dbPath, roots, groups, projects)
	if err != nil {
		fatalf("Error: %v", err)
	}
	defer f.Close()
	stats, err := f.Stats(ctx)
	if err != nil {
		fatalf("Error: %v", err)
	}
	if !jsonOutput {
		fmt.Printf("Seeded in %v\n\n", time.Since(start).Round(time.Millisecond))
		fmt.Printf("Running %d sessions x %d listings...\n", sessions, listings)
	}

	latency, err := f.RunConcurrentListings(ctx, sessions, listings)
	if err != nil {
		fatalf("Error: %v", err)
	}

	var result loadtestResult
	result.Fixture = stats
	result.Listings.Total = latency.TotalListings
	result.Listings.Records = latency.Records
	result.Listings.Errors = latency.Errors
	result.Listings.MinMs = ms(latency.Min)
	result.Listings.P50Ms = ms(latency.P50)
	result.Listings.MeanMs = ms(latency.Mean)
	result.Listings.P95Ms = ms(latency.P95)
	result.Listings.P99Ms = ms(latency.P99)
	result.Listings.MaxMs = ms(latency.Max)

	var verifyErr error
	if verify > 0 {
		if !jsonOutput {
			fmt.Printf("Running consistency check for %v...\n", verify)
		}
		written, err := f.VerifyConsistency(ctx, sessions, verify)
		verifyErr = err
		result.Verify = &struct {
			Duration string `json:"duration"`
			Written  int    `json:"written"`
			Error    string `json:"error,omitempty"`
		}{Duration: verify.String(), Written: written}
		if err != nil {
			result.Verify.Error = err.Error()
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			fatalf("Error: %v", err)
		}
	} else {
		fmt.Println()
		latency.Print(os.Stdout)
		if result.Verify != nil {
			if verifyErr != nil {
				fmt.Printf("\n%s Consistency check failed: %v\n", ui.RenderFail("✗"), verifyErr)
			} else {
				fmt.Printf("\n%s Consistency check passed (%d projects written)\n", ui.RenderPass("✓"), result.Verify.Written)
			}
		}
	}

	// Exit with code 1 on errors so CI can gate on it
	if latency.Errors > 0 || verifyErr != nil {
		os.Exit(1)
	}
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
