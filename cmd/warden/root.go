package main

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Lease-based task orchestration engine",
	Long: `Warden coordinates autonomous agents over a durable checklist.

Work items live in a SQLite-backed store with an append-only event log.
Agents claim items under time-bounded leases, dependencies gate what is
runnable, and a watchdog reclaims lapsed leases and revives stalled
orchestrators with a briefing of where things stand.

Core capabilities:
- Durable checklist with full event history per item
- Lease discipline: claim, renew, release, reclaim on expiry
- Dependency-aware wave scheduling with a concurrency cap
- Rate limiting and resource budgeting for agent admission
- Stall detection and revival briefings`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
