package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/driftline/warden/internal/config"
	"github.com/driftline/warden/internal/sentinel"
	"github.com/driftline/warden/internal/store"
	"github.com/driftline/warden/pkg/models"
)

var statusDBPath string

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#4ECDC4"))
	stalledStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	blockedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFC857"))
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#96E6A1"))
	dimStyle     = lipgloss.NewStyle().Faint(true)
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show checklist and orchestrator state",
	Long: `Display the current state of the checklist.

Shows item counts by state, stalled and blocked work, what is ready to
run next, recent completions, and the items with the most incomplete
dependents. The same briefing is handed to a revived orchestrator.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusDBPath, "db", "", "Database path (overrides config)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dbPath := cfg.Engine.DatabasePath
	if statusDBPath != "" {
		dbPath = statusDBPath
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("No checklist found. Run 'warden run --plan <file>' to start.")
		return nil
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	if err := displayCounts(st); err != nil {
		return err
	}

	watchdog := sentinel.New(st, log.New(io.Discard),
		cfg.Engine.StallThreshold, cfg.Engine.OrchestratorTimeout)
	briefing, err := watchdog.GenerateBriefing("")
	if err != nil {
		return fmt.Errorf("generate briefing: %w", err)
	}
	displayBriefing(briefing)

	return displayOrchestrators(st)
}

func displayCounts(st *store.Store) error {
	items, err := st.ListItems(nil)
	if err != nil {
		return fmt.Errorf("list items: %w", err)
	}

	counts := map[models.ItemState]int{}
	for _, it := range items {
		counts[it.State]++
	}

	fmt.Println(headerStyle.Render("Checklist"))
	fmt.Printf("  %d items: %d todo, %d in progress, %d blocked, %d waiting review, %s\n\n",
		len(items),
		counts[models.StateTodo],
		counts[models.StateInProgress],
		counts[models.StateBlocked],
		counts[models.StateWaitingReview],
		doneStyle.Render(fmt.Sprintf("%d done", counts[models.StateDone])))
	return nil
}

func displayBriefing(b *sentinel.Briefing) {
	if len(b.Stalled) > 0 {
		fmt.Println(headerStyle.Render("Stalled"))
		for _, it := range b.Stalled {
			fmt.Printf("  %s %s\n", stalledStyle.Render(it.ID), it.Title)
		}
		fmt.Println()
	}

	if len(b.Blocked) > 0 {
		fmt.Println(headerStyle.Render("Blocked"))
		for _, it := range b.Blocked {
			line := fmt.Sprintf("  %s %s", blockedStyle.Render(it.ID), it.Title)
			if it.BlockedReason != "" {
				line += dimStyle.Render(" (" + it.BlockedReason + ")")
			}
			fmt.Println(line)
		}
		fmt.Println()
	}

	if len(b.Ready) > 0 {
		fmt.Println(headerStyle.Render("Ready"))
		for _, it := range b.Ready {
			fmt.Printf("  %s %s %s\n", it.ID, it.Title,
				dimStyle.Render(fmt.Sprintf("(priority %d, %s)", it.Priority, it.Class)))
		}
		fmt.Println()
	}

	if len(b.RecentlyDone) > 0 {
		fmt.Println(headerStyle.Render("Recently Done"))
		for _, it := range b.RecentlyDone {
			when := ""
			if it.CompletedAt != nil {
				when = dimStyle.Render(" (" + formatAge(time.Since(*it.CompletedAt)) + " ago)")
			}
			fmt.Printf("  %s %s%s\n", doneStyle.Render(it.ID), it.Title, when)
		}
		fmt.Println()
	}

	if len(b.CriticalPath) > 0 {
		fmt.Println(headerStyle.Render("Critical Path"))
		for _, c := range b.CriticalPath {
			fmt.Printf("  %s %s %s\n", c.ID, c.Title,
				dimStyle.Render(fmt.Sprintf("(%d waiting on it)", c.Dependents)))
		}
		fmt.Println()
	}
}

func displayOrchestrators(st *store.Store) error {
	orchs, err := st.ListOrchestrators()
	if err != nil {
		return fmt.Errorf("list orchestrators: %w", err)
	}
	if len(orchs) == 0 {
		return nil
	}

	fmt.Println(headerStyle.Render("Orchestrators"))
	for _, o := range orchs {
		line := fmt.Sprintf("  %s: %s, last active %s ago",
			o.ID, o.Status, formatAge(time.Since(o.LastActivity)))
		if o.RevivalCount > 0 {
			line += dimStyle.Render(fmt.Sprintf(" (revived %d times)", o.RevivalCount))
		}
		fmt.Println(line)
	}
	return nil
}

func formatAge(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	return fmt.Sprintf("%dd", int(d.Hours())/24)
}
