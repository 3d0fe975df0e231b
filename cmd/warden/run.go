package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/driftline/warden/internal/agent"
	"github.com/driftline/warden/internal/config"
	"github.com/driftline/warden/internal/orchestrator"
	"github.com/driftline/warden/internal/plan"
	"github.com/driftline/warden/internal/store"
)

var (
	runPlanPath string
	runWatch    bool
	runID       string
	runDBPath   string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestration loop",
	Long: `Run the orchestration loop until all work is exhausted.

Loads the plan file (if given), syncs its entries into the checklist,
then repeatedly dispatches ready items to agents under leases. The loop
terminates when nothing is ready and nothing is in flight, or on
Ctrl-C, which stops dispatching and waits for in-flight work.

With --watch the plan file is re-synced whenever it changes on disk,
so new entries become schedulable without restarting.`,
	RunE: runEngine,
}

func init() {
	runCmd.Flags().StringVar(&runPlanPath, "plan", "", "Plan file to sync into the checklist")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "Re-sync the plan file when it changes")
	runCmd.Flags().StringVar(&runID, "id", "", "Orchestrator identity (defaults to a generated one)")
	runCmd.Flags().StringVar(&runDBPath, "db", "", "Database path (overrides config)")
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, lerr := log.ParseLevel(cfg.Logging.Level)
	if lerr != nil {
		level = log.InfoLevel
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Level:           level,
	})

	dbPath := cfg.Engine.DatabasePath
	if runDBPath != "" {
		dbPath = runDBPath
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	id := runID
	if id == "" {
		id = "orch-" + uuid.NewString()[:8]
	}

	if runPlanPath != "" {
		p, err := plan.Load(runPlanPath)
		if err != nil {
			return fmt.Errorf("load plan: %w", err)
		}
		created, err := p.Sync(st, id)
		if err != nil {
			return fmt.Errorf("sync plan: %w", err)
		}
		if len(created) > 0 {
			logger.Info("plan synced", "new_items", len(created))
		}

		if runWatch {
			w, err := plan.Watch(runPlanPath, st, id, logger)
			if err != nil {
				return fmt.Errorf("watch plan: %w", err)
			}
			defer w.Close()
		}
	} else if runWatch {
		return fmt.Errorf("--watch requires --plan")
	}

	client, err := agent.NewClient(agent.ClientConfig{
		Model:         cfg.Anthropic.Model,
		APIKey:        cfg.Anthropic.APIKey,
		UseAWSBedrock: cfg.Anthropic.UseAWSBedrock,
		AWSRegion:     cfg.Anthropic.AWSRegion,
		AWSProfile:    cfg.Anthropic.AWSProfile,
	})
	if err != nil {
		return fmt.Errorf("create anthropic client: %w", err)
	}
	executor := agent.NewClaudeExecutor(client, agent.NewActorID("claude"))

	orch, err := orchestrator.New(
		orchestrator.RequiredConfig{Store: st, Executor: executor},
		orchestrator.WithID(id),
		orchestrator.WithLogger(logger),
		orchestrator.WithEngineConfig(cfg.Engine),
		orchestrator.WithRateLimit(cfg.RateLimit),
		orchestrator.WithResources(cfg.Resources),
	)
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting orchestration",
		"orchestrator_id", id,
		"db", dbPath,
		"max_concurrent", cfg.Engine.MaxConcurrent)

	start := time.Now()
	if err := orch.Run(ctx); err != nil {
		if ctx.Err() != nil {
			logger.Info("interrupted, in-flight work drained", "elapsed", time.Since(start).Round(time.Second))
			return nil
		}
		return err
	}

	in, out := client.Tracker().Total()
	logger.Info("run complete",
		"elapsed", time.Since(start).Round(time.Second),
		"input_tokens", in,
		"output_tokens", out)
	return nil
}
