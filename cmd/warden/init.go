package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/driftline/warden/internal/config"
)

const defaultConfigYAML = `anthropic:
  # api_key: ${ANTHROPIC_API_KEY}
  model: claude-sonnet-4-20250514
  use_aws_bedrock: false

engine:
  lease_duration: 600s
  renew_interval: 180s
  stall_threshold: 10m
  orchestrator_timeout: 300s
  sweep_interval: 60s
  max_concurrent: 3

rate_limit:
  capacity: 10
  refill: 10
  period: 60s

resources:
  memory: 100
  threads: 8
  io: 4

logging:
  level: info
`

var initForce bool

const examplePlan = `# Warden plan file. Each entry becomes a checklist item; the key is
# stable across syncs, so re-running sync only adds new entries.
plan:
  - key: example-task
    title: Replace this with real work
    description: >
      Describe what the agent should do and how to tell it is done.
    criteria:
      - an artifact exists demonstrating the work
    priority: 3
    class: implementation
`

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Initialize a warden project",
	Long: `Initialize a directory for use with warden.

Creates a default config file at ~/.config/warden/config.yaml (if one
does not exist) and an example plan.yaml in the target directory.

The directory argument is optional and defaults to the current
directory.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing files")
}

func runInit(cmd *cobra.Command, args []string) error {
	targetDir := "."
	if len(args) > 0 {
		targetDir = args[0]
	}
	absPath, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", absPath, err)
	}

	fmt.Printf("Initializing warden in %s\n\n", absPath)

	if err := writeDefaultConfig(); err != nil {
		return err
	}

	planPath := filepath.Join(absPath, "plan.yaml")
	if _, err := os.Stat(planPath); err == nil && !initForce {
		fmt.Printf("  plan.yaml already exists, skipping (use --force to overwrite)\n")
	} else {
		if err := os.WriteFile(planPath, []byte(examplePlan), 0644); err != nil {
			return fmt.Errorf("write plan.yaml: %w", err)
		}
		color.Green("  ✓ Created plan.yaml")
	}

	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Edit plan.yaml to describe your work")
	fmt.Println("  2. Set ANTHROPIC_API_KEY in your environment")
	fmt.Println("  3. Run 'warden run --plan plan.yaml'")
	return nil
}

func writeDefaultConfig() error {
	path := config.GetUserConfigPath()
	if _, err := os.Stat(path); err == nil && !initForce {
		fmt.Printf("  config exists at %s, skipping\n", path)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	color.Green("  ✓ Created %s", path)
	return nil
}
