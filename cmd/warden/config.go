package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/driftline/warden/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key]",
	Short: "Show configuration",
	Long: `Display the effective configuration.

Without arguments, displays all configuration values. With a key
argument, displays just that value.

Configuration is read from ~/.config/warden/config.yaml, overridden by
a .warden.yaml in the project tree, then by environment variables.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		if len(args) == 1 {
			return displayConfigKey(cfg, args[0])
		}
		displayAllConfig(cfg)
		return nil
	},
}

func displayAllConfig(cfg *config.Config) {
	apiKeyDisplay := "(not set)"
	if cfg.Anthropic.APIKey != "" {
		apiKeyDisplay = "****"
	}

	fmt.Printf("anthropic.api_key: %s\n", apiKeyDisplay)
	fmt.Printf("anthropic.model: %s\n", cfg.Anthropic.Model)
	fmt.Printf("anthropic.use_aws_bedrock: %t\n", cfg.Anthropic.UseAWSBedrock)
	fmt.Printf("engine.database_path: %s\n", cfg.Engine.DatabasePath)
	fmt.Printf("engine.lease_duration: %s\n", cfg.Engine.LeaseDuration)
	fmt.Printf("engine.renew_interval: %s\n", cfg.Engine.RenewInterval)
	fmt.Printf("engine.stall_threshold: %s\n", cfg.Engine.StallThreshold)
	fmt.Printf("engine.orchestrator_timeout: %s\n", cfg.Engine.OrchestratorTimeout)
	fmt.Printf("engine.sweep_interval: %s\n", cfg.Engine.SweepInterval)
	fmt.Printf("engine.max_concurrent: %d\n", cfg.Engine.MaxConcurrent)
	fmt.Printf("rate_limit.capacity: %d\n", cfg.RateLimit.Capacity)
	fmt.Printf("rate_limit.refill: %d\n", cfg.RateLimit.Refill)
	fmt.Printf("rate_limit.period: %s\n", cfg.RateLimit.Period)
	for dim, cap := range cfg.Resources {
		fmt.Printf("resources.%s: %d\n", dim, cap)
	}
	fmt.Printf("logging.level: %s\n", cfg.Logging.Level)
}

func displayConfigKey(cfg *config.Config, key string) error {
	switch key {
	case "anthropic.api_key":
		if cfg.Anthropic.APIKey != "" {
			fmt.Println("****")
		} else {
			fmt.Println("(not set)")
		}
	case "anthropic.model":
		fmt.Println(cfg.Anthropic.Model)
	case "anthropic.use_aws_bedrock":
		fmt.Println(cfg.Anthropic.UseAWSBedrock)
	case "engine.database_path":
		fmt.Println(cfg.Engine.DatabasePath)
	case "engine.lease_duration":
		fmt.Println(cfg.Engine.LeaseDuration)
	case "engine.renew_interval":
		fmt.Println(cfg.Engine.RenewInterval)
	case "engine.stall_threshold":
		fmt.Println(cfg.Engine.StallThreshold)
	case "engine.orchestrator_timeout":
		fmt.Println(cfg.Engine.OrchestratorTimeout)
	case "engine.sweep_interval":
		fmt.Println(cfg.Engine.SweepInterval)
	case "engine.max_concurrent":
		fmt.Println(cfg.Engine.MaxConcurrent)
	case "rate_limit.capacity":
		fmt.Println(cfg.RateLimit.Capacity)
	case "rate_limit.refill":
		fmt.Println(cfg.RateLimit.Refill)
	case "rate_limit.period":
		fmt.Println(cfg.RateLimit.Period)
	case "logging.level":
		fmt.Println(cfg.Logging.Level)
	default:
		fmt.Fprintf(os.Stderr, "Unknown key: %s\n", key)
		os.Exit(1)
	}
	return nil
}
