package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"fathom/internal/config"
	"fathom/pkg/models"
)

var configInit bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or initialize configuration",
	Long: `Show the effective configuration after merging built-in defaults,
the user config file, any project .fathom.yaml, and environment
variables. API keys are masked and annotated with where they came from.

With --init, write a commented starter config to the user config path
instead. API keys never go into the file; set ANTHROPIC_API_KEY or
OPENAI_API_KEY in the environment, or reference them from the file as
${ANTHROPIC_API_KEY}.

Examples:
  fathom config          # show effective configuration
  fathom config --init   # create ~/.config/fathom/config.yaml`,
	Args: cobra.NoArgs,
	RunE: runConfig,
}

func init() {
	configCmd.Flags().BoolVar(&configInit, "init", false, "Write a commented starter config file")
}

func runConfig(cmd *cobra.Command, args []string) error {
	if configInit {
		return initConfigFile()
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	displayConfig(cfg)
	return nil
}

func displayConfig(cfg *config.Config) {
	path := config.GetUserConfigPath()
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("# user config: %s\n", path)
	} else {
		fmt.Printf("# user config: %s (not present, using defaults)\n", path)
	}
	fmt.Println()

	fmt.Printf("data_dir: %s\n", cfg.DataDir)
	fmt.Println()

	fmt.Printf("executor.kind: %s\n", cfg.Executor.Kind)
	fmt.Printf("executor.model: %s\n", orDefault(cfg.Executor.Model, "(provider default)"))
	for _, provider := range []config.Provider{config.ProviderAnthropic, config.ProviderOpenAI} {
		key, _ := config.GetAPIKey(cfg, provider)
		source := config.GetAPIKeySource(cfg, provider)
		fmt.Printf("executor.%s_api_key: %s (source: %s)\n", provider, config.MaskAPIKey(key), source)
	}
	if cfg.Executor.BaseURL != "" {
		fmt.Printf("executor.base_url: %s\n", cfg.Executor.BaseURL)
	}
	if cfg.Executor.UseAWSBedrock {
		fmt.Printf("executor.use_aws_bedrock: true (region %s)\n", orDefault(cfg.Executor.AWSRegion, "from AWS config"))
	}
	fmt.Println()

	fmt.Printf("store.backend: %s\n", cfg.Store.Backend)
	fmt.Printf("store.path: %s\n", orDefault(cfg.Store.Path, "(derived from data_dir)"))
	fmt.Printf("store.write_retries: %d\n", cfg.Store.WriteRetries)
	fmt.Println()

	fmt.Printf("aggregation.decay_factor: %g\n", cfg.Aggregation.DecayFactor)
	fmt.Printf("aggregation.degraded_penalty: %g\n", cfg.Aggregation.DegradedPenalty)
	fmt.Printf("aggregation.failure_floor: %g\n", cfg.Aggregation.FailureFloor)
	fmt.Printf("aggregation.failure_fraction: %g\n", cfg.Aggregation.FailureFraction)
	fmt.Println()

	fmt.Printf("pool.grace_period: %s\n", cfg.Pool.GracePeriod)
	fmt.Printf("pool.retry_base_delay: %s\n", cfg.Pool.RetryBaseDelay)
	fmt.Printf("pool.retry_max_delay: %s\n", cfg.Pool.RetryMaxDelay)
	fmt.Println()

	if cfg.Classifier.RulesFile != "" {
		fmt.Printf("classifier.rules_file: %s\n", cfg.Classifier.RulesFile)
		fmt.Println()
	}

	fmt.Printf("%-10s  %5s  %5s  %8s  %8s  %15s  %11s\n", "TIER", "DEPTH", "WIDTH", "PARALLEL", "ATTEMPTS", "ATTEMPT TIMEOUT", "RUN TIMEOUT")
	for _, name := range []string{"simple", "moderate", "complex"} {
		tier := cfg.Tiers.Get(models.EffortTier(name))
		fmt.Printf("%-10s  %5d  %5d  %8d  %8d  %15s  %11s\n",
			name, tier.MaxDepth, tier.MaxWidth, tier.MaxParallel, tier.MaxAttempts, tier.AttemptTimeout, tier.RunTimeout)
	}
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// initConfigFile writes a commented starter config to the user config
// path, refusing to overwrite an existing file.
func initConfigFile() error {
	path := config.GetUserConfigPath()
	if _, err := os.Stat(path); err == nil {
		printStatus("✓", fmt.Sprintf("Config already exists at %s", path), color.FgYellow)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	printStatus("✓", fmt.Sprintf("Created %s", path), color.FgGreen)
	printStatus("→", "Set ANTHROPIC_API_KEY or OPENAI_API_KEY in your environment to use a remote executor", color.FgCyan)
	return nil
}

// printStatus prints a colored status symbol followed by a message.
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}

const configTemplate = `# fathom configuration
#
# Values here override built-in defaults. A .fathom.yaml in a project
# directory overrides this file, and environment variables override both.
# API keys are read from the environment (ANTHROPIC_API_KEY,
# OPENAI_API_KEY) and are never written back to this file.

# Where checkpoints, signals, and logs live.
# data_dir: ~/.local/share/fathom

executor:
  # local answers from a built-in corpus and needs no API key.
  # anthropic and openai call the respective APIs.
  kind: local
  # model: claude-sonnet-4-20250514
  # anthropic_api_key: ${ANTHROPIC_API_KEY}
  # use_aws_bedrock: true

store:
  # sqlite keeps all runs in one database file; file writes one JSON
  # frame per checkpoint; memory is for tests.
  backend: sqlite
  write_retries: 3

# How child confidences fold into the final answer confidence.
# aggregation:
#   decay_factor: 0.9
#   degraded_penalty: 0.75
#   failure_floor: 0.1
#   failure_fraction: 0.5

# Worker pool drain and retry behavior.
# pool:
#   grace_period: 5s
#   retry_base_delay: 500ms
#   retry_max_delay: 30s

# Per-tier graph limits. Depth and width shape the task graph,
# parallel bounds concurrent workers.
# tiers:
#   simple:
#     max_depth: 1
#     max_width: 2
#     max_parallel: 2
#     max_attempts: 2
#     attempt_timeout: 30s
#     run_timeout: 2m
#   moderate:
#     max_depth: 2
#     max_width: 3
#     max_parallel: 3
#     max_attempts: 2
#     attempt_timeout: 60s
#     run_timeout: 5m
#   complex:
#     max_depth: 3
#     max_width: 4
#     max_parallel: 5
#     max_attempts: 3
#     attempt_timeout: 120s
#     run_timeout: 15m
`
