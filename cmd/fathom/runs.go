package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"fathom/internal/aggregate"
	"fathom/internal/checkpoint"
	"fathom/internal/config"
	"fathom/internal/graph"
	"fathom/pkg/models"
)

var runsPruneOlderThan time.Duration

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List persisted runs",
	Long: `List every run with a checkpoint in the data directory, newest
first. Crashed and cancelled runs stay listed until pruned, so their
run IDs remain available for "fathom orchestrate --resume".`,
	Args: cobra.NoArgs,
	RunE: runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run's latest checkpoint",
	Long: `Show the node table and answer recorded in a run's latest durable
checkpoint. The answer is recomputed from the checkpointed node states,
so for an unfinished run it reflects progress so far, not a final
result.`,
	Args: cobra.ExactArgs(1),
	RunE: runRunsShow,
}

var runsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete checkpoints of old finished runs",
	Long: `Delete all checkpoint frames of runs that reached a terminal state
before the cutoff. Runs still in flight are never touched regardless
of age.`,
	Args: cobra.NoArgs,
	RunE: runRunsPrune,
}

func init() {
	runsPruneCmd.Flags().DurationVar(&runsPruneOlderThan, "older-than", 720*time.Hour, "Prune finished runs whose last checkpoint is older than this")
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsPruneCmd)
}

// openStore loads the config and opens the checkpoint store it names.
func openStore() (*config.Config, checkpoint.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := checkpoint.New(cfg.Store, cfg.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	return cfg, store, nil
}

func runRunsList(cmd *cobra.Command, args []string) error {
	_, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(context.Background())
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].WrittenAt.After(runs[j].WrittenAt)
	})

	fmt.Printf("%-36s  %-12s  %4s  %-16s  %s\n", "RUN ID", "STATE", "SEQ", "WRITTEN", "QUERY")
	for _, run := range runs {
		fmt.Printf("%-36s  %s  %4d  %-16s  %s\n",
			run.RunID,
			runStateCell(run.RunState),
			run.Sequence,
			run.WrittenAt.Local().Format("2006-01-02 15:04"),
			truncateText(run.QueryText, 48),
		)
	}
	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	cfg, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	runID := args[0]
	snap, err := store.GetLatest(context.Background(), runID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return fmt.Errorf("no checkpoints recorded for run %s", runID)
		}
		return fmt.Errorf("load checkpoint: %w", err)
	}

	fmt.Printf("run:      %s\n", snap.RunID)
	fmt.Printf("state:    %s\n", runStateCell(snap.RunState))
	fmt.Printf("tier:     %s\n", snap.Tier)
	fmt.Printf("sequence: %d\n", snap.Sequence)
	fmt.Printf("written:  %s\n", snap.WrittenAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("query:    %s (mode %s, effort %s)\n", snap.Query.Raw, snap.Query.Mode, snap.Query.Effort)
	fmt.Println()

	nodes := append([]*models.TaskNode(nil), snap.Nodes...)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	idWidth := len("NODE")
	for _, node := range nodes {
		if len(node.ID) > idWidth {
			idWidth = len(node.ID)
		}
	}
	fmt.Printf("%-*s  %-9s  %5s  %5s  %s\n", idWidth, "NODE", "STATE", "CONF", "TRIES", "DETAIL")
	for _, node := range nodes {
		conf := "    -"
		if c, ok := node.Confidence(); ok {
			conf = fmt.Sprintf("%5.2f", c)
		}
		detail := node.FailReason
		fmt.Printf("%-*s  %-9s  %s  %5d  %s\n", idWidth, node.ID, node.State, conf, node.AttemptCount, detail)
	}

	g, err := graph.FromNodes(snap.Nodes)
	if err != nil {
		return fmt.Errorf("rebuild graph from checkpoint: %w", err)
	}
	engine := aggregate.New(aggregate.Config{
		DecayFactor:     cfg.Aggregation.DecayFactor,
		DegradedPenalty: cfg.Aggregation.DegradedPenalty,
		FailureFloor:    cfg.Aggregation.FailureFloor,
		FailureFraction: cfg.Aggregation.FailureFraction,
	})
	answer := engine.Aggregate(snap.RunID, g)

	fmt.Println()
	if snap.RunState.Terminal() {
		fmt.Println("answer:")
	} else {
		fmt.Println("answer (run still in flight, reflects checkpointed progress):")
	}
	fmt.Println(answer.FinalText)
	fmt.Printf("confidence: %s\n", confidenceString(answer.OverallConfidence))
	return nil
}

func runRunsPrune(cmd *cobra.Command, args []string) error {
	_, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	cutoff := time.Now().Add(-runsPruneOlderThan)
	pruned, err := store.PurgeCompletedBefore(context.Background(), cutoff)
	if err != nil {
		return fmt.Errorf("prune runs: %w", err)
	}
	if pruned == 0 {
		fmt.Println("Nothing to prune.")
		return nil
	}
	fmt.Printf("Pruned %d finished run(s) older than %s.\n", pruned, runsPruneOlderThan)
	return nil
}

// runStateCell renders a run state padded for table alignment. Padding
// happens before coloring so ANSI escapes do not skew the columns.
func runStateCell(state models.RunState) string {
	switch state {
	case models.RunCompleted:
		return color.GreenString("%-12s", state)
	case models.RunCancelled:
		return color.YellowString("%-12s", state)
	case models.RunCrashed:
		return color.RedString("%-12s", state)
	default:
		return color.CyanString("%-12s", state)
	}
}

func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
