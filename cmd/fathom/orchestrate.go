package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"fathom/internal/checkpoint"
	"fathom/internal/config"
	"fathom/internal/control"
	"fathom/internal/exec"
	"fathom/internal/orchestrator"
	"fathom/internal/tui"
	"fathom/pkg/models"
)

var (
	orchestrateMode     string
	orchestrateEffort   string
	orchestrateResume   string
	orchestrateExecutor string
	orchestrateTimeout  time.Duration
	orchestrateWatch    bool
)

var orchestrateCmd = &cobra.Command{
	Use:   "orchestrate [query]",
	Short: "Answer a query with an effort-scaled agent graph",
	Long: `Orchestrate classifies the query into an effort tier, builds a task
graph sized to that tier, and runs worker agents over the graph until an
aggregated answer is ready. Progress is checkpointed before every
dispatch, so the run survives crashes and interrupts.

Ctrl-C cancels the run gracefully: in-flight workers get a grace period
to finish, a final checkpoint is written, and whatever partial answer
the finished nodes support is still printed.

Examples:
  fathom orchestrate "what is a bloom filter"
  fathom orchestrate --effort complex "design a rate limiter for 1M rps"
  fathom orchestrate --mode research --watch "compare raft and paxos"
  fathom orchestrate --resume 3f2a...            # pick up a crashed run
  fathom orchestrate --executor local "ping"     # no API key needed

Exit codes: 0 on success (even at low confidence), 1 for invalid input,
2 when the run crashed or could not be resumed, 3 when it was cancelled
or timed out with a partial answer.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runOrchestrate,
}

func init() {
	orchestrateCmd.Flags().StringVar(&orchestrateMode, "mode", string(models.ModeFull), "Answer mode: full, compact, semantic, or research")
	orchestrateCmd.Flags().StringVar(&orchestrateEffort, "effort", string(models.EffortAuto), "Effort tier: auto, simple, moderate, or complex")
	orchestrateCmd.Flags().StringVar(&orchestrateResume, "resume", "", "Resume a previous run from its latest checkpoint")
	orchestrateCmd.Flags().StringVar(&orchestrateExecutor, "executor", "", "Override the configured executor (local, anthropic, openai)")
	orchestrateCmd.Flags().DurationVar(&orchestrateTimeout, "timeout", 0, "Override the tier's run timeout (e.g. 90s, 5m)")
	orchestrateCmd.Flags().BoolVar(&orchestrateWatch, "watch", false, "Watch the run in a live terminal UI")
}

func runOrchestrate(cmd *cobra.Command, args []string) error {
	if orchestrateResume == "" && len(args) == 0 {
		return fmt.Errorf("provide a query or --resume <run-id>")
	}
	if orchestrateResume != "" && len(args) > 0 {
		return fmt.Errorf("--resume takes no query argument; the stored query is reused")
	}

	mode := models.Mode(orchestrateMode)
	if !mode.Valid() {
		return fmt.Errorf("invalid mode %q (want full, compact, semantic, or research)", orchestrateMode)
	}
	effort := models.Effort(orchestrateEffort)
	if !effort.Valid() {
		return fmt.Errorf("invalid effort %q (want auto, simple, moderate, or complex)", orchestrateEffort)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if orchestrateExecutor != "" {
		cfg.Executor.Kind = orchestrateExecutor
	}
	if orchestrateTimeout > 0 {
		applyRunTimeout(&cfg.Tiers, orchestrateTimeout)
	}

	if provider, required := config.RequiredProvider(cfg); required {
		key, err := config.GetAPIKey(cfg, provider)
		if err != nil {
			return err
		}
		if err := config.ValidateAPIKey(provider, key); err != nil {
			return fmt.Errorf("%s API key: %w", provider, err)
		}
	}

	executor, err := exec.New(cfg.Executor)
	if err != nil {
		return fmt.Errorf("build executor: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	store, err := checkpoint.New(cfg.Store, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer store.Close()

	ctl, err := control.NewManager(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open control signals: %w", err)
	}
	defer ctl.Close()

	logger := orchestrator.NopLogger()
	if os.Getenv("FATHOM_DEBUG") != "" {
		logger = orchestrator.NewDebugLoggerForDataDir(cfg.DataDir)
	}
	defer logger.Close()

	mgr := orchestrator.NewManager(orchestrator.ManagerConfig{
		Config:   cfg,
		Store:    store,
		Executor: executor,
		Control:  ctl,
		Logger:   logger,
	})
	defer mgr.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runID string
	queryText := ""
	if orchestrateResume != "" {
		if snap, serr := store.GetLatest(context.Background(), orchestrateResume); serr == nil {
			queryText = snap.Query.Raw
		}
		runID, err = mgr.Resume(orchestrateResume)
	} else {
		queryText = args[0]
		runID, err = mgr.Submit(queryText, mode, effort)
	}
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nInterrupt received, cancelling run...")
			_ = mgr.Cancel(runID)
		case <-ctx.Done():
		}
	}()

	if orchestrateWatch {
		return runWatch(ctx, mgr, runID, queryText)
	}
	return runHeadless(ctx, mgr, runID)
}

// applyRunTimeout overrides every tier's run timeout with the flag value.
// The tier is not known until classification, so all three move together.
func applyRunTimeout(tiers *config.TierConfigs, d time.Duration) {
	defaults := config.DefaultTierConfigs()
	if tiers.Simple == nil {
		tiers.Simple = defaults.Simple
	}
	if tiers.Moderate == nil {
		tiers.Moderate = defaults.Moderate
	}
	if tiers.Complex == nil {
		tiers.Complex = defaults.Complex
	}
	tiers.Simple.RunTimeout = d
	tiers.Moderate.RunTimeout = d
	tiers.Complex.RunTimeout = d
}

// runHeadless streams event lines to stdout and prints the final answer.
func runHeadless(ctx context.Context, mgr *orchestrator.Manager, runID string) error {
	go consumeEventsHeadless(mgr.Events())

	answer, err := mgr.Wait(ctx, runID)
	return renderAnswer(answer, err)
}

// consumeEventsHeadless prints orchestrator events to stdout.
func consumeEventsHeadless(events <-chan orchestrator.Event) {
	for event := range events {
		switch event.Type {
		case orchestrator.EventRunStarted:
			fmt.Printf("[RUN] %s (tier: %s)\n", event.RunID, event.Tier)
		case orchestrator.EventRunResumed:
			fmt.Printf("[RESUME] %s from checkpoint %d\n", event.RunID, event.Sequence)
		case orchestrator.EventNodeStarted:
			fmt.Printf("[START] %s\n", event.NodeID)
		case orchestrator.EventNodeCompleted:
			fmt.Printf("[DONE] %s (confidence %.2f)\n", event.NodeID, event.Confidence)
		case orchestrator.EventNodeDegraded:
			fmt.Printf("[DEGRADED] %s (confidence %.2f)\n", event.NodeID, event.Confidence)
		case orchestrator.EventNodeFailed:
			fmt.Printf("[FAILED] %s: %s\n", event.NodeID, failureText(event))
		case orchestrator.EventRunCancelled:
			fmt.Printf("[CANCELLED] %s\n", event.RunID)
		case orchestrator.EventRunCrashed:
			fmt.Printf("[CRASHED] %s: %s\n", event.RunID, failureText(event))
		}
	}
}

func failureText(event orchestrator.Event) string {
	if event.Err != nil {
		return event.Err.Error()
	}
	return event.Message
}

// renderAnswer prints the aggregated answer, if any, and passes the run
// error through so Execute can map it to an exit code. Cancelled runs
// still print their partial answer with a warning on stderr.
func renderAnswer(answer *models.AggregatedAnswer, runErr error) error {
	if answer != nil {
		fmt.Println()
		fmt.Println(answer.FinalText)
		fmt.Println()
		fmt.Printf("run:        %s\n", answer.RunID)
		fmt.Printf("confidence: %s\n", confidenceString(answer.OverallConfidence))
		if len(answer.DegradedNodeIDs) > 0 {
			fmt.Printf("degraded:   %s\n", strings.Join(answer.DegradedNodeIDs, ", "))
		}
		if len(answer.FailedNodeIDs) > 0 {
			fmt.Printf("failed:     %s\n", strings.Join(answer.FailedNodeIDs, ", "))
		}
		if runErr != nil {
			fmt.Fprintln(os.Stderr, color.YellowString("warning: the answer above is partial; the run did not finish cleanly"))
		}
	}
	return runErr
}

func confidenceString(c float64) string {
	s := fmt.Sprintf("%.2f", c)
	switch {
	case c >= 0.7:
		return color.GreenString(s)
	case c >= 0.4:
		return color.YellowString(s)
	default:
		return color.RedString(s)
	}
}

type runOutcome struct {
	answer *models.AggregatedAnswer
	err    error
}

// runWatch drives the run under the live terminal UI. The final screen
// renders inside the UI when the run finishes first; quitting early
// cancels the run and falls back to the headless answer output.
func runWatch(ctx context.Context, mgr *orchestrator.Manager, runID, query string) error {
	program, _ := tui.NewWatchProgram(query)

	// The TUI owns the terminal; keep stray log output off it.
	logOutput := log.Writer()
	log.SetOutput(io.Discard)
	defer log.SetOutput(logOutput)

	go forwardEventsToWatch(program, mgr.Events())

	outcomeCh := make(chan runOutcome, 1)
	go func() {
		answer, err := mgr.Wait(ctx, runID)
		msg := tui.RunDoneMsg{Answer: answer}
		if err != nil {
			msg.ErrMessage = err.Error()
		}
		program.Send(msg)
		outcomeCh <- runOutcome{answer: answer, err: err}
	}()

	if _, err := program.Run(); err != nil {
		return fmt.Errorf("watch ui: %w", err)
	}

	select {
	case outcome := <-outcomeCh:
		return outcome.err
	default:
	}

	// The user quit before the run finished. Cancel, then print the
	// partial answer the way the headless path would have.
	_ = mgr.Cancel(runID)
	outcome := <-outcomeCh
	return renderAnswer(outcome.answer, outcome.err)
}

// forwardEventsToWatch converts orchestrator events into watch UI messages.
func forwardEventsToWatch(program *tea.Program, events <-chan orchestrator.Event) {
	for event := range events {
		errText := ""
		if event.Err != nil {
			errText = event.Err.Error()
		}
		program.Send(tui.RunEventMsg{
			Type:       string(event.Type),
			RunID:      event.RunID,
			NodeID:     event.NodeID,
			NodeState:  event.NodeState,
			Tier:       string(event.Tier),
			Sequence:   event.Sequence,
			Confidence: event.Confidence,
			Message:    event.Message,
			Error:      errText,
			Timestamp:  event.Timestamp,
		})
	}
}
