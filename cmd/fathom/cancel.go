package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"fathom/internal/checkpoint"
	"fathom/internal/control"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a run from outside its process",
	Long: `Write a cancel signal for a run owned by another fathom process.
The orchestrating process notices the signal, drains its workers, writes
a final checkpoint, and emits whatever partial answer the finished
nodes support.

The signal is a marker file in the data directory, so this works even
when the orchestrating process cannot receive a Ctrl-C (for example a
run started over SSH or under a supervisor).`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	cfg, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	runID := args[0]

	// A finished run must not receive a stale signal; a later resume
	// would consume it and cancel immediately.
	snap, err := store.GetLatest(context.Background(), runID)
	switch {
	case err == nil && snap.RunState.Terminal():
		fmt.Printf("Run %s already finished (%s); nothing to cancel.\n", runID, snap.RunState)
		return nil
	case err != nil && !errors.Is(err, checkpoint.ErrNotFound):
		return fmt.Errorf("load checkpoint: %w", err)
	}

	ctl, err := control.NewManager(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open control signals: %w", err)
	}
	defer ctl.Close()

	if err := ctl.SendCancel(runID); err != nil {
		return fmt.Errorf("send cancel: %w", err)
	}
	fmt.Printf("Cancel signal written for run %s.\n", runID)
	return nil
}
