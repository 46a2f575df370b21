package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"fathom/internal/orchestrator"
)

var rootCmd = &cobra.Command{
	Use:   "fathom",
	Short: "Effort-scaled multi-agent query answering",
	Long: `Fathom answers queries by fanning them out across a graph of worker
agents sized to how hard the query looks. Cheap lookups stay a single
node while research questions get a deeper, wider graph whose partial
answers are folded back together with confidence tracking.

Every run writes a checkpoint before dispatching work, so an interrupted
or crashed run can pick up from its last durable frame:

  fathom orchestrate "compare raft and paxos for a 5-node cluster"
  fathom orchestrate --resume <run-id>

Runs persist in the local data directory. Use "fathom runs" to inspect
them, "fathom cancel" to stop one from another terminal, and
"fathom config" to see the effective configuration.`,
	SilenceUsage: true,
}

// Execute runs the root command, mapping run outcomes onto exit codes.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode translates command errors into the documented exit statuses.
// Invalid input exits 1, a crashed or unresumable run exits 2, and a
// cancelled or timed out run exits 3 after the partial answer prints.
func exitCode(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrCrashed), errors.Is(err, orchestrator.ErrNoCheckpoint):
		return 2
	case errors.Is(err, orchestrator.ErrCancelled):
		return 3
	default:
		return 1
	}
}

func init() {
	rootCmd.AddCommand(orchestrateCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
