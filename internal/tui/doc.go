// Package tui provides the terminal user interface for fathom's watch mode.
//
// This package contains a read-only TUI that displays run progress in
// real time. It is used by the orchestrate command's --watch flag to show:
//   - The run header (run ID, effort tier, live phase)
//   - Every task node with its state, confidence, and attempt count
//   - Checkpoint durability progress
//   - An activity log with recent events
//   - The final aggregated answer once the run finishes
//
// The TUI is read-only and does not support interactive query submission.
// Users can only quit with 'q' or Ctrl+C.
//
// Usage:
//
//	program, app := tui.NewWatchProgram("compare the two designs")
//	go program.Run()
//
//	// Mirror orchestrator events
//	program.Send(tui.RunEventMsg{Type: "node_started", NodeID: "root/1"})
//
//	// Signal completion
//	program.Send(tui.RunDoneMsg{Answer: answer})
//
// The TUI keeps node rows sorted by their path-like IDs so children
// always render directly under their parents.
package tui
