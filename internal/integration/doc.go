// Package integration provides cross-package integration tests for fathom.
// These tests drive the orchestrator through the same wiring the CLI uses:
// a real sqlite checkpoint store on disk, the offline local executor, and
// file-backed control signals.
//
// Build tag: integration
// Run with: go test -tags integration ./internal/integration/...
package integration
