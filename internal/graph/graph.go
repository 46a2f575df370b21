// Package graph provides the task graph for a run: path-addressed
// nodes, dependency edges, and the node state machine the worker pool
// drives. Every state transition goes through the graph's methods, so
// there is exactly one serialization point and workers never mutate
// nodes directly.
package graph

import (
	"errors"
	"fmt"
	"sync"

	"fathom/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// RootID is the fixed ID of every run's root node.
const RootID = "root"

// TaskGraph is a directed acyclic graph of task nodes. Edges come from
// two places: explicit DependsOn entries, and the implicit edge from a
// parent to each of its children (a parent synthesizes its children's
// results, so it only becomes ready once they are all terminal).
type TaskGraph struct {
	mu sync.RWMutex
	// nodes maps node ID to the node itself.
	nodes map[string]*models.TaskNode
	// edges maps node ID to the IDs it depends on.
	edges map[string][]string
	// children maps node ID to its child IDs in path order.
	children map[string][]string
	// order holds all IDs in path order for deterministic iteration.
	order []string
	// rootID is the single node with no parent.
	rootID string
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates an empty task graph.
func New() *TaskGraph {
	return &TaskGraph{
		nodes:    make(map[string]*models.TaskNode),
		edges:    make(map[string][]string),
		children: make(map[string][]string),
		debugLog: func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (g *TaskGraph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// FromNodes builds a graph from existing nodes, typically a checkpoint
// snapshot. Nodes recorded as running are re-queued as ready so an
// interrupted run can be re-dispatched without double execution.
func FromNodes(nodes []*models.TaskNode) (*TaskGraph, error) {
	g := New()
	if err := g.build(nodes); err != nil {
		return nil, err
	}
	g.mu.Lock()
	for _, node := range g.nodes {
		if node.State == models.NodeRunning {
			node.State = models.NodeReady
		}
	}
	g.mu.Unlock()
	return g, nil
}

// build registers nodes and edges and validates the result. The graph
// takes ownership of the given nodes.
func (g *TaskGraph) build(nodes []*models.TaskNode) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.debugLog("[graph.build] building graph from %d nodes", len(nodes))

	for _, node := range nodes {
		if node.ID == "" {
			return errors.New("node with empty ID")
		}
		if _, exists := g.nodes[node.ID]; exists {
			return fmt.Errorf("duplicate node ID %s", node.ID)
		}
		if !node.State.Valid() {
			return fmt.Errorf("node %s has unknown state %q", node.ID, node.State)
		}
		g.nodes[node.ID] = node
		g.edges[node.ID] = nil
	}

	for _, node := range nodes {
		if node.ParentID == "" {
			if g.rootID != "" {
				return fmt.Errorf("multiple roots: %s and %s", g.rootID, node.ID)
			}
			g.rootID = node.ID
			continue
		}
		if _, exists := g.nodes[node.ParentID]; !exists {
			return fmt.Errorf("node %s has unknown parent %s", node.ID, node.ParentID)
		}
		g.children[node.ParentID] = append(g.children[node.ParentID], node.ID)
	}
	if g.rootID == "" {
		return errors.New("graph has no root")
	}

	for _, node := range nodes {
		for _, depID := range node.DependsOn {
			if depID == node.ID {
				return fmt.Errorf("node %s depends on itself", node.ID)
			}
			if _, exists := g.nodes[depID]; !exists {
				return fmt.Errorf("node %s depends on unknown node %s", node.ID, depID)
			}
			g.edges[node.ID] = append(g.edges[node.ID], depID)
		}
	}

	if g.hasCycleLocked() {
		return ErrCycleDetected
	}

	g.order = make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		g.order = append(g.order, id)
	}
	SortPathIDs(g.order)
	for parent := range g.children {
		SortPathIDs(g.children[parent])
	}

	g.debugLog("[graph.build] graph built with %d nodes, root=%s", len(g.nodes), g.rootID)
	return nil
}

// hasCycleLocked detects back edges with three-color depth-first
// search over both dependency and parent-child edges. Assumes the
// lock is held.
func (g *TaskGraph) hasCycleLocked() bool {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int, len(g.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1

		next := append(append([]string{}, g.edges[id]...), g.children[id]...)
		for _, depID := range next {
			switch colors[depID] {
			case 1:
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}

		colors[id] = 2
		return false
	}

	for id := range g.nodes {
		if colors[id] == 0 {
			if visit(id) {
				return true
			}
		}
	}
	return false
}

// Root returns the root node's ID.
func (g *TaskGraph) Root() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.rootID
}

// Size returns the number of nodes in the graph.
func (g *TaskGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Node returns a copy of the node with the given ID, or nil if absent.
func (g *TaskGraph) Node(id string) *models.TaskNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	node, ok := g.nodes[id]
	if !ok {
		return nil
	}
	return node.Clone()
}

// Export returns copies of all nodes in path order. The copies never
// alias live graph state, so they are safe to serialize while workers
// run.
func (g *TaskGraph) Export() []*models.TaskNode {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*models.TaskNode, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id].Clone())
	}
	return out
}

// Children returns the child IDs of a node in path order.
func (g *TaskGraph) Children(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string{}, g.children[id]...)
}

// ChildNodes returns copies of a node's children in path order.
func (g *TaskGraph) ChildNodes(id string) []*models.TaskNode {
	g.mu.RLock()
	defer g.mu.RUnlock()

	kids := g.children[id]
	out := make([]*models.TaskNode, 0, len(kids))
	for _, childID := range kids {
		out = append(out, g.nodes[childID].Clone())
	}
	return out
}

// HasChildren reports whether a node was decomposed further. Nodes
// with children are synthesized from their children's results instead
// of being dispatched to an executor.
func (g *TaskGraph) HasChildren(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.children[id]) > 0
}

// Leaves returns the IDs of nodes with no children, in path order.
func (g *TaskGraph) Leaves() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var leaves []string
	for _, id := range g.order {
		if len(g.children[id]) == 0 {
			leaves = append(leaves, id)
		}
	}
	return leaves
}

// Dependencies returns the IDs a node depends on.
func (g *TaskGraph) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string{}, g.edges[id]...)
}

// Counts returns how many nodes are in each state.
func (g *TaskGraph) Counts() map[models.NodeState]int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	counts := make(map[models.NodeState]int)
	for _, node := range g.nodes {
		counts[node.State]++
	}
	return counts
}

// AllTerminal reports whether every node reached a terminal state.
func (g *TaskGraph) AllTerminal() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, node := range g.nodes {
		if !node.State.Terminal() {
			return false
		}
	}
	return true
}

// PromoteReady advances the pending frontier. A pending node becomes
// ready once every DependsOn entry contributes (done or degraded) and
// every child is terminal. A pending node whose dependency failed can
// never run, so it is finalized as failed; the pass repeats until no
// more promotions happen, since each cascaded failure is itself a
// terminal state that may unblock a parent.
//
// Returns the newly ready IDs in path order and copies of the nodes
// failed by cascade.
func (g *TaskGraph) PromoteReady() ([]string, []*models.TaskNode) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var ready []string
	var failed []*models.TaskNode

	for {
		changed := false
		for _, id := range g.order {
			node := g.nodes[id]
			if node.State != models.NodePending {
				continue
			}

			blockedBy := ""
			satisfied := true
			for _, depID := range g.edges[id] {
				dep := g.nodes[depID]
				if dep.State == models.NodeFailed {
					blockedBy = depID
					break
				}
				if !dep.State.Contributes() {
					satisfied = false
					break
				}
			}

			if blockedBy != "" {
				node.State = models.NodeFailed
				node.FailReason = fmt.Sprintf("dependency %s failed", blockedBy)
				failed = append(failed, node.Clone())
				g.debugLog("[graph.PromoteReady] node %s failed: dependency %s failed", id, blockedBy)
				changed = true
				continue
			}
			if !satisfied {
				continue
			}

			childrenDone := true
			for _, childID := range g.children[id] {
				if !g.nodes[childID].State.Terminal() {
					childrenDone = false
					break
				}
			}
			if !childrenDone {
				continue
			}

			node.State = models.NodeReady
			ready = append(ready, id)
			g.debugLog("[graph.PromoteReady] node %s ready", id)
			changed = true
		}
		if !changed {
			return ready, failed
		}
	}
}

// ReadyIDs returns all nodes currently in the ready state, in path order.
func (g *TaskGraph) ReadyIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for _, id := range g.order {
		if g.nodes[id].State == models.NodeReady {
			ready = append(ready, id)
		}
	}
	return ready
}

// Claim transitions a node from ready to running and hands its payload
// to the caller. It returns false if the node is not ready, so two
// dispatchers can never own the same node.
func (g *TaskGraph) Claim(id string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[id]
	if !ok || node.State != models.NodeReady {
		return "", false
	}
	node.State = models.NodeRunning
	g.debugLog("[graph.Claim] node %s running", id)
	return node.Payload, true
}

// RecordAttempt increments a running node's attempt count and returns
// the new value.
func (g *TaskGraph) RecordAttempt(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[id]
	if !ok {
		return 0
	}
	node.AttemptCount++
	return node.AttemptCount
}

// Finalize moves a running node to a terminal state and records its
// outcome. Done and degraded require a result; failed requires a
// reason. Returns a copy of the finalized node.
func (g *TaskGraph) Finalize(id string, state models.NodeState, result *models.Result, failReason string) (*models.TaskNode, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("finalize unknown node %s", id)
	}
	if node.State.Terminal() {
		return nil, fmt.Errorf("finalize node %s: already %s", id, node.State)
	}
	if !state.Terminal() {
		return nil, fmt.Errorf("finalize node %s: %s is not terminal", id, state)
	}
	if state.Contributes() && result == nil {
		return nil, fmt.Errorf("finalize node %s as %s: missing result", id, state)
	}

	node.State = state
	node.FailReason = failReason
	if result != nil {
		r := *result
		node.Result = &r
	}
	g.debugLog("[graph.Finalize] node %s -> %s", id, state)
	return node.Clone(), nil
}

// FailRemaining finalizes every pending and ready node as failed with
// the given reason. Running nodes are left to their workers. Used when
// a cancelled run stops dispatching. Returns copies of the affected
// nodes in path order.
func (g *TaskGraph) FailRemaining(reason string) []*models.TaskNode {
	g.mu.Lock()
	defer g.mu.Unlock()

	var failed []*models.TaskNode
	for _, id := range g.order {
		node := g.nodes[id]
		if node.State == models.NodePending || node.State == models.NodeReady {
			node.State = models.NodeFailed
			node.FailReason = reason
			failed = append(failed, node.Clone())
		}
	}
	return failed
}
