package graph

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"fathom/pkg/models"
)

// ErrInvalidQuery indicates the query cannot produce a graph: empty
// text or an unknown mode.
var ErrInvalidQuery = errors.New("invalid query")

// Limits bounds decomposition for a run.
type Limits struct {
	// MaxDepth is the maximum decomposition depth below the root.
	MaxDepth int
	// MaxWidth is the maximum number of children per node.
	MaxWidth int
}

// sequenceMarkers order the groups they separate: parts after a marker
// depend on every part of the group before it.
var sequenceMarkers = []string{
	", then ",
	" then ",
	", after that ",
	" after that ",
	", afterwards ",
	" afterwards ",
	", finally ",
	" finally ",
}

// parallelMarkers separate independent coordinate parts.
var parallelMarkers = []string{
	", and ",
	" and ",
	" as well as ",
	" along with ",
	" plus ",
	"; ",
}

// Build decomposes a query into a task graph. Building is
// deterministic: the same query, mode, and limits always produce the
// same node IDs, payloads, and edges, so a resumed run reconstructs
// exactly what was checkpointed.
//
// Mode shapes the graph:
//   - full: recursive splitting down to the depth budget
//   - compact: at most a single level of children
//   - semantic: splitting along sentence, then clause, boundaries
//   - research: full splitting at half width, plus a verification
//     sibling depending on each leaf
func Build(q models.Query, limits Limits) (*TaskGraph, error) {
	text := strings.TrimSpace(q.Raw)
	if text == "" {
		return nil, fmt.Errorf("%w: empty query text", ErrInvalidQuery)
	}
	if !q.Mode.Valid() {
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidQuery, q.Mode)
	}

	b := &builder{mode: q.Mode, limits: limits}
	root := &models.TaskNode{ID: RootID, Payload: text, State: models.NodePending}
	b.nodes = append(b.nodes, root)
	b.expand(root, 0)
	if q.Mode == models.ModeResearch {
		b.addVerifiers()
	}

	g := New()
	if err := g.build(b.nodes); err != nil {
		return nil, err
	}
	return g, nil
}

type builder struct {
	mode   models.Mode
	limits Limits
	nodes  []*models.TaskNode
}

// maxDepth returns the effective depth budget for the mode.
func (b *builder) maxDepth() int {
	depth := b.limits.MaxDepth
	if depth < 0 {
		depth = 0
	}
	if b.mode == models.ModeCompact && depth > 1 {
		return 1
	}
	return depth
}

// splitWidth returns the child budget for one split. Research mode
// halves it so the verification siblings still fit inside MaxWidth.
func (b *builder) splitWidth() int {
	width := b.limits.MaxWidth
	if b.mode == models.ModeResearch {
		width = width / 2
	}
	if width < 1 {
		return 1
	}
	return width
}

// expand splits a node's payload into children and recurses until the
// text stops splitting or the depth budget runs out.
func (b *builder) expand(parent *models.TaskNode, depth int) {
	if depth >= b.maxDepth() {
		return
	}

	groups := b.segment(parent.Payload)
	total := 0
	for _, group := range groups {
		total += len(group)
	}
	if total <= 1 {
		return
	}

	type part struct {
		text  string
		group int
	}
	var parts []part
	for gi, group := range groups {
		for _, text := range group {
			parts = append(parts, part{text: text, group: gi})
		}
	}

	// Coalesce overflow into the final slot; the merged text splits
	// again one level down, so nothing is dropped.
	width := b.splitWidth()
	if len(parts) > width {
		rest := parts[width-1:]
		texts := make([]string, len(rest))
		for i, p := range rest {
			texts[i] = p.text
		}
		parts = append(parts[:width-1], part{text: strings.Join(texts, "; "), group: rest[0].group})
	}
	if len(parts) <= 1 {
		return
	}

	// Children inherit the parent's dependencies: if the parent had to
	// wait, everything under it waits too.
	children := make([]*models.TaskNode, len(parts))
	for i, p := range parts {
		var deps []string
		if len(parent.DependsOn) > 0 {
			deps = append([]string{}, parent.DependsOn...)
		}
		children[i] = &models.TaskNode{
			ID:        ChildID(parent.ID, i+1),
			ParentID:  parent.ID,
			DependsOn: deps,
			Payload:   p.text,
			State:     models.NodePending,
		}
	}

	// Parts after a sequence marker depend on every part of the
	// nearest preceding group.
	for i, p := range parts {
		if p.group == 0 {
			continue
		}
		prev := -1
		for _, q := range parts {
			if q.group < p.group && q.group > prev {
				prev = q.group
			}
		}
		if prev < 0 {
			continue
		}
		for j, q := range parts {
			if q.group == prev {
				children[i].DependsOn = append(children[i].DependsOn, children[j].ID)
			}
		}
	}

	b.nodes = append(b.nodes, children...)
	for _, child := range children {
		b.expand(child, depth+1)
	}
}

// segment splits text into ordered groups of parallel parts.
func (b *builder) segment(text string) [][]string {
	if b.mode == models.ModeSemantic {
		if sentences := splitSentences(text); len(sentences) > 1 {
			return [][]string{sentences}
		}
		if clauses := splitOnMarkers(text, []string{"; ", ", "}); len(clauses) > 1 {
			return [][]string{clauses}
		}
		return [][]string{{text}}
	}

	var groups [][]string
	for _, seq := range splitOnMarkers(text, sequenceMarkers) {
		groups = append(groups, splitOnMarkers(seq, parallelMarkers))
	}
	return groups
}

// addVerifiers appends a verification sibling for every leaf. The
// verifier depends on its leaf, so it runs only once the leaf's result
// exists. An undecomposed root gets a primary child plus a verifier,
// so even an atomic research query is cross-checked.
func (b *builder) addVerifiers() {
	if b.limits.MaxWidth < 2 {
		return
	}

	if len(b.nodes) == 1 {
		root := b.nodes[0]
		primary := &models.TaskNode{
			ID:       ChildID(root.ID, 1),
			ParentID: root.ID,
			Payload:  root.Payload,
			State:    models.NodePending,
		}
		verifier := &models.TaskNode{
			ID:        ChildID(root.ID, 2),
			ParentID:  root.ID,
			DependsOn: []string{primary.ID},
			Payload:   verifyPayload(primary.Payload),
			State:     models.NodePending,
		}
		b.nodes = append(b.nodes, primary, verifier)
		return
	}

	childCount := make(map[string]int)
	for _, node := range b.nodes {
		if node.ParentID != "" {
			childCount[node.ParentID]++
		}
	}

	var leaves []*models.TaskNode
	for _, node := range b.nodes {
		if node.ParentID != "" && childCount[node.ID] == 0 {
			leaves = append(leaves, node)
		}
	}

	for _, leaf := range leaves {
		childCount[leaf.ParentID]++
		verifier := &models.TaskNode{
			ID:        ChildID(leaf.ParentID, childCount[leaf.ParentID]),
			ParentID:  leaf.ParentID,
			DependsOn: []string{leaf.ID},
			Payload:   verifyPayload(leaf.Payload),
			State:     models.NodePending,
		}
		b.nodes = append(b.nodes, verifier)
	}
}

func verifyPayload(payload string) string {
	return "Verify and cross-check: " + payload
}

// splitOnMarkers splits text on any of the markers, scanning left to
// right and matching case-insensitively. When two markers match at the
// same position the earlier one in the list wins, so longer markers
// should come first. Empty pieces are dropped.
func splitOnMarkers(text string, markers []string) []string {
	var out []string
	rest := text
	for {
		lower := strings.ToLower(rest)
		idx, size := -1, 0
		for _, marker := range markers {
			if i := strings.Index(lower, marker); i >= 0 && (idx < 0 || i < idx) {
				idx, size = i, len(marker)
			}
		}
		if idx < 0 {
			break
		}
		out = appendPart(out, rest[:idx])
		rest = rest[idx+size:]
	}
	return appendPart(out, rest)
}

// splitSentences splits on sentence-ending punctuation followed by
// whitespace or end of text, so decimals and abbreviations mostly
// survive.
func splitSentences(text string) []string {
	var out []string
	runes := []rune(text)
	start := 0
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		out = appendPart(out, string(runes[start:i+1]))
		start = i + 1
	}
	if start < len(runes) {
		out = appendPart(out, string(runes[start:]))
	}
	return out
}

// appendPart trims a piece and drops it if nothing remains. Trailing
// commas, semicolons, and periods go; question and exclamation marks
// stay, so question payloads remain questions.
func appendPart(parts []string, s string) []string {
	s = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(s), ",;."))
	if s == "" {
		return parts
	}
	return append(parts, s)
}
