package tui

import (
	"fmt"
	"strings"

	"fathom/pkg/models"
)

// Status icons for node states.
const (
	iconRunning  = "[●]"
	iconWaiting  = "[◐]"
	iconDone     = "[✓]"
	iconDegraded = "[◑]"
	iconFailed   = "[✗]"
	iconPending  = "[○]"
)

// View implements tea.Model.
func (a *WatchApp) View() string {
	if a.quitting {
		return "Goodbye!\n"
	}

	var b strings.Builder

	b.WriteString(a.viewHeader())
	b.WriteString("\n\n")
	b.WriteString(a.viewNodes())
	b.WriteString("\n")
	b.WriteString(a.viewCounts())
	b.WriteString("\n\n")
	b.WriteString(a.viewActivity())

	if a.done {
		b.WriteString("\n\n")
		b.WriteString(a.viewAnswer())
	}

	b.WriteString("\n\n")
	b.WriteString(a.viewFooter())
	b.WriteString("\n")

	return b.String()
}

// viewHeader renders the run identity line and the query.
func (a *WatchApp) viewHeader() string {
	title := "fathom"
	if a.runID != "" {
		title += " ▸ run " + a.runID
	}
	line := a.titleStyle.Render(title)

	if a.tier != "" {
		line += " " + a.labelStyle.Render("["+a.tier+"]")
	}
	if a.resumed {
		line += " " + a.labelStyle.Render("(resumed)")
	}

	switch {
	case !a.done:
		line += " " + a.spin.View() + a.valueStyle.Render(" running")
	case a.errMessage == "":
		line += " " + a.successStyle.Render("✓ completed")
	default:
		line += " " + a.errorStyle.Render("✗ finished with error")
	}

	if a.query != "" {
		max := a.width - 8
		if max < 20 {
			max = 60
		}
		line += "\n" + a.labelStyle.Render("query: ") + a.valueStyle.Render(truncate(a.query, max))
	}

	return line
}

// viewNodes renders the node table sorted by path ID.
func (a *WatchApp) viewNodes() string {
	if len(a.order) == 0 {
		return a.hintStyle.Render("Waiting for the task graph...")
	}

	idWidth := 4
	for _, id := range a.order {
		if len(id) > idWidth {
			idWidth = len(id)
		}
	}
	if idWidth > 28 {
		idWidth = 28
	}

	var b strings.Builder
	header := fmt.Sprintf("    %-*s  %-9s  %5s  %5s  %s", idWidth, "NODE", "STATE", "CONF", "TRIES", "DETAIL")
	b.WriteString(a.headerStyle.Render(header))
	b.WriteString("\n")

	for _, id := range a.order {
		row := a.rows[id]

		conf := "    -"
		if row.hasConf {
			conf = fmt.Sprintf("%5.2f", row.confidence)
		}
		tries := "    -"
		if row.attempts > 0 {
			tries = fmt.Sprintf("%5d", row.attempts)
		}

		rest := fmt.Sprintf(" %-*s  %-9s  %s  %s  %s",
			idWidth, truncate(id, idWidth), string(row.state), conf, tries, truncate(row.detail, 40))
		b.WriteString(a.statusIcon(row.state))
		b.WriteString(a.rowStyle.Render(rest))
		b.WriteString("\n")
	}

	return strings.TrimRight(b.String(), "\n")
}

// viewCounts renders the node tally and checkpoint progress.
func (a *WatchApp) viewCounts() string {
	done, failed, active := a.NodeCounts()

	counts := fmt.Sprintf("✓%d", done)
	if failed > 0 {
		counts += " " + a.errorStyle.Render(fmt.Sprintf("✗%d", failed))
	}
	if active > 0 {
		counts += fmt.Sprintf(" ⏳%d", active)
	}

	cp := "no checkpoints yet"
	if a.checkpoints > 0 {
		cp = fmt.Sprintf("checkpoints %d (latest seq %d)", a.checkpoints, a.lastSeq)
	}

	return counts + a.hintStyle.Render(" │ "+cp)
}

// viewActivity renders the most recent activity log entries.
func (a *WatchApp) viewActivity() string {
	if len(a.logs) == 0 {
		return a.hintStyle.Render("No activity yet")
	}

	// Show the most recent entries (up to 6)
	start := 0
	if len(a.logs) > 6 {
		start = len(a.logs) - 6
	}

	var b strings.Builder
	for _, entry := range a.logs[start:] {
		ts := entry.Timestamp.Format("15:04:05")
		b.WriteString(fmt.Sprintf("  %s [%s] %s\n", ts, entry.Level, truncate(entry.Message, 70)))
	}
	return strings.TrimRight(b.String(), "\n")
}

// viewAnswer renders the final answer panel after the run finishes.
func (a *WatchApp) viewAnswer() string {
	var b strings.Builder

	if a.errMessage != "" {
		b.WriteString(a.errorStyle.Render("✗ " + a.errMessage))
	} else {
		b.WriteString(a.successStyle.Render("✓ run completed"))
	}

	if a.answer == nil {
		return b.String()
	}

	b.WriteString("  ")
	b.WriteString(a.labelStyle.Render(fmt.Sprintf("confidence %.2f", a.answer.OverallConfidence)))
	if len(a.answer.DegradedNodeIDs) > 0 {
		b.WriteString(a.labelStyle.Render(fmt.Sprintf("  degraded %d", len(a.answer.DegradedNodeIDs))))
	}
	if len(a.answer.FailedNodeIDs) > 0 {
		b.WriteString(a.labelStyle.Render(fmt.Sprintf("  failed %d", len(a.answer.FailedNodeIDs))))
	}

	width := a.width - 4
	if width < 20 || width > 100 {
		width = 80
	}
	b.WriteString("\n")
	b.WriteString(a.answerStyle.Width(width).Render(clampLines(a.answer.FinalText, 12)))

	return b.String()
}

// viewFooter renders the keyboard hints.
func (a *WatchApp) viewFooter() string {
	if a.done {
		return a.hintStyle.Render("Press q to exit")
	}
	return a.hintStyle.Render("q quit")
}

// describeEvent turns a mirrored event into an activity log line.
func (a *WatchApp) describeEvent(msg RunEventMsg) string {
	switch msg.Type {
	case "run_started":
		if msg.Message != "" {
			return fmt.Sprintf("run started at tier %s: %s", msg.Tier, msg.Message)
		}
		return fmt.Sprintf("run started at tier %s", msg.Tier)
	case "run_resumed":
		return fmt.Sprintf("resumed from checkpoint %d", msg.Sequence)
	case "node_queued":
		return fmt.Sprintf("%s queued", msg.NodeID)
	case "node_started":
		return fmt.Sprintf("%s started", msg.NodeID)
	case "node_completed":
		return fmt.Sprintf("%s completed (confidence %.2f)", msg.NodeID, msg.Confidence)
	case "node_degraded":
		return fmt.Sprintf("%s degraded (confidence %.2f)", msg.NodeID, msg.Confidence)
	case "node_failed":
		if msg.Message != "" {
			return fmt.Sprintf("%s failed: %s", msg.NodeID, msg.Message)
		}
		return fmt.Sprintf("%s failed", msg.NodeID)
	case "checkpoint_written":
		return fmt.Sprintf("checkpoint %d durable", msg.Sequence)
	case "run_completed":
		return fmt.Sprintf("run completed (confidence %.2f)", msg.Confidence)
	case "run_cancelled":
		return "run cancelled"
	case "run_crashed":
		if msg.Error != "" {
			return "run crashed: " + msg.Error
		}
		return "run crashed"
	default:
		if msg.Message != "" {
			return msg.Message
		}
		return msg.Type
	}
}

// statusIcon returns the styled status icon for a node state.
func (a *WatchApp) statusIcon(state models.NodeState) string {
	switch state {
	case models.NodeDone:
		return a.statusDone.Render(iconDone)
	case models.NodeDegraded:
		return a.statusWaiting.Render(iconDegraded)
	case models.NodeRunning:
		return a.statusRunning.Render(iconRunning)
	case models.NodeReady:
		return a.statusWaiting.Render(iconWaiting)
	case models.NodeFailed:
		return a.statusFailed.Render(iconFailed)
	default:
		return a.statusPending.Render(iconPending)
	}
}

// truncate shortens a string to max characters, adding an ellipsis.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// clampLines caps multi-line text at max lines.
func clampLines(s string, max int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= max {
		return s
	}
	return strings.Join(lines[:max], "\n") + fmt.Sprintf("\n... (%d more lines)", len(lines)-max)
}
