package tui

import (
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"fathom/pkg/models"
)

// RunEventMsg mirrors one orchestrator event for the TUI.
type RunEventMsg struct {
	Type       string
	RunID      string
	NodeID     string
	NodeState  models.NodeState
	Tier       string
	Sequence   uint64
	Confidence float64
	Message    string
	Error      string
	Timestamp  time.Time
}

// RunDoneMsg signals that the run has finished. Answer may be non-nil
// even when ErrMessage is set; cancelled runs still salvage an answer.
type RunDoneMsg struct {
	Answer     *models.AggregatedAnswer
	ErrMessage string
}

// DebugLogMsg is sent to add a debug message to the activity log.
type DebugLogMsg struct {
	Message string
}

// LogEntry represents one line in the activity log.
type LogEntry struct {
	Timestamp time.Time
	Level     string
	Message   string
}

// nodeRow is the displayed state of one task node.
type nodeRow struct {
	id         string
	state      models.NodeState
	confidence float64
	hasConf    bool
	attempts   int
	detail     string
}

// WatchApp is the bubbletea model for the run watch view.
type WatchApp struct {
	// query is the query text being answered.
	query string
	// runID identifies the run once the first event arrives.
	runID string
	// tier is the resolved effort tier.
	tier string
	// resumed indicates the run was rebuilt from a checkpoint.
	resumed bool
	// rows holds per-node display state keyed by node ID.
	rows map[string]*nodeRow
	// order holds node IDs sorted so children follow their parents.
	order []string
	// checkpoints is how many snapshots became durable.
	checkpoints int
	// lastSeq is the sequence of the latest durable snapshot.
	lastSeq uint64
	// logs is the activity log.
	logs []LogEntry
	// spin animates while the run is in flight.
	spin spinner.Model
	// width is the terminal width.
	width int
	// height is the terminal height.
	height int
	// done indicates the run has finished.
	done bool
	// answer holds the final aggregated answer, if any.
	answer *models.AggregatedAnswer
	// errMessage holds the run error, empty on success.
	errMessage string
	// quitting indicates the app is shutting down.
	quitting bool

	// Styles
	titleStyle    lipgloss.Style
	labelStyle    lipgloss.Style
	valueStyle    lipgloss.Style
	headerStyle   lipgloss.Style
	rowStyle      lipgloss.Style
	hintStyle     lipgloss.Style
	successStyle  lipgloss.Style
	errorStyle    lipgloss.Style
	answerStyle   lipgloss.Style
	statusDone    lipgloss.Style
	statusRunning lipgloss.Style
	statusWaiting lipgloss.Style
	statusFailed  lipgloss.Style
	statusPending lipgloss.Style
}

// NewWatchApp creates a new WatchApp for the given query.
func NewWatchApp(query string) *WatchApp {
	s := spinner.New()
	s.Spinner = spinner.MiniDot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("34"))

	return &WatchApp{
		query: query,
		rows:  make(map[string]*nodeRow),
		order: make([]string, 0),
		logs:  make([]LogEntry, 0),
		spin:  s,

		titleStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")),

		labelStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")),

		valueStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")),

		headerStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("7")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("240")),

		rowStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")),

		hintStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),

		successStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("28")).
			Bold(true),

		errorStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true),

		answerStyle: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1),

		statusDone: lipgloss.NewStyle().
			Foreground(lipgloss.Color("28")), // Dark green

		statusRunning: lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")), // Green

		statusWaiting: lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")), // Orange

		statusFailed: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")), // Red

		statusPending: lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")), // Gray
	}
}

// Init implements tea.Model.
func (a *WatchApp) Init() tea.Cmd {
	return a.spin.Tick
}

// Update implements tea.Model.
func (a *WatchApp) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			a.quitting = true
			return a, tea.Quit
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height

	case spinner.TickMsg:
		if a.done {
			return a, nil
		}
		var cmd tea.Cmd
		a.spin, cmd = a.spin.Update(msg)
		return a, cmd

	case RunEventMsg:
		a.handleRunEvent(msg)

	case RunDoneMsg:
		a.done = true
		a.answer = msg.Answer
		a.errMessage = msg.ErrMessage

	case DebugLogMsg:
		a.appendLog(time.Now(), "DEBUG", msg.Message)
	}

	return a, nil
}

// handleRunEvent processes a mirrored orchestrator event and updates state.
func (a *WatchApp) handleRunEvent(msg RunEventMsg) {
	level := "INFO"
	if msg.Error != "" {
		level = "ERROR"
	}
	a.appendLog(msg.Timestamp, level, a.describeEvent(msg))

	if msg.RunID != "" {
		a.runID = msg.RunID
	}
	if msg.Tier != "" {
		a.tier = msg.Tier
	}

	switch msg.Type {
	case "run_resumed":
		a.resumed = true
		a.lastSeq = msg.Sequence

	case "node_queued":
		a.upsertRow(msg.NodeID).state = models.NodeReady

	case "node_started":
		row := a.upsertRow(msg.NodeID)
		row.state = models.NodeRunning
		row.attempts++

	case "node_completed":
		row := a.upsertRow(msg.NodeID)
		row.state = models.NodeDone
		row.confidence = msg.Confidence
		row.hasConf = true

	case "node_degraded":
		row := a.upsertRow(msg.NodeID)
		row.state = models.NodeDegraded
		row.confidence = msg.Confidence
		row.hasConf = true
		row.detail = msg.Message

	case "node_failed":
		row := a.upsertRow(msg.NodeID)
		row.state = models.NodeFailed
		row.detail = msg.Message

	case "checkpoint_written":
		a.checkpoints++
		a.lastSeq = msg.Sequence
	}
}

// upsertRow finds or creates the display row for a node, keeping the
// order slice sorted so children render under their parents.
func (a *WatchApp) upsertRow(id string) *nodeRow {
	if row, ok := a.rows[id]; ok {
		return row
	}
	row := &nodeRow{id: id, state: models.NodePending}
	a.rows[id] = row

	i := sort.SearchStrings(a.order, id)
	a.order = append(a.order, "")
	copy(a.order[i+1:], a.order[i:])
	a.order[i] = id

	return row
}

// appendLog adds an activity log entry, trimming old entries so memory
// stays bounded on long runs.
func (a *WatchApp) appendLog(ts time.Time, level, message string) {
	if ts.IsZero() {
		ts = time.Now()
	}
	a.logs = append(a.logs, LogEntry{Timestamp: ts, Level: level, Message: message})
	if len(a.logs) > 200 {
		a.logs = a.logs[len(a.logs)-200:]
	}
}

// NodeCounts returns how many nodes are finished, failed, and in flight.
func (a *WatchApp) NodeCounts() (done, failed, active int) {
	for _, row := range a.rows {
		switch row.state {
		case models.NodeDone, models.NodeDegraded:
			done++
		case models.NodeFailed:
			failed++
		default:
			active++
		}
	}
	return done, failed, active
}

// Run starts the watch TUI and blocks until the user quits.
func Run(query string) error {
	app := NewWatchApp(query)
	p := tea.NewProgram(app, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// NewWatchProgram creates a new Bubbletea program for the watch view.
// The returned program can receive messages via Send().
func NewWatchProgram(query string) (*tea.Program, *WatchApp) {
	app := NewWatchApp(query)
	p := tea.NewProgram(app, tea.WithAltScreen())
	return p, app
}
