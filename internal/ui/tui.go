// Package ui provides optional terminal interfaces.
package ui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/nibzard/procpool/internal/logging"
	"github.com/nibzard/procpool/internal/supervisor"
)

// RunFunc runs a batch, sending its events to events.
type RunFunc func(ctx context.Context, events logging.LogWriter) (*supervisor.Report, error)

// RunTUI runs the batch behind a live view of every worker. Quitting the view
// before the batch ends cancels it. The returned report and error are the
// ones produced by run.
func RunTUI(ctx context.Context, requested int, run RunFunc) (*supervisor.Report, error) {
	if !IsTTY(os.Stdout) {
		return nil, fmt.Errorf("tui requires a TTY")
	}
	return runProgram(ctx, requested, run, tea.WithAltScreen())
}

func runProgram(ctx context.Context, requested int, run RunFunc, opts ...tea.ProgramOption) (*supervisor.Report, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	model := newTUIModel(requested, cancel)
	program := tea.NewProgram(model, opts...)

	type result struct {
		rep *supervisor.Report
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		rep, err := run(ctx, &programWriter{program: program})
		resCh <- result{rep, err}
		program.Send(batchDoneMsg{report: rep, err: err})
	}()

	if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		cancel()
		<-resCh
		return nil, err
	}
	cancel()
	res := <-resCh
	return res.rep, res.err
}

// programWriter forwards events into a running program.
type programWriter struct {
	program *tea.Program
}

func (w *programWriter) Write(event logging.LogEvent) error {
	w.program.Send(eventMsg(event))
	return nil
}

type eventMsg logging.LogEvent

type batchDoneMsg struct {
	report *supervisor.Report
	err    error
}

type tickMsg time.Time

// workerState is what the view knows about one unit.
type workerState int

const (
	statePending workerState = iota
	stateRunning
	statePolling
	stateBlocked
	stateSucceeded
	stateFailed
	stateAbnormal
	stateSpawnFailed
)

func (s workerState) String() string {
	switch s {
	case stateRunning:
		return "running"
	case statePolling:
		return "polling"
	case stateBlocked:
		return "waiting"
	case stateSucceeded:
		return "succeeded"
	case stateFailed:
		return "failed"
	case stateAbnormal:
		return "abnormal"
	case stateSpawnFailed:
		return "spawn failed"
	default:
		return "pending"
	}
}

func (s workerState) finished() bool {
	return s == stateSucceeded || s == stateFailed || s == stateAbnormal
}

type workerRow struct {
	index    int
	execID   string
	state    workerState
	polls    int
	code     int
	detail   string
	duration time.Duration
}

type tuiModel struct {
	requested int
	cancel    context.CancelFunc
	batchID   string
	workers   map[int]*workerRow
	errs      []string
	counts    *logging.Counts
	started   time.Time
	now       time.Time
	done      bool
	report    *supervisor.Report
	runErr    error
	offset    int
	height    int
	showHelp  bool

	// onlyActive hides finished workers.
	onlyActive bool
}

func newTUIModel(requested int, cancel context.CancelFunc) *tuiModel {
	now := time.Now()
	return &tuiModel{
		requested: requested,
		cancel:    cancel,
		workers:   make(map[int]*workerRow),
		started:   now,
		now:       now,
		height:    24,
	}
}

func (m *tuiModel) Init() tea.Cmd {
	return tickCmd()
}

func (m *tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		case "h", "?":
			m.showHelp = !m.showHelp
		case "a":
			m.onlyActive = !m.onlyActive
			m.offset = 0
		case "j", "down":
			if m.offset < len(m.visibleRows())-1 {
				m.offset++
			}
		case "k", "up":
			if m.offset > 0 {
				m.offset--
			}
		}
	case tea.WindowSizeMsg:
		m.height = msg.Height
	case tickMsg:
		m.now = time.Time(msg)
		if m.done {
			return m, nil
		}
		return m, tickCmd()
	case eventMsg:
		m.apply(logging.LogEvent(msg))
	case batchDoneMsg:
		m.done = true
		m.report = msg.report
		m.runErr = msg.err
	}
	return m, nil
}

// apply folds one supervisor event into the view state.
func (m *tuiModel) apply(event logging.LogEvent) {
	if event.BatchID != "" {
		m.batchID = event.BatchID
	}
	switch event.Type {
	case logging.EventDispatch:
		row := m.row(event.Index)
		row.state = stateRunning
		row.execID = event.ExecID
	case logging.EventSpawnError:
		row := m.row(event.Index)
		row.state = stateSpawnFailed
		row.detail = event.Content
	case logging.EventPoll:
		row := m.row(event.Index)
		row.polls = event.Attempt
		if event.Running {
			row.state = statePolling
		}
	case logging.EventBlock:
		row := m.row(event.Index)
		row.polls = event.Attempt
		row.state = stateBlocked
	case logging.EventHarvest:
		row := m.row(event.Index)
		row.execID = event.ExecID
		row.code = event.ExitCode
		row.detail = event.Cause
		row.duration = time.Duration(event.DurationMS) * time.Millisecond
		switch event.Outcome {
		case logging.OutcomeSuccess:
			row.state = stateSucceeded
		case logging.OutcomeAbnormal:
			row.state = stateAbnormal
		default:
			row.state = stateFailed
		}
	case logging.EventCollectError:
		m.errs = append(m.errs, event.Content)
	case logging.EventReport:
		m.counts = event.Counts
	}
}

func (m *tuiModel) row(index int) *workerRow {
	row, ok := m.workers[index]
	if !ok {
		row = &workerRow{index: index}
		m.workers[index] = row
	}
	return row
}

func (m *tuiModel) visibleRows() []*workerRow {
	rows := make([]*workerRow, 0, len(m.workers))
	for _, row := range m.workers {
		if m.onlyActive && row.state.finished() {
			continue
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].index < rows[j].index })
	return rows
}

// tally counts rows per state.
func (m *tuiModel) tally() map[workerState]int {
	out := make(map[workerState]int)
	for _, row := range m.workers {
		out[row.state]++
	}
	return out
}

func (m *tuiModel) View() string {
	var b strings.Builder
	writeTitle(&b, m.batchID)

	if m.showHelp {
		writeHelp(&b)
		writeFooter(&b, m.done)
		return b.String()
	}

	writeProgress(&b, m)
	writeWorkers(&b, m)
	for _, e := range m.errs {
		b.WriteString(failureStyle.Render("error: "+e) + "\n")
	}
	if m.done {
		b.WriteString("\n")
		if m.report != nil {
			b.WriteString(RenderReport(m.report, ReportOptions{}) + "\n")
		}
		if m.runErr != nil {
			b.WriteString(failureStyle.Render(m.runErr.Error()) + "\n")
		}
	}
	writeFooter(&b, m.done)
	return b.String()
}

func tickCmd() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func writeTitle(b *strings.Builder, batchID string) {
	title := "procpool"
	if batchID != "" {
		title += " " + shortID(batchID)
	}
	b.WriteString(titleStyle.Render(title) + "\n")
	b.WriteString(strings.Repeat("=", len(title)) + "\n\n")
}

func writeProgress(b *strings.Builder, m *tuiModel) {
	t := m.tally()
	harvested := t[stateSucceeded] + t[stateFailed] + t[stateAbnormal]
	active := t[stateRunning] + t[statePolling] + t[stateBlocked]
	b.WriteString(fmt.Sprintf("  Harvested %d/%d  Running %d  ", harvested, m.requested, active))
	b.WriteString(successStyle.Render(fmt.Sprintf("Succeeded %d", t[stateSucceeded])) + "  ")
	b.WriteString(failureStyle.Render(fmt.Sprintf("Failed %d", t[stateFailed]+t[stateAbnormal])))
	if n := t[stateSpawnFailed]; n > 0 {
		b.WriteString(fmt.Sprintf("  Spawn errors %d", n))
	}
	if !m.done {
		b.WriteString(mutedStyle.Render(fmt.Sprintf("  %s", m.now.Sub(m.started).Round(100*time.Millisecond))))
	}
	b.WriteString("\n\n")
}

func writeWorkers(b *strings.Builder, m *tuiModel) {
	rows := m.visibleRows()
	limit := m.height - 10
	if limit < 3 {
		limit = 3
	}
	start := m.offset
	if start > len(rows) {
		start = len(rows)
	}
	end := start + limit
	if end > len(rows) {
		end = len(rows)
	}
	for _, row := range rows[start:end] {
		b.WriteString(formatRow(row) + "\n")
	}
	if hidden := len(rows) - (end - start); hidden > 0 {
		b.WriteString(mutedStyle.Render(fmt.Sprintf("  ... %d more (j/k to scroll)", hidden)) + "\n")
	}
	b.WriteString("\n")
}

func formatRow(row *workerRow) string {
	line := fmt.Sprintf("  #%-3d %-8s ", row.index, row.execID)
	label := row.state.String()
	switch row.state {
	case stateSucceeded:
		return line + successStyle.Render(label) + mutedStyle.Render("  "+round(row.duration).String())
	case stateFailed:
		return line + failureStyle.Render(fmt.Sprintf("%s (exit %d)", label, row.code)) + mutedStyle.Render("  "+round(row.duration).String())
	case stateAbnormal:
		return line + abnormalStyle.Render(fmt.Sprintf("%s (%s)", label, row.detail))
	case stateSpawnFailed:
		return line + failureStyle.Render(fmt.Sprintf("%s: %s", label, row.detail))
	case statePolling, stateBlocked:
		return line + runningStyle.Render(fmt.Sprintf("%s after %d polls", label, row.polls))
	default:
		return line + runningStyle.Render(label)
	}
}

func writeHelp(b *strings.Builder) {
	b.WriteString("Keyboard Shortcuts\n\n")
	b.WriteString("  q, ctrl+c    Quit (cancels a running batch)\n")
	b.WriteString("  a            Toggle finished workers\n")
	b.WriteString("  j, k         Scroll\n")
	b.WriteString("  h, ?         Toggle this help screen\n\n")
}

func writeFooter(b *strings.Builder, done bool) {
	if done {
		b.WriteString("Batch finished | q to quit\n")
		return
	}
	b.WriteString("Press h for help | q to quit\n")
}

// IsTTY returns true if w is a terminal.
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
