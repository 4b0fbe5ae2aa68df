package ui

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/nibzard/procpool/internal/supervisor"
	"github.com/nibzard/procpool/internal/task"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true)
	labelStyle    = lipgloss.NewStyle().Width(16)
	successStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	failureStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	abnormalStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("5"))
	runningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	mutedStyle    = lipgloss.NewStyle().Faint(true)
	boxStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// ReportOptions controls RenderReport.
type ReportOptions struct {
	// Workers lists every harvested status, ordered by index.
	Workers bool
}

// RenderReport draws the aggregate of a finished batch inside a box.
func RenderReport(rep *supervisor.Report, opts ReportOptions) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Batch "+shortID(rep.BatchID)) + "\n\n")

	writeRow(&b, "Requested", fmt.Sprint(rep.Requested))
	writeRow(&b, "Dispatched", fmt.Sprint(rep.TotalDispatched))
	writeRow(&b, "Succeeded", successStyle.Render(fmt.Sprint(rep.Succeeded)))
	failed := fmt.Sprint(rep.Failed)
	if rep.Abnormal > 0 {
		failed += fmt.Sprintf(" (%d abnormal)", rep.Abnormal)
	}
	writeRow(&b, "Failed", failureStyle.Render(failed))
	if rep.Unharvested > 0 {
		writeRow(&b, "Unharvested", runningStyle.Render(fmt.Sprint(rep.Unharvested)))
	}
	if rep.NotDispatched > 0 {
		writeRow(&b, "Not dispatched", fmt.Sprint(rep.NotDispatched))
	}
	if len(rep.Skipped) > 0 {
		writeRow(&b, "Skipped", joinInts(rep.Skipped))
	}
	writeRow(&b, "Elapsed", rep.Elapsed.Round(time.Millisecond).String())
	if d := rep.Durations; d.Count > 0 {
		writeRow(&b, "Lifetimes", fmt.Sprintf("p50 %s  p90 %s  p99 %s  max %s",
			round(d.P50), round(d.P90), round(d.P99), round(d.Max)))
	}

	if opts.Workers && len(rep.Statuses) > 0 {
		b.WriteString("\n")
		statuses := make([]task.TerminalStatus, len(rep.Statuses))
		copy(statuses, rep.Statuses)
		sort.Slice(statuses, func(i, j int) bool { return statuses[i].Index < statuses[j].Index })
		for _, st := range statuses {
			b.WriteString(formatStatus(st) + "\n")
		}
	}

	for _, e := range rep.Errors {
		b.WriteString("\n" + failureStyle.Render("error: "+e))
	}
	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}

// PrintReport writes RenderReport followed by a newline.
func PrintReport(w io.Writer, rep *supervisor.Report, opts ReportOptions) error {
	_, err := fmt.Fprintln(w, RenderReport(rep, opts))
	return err
}

// RenderTable draws rows under a bold header.
func RenderTable(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, _ int) lipgloss.Style {
			style := lipgloss.NewStyle().Padding(0, 1)
			if row == table.HeaderRow {
				return style.Bold(true)
			}
			return style
		}).
		Headers(headers...).
		Rows(rows...)
	return t.Render()
}

func writeRow(b *strings.Builder, label, value string) {
	b.WriteString(labelStyle.Render(label) + value + "\n")
}

func formatStatus(st task.TerminalStatus) string {
	line := fmt.Sprintf("#%-3d %-8s ", st.Index, st.ExecID)
	switch {
	case st.Success():
		line += successStyle.Render("exited 0")
	case st.Kind == task.KindAbnormal:
		line += abnormalStyle.Render("abnormal " + st.Cause)
	default:
		line += failureStyle.Render(fmt.Sprintf("exited %d", st.Code))
	}
	return line + mutedStyle.Render("  "+round(st.Duration).String())
}

func round(d time.Duration) time.Duration {
	return d.Round(time.Millisecond)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ", ")
}
