package ui

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/nibzard/procpool/internal/supervisor"
	"github.com/nibzard/procpool/internal/task"
)

func sampleReport() *supervisor.Report {
	crash := task.AbnormalTermination(3, "killed")
	crash.ExecID = "303"
	return &supervisor.Report{
		BatchID:         "5f0c2a8e-1111-2222-3333-444455556666",
		Requested:       5,
		TotalDispatched: 4,
		Succeeded:       2,
		Failed:          2,
		Abnormal:        1,
		NotDispatched:   1,
		Skipped:         []int{4},
		Elapsed:         2345 * time.Millisecond,
		Statuses: []task.TerminalStatus{
			{Index: 5, ExecID: "305", Kind: task.KindNormalExit, Code: 1, Duration: time.Second},
			{Index: 1, ExecID: "301", Kind: task.KindNormalExit, Code: 0, Duration: 2 * time.Second},
			crash,
			{Index: 2, ExecID: "302", Kind: task.KindNormalExit, Code: 0, Duration: 500 * time.Millisecond},
		},
		Durations: supervisor.DurationStats{Count: 4, P50: time.Second, P90: 2 * time.Second, P99: 2 * time.Second, Max: 2 * time.Second},
		Errors:    []string{"spawn unit 4: injected spawn failure"},
	}
}

func TestRenderReport(t *testing.T) {
	out := RenderReport(sampleReport(), ReportOptions{})
	for _, want := range []string{
		"Batch 5f0c2a8e",
		"Requested",
		"Dispatched",
		"2 (1 abnormal)",
		"Not dispatched",
		"Skipped",
		"2.345s",
		"p50 1s",
		"error: spawn unit 4: injected spawn failure",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Unharvested") {
		t.Error("unharvested row should be hidden when zero")
	}
	if strings.Contains(out, "#1") {
		t.Error("worker rows should only appear when requested")
	}
}

func TestRenderReportWorkers(t *testing.T) {
	out := RenderReport(sampleReport(), ReportOptions{Workers: true})
	i1 := strings.Index(out, "#1 ")
	i2 := strings.Index(out, "#2 ")
	i3 := strings.Index(out, "#3 ")
	i5 := strings.Index(out, "#5 ")
	if i1 < 0 || i2 < 0 || i3 < 0 || i5 < 0 {
		t.Fatalf("missing worker rows:\n%s", out)
	}
	if !(i1 < i2 && i2 < i3 && i3 < i5) {
		t.Errorf("worker rows not ordered by index:\n%s", out)
	}
	if !strings.Contains(out, "abnormal killed") || !strings.Contains(out, "exited 1") {
		t.Errorf("statuses not rendered:\n%s", out)
	}
}

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	rep := &supervisor.Report{BatchID: "b", Requested: 1, TotalDispatched: 1, Failed: 1, Unharvested: 0}
	if err := PrintReport(&buf, rep, ReportOptions{}); err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(buf.String(), "\n") || !strings.Contains(buf.String(), "Batch b") {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestRenderTable(t *testing.T) {
	out := RenderTable([]string{"KEY", "VALUE"}, [][]string{{"workers", "4"}, {"strategy", "poll"}})
	for _, want := range []string{"KEY", "VALUE", "workers", "strategy", "poll"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
	lines := strings.Split(out, "\n")
	if len(lines) < 4 {
		t.Errorf("expected header, separator and rows, got %d lines", len(lines))
	}
}
