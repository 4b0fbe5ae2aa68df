package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestNewRunLogger(t *testing.T) {
	t.Run("creates log file under project slug", func(t *testing.T) {
		base := t.TempDir()
		work := filepath.Join(t.TempDir(), "my-batch")
		if err := os.Mkdir(work, 0o755); err != nil {
			t.Fatal(err)
		}

		logger, err := NewRunLogger(base, work, "0b9d6c4e-1111-2222-3333-444455556666")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		defer logger.Close()

		if !strings.HasPrefix(filepath.Base(logger.Dir), "my-batch-") {
			t.Errorf("expected project slug in %s", logger.Dir)
		}
		if !strings.HasSuffix(logger.RunID, "-0b9d6c4e") {
			t.Errorf("expected batch prefix in run id, got %s", logger.RunID)
		}
		if _, err := os.Stat(logger.LogPath); err != nil {
			t.Errorf("log file not created: %v", err)
		}
	})

	t.Run("empty base dir returns error", func(t *testing.T) {
		_, err := NewRunLogger("", t.TempDir(), "")
		if err == nil || !strings.Contains(err.Error(), "empty") {
			t.Fatalf("expected empty dir error, got %v", err)
		}
	})

	t.Run("relative base dir resolves against work dir", func(t *testing.T) {
		work := t.TempDir()
		logger, err := NewRunLogger("logs", work, "")
		if err != nil {
			t.Fatal(err)
		}
		defer logger.Close()
		if !strings.HasPrefix(logger.Dir, filepath.Join(work, "logs")) {
			t.Errorf("expected %s under %s", logger.Dir, work)
		}
	})
}

func TestRunLoggerEventsAndReport(t *testing.T) {
	logger, err := NewRunLogger(t.TempDir(), t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}

	events := logger.Events()
	_ = events.Write(LogEvent{Type: EventDispatch, Index: 1})
	_ = events.Write(LogEvent{Type: EventHarvest, Index: 1, Outcome: OutcomeSuccess})
	if err := logger.WriteReport(map[string]int{"succeeded": 1}); err != nil {
		t.Fatalf("write report: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(logger.LogPath)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(string(data), "\n"); got != 2 {
		t.Errorf("expected 2 lines, got %d", got)
	}

	report, err := os.ReadFile(logger.ReportPath())
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var decoded map[string]int
	if err := json.Unmarshal(report, &decoded); err != nil || decoded["succeeded"] != 1 {
		t.Errorf("unexpected report %s (err=%v)", report, err)
	}

	runs, err := FindLogRuns(logger.Dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].LogFile != logger.LogPath || runs[0].Report != logger.ReportPath() {
		t.Errorf("unexpected runs %+v", runs)
	}
}

func TestRunLoggerNil(t *testing.T) {
	var logger *RunLogger
	if err := logger.Close(); err != nil {
		t.Errorf("close nil logger: %v", err)
	}
	if logger.ReportPath() != "" {
		t.Error("nil logger should have no report path")
	}
}

func TestRunID(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	if got := runID(now, "abcd1234-ffff"); got != "20260304-050607-abcd1234" {
		t.Errorf("unexpected run id %s", got)
	}
	parts := strings.Split(runID(now, ""), "-")
	if len(parts) != 3 || parts[2] == "" {
		t.Errorf("expected date-time-pid, got %v", parts)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"simple", "simple"},
		{"Hello World", "Hello_World"},
		{"many   spaces", "many_spaces"},
		{"special@chars!", "special_chars"},
		{"", "project"},
		{"___", "project"},
		{"test.-_project", "test.-_project"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := slugify(tt.input); got != tt.want {
				t.Errorf("slugify(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestHashPath(t *testing.T) {
	a := hashPath("/path/to/project")
	if len(a) != 8 || a != hashPath("/path/to/project") {
		t.Errorf("hash should be 8 stable chars, got %s", a)
	}
	if a == hashPath("/path/to/projectx") {
		t.Error("different inputs produced the same hash")
	}
}

func TestFindLatestLog(t *testing.T) {
	t.Run("picks newest jsonl", func(t *testing.T) {
		dir := t.TempDir()
		old := time.Now().Add(-time.Hour)
		for i, name := range []string{"a.jsonl", "b.jsonl", "c.report.json", "notes.txt"} {
			path := filepath.Join(dir, name)
			if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
				t.Fatal(err)
			}
			mt := old.Add(time.Duration(i) * time.Minute)
			if err := os.Chtimes(path, mt, mt); err != nil {
				t.Fatal(err)
			}
		}
		latest, err := FindLatestLog(dir)
		if err != nil {
			t.Fatal(err)
		}
		if filepath.Base(latest) != "b.jsonl" {
			t.Errorf("expected b.jsonl, got %s", latest)
		}
	})

	t.Run("missing directory is empty", func(t *testing.T) {
		latest, err := FindLatestLog(filepath.Join(t.TempDir(), "missing"))
		if err != nil || latest != "" {
			t.Errorf("expected empty result, got %q err=%v", latest, err)
		}
	})
}

func TestTailLog(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "run.jsonl")
	if err := os.WriteFile(path, []byte("line1\nline2\nline3\nline4\nline5\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Run("whole file when n is zero", func(t *testing.T) {
		var buf bytes.Buffer
		if err := TailLog(ctx, &buf, path, 0, false); err != nil {
			t.Fatal(err)
		}
		if buf.String() != "line1\nline2\nline3\nline4\nline5\n" {
			t.Errorf("unexpected output %q", buf.String())
		}
	})

	t.Run("last n lines", func(t *testing.T) {
		var buf bytes.Buffer
		if err := TailLog(ctx, &buf, path, 2, false); err != nil {
			t.Fatal(err)
		}
		if buf.String() != "line4\nline5\n" {
			t.Errorf("unexpected output %q", buf.String())
		}
	})

	t.Run("n larger than file", func(t *testing.T) {
		var buf bytes.Buffer
		if err := TailLog(ctx, &buf, path, 50, false); err != nil {
			t.Fatal(err)
		}
		if strings.Count(buf.String(), "\n") != 5 {
			t.Errorf("expected all 5 lines, got %q", buf.String())
		}
	})

	t.Run("missing file", func(t *testing.T) {
		var buf bytes.Buffer
		if err := TailLog(ctx, &buf, filepath.Join(t.TempDir(), "nope"), 0, false); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("follow stops with context", func(t *testing.T) {
		fpath := filepath.Join(t.TempDir(), "follow.jsonl")
		if err := os.WriteFile(fpath, []byte("initial\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		var buf syncBuffer
		cctx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- TailLog(cctx, &buf, fpath, 0, true) }()

		time.Sleep(50 * time.Millisecond)
		f, err := os.OpenFile(fpath, os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = f.WriteString("appended\n")
		f.Close()

		deadline := time.Now().Add(5 * time.Second)
		for !strings.Contains(buf.String(), "appended") && time.Now().Before(deadline) {
			time.Sleep(20 * time.Millisecond)
		}
		cancel()
		if err := <-done; err != nil {
			t.Fatalf("tail: %v", err)
		}
		if got := buf.String(); !strings.Contains(got, "initial") || !strings.Contains(got, "appended") {
			t.Errorf("unexpected follow output %q", got)
		}
	})
}

func TestExtractRunID(t *testing.T) {
	tests := []struct {
		name       string
		wantID     string
		wantReport bool
	}{
		{"20260101-120000-abcd1234.jsonl", "20260101-120000-abcd1234", false},
		{"20260101-120000-abcd1234.report.json", "20260101-120000-abcd1234", true},
		{"notes.txt", "", false},
	}
	for _, tt := range tests {
		id, isReport := extractRunID(tt.name)
		if id != tt.wantID || isReport != tt.wantReport {
			t.Errorf("extractRunID(%q) = %q,%v", tt.name, id, isReport)
		}
	}
}
