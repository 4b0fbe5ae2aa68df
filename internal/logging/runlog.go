package logging

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	logSuffix    = ".jsonl"
	reportSuffix = ".report.json"
)

// RunLogger owns the JSONL event file of one supervisor run and the path of
// its final report.
type RunLogger struct {
	Dir     string
	RunID   string
	LogPath string
	file    *os.File
}

// NewRunLogger creates <baseDir>/<project-slug>/<run-id>.jsonl. A relative
// baseDir is resolved against workDir. batchID, when set, becomes part of the
// run id so a log can be matched to a report.
func NewRunLogger(baseDir, workDir, batchID string) (*RunLogger, error) {
	logDir, err := FindLogDir(baseDir, workDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	id := runID(time.Now(), batchID)
	logPath := filepath.Join(logDir, id+logSuffix)
	file, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("create log file: %w", err)
	}

	return &RunLogger{
		Dir:     logDir,
		RunID:   id,
		LogPath: logPath,
		file:    file,
	}, nil
}

// Events returns a LogWriter appending JSON lines to the run file.
func (r *RunLogger) Events() LogWriter {
	return Synchronized(NewIOStreamLogWriter(r.file))
}

// Close closes the log file.
func (r *RunLogger) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}

// ReportPath returns where the run's final report is stored.
func (r *RunLogger) ReportPath() string {
	if r == nil {
		return ""
	}
	return filepath.Join(r.Dir, r.RunID+reportSuffix)
}

// WriteReport stores v as indented JSON at ReportPath.
func (r *RunLogger) WriteReport(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(r.ReportPath(), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// FindLogDir returns the directory runs for workDir are logged to.
func FindLogDir(baseDir, workDir string) (string, error) {
	if baseDir == "" {
		return "", fmt.Errorf("log base dir is empty")
	}
	if workDir == "" {
		workDir = "."
	}
	if abs, err := filepath.Abs(workDir); err == nil {
		workDir = abs
	}
	return filepath.Join(resolveBaseDir(baseDir, workDir), projectSlug(workDir)), nil
}

func resolveBaseDir(baseDir, workDir string) string {
	if filepath.IsAbs(baseDir) {
		return filepath.Clean(baseDir)
	}
	return filepath.Clean(filepath.Join(workDir, baseDir))
}

func projectSlug(dir string) string {
	return fmt.Sprintf("%s-%s", slugify(filepath.Base(dir)), hashPath(dir))
}

func slugify(input string) string {
	if strings.TrimSpace(input) == "" {
		return "project"
	}

	var b strings.Builder
	lastUnderscore := false
	for i := 0; i < len(input); i++ {
		c := input[i]
		valid := (c >= 'A' && c <= 'Z') ||
			(c >= 'a' && c <= 'z') ||
			(c >= '0' && c <= '9') ||
			c == '.' || c == '_' || c == '-'
		if !valid {
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
			continue
		}
		b.WriteByte(c)
		lastUnderscore = false
	}

	slug := strings.Trim(b.String(), "_")
	if slug == "" {
		return "project"
	}
	return slug
}

func hashPath(input string) string {
	sum := sha1.Sum([]byte(input))
	return hex.EncodeToString(sum[:])[:8]
}

// runID is <date>-<time>-<suffix>, where suffix is the first block of the
// batch id or the pid.
func runID(now time.Time, batchID string) string {
	suffix := fmt.Sprintf("%d", os.Getpid())
	if batchID != "" {
		suffix, _, _ = strings.Cut(batchID, "-")
	}
	return fmt.Sprintf("%s-%s", now.UTC().Format("20060102-150405"), suffix)
}

// FindLatestLog returns the most recently modified JSONL log in logDir, or ""
// when there is none.
func FindLatestLog(logDir string) (string, error) {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read log dir: %w", err)
	}

	var latest string
	var latestTime time.Time
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), logSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if latest == "" || info.ModTime().After(latestTime) {
			latestTime = info.ModTime()
			latest = filepath.Join(logDir, entry.Name())
		}
	}
	return latest, nil
}

// TailLog writes the last n lines of path to w (all lines when n <= 0). With
// follow it keeps copying appended data until ctx is done.
func TailLog(ctx context.Context, w io.Writer, path string, n int, follow bool) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	if err := copyLastLines(w, file, n); err != nil {
		return err
	}
	if !follow {
		return nil
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := io.Copy(w, file); err != nil {
			return err
		}
	}
}

// copyLastLines keeps a ring of the last n lines while scanning r.
func copyLastLines(w io.Writer, r io.Reader, n int) error {
	if n <= 0 {
		_, err := io.Copy(w, r)
		return err
	}

	ring := make([]string, 0, n)
	start := 0
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			if len(ring) < n {
				ring = append(ring, line)
			} else {
				ring[start] = line
				start = (start + 1) % n
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read log file: %w", err)
		}
	}
	for i := range ring {
		if _, err := io.WriteString(w, ring[(start+i)%len(ring)]); err != nil {
			return err
		}
	}
	return nil
}

// LogRun groups the files written by one run.
type LogRun struct {
	RunID   string
	ModTime time.Time
	LogFile string
	Report  string
}

// FindLogRuns lists runs in logDir, newest first.
func FindLogRuns(logDir string) ([]LogRun, error) {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		return nil, fmt.Errorf("read log dir: %w", err)
	}

	runMap := make(map[string]*LogRun)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, isReport := extractRunID(entry.Name())
		if id == "" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		run, ok := runMap[id]
		if !ok {
			run = &LogRun{RunID: id, ModTime: info.ModTime()}
			runMap[id] = run
		}
		if info.ModTime().After(run.ModTime) {
			run.ModTime = info.ModTime()
		}
		fullPath := filepath.Join(logDir, entry.Name())
		if isReport {
			run.Report = fullPath
		} else {
			run.LogFile = fullPath
		}
	}

	runs := make([]LogRun, 0, len(runMap))
	for _, run := range runMap {
		runs = append(runs, *run)
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].ModTime.Equal(runs[j].ModTime) {
			return runs[i].RunID > runs[j].RunID
		}
		return runs[i].ModTime.After(runs[j].ModTime)
	})
	return runs, nil
}

// extractRunID returns the run id of a log or report file name.
func extractRunID(filename string) (string, bool) {
	if base, ok := strings.CutSuffix(filename, reportSuffix); ok {
		return base, true
	}
	if base, ok := strings.CutSuffix(filename, logSuffix); ok {
		return base, false
	}
	return "", false
}
