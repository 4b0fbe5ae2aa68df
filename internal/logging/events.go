// Package logging carries supervisor events to the console, to per-run JSONL
// files, and back out again for tail and ls.
package logging

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Event types emitted by the supervisor.
const (
	EventDispatch     = "dispatch"
	EventSpawnError   = "spawn_error"
	EventHarvest      = "harvest"
	EventPoll         = "poll"
	EventBlock        = "block"
	EventCollectError = "collect_error"
	EventReport       = "report"
)

// Outcomes recorded on harvest events.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeAbnormal = "abnormal"
)

// LogEvent is one line of a run log.
type LogEvent struct {
	// Type is one of the Event* constants.
	Type string `json:"type"`

	Timestamp time.Time `json:"timestamp"`

	// BatchID ties every event of one supervisor run together.
	BatchID string `json:"batch_id,omitempty"`

	// Index is the 1-based unit index (dispatch, harvest, poll, block, spawn_error).
	Index int `json:"index,omitempty"`

	// ExecID is the pid or goroutine id of the worker.
	ExecID string `json:"exec_id,omitempty"`

	// Outcome is success, failure or abnormal (harvest).
	Outcome string `json:"outcome,omitempty"`

	// ExitCode is the worker's exit code (harvest, nonzero only).
	ExitCode int `json:"exit_code,omitempty"`

	// Cause is the signal or panic for abnormal terminations.
	Cause string `json:"cause,omitempty"`

	// Attempt is the poll number (poll) or the number of polls made (block).
	Attempt int `json:"attempt,omitempty"`

	// Running is true when a poll saw the worker still running.
	Running bool `json:"running,omitempty"`

	// DurationMS is the worker's lifetime (harvest) or the batch elapsed time (report).
	DurationMS int64 `json:"duration_ms,omitempty"`

	// Content is a free-form message; errors land here.
	Content string `json:"content,omitempty"`

	// Counts summarises a report event.
	Counts *Counts `json:"counts,omitempty"`
}

// Counts is the aggregate carried by a report event.
type Counts struct {
	Requested     int `json:"requested"`
	Dispatched    int `json:"dispatched"`
	Succeeded     int `json:"succeeded"`
	Failed        int `json:"failed"`
	Abnormal      int `json:"abnormal,omitempty"`
	Unharvested   int `json:"unharvested,omitempty"`
	NotDispatched int `json:"not_dispatched,omitempty"`
	Skipped       int `json:"skipped,omitempty"`
}

// LogWriter writes log events.
type LogWriter interface {
	Write(event LogEvent) error
}

// IOStreamLogWriter writes log events to an io.Writer as JSON lines.
type IOStreamLogWriter struct {
	w      io.Writer
	indent string
}

// NewIOStreamLogWriter creates a new log writer that writes to an io.Writer.
func NewIOStreamLogWriter(w io.Writer) *IOStreamLogWriter {
	return &IOStreamLogWriter{w: w}
}

// SetIndent sets a prefix written before every line.
func (l *IOStreamLogWriter) SetIndent(indent string) {
	l.indent = indent
}

// Write writes a log event to the underlying writer.
func (l *IOStreamLogWriter) Write(event LogEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal log event: %w", err)
	}
	if l.indent != "" {
		data = append([]byte(l.indent), data...)
	}
	data = append(data, '\n')
	_, err = l.w.Write(data)
	return err
}

// MultiLogWriter fans events out to several writers.
type MultiLogWriter struct {
	writers []LogWriter
}

// NewMultiLogWriter creates a multi-writer. Nil writers are dropped.
func NewMultiLogWriter(writers ...LogWriter) *MultiLogWriter {
	m := &MultiLogWriter{}
	for _, w := range writers {
		if w != nil {
			m.writers = append(m.writers, w)
		}
	}
	return m
}

// Write writes the event to every writer and joins their errors.
func (m *MultiLogWriter) Write(event LogEvent) error {
	var errs []error
	for _, w := range m.writers {
		if err := w.Write(event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NullLogWriter is a no-op log writer.
type NullLogWriter struct{}

// Write does nothing.
func (NullLogWriter) Write(LogEvent) error {
	return nil
}

// LogWriterFunc adapts a function to LogWriter.
type LogWriterFunc func(LogEvent) error

func (f LogWriterFunc) Write(event LogEvent) error {
	return f(event)
}

type lockedLogWriter struct {
	mu     sync.Mutex
	writer LogWriter
}

func (l *lockedLogWriter) Write(event LogEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writer.Write(event)
}

// Synchronized returns a writer safe for concurrent use. A nil writer becomes
// a NullLogWriter.
func Synchronized(writer LogWriter) LogWriter {
	switch w := writer.(type) {
	case nil:
		return NullLogWriter{}
	case NullLogWriter, *lockedLogWriter:
		return w
	}
	return &lockedLogWriter{writer: writer}
}

// ReplayEvents decodes JSON lines from r and writes each event to w.
// Lines that are not events are skipped.
func ReplayEvents(r io.Reader, w LogWriter) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	n := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event LogEvent
		if err := json.Unmarshal(line, &event); err != nil || event.Type == "" {
			continue
		}
		if err := w.Write(event); err != nil {
			return n, err
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("read events: %w", err)
	}
	return n, nil
}
