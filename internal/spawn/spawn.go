// Package spawn starts isolated workers and hands back handles that resolve
// to exactly one terminal status.
//
// Two spawners are provided:
//   - ExecSpawner: re-executes a binary as a child process and reaps it with wait4
//   - GoroutineSpawner: runs the worker body on its own goroutine with a copy
//     of the unit, for tests and for hosts where forking is not wanted
//
// FaultySpawner wraps either one and fails chosen indices on purpose.
package spawn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nibzard/procpool/internal/task"
)

// ErrInjected is the cause used by FaultySpawner when no explicit error is set.
var ErrInjected = errors.New("injected spawn failure")

// SpawnError reports that a worker could not be created.
type SpawnError struct {
	Index int
	Err   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn unit %d: %v", e.Index, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Spawner creates one isolated worker per unit.
type Spawner interface {
	Spawn(ctx context.Context, unit task.WorkUnit) (Handle, error)
}

// Handle tracks a running worker until it terminates.
type Handle interface {
	// Unit returns the unit the worker was spawned with.
	Unit() task.WorkUnit

	// ExecID identifies the execution context (pid or goroutine id).
	ExecID() string

	// Done is closed once the terminal status is known.
	Done() <-chan struct{}

	// Poll returns immediately. done is false while the worker is running.
	Poll() (status task.TerminalStatus, done bool, err error)

	// Wait blocks until the worker terminates or ctx is done.
	Wait(ctx context.Context) (task.TerminalStatus, error)
}

// completion is the Handle shared by both spawners. finish is called exactly
// once, by the goroutine that observed termination.
type completion struct {
	unit    task.WorkUnit
	execID  string
	started time.Time
	done    chan struct{}
	status  task.TerminalStatus
	err     error
}

func newCompletion(unit task.WorkUnit, execID string) *completion {
	return &completion{
		unit:    unit,
		execID:  execID,
		started: time.Now(),
		done:    make(chan struct{}),
	}
}

func (c *completion) finish(status task.TerminalStatus, err error) {
	status.Index = c.unit.Index
	status.ExecID = c.execID
	status.Duration = time.Since(c.started)
	c.status = status
	c.err = err
	close(c.done)
}

func (c *completion) Unit() task.WorkUnit   { return c.unit }
func (c *completion) ExecID() string        { return c.execID }
func (c *completion) Done() <-chan struct{} { return c.done }

func (c *completion) Poll() (task.TerminalStatus, bool, error) {
	select {
	case <-c.done:
		return c.status, true, c.err
	default:
		return task.TerminalStatus{}, false, nil
	}
}

func (c *completion) Wait(ctx context.Context) (task.TerminalStatus, error) {
	select {
	case <-c.done:
		return c.status, c.err
	case <-ctx.Done():
		return task.TerminalStatus{}, ctx.Err()
	}
}
