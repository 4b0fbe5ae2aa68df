package spawn

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/nibzard/procpool/internal/task"
)

// ExecSpawner runs each worker as a child process of Binary. The child
// receives the unit as flags (see WorkerArgs) after Args, and is expected to
// call RunWorker and exit with its result.
type ExecSpawner struct {
	// Binary is the program to start. Empty means the current executable.
	Binary string

	// Args are placed before the unit flags, e.g. {"worker"}.
	Args []string

	// Env is appended to the inherited environment.
	Env []string

	// Dir is the child's working directory.
	Dir string

	// Stdout and Stderr default to the parent's.
	Stdout *os.File
	Stderr *os.File
}

// NewExecSpawner creates a spawner that re-executes the running binary with
// the given leading arguments.
func NewExecSpawner(args ...string) *ExecSpawner {
	return &ExecSpawner{Args: args}
}

// Spawn starts a child process for unit. The process is reaped by a
// dedicated goroutine; the returned handle resolves when it has been reaped.
func (s *ExecSpawner) Spawn(ctx context.Context, unit task.WorkUnit) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, &SpawnError{Index: unit.Index, Err: err}
	}
	if err := unit.Validate(); err != nil {
		return nil, &SpawnError{Index: unit.Index, Err: err}
	}

	bin := s.Binary
	if bin == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, &SpawnError{Index: unit.Index, Err: fmt.Errorf("resolve executable: %w", err)}
		}
		bin = exe
	}

	argv := make([]string, 0, 1+len(s.Args)+12)
	argv = append(argv, bin)
	argv = append(argv, s.Args...)
	argv = append(argv, WorkerArgs(unit)...)

	stdout := s.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := s.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	proc, err := os.StartProcess(bin, argv, &os.ProcAttr{
		Dir:   s.Dir,
		Env:   append(os.Environ(), s.Env...),
		Files: []*os.File{nil, stdout, stderr},
	})
	if err != nil {
		return nil, &SpawnError{Index: unit.Index, Err: err}
	}

	h := newCompletion(unit, strconv.Itoa(proc.Pid))
	go reap(proc, h)
	return h, nil
}
