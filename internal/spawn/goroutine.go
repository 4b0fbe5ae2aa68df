package spawn

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/nibzard/procpool/internal/task"
)

// GoroutineSpawner runs each worker on its own goroutine. The unit is copied
// into the goroutine; the worker shares no mutable state with the caller.
// A crash outcome or a panic in the body is reported as abnormal termination.
type GoroutineSpawner struct {
	// Logger receives worker progress lines. Nil discards them.
	Logger *log.Logger

	// Sleep overrides time.Sleep inside workers.
	Sleep func(time.Duration)

	seq atomic.Uint64
}

// NewGoroutineSpawner creates a goroutine spawner.
func NewGoroutineSpawner(logger *log.Logger) *GoroutineSpawner {
	return &GoroutineSpawner{Logger: logger}
}

// Spawn starts unit on a new goroutine.
func (s *GoroutineSpawner) Spawn(ctx context.Context, unit task.WorkUnit) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, &SpawnError{Index: unit.Index, Err: err}
	}
	if err := unit.Validate(); err != nil {
		return nil, &SpawnError{Index: unit.Index, Err: err}
	}

	id := s.seq.Add(1)
	h := newCompletion(unit, fmt.Sprintf("g%d", id))
	env := task.Env{ExecID: id, Sleep: s.Sleep, Logger: s.Logger}

	go func(u task.WorkUnit) {
		defer func() {
			if r := recover(); r != nil {
				h.finish(task.AbnormalTermination(u.Index, fmt.Sprintf("panic: %v", r)), nil)
			}
		}()
		res := task.Run(u, env)
		if res.Crash {
			panic(fmt.Sprintf("unit %d crashed", u.Index))
		}
		h.finish(task.NormalExit(u.Index, res.Code), nil)
	}(unit)

	return h, nil
}
