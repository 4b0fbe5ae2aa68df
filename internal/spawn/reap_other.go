//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package spawn

import (
	"fmt"
	"os"

	"github.com/nibzard/procpool/internal/task"
)

func reap(proc *os.Process, h *completion) {
	state, err := proc.Wait()
	if err != nil {
		h.finish(task.TerminalStatus{}, fmt.Errorf("wait pid %d: %w", proc.Pid, err))
		return
	}
	if state.Exited() {
		h.finish(task.NormalExit(h.unit.Index, state.ExitCode()), nil)
		return
	}
	h.finish(task.AbnormalTermination(h.unit.Index, state.String()), nil)
}

func crashSelf() {
	if p, err := os.FindProcess(os.Getpid()); err == nil {
		_ = p.Kill()
	}
	os.Exit(3)
}
