//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package spawn

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nibzard/procpool/internal/task"
)

// reap blocks in wait4 for the child and publishes its status.
func reap(proc *os.Process, h *completion) {
	defer proc.Release()

	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(proc.Pid, &ws, 0, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			h.finish(task.TerminalStatus{}, fmt.Errorf("wait4 pid %d: %w", proc.Pid, err))
			return
		}
		break
	}
	h.finish(decodeWaitStatus(h.unit.Index, ws), nil)
}

func decodeWaitStatus(index int, ws unix.WaitStatus) task.TerminalStatus {
	switch {
	case ws.Exited():
		return task.NormalExit(index, ws.ExitStatus())
	case ws.Signaled():
		cause := ws.Signal().String()
		if ws.CoreDump() {
			cause += " (core dumped)"
		}
		return task.AbnormalTermination(index, cause)
	default:
		return task.AbnormalTermination(index, fmt.Sprintf("wait status %#x", uint32(ws)))
	}
}

// crashSelf ends the current process by a signal it cannot handle.
func crashSelf() {
	_ = unix.Kill(unix.Getpid(), unix.SIGKILL)
	for {
		time.Sleep(time.Second)
	}
}
