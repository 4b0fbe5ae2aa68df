package spawn

import (
	"context"
	"errors"
	"os"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/nibzard/procpool/internal/task"
)

// helperEnv turns the test binary into a worker child process.
const helperEnv = "PROCPOOL_TEST_WORKER"

// exitEnv makes the child exit with the given raw code instead of working.
const exitEnv = "PROCPOOL_TEST_EXIT"

func TestMain(m *testing.M) {
	if v := os.Getenv(exitEnv); v != "" {
		code, _ := strconv.Atoi(v)
		os.Exit(code)
	}
	if os.Getenv(helperEnv) == "1" {
		os.Exit(RunWorker(os.Args[1:], nil))
	}
	os.Exit(m.Run())
}

func helperSpawner() *ExecSpawner {
	return &ExecSpawner{Env: []string{helperEnv + "=1"}}
}

func waitStatus(t *testing.T, h Handle) task.TerminalStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	st, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	return st
}

func TestGoroutineSpawner(t *testing.T) {
	ctx := context.Background()

	t.Run("forced outcomes", func(t *testing.T) {
		s := NewGoroutineSpawner(nil)
		tests := []struct {
			outcome  task.Outcome
			wantKind task.Kind
			wantCode uint8
		}{
			{task.OutcomeSuccess, task.KindNormalExit, 0},
			{task.OutcomeFail, task.KindNormalExit, 1},
			{task.OutcomeCrash, task.KindAbnormal, 0},
		}
		for i, tt := range tests {
			h, err := s.Spawn(ctx, task.WorkUnit{Index: i + 1, Seed: 1, Force: tt.outcome})
			if err != nil {
				t.Fatalf("spawn: %v", err)
			}
			st := waitStatus(t, h)
			if st.Kind != tt.wantKind || st.Code != tt.wantCode {
				t.Errorf("%s: got %+v", tt.outcome, st)
			}
			if st.Index != i+1 {
				t.Errorf("%s: expected index %d, got %d", tt.outcome, i+1, st.Index)
			}
			if st.ExecID == "" {
				t.Errorf("%s: expected exec id", tt.outcome)
			}
		}
	})

	t.Run("crash carries a cause", func(t *testing.T) {
		h, err := NewGoroutineSpawner(nil).Spawn(ctx, task.WorkUnit{Index: 7, Seed: 1, Force: task.OutcomeCrash})
		if err != nil {
			t.Fatal(err)
		}
		st := waitStatus(t, h)
		if !strings.Contains(st.Cause, "panic") {
			t.Errorf("expected panic cause, got %q", st.Cause)
		}
	})

	t.Run("poll reports running until done", func(t *testing.T) {
		release := make(chan struct{})
		s := &GoroutineSpawner{Sleep: func(time.Duration) { <-release }}
		h, err := s.Spawn(ctx, task.WorkUnit{Index: 1, Seed: 1, Force: task.OutcomeSuccess})
		if err != nil {
			t.Fatal(err)
		}
		if _, done, _ := h.Poll(); done {
			t.Fatal("expected worker to still be running")
		}
		close(release)
		<-h.Done()
		st, done, err := h.Poll()
		if !done || err != nil || !st.Success() {
			t.Errorf("expected success after release, got %+v done=%v err=%v", st, done, err)
		}
	})

	t.Run("wait honours context", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		s := &GoroutineSpawner{Sleep: func(time.Duration) { <-release }}
		h, err := s.Spawn(ctx, task.WorkUnit{Index: 1, Seed: 1})
		if err != nil {
			t.Fatal(err)
		}
		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		if _, err := h.Wait(cctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
	})

	t.Run("invalid unit is a spawn error", func(t *testing.T) {
		_, err := NewGoroutineSpawner(nil).Spawn(ctx, task.WorkUnit{Index: 0})
		var se *SpawnError
		if !errors.As(err, &se) {
			t.Fatalf("expected SpawnError, got %v", err)
		}
	})

	t.Run("cancelled context refuses to spawn", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := NewGoroutineSpawner(nil).Spawn(cctx, task.WorkUnit{Index: 1})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

func TestExecSpawner(t *testing.T) {
	if runtime.GOOS == "windows" || runtime.GOOS == "js" || runtime.GOOS == "wasip1" {
		t.Skip("process spawning not supported here")
	}
	ctx := context.Background()
	zero := time.Duration(0)

	t.Run("normal exits", func(t *testing.T) {
		s := helperSpawner()
		hs := make(map[int]Handle)
		for i, outcome := range []task.Outcome{task.OutcomeSuccess, task.OutcomeFail} {
			h, err := s.Spawn(ctx, task.WorkUnit{Index: i + 1, Seed: 1, Delay: &zero, Force: outcome})
			if err != nil {
				t.Fatalf("spawn: %v", err)
			}
			hs[i+1] = h
		}
		if st := waitStatus(t, hs[1]); !st.Success() {
			t.Errorf("expected success, got %+v", st)
		}
		if st := waitStatus(t, hs[2]); st.Kind != task.KindNormalExit || st.Code != 1 {
			t.Errorf("expected exit 1, got %+v", st)
		}
	})

	t.Run("crash is abnormal", func(t *testing.T) {
		h, err := helperSpawner().Spawn(ctx, task.WorkUnit{Index: 3, Seed: 1, Delay: &zero, Force: task.OutcomeCrash})
		if err != nil {
			t.Fatal(err)
		}
		st := waitStatus(t, h)
		if st.Kind != task.KindAbnormal {
			t.Fatalf("expected abnormal termination, got %+v", st)
		}
		if st.Cause == "" {
			t.Error("expected a cause")
		}
	})

	t.Run("exit codes keep the low byte", func(t *testing.T) {
		tests := []struct {
			raw  int
			want uint8
		}{
			{256, 0},
			{257, 1},
			{300, 44},
		}
		for i, tt := range tests {
			s := &ExecSpawner{Env: []string{exitEnv + "=" + strconv.Itoa(tt.raw)}}
			h, err := s.Spawn(ctx, task.WorkUnit{Index: i + 1})
			if err != nil {
				t.Fatalf("spawn: %v", err)
			}
			st := waitStatus(t, h)
			if st.Kind != task.KindNormalExit || st.Code != tt.want {
				t.Errorf("exit(%d): expected code %d, got %+v", tt.raw, tt.want, st)
			}
		}
	})

	t.Run("exec id is the pid", func(t *testing.T) {
		h, err := helperSpawner().Spawn(ctx, task.WorkUnit{Index: 1, Seed: 1, Delay: &zero, Force: task.OutcomeSuccess})
		if err != nil {
			t.Fatal(err)
		}
		st := waitStatus(t, h)
		if st.ExecID != h.ExecID() || st.ExecID == "" {
			t.Errorf("expected exec id %q, got %q", h.ExecID(), st.ExecID)
		}
	})

	t.Run("missing binary is a spawn error", func(t *testing.T) {
		s := &ExecSpawner{Binary: "/nonexistent/procpool-worker"}
		_, err := s.Spawn(ctx, task.WorkUnit{Index: 4})
		var se *SpawnError
		if !errors.As(err, &se) {
			t.Fatalf("expected SpawnError, got %v", err)
		}
		if se.Index != 4 {
			t.Errorf("expected index 4, got %d", se.Index)
		}
	})
}

func TestFaultySpawner(t *testing.T) {
	ctx := context.Background()
	f := NewFaultySpawner(NewGoroutineSpawner(nil), 3)

	if _, err := f.Spawn(ctx, task.WorkUnit{Index: 3}); !errors.Is(err, ErrInjected) {
		t.Errorf("expected injected failure for unit 3, got %v", err)
	}
	h, err := f.Spawn(ctx, task.WorkUnit{Index: 2, Seed: 1, Force: task.OutcomeSuccess})
	if err != nil {
		t.Fatalf("unit 2 should spawn: %v", err)
	}
	if st := waitStatus(t, h); !st.Success() {
		t.Errorf("expected success, got %+v", st)
	}

	custom := errors.New("fork: resource temporarily unavailable")
	f.FailAt[5] = custom
	if _, err := f.Spawn(ctx, task.WorkUnit{Index: 5}); !errors.Is(err, custom) {
		t.Errorf("expected custom error, got %v", err)
	}
}

func TestWorkerArgs(t *testing.T) {
	delay := 1500 * time.Millisecond
	unit := task.WorkUnit{
		Index:              3,
		Seed:               12345,
		DurationBound:      2 * time.Second,
		SuccessProbability: 0.75,
		Delay:              &delay,
		Force:              task.OutcomeFail,
	}
	got, err := ParseWorkerArgs(WorkerArgs(unit))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Index != 3 || got.Seed != 12345 || got.DurationBound != 2*time.Second ||
		got.SuccessProbability != 0.75 || got.Force != task.OutcomeFail ||
		got.Delay == nil || *got.Delay != delay {
		t.Errorf("decoded unit mismatch: %+v", got)
	}

	t.Run("rejects bad input", func(t *testing.T) {
		bad := [][]string{
			{"-index", "0"},
			{"-index", "1", "-delay", "soon"},
			{"-index", "1", "-outcome", "maybe"},
			{"-index", "1", "extra"},
		}
		for _, args := range bad {
			if _, err := ParseWorkerArgs(args); err == nil {
				t.Errorf("expected error for %v", args)
			}
		}
	})

	t.Run("run worker maps usage errors", func(t *testing.T) {
		if code := RunWorker([]string{"-index", "0"}, nil); code != task.ExitUsage {
			t.Errorf("expected usage exit code, got %d", code)
		}
	})
}
