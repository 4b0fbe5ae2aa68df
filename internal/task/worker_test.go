package task

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"pgregory.net/rapid"
)

func noSleep(time.Duration) {}

func TestRun(t *testing.T) {
	t.Run("forced failure exits 1", func(t *testing.T) {
		for seed := uint64(1); seed <= 50; seed++ {
			res := Run(WorkUnit{
				Index:              1,
				Seed:               seed,
				DurationBound:      time.Second,
				SuccessProbability: 1,
				Force:              OutcomeFail,
			}, Env{Sleep: noSleep})
			if res.Code != ExitFailure {
				t.Fatalf("seed %d: expected code 1, got %d", seed, res.Code)
			}
			if res.Crash {
				t.Fatalf("seed %d: forced failure must not crash", seed)
			}
		}
	})

	t.Run("forced success exits 0", func(t *testing.T) {
		res := Run(WorkUnit{Index: 2, Seed: 7, SuccessProbability: 0, Force: OutcomeSuccess}, Env{Sleep: noSleep})
		if res.Code != ExitSuccess {
			t.Errorf("expected code 0, got %d", res.Code)
		}
	})

	t.Run("crash outcome", func(t *testing.T) {
		res := Run(WorkUnit{Index: 3, Seed: 7, Force: OutcomeCrash}, Env{Sleep: noSleep})
		if !res.Crash {
			t.Error("expected crash")
		}
	})

	t.Run("probability extremes", func(t *testing.T) {
		for seed := uint64(1); seed <= 20; seed++ {
			if res := Run(WorkUnit{Index: 1, Seed: seed, SuccessProbability: 1}, Env{Sleep: noSleep}); res.Code != 0 {
				t.Fatalf("p=1 seed %d: got code %d", seed, res.Code)
			}
			if res := Run(WorkUnit{Index: 1, Seed: seed, SuccessProbability: 0}, Env{Sleep: noSleep}); res.Code != 1 {
				t.Fatalf("p=0 seed %d: got code %d", seed, res.Code)
			}
		}
	})

	t.Run("fixed seed is deterministic", func(t *testing.T) {
		unit := WorkUnit{Index: 4, Seed: 99, DurationBound: time.Second, SuccessProbability: 0.5}
		a := Run(unit, Env{Sleep: noSleep})
		b := Run(unit, Env{Sleep: noSleep})
		if a != b {
			t.Errorf("expected identical results, got %+v and %+v", a, b)
		}
	})

	t.Run("fixed delay overrides draw", func(t *testing.T) {
		delay := 250 * time.Millisecond
		var slept time.Duration
		res := Run(WorkUnit{Index: 1, Seed: 3, DurationBound: time.Hour, Delay: &delay}, Env{
			Sleep: func(d time.Duration) { slept = d },
		})
		if slept != delay || res.Delay != delay {
			t.Errorf("expected delay %s, slept %s, result %s", delay, slept, res.Delay)
		}
	})

	t.Run("derives seed when zero", func(t *testing.T) {
		now := time.Unix(1700000000, 0)
		res := Run(WorkUnit{Index: 5}, Env{
			ExecID: 4242,
			Now:    func() time.Time { return now },
			Sleep:  noSleep,
		})
		if want := DeriveSeed(now, 4242, 5); res.Seed != want {
			t.Errorf("expected derived seed %d, got %d", want, res.Seed)
		}
	})

	t.Run("writes progress to logger", func(t *testing.T) {
		var buf bytes.Buffer
		logger := log.NewWithOptions(&buf, log.Options{Level: log.DebugLevel})
		Run(WorkUnit{Index: 6, Seed: 1, Force: OutcomeFail}, Env{Sleep: noSleep, Logger: logger})
		out := buf.String()
		if !strings.Contains(out, "task started") || !strings.Contains(out, "task failed") {
			t.Errorf("unexpected log output: %q", out)
		}
	})
}

func TestDeriveSeed(t *testing.T) {
	now := time.Unix(1700000000, 123)
	seen := make(map[uint64]int)
	for i := 1; i <= 16; i++ {
		s := DeriveSeed(now, 1000, i)
		if prev, ok := seen[s]; ok {
			t.Fatalf("index %d shares seed with index %d", i, prev)
		}
		seen[s] = i
	}
}

func TestDelayWithinBound(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		seed := rapid.Uint64Min(1).Draw(t, "seed")
		bound := time.Duration(rapid.Int64Range(1, int64(time.Hour)).Draw(t, "bound"))
		res := Run(WorkUnit{Index: 1, Seed: seed, DurationBound: bound, SuccessProbability: 0.5}, Env{Sleep: noSleep})
		if res.Delay < 0 || res.Delay >= bound {
			t.Fatalf("delay %s outside [0, %s)", res.Delay, bound)
		}
		if res.Code != ExitSuccess && res.Code != ExitFailure {
			t.Fatalf("unexpected code %d", res.Code)
		}
	})
}

func TestTruncateCode(t *testing.T) {
	tests := []struct {
		in   int
		want uint8
	}{
		{0, 0},
		{1, 1},
		{42, 42},
		{255, 255},
		{256, 0},
		{257, 1},
		{-1, 255},
	}
	for _, tt := range tests {
		if got := TruncateCode(tt.in); got != tt.want {
			t.Errorf("TruncateCode(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}

	rapid.Check(t, func(t *rapid.T) {
		code := rapid.Int().Draw(t, "code")
		st := NormalExit(1, code)
		if int(st.Code) != code&0xff {
			t.Fatalf("code %d truncated to %d", code, st.Code)
		}
	})
}

func TestWorkUnitValidate(t *testing.T) {
	neg := -time.Second
	tests := []struct {
		name    string
		unit    WorkUnit
		wantErr bool
	}{
		{"valid", WorkUnit{Index: 1, SuccessProbability: 0.5}, false},
		{"zero index", WorkUnit{Index: 0}, true},
		{"negative bound", WorkUnit{Index: 1, DurationBound: -1}, true},
		{"negative delay", WorkUnit{Index: 1, Delay: &neg}, true},
		{"probability above one", WorkUnit{Index: 1, SuccessProbability: 1.5}, true},
		{"unknown outcome", WorkUnit{Index: 1, Force: "maybe"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.unit.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTerminalStatusSuccess(t *testing.T) {
	if !NormalExit(1, 0).Success() {
		t.Error("exit 0 should be success")
	}
	if NormalExit(1, 1).Success() {
		t.Error("exit 1 should be failure")
	}
	if NormalExit(1, 256).Success() != true {
		t.Error("exit 256 truncates to 0 and reads as success")
	}
	if AbnormalTermination(1, "killed").Success() {
		t.Error("abnormal termination should be failure")
	}
}
