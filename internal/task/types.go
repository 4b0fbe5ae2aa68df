package task

import (
	"fmt"
	"time"
)

// Exit codes reported by a worker.
const (
	ExitSuccess = 0
	ExitFailure = 1
	// ExitUsage is reported by a child process that could not decode its unit.
	ExitUsage = 2
)

// DefaultSuccessProbability is the chance a worker draws success (2 in 3).
const DefaultSuccessProbability = 2.0 / 3.0

// DefaultDurationBound is the exclusive upper bound on simulated work.
const DefaultDurationBound = 3 * time.Second

// Outcome forces the result of a worker's draw.
type Outcome string

const (
	OutcomeRandom  Outcome = ""
	OutcomeSuccess Outcome = "success"
	OutcomeFail    Outcome = "fail"
	OutcomeCrash   Outcome = "crash"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeRandom, OutcomeSuccess, OutcomeFail, OutcomeCrash:
		return true
	}
	return false
}

// WorkUnit describes one piece of work run by a single worker.
type WorkUnit struct {
	// Index is the 1-based ordinal among sibling units.
	Index int `json:"index"`

	// Seed seeds the worker's PRNG. Zero means the worker derives its own seed
	// from wall clock, execution id and index when it starts.
	Seed uint64 `json:"seed,omitempty"`

	// DurationBound is the exclusive upper bound on the simulated delay.
	DurationBound time.Duration `json:"duration_bound"`

	// SuccessProbability is the chance of drawing success.
	SuccessProbability float64 `json:"success_probability"`

	// Delay, when set, replaces the random delay draw.
	Delay *time.Duration `json:"delay,omitempty"`

	// Force, when set, replaces the random outcome draw.
	Force Outcome `json:"force,omitempty"`
}

// Validate checks that the unit can be run.
func (u WorkUnit) Validate() error {
	if u.Index < 1 {
		return fmt.Errorf("unit index must be >= 1, got %d", u.Index)
	}
	if u.DurationBound < 0 {
		return fmt.Errorf("unit %d: negative duration bound %s", u.Index, u.DurationBound)
	}
	if u.Delay != nil && *u.Delay < 0 {
		return fmt.Errorf("unit %d: negative delay %s", u.Index, *u.Delay)
	}
	if u.SuccessProbability < 0 || u.SuccessProbability > 1 {
		return fmt.Errorf("unit %d: success probability %v outside [0,1]", u.Index, u.SuccessProbability)
	}
	if !u.Force.Valid() {
		return fmt.Errorf("unit %d: unknown outcome %q", u.Index, u.Force)
	}
	return nil
}

// Kind distinguishes normal exits from abnormal terminations.
type Kind int

const (
	KindNormalExit Kind = iota
	KindAbnormal
)

func (k Kind) String() string {
	switch k {
	case KindNormalExit:
		return "exited"
	case KindAbnormal:
		return "abnormal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// TerminalStatus is the single outcome a worker produces when it ends.
type TerminalStatus struct {
	Index    int           `json:"index"`
	ExecID   string        `json:"exec_id,omitempty"`
	Kind     Kind          `json:"kind"`
	Code     uint8         `json:"code"`
	Cause    string        `json:"cause,omitempty"`
	Duration time.Duration `json:"duration"`
}

// NormalExit builds the status of a worker that exited with code.
func NormalExit(index int, code int) TerminalStatus {
	return TerminalStatus{Index: index, Kind: KindNormalExit, Code: TruncateCode(code)}
}

// AbnormalTermination builds the status of a worker ended by cause.
func AbnormalTermination(index int, cause string) TerminalStatus {
	return TerminalStatus{Index: index, Kind: KindAbnormal, Cause: cause}
}

// Success reports whether the worker exited normally with code 0.
func (s TerminalStatus) Success() bool {
	return s.Kind == KindNormalExit && s.Code == ExitSuccess
}

func (s TerminalStatus) String() string {
	if s.Kind == KindAbnormal {
		return fmt.Sprintf("unit %d abnormal (%s)", s.Index, s.Cause)
	}
	return fmt.Sprintf("unit %d exited %d", s.Index, s.Code)
}

// TruncateCode keeps the low byte of code, as exit(3) does.
func TruncateCode(code int) uint8 {
	return uint8(code & 0xff)
}
