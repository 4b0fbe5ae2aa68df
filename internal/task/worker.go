package task

import (
	"math/rand/v2"
	"time"

	"github.com/charmbracelet/log"
)

// seedMix is the golden-ratio constant used to spread sibling indices.
const seedMix = 0x9e3779b9

// Env is what the runner environment lends to a worker body.
type Env struct {
	// ExecID identifies the execution context (pid, or spawn sequence for
	// goroutine workers).
	ExecID uint64

	// Now defaults to time.Now.
	Now func() time.Time

	// Sleep defaults to time.Sleep.
	Sleep func(time.Duration)

	// Logger receives progress lines. Nil discards them.
	Logger *log.Logger
}

// Result is what the worker body decided before terminating.
type Result struct {
	Code  int
	Crash bool
	Seed  uint64
	Delay time.Duration
}

// DeriveSeed mixes wall clock, execution id and index so siblings started in
// the same instant do not share a sequence.
func DeriveSeed(now time.Time, execID uint64, index int) uint64 {
	return uint64(now.UnixNano()) ^ execID ^ uint64(index)*seedMix
}

// Run executes the simulated work for unit and returns the terminal decision.
// It never panics on its own; runners map Result into a TerminalStatus.
func Run(unit WorkUnit, env Env) Result {
	if env.Now == nil {
		env.Now = time.Now
	}
	if env.Sleep == nil {
		env.Sleep = time.Sleep
	}

	seed := unit.Seed
	if seed == 0 {
		seed = DeriveSeed(env.Now(), env.ExecID, unit.Index)
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	delay := drawDelay(rng, unit.DurationBound)
	if unit.Delay != nil {
		delay = *unit.Delay
	}
	succeeded := rng.Float64() < unit.SuccessProbability

	logf(env.Logger, "task started", "index", unit.Index, "exec_id", env.ExecID, "delay", delay)
	env.Sleep(delay)

	res := Result{Seed: seed, Delay: delay}
	switch unit.Force {
	case OutcomeSuccess:
		succeeded = true
	case OutcomeFail:
		succeeded = false
	case OutcomeCrash:
		logf(env.Logger, "task crashing", "index", unit.Index)
		res.Crash = true
		res.Code = ExitFailure
		return res
	}

	if succeeded {
		logf(env.Logger, "task done", "index", unit.Index)
		res.Code = ExitSuccess
	} else {
		logf(env.Logger, "task failed", "index", unit.Index)
		res.Code = ExitFailure
	}
	return res
}

func drawDelay(rng *rand.Rand, bound time.Duration) time.Duration {
	if bound <= 0 {
		return 0
	}
	return time.Duration(rng.Int64N(int64(bound)))
}

func logf(logger *log.Logger, msg string, keyvals ...any) {
	if logger == nil {
		return
	}
	logger.Info(msg, keyvals...)
}
