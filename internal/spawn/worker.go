package spawn

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"github.com/nibzard/procpool/internal/task"
)

// WorkerArgs encodes unit as flags understood by ParseWorkerArgs.
func WorkerArgs(unit task.WorkUnit) []string {
	args := []string{
		"-index", strconv.Itoa(unit.Index),
		"-seed", strconv.FormatUint(unit.Seed, 10),
		"-bound", unit.DurationBound.String(),
		"-success-prob", strconv.FormatFloat(unit.SuccessProbability, 'g', -1, 64),
	}
	if unit.Delay != nil {
		args = append(args, "-delay", unit.Delay.String())
	}
	if unit.Force != task.OutcomeRandom {
		args = append(args, "-outcome", string(unit.Force))
	}
	return args
}

// ParseWorkerArgs decodes the flags produced by WorkerArgs.
func ParseWorkerArgs(args []string) (task.WorkUnit, error) {
	fs := flag.NewFlagSet("procpool worker", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var unit task.WorkUnit
	var delay, outcome string
	fs.IntVar(&unit.Index, "index", 0, "Unit index (1-based)")
	fs.Uint64Var(&unit.Seed, "seed", 0, "PRNG seed (0 derives one)")
	fs.DurationVar(&unit.DurationBound, "bound", task.DefaultDurationBound, "Exclusive delay bound")
	fs.Float64Var(&unit.SuccessProbability, "success-prob", task.DefaultSuccessProbability, "Success probability")
	fs.StringVar(&delay, "delay", "", "Fixed delay")
	fs.StringVar(&outcome, "outcome", "", "Forced outcome (success|fail|crash)")

	if err := fs.Parse(args); err != nil {
		return task.WorkUnit{}, err
	}
	if fs.NArg() > 0 {
		return task.WorkUnit{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if delay != "" {
		d, err := time.ParseDuration(delay)
		if err != nil {
			return task.WorkUnit{}, fmt.Errorf("parse delay: %w", err)
		}
		unit.Delay = &d
	}
	unit.Force = task.Outcome(outcome)
	if err := unit.Validate(); err != nil {
		return task.WorkUnit{}, err
	}
	return unit, nil
}

// RunWorker is the body of a worker child process. It returns the exit code
// the process should end with; a crash outcome never returns.
func RunWorker(args []string, logger *log.Logger) int {
	unit, err := ParseWorkerArgs(args)
	if err != nil {
		if logger != nil {
			logger.Error("invalid worker arguments", "err", err)
		}
		return task.ExitUsage
	}

	res := task.Run(unit, task.Env{
		ExecID: uint64(os.Getpid()),
		Logger: logger,
	})
	if res.Crash {
		crashSelf()
	}
	return res.Code
}
