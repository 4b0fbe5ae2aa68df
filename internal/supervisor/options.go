package supervisor

import (
	"fmt"
	"time"

	"github.com/nibzard/procpool/internal/collect"
	"github.com/nibzard/procpool/internal/logging"
	"github.com/nibzard/procpool/internal/task"
)

// Policy decides what happens when a worker cannot be spawned.
type Policy string

const (
	// PolicyAbort stops dispatching and harvests what was already started.
	PolicyAbort Policy = "abort"
	// PolicySkip records the unit as skipped and keeps dispatching.
	PolicySkip Policy = "skip"
)

// Strategy selects how terminal statuses are collected.
type Strategy string

const (
	// StrategyWait blocks on whichever worker finishes next.
	StrategyWait Strategy = "wait"
	// StrategyPoll polls each worker a bounded number of times, then blocks.
	StrategyPoll Strategy = "poll"
)

// Options configures one batch.
type Options struct {
	Workers            int
	SuccessProbability float64
	DurationBound      time.Duration

	// Seed, when nonzero, gives unit i the seed Seed+i.
	Seed uint64

	Policy   Policy
	Strategy Strategy
	Poll     collect.PollOptions

	// SpawnRate caps spawns per second. Zero means no pacing.
	SpawnRate float64

	// Units, when set, replaces the generated units. Indices are reassigned
	// in order.
	Units []task.WorkUnit

	// Events receives dispatch, harvest and report events.
	Events logging.LogWriter

	// BatchID names the batch in events and the report. Empty generates a
	// random UUID.
	BatchID string
}

// DefaultOptions returns the stock batch: one worker, 2/3 success, 3s bound.
func DefaultOptions() Options {
	return Options{
		Workers:            1,
		SuccessProbability: task.DefaultSuccessProbability,
		DurationBound:      task.DefaultDurationBound,
		Policy:             PolicyAbort,
		Strategy:           StrategyWait,
		Poll: collect.PollOptions{
			Attempts: collect.DefaultPollAttempts,
			Quantum:  collect.DefaultPollQuantum,
		},
	}
}

// Validate checks option ranges.
func (o Options) Validate() error {
	if len(o.Units) == 0 && o.Workers < 0 {
		return fmt.Errorf("workers must be >= 0, got %d", o.Workers)
	}
	switch o.Policy {
	case "", PolicyAbort, PolicySkip:
	default:
		return fmt.Errorf("unknown spawn policy %q", o.Policy)
	}
	switch o.Strategy {
	case "", StrategyWait, StrategyPoll:
	default:
		return fmt.Errorf("unknown strategy %q", o.Strategy)
	}
	if o.SpawnRate < 0 {
		return fmt.Errorf("spawn rate must be >= 0, got %v", o.SpawnRate)
	}
	return nil
}

// BuildUnits returns the units of the batch with 1-based indices.
func (o Options) BuildUnits() ([]task.WorkUnit, error) {
	var units []task.WorkUnit
	if len(o.Units) > 0 {
		units = make([]task.WorkUnit, len(o.Units))
		copy(units, o.Units)
	} else {
		units = make([]task.WorkUnit, o.Workers)
		for i := range units {
			units[i] = task.WorkUnit{
				DurationBound:      o.DurationBound,
				SuccessProbability: o.SuccessProbability,
			}
		}
	}

	for i := range units {
		units[i].Index = i + 1
		if units[i].Seed == 0 && o.Seed != 0 {
			units[i].Seed = o.Seed + uint64(i+1)
		}
		if err := units[i].Validate(); err != nil {
			return nil, err
		}
	}
	return units, nil
}
