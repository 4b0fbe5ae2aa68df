package collect

import (
	"context"
	"time"

	"github.com/nibzard/procpool/internal/spawn"
	"github.com/nibzard/procpool/internal/task"
)

// Defaults for bounded poll-then-block.
const (
	DefaultPollAttempts = 5
	DefaultPollQuantum  = time.Second
)

// PollOptions configures PollThenBlock.
type PollOptions struct {
	// Attempts is the number of non-blocking polls before blocking (K).
	Attempts int

	// Quantum is the pause between consecutive polls.
	Quantum time.Duration

	// Sleep pauses between polls. It defaults to a timer that also watches ctx.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnPoll is called after every non-blocking poll.
	OnPoll func(attempt int, running bool)

	// OnBlock is called when polling gives up and the blocking wait starts.
	OnBlock func(polls int)
}

func (o PollOptions) withDefaults() PollOptions {
	if o.Attempts <= 0 {
		o.Attempts = DefaultPollAttempts
	}
	if o.Quantum <= 0 {
		o.Quantum = DefaultPollQuantum
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
	return o
}

// PollResult describes how a worker was resolved.
type PollResult struct {
	Status task.TerminalStatus
	Polls  int
	// Blocked is true when the polls ran out and a blocking wait was needed.
	Blocked bool
}

type pollState int

const (
	statePolling pollState = iota
	stateBlocking
	stateDone
)

// PollThenBlock polls h up to opts.Attempts times, pausing one quantum between
// polls, and falls back to exactly one blocking wait if the worker is still
// running after the last poll. A poll that observes termination ends the
// loop at once.
func PollThenBlock(ctx context.Context, h spawn.Handle, opts PollOptions) (PollResult, error) {
	opts = opts.withDefaults()

	var res PollResult
	state := statePolling
	remaining := opts.Attempts

	for state != stateDone {
		switch state {
		case statePolling:
			st, done, err := h.Poll()
			res.Polls++
			remaining--
			if opts.OnPoll != nil {
				opts.OnPoll(res.Polls, !done)
			}
			if done {
				if err != nil {
					return res, err
				}
				res.Status = st
				state = stateDone
				continue
			}
			if remaining == 0 {
				state = stateBlocking
				continue
			}
			if err := opts.Sleep(ctx, opts.Quantum); err != nil {
				return res, err
			}

		case stateBlocking:
			if opts.OnBlock != nil {
				opts.OnBlock(res.Polls)
			}
			res.Blocked = true
			st, err := h.Wait(ctx)
			if err != nil {
				return res, err
			}
			res.Status = st
			state = stateDone
		}
	}
	return res, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
