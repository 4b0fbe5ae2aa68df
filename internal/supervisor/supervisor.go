// Package supervisor dispatches a batch of workers, harvests every terminal
// status exactly once, and aggregates the outcome into a Report.
package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/nibzard/procpool/internal/collect"
	"github.com/nibzard/procpool/internal/logging"
	"github.com/nibzard/procpool/internal/spawn"
	"github.com/nibzard/procpool/internal/task"
)

// Supervisor runs batches on a Spawner.
type Supervisor struct {
	spawner spawn.Spawner
	opts    Options
	events  logging.LogWriter
	now     func() time.Time
}

// New creates a supervisor. Empty policy and strategy fall back to abort and
// wait.
func New(spawner spawn.Spawner, opts Options) *Supervisor {
	if opts.Policy == "" {
		opts.Policy = PolicyAbort
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyWait
	}
	return &Supervisor{
		spawner: spawner,
		opts:    opts,
		events:  logging.Synchronized(opts.Events),
		now:     time.Now,
	}
}

// Run dispatches the batch and collects every dispatched worker.
//
// The report is always returned, even on error. The error is the spawn
// failure that aborted dispatch (a *spawn.SpawnError), the collection failure
// (a *collect.CollectionError), both joined, or nil. Abnormal terminations
// are counted as failures and never returned as errors.
func (s *Supervisor) Run(ctx context.Context) (*Report, error) {
	if err := s.opts.Validate(); err != nil {
		return nil, err
	}
	units, err := s.opts.BuildUnits()
	if err != nil {
		return nil, err
	}

	batchID := s.opts.BatchID
	if batchID == "" {
		batchID = uuid.NewString()
	}
	rep := newReport(batchID, len(units))
	coll := collect.New()
	defer coll.Close()

	start := s.now()
	handles := s.dispatch(ctx, units, rep, coll)

	switch s.opts.Strategy {
	case StrategyPoll:
		rep.CollectErr = s.collectPolling(ctx, handles, rep, coll)
	default:
		rep.CollectErr = s.collectWaiting(ctx, rep, coll)
	}

	rep.finalize(s.now().Sub(start))
	s.emit(logging.LogEvent{
		Type:       logging.EventReport,
		BatchID:    rep.BatchID,
		DurationMS: rep.Elapsed.Milliseconds(),
		Counts:     rep.Counts(),
	})

	return rep, errors.Join(rep.SpawnErr, rep.CollectErr)
}

// dispatch spawns units in index order. It never returns a handle for a unit
// that failed to spawn.
func (s *Supervisor) dispatch(ctx context.Context, units []task.WorkUnit, rep *Report, coll *collect.Collector) []spawn.Handle {
	var limiter *rate.Limiter
	if s.opts.SpawnRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.opts.SpawnRate), 1)
	}

	handles := make([]spawn.Handle, 0, len(units))
	for _, unit := range units {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				rep.SpawnErr = &spawn.SpawnError{Index: unit.Index, Err: err}
				s.emitSpawnError(rep, unit.Index, rep.SpawnErr)
				return handles
			}
		}

		h, err := s.spawner.Spawn(ctx, unit)
		if err != nil {
			var se *spawn.SpawnError
			if !errors.As(err, &se) {
				err = &spawn.SpawnError{Index: unit.Index, Err: err}
			}
			s.emitSpawnError(rep, unit.Index, err)
			if s.opts.Policy == PolicySkip && ctx.Err() == nil {
				rep.skip(unit.Index)
				continue
			}
			rep.SpawnErr = err
			return handles
		}

		if err := coll.Add(h); err != nil {
			rep.SpawnErr = &spawn.SpawnError{Index: unit.Index, Err: err}
			s.emitSpawnError(rep, unit.Index, rep.SpawnErr)
			return handles
		}
		rep.dispatched()
		handles = append(handles, h)
		s.emit(logging.LogEvent{
			Type:    logging.EventDispatch,
			BatchID: rep.BatchID,
			Index:   unit.Index,
			ExecID:  h.ExecID(),
		})
	}
	return handles
}

func (s *Supervisor) collectWaiting(ctx context.Context, rep *Report, coll *collect.Collector) error {
	_, err := coll.CollectAll(ctx, func(st task.TerminalStatus) {
		s.harvest(rep, st)
	})
	if err != nil {
		s.emitCollectError(rep, err)
	}
	return err
}

// collectPolling runs poll-then-block on every handle concurrently. The first
// failure cancels the others, which stay unharvested.
func (s *Supervisor) collectPolling(ctx context.Context, handles []spawn.Handle, rep *Report, coll *collect.Collector) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range handles {
		index := h.Unit().Index
		opts := s.opts.Poll
		userPoll, userBlock := opts.OnPoll, opts.OnBlock
		opts.OnPoll = func(attempt int, running bool) {
			s.emit(logging.LogEvent{
				Type:    logging.EventPoll,
				BatchID: rep.BatchID,
				Index:   index,
				Attempt: attempt,
				Running: running,
			})
			if userPoll != nil {
				userPoll(attempt, running)
			}
		}
		opts.OnBlock = func(polls int) {
			s.emit(logging.LogEvent{
				Type:    logging.EventBlock,
				BatchID: rep.BatchID,
				Index:   index,
				Attempt: polls,
			})
			if userBlock != nil {
				userBlock(polls)
			}
		}

		g.Go(func() error {
			res, err := coll.Poll(gctx, h, opts)
			if err != nil {
				return err
			}
			s.harvest(rep, res.Status)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		cerr := &collect.CollectionError{
			Harvested: rep.Harvested(),
			Remaining: coll.Outstanding(),
			Err:       err,
		}
		s.emitCollectError(rep, cerr)
		return cerr
	}
	return nil
}

func (s *Supervisor) harvest(rep *Report, st task.TerminalStatus) {
	rep.record(st)
	event := logging.LogEvent{
		Type:       logging.EventHarvest,
		BatchID:    rep.BatchID,
		Index:      st.Index,
		ExecID:     st.ExecID,
		DurationMS: st.Duration.Milliseconds(),
	}
	switch {
	case st.Success():
		event.Outcome = logging.OutcomeSuccess
	case st.Kind == task.KindAbnormal:
		event.Outcome = logging.OutcomeAbnormal
		event.Cause = st.Cause
	default:
		event.Outcome = logging.OutcomeFailure
		event.ExitCode = int(st.Code)
	}
	s.emit(event)
}

func (s *Supervisor) emitSpawnError(rep *Report, index int, err error) {
	s.emit(logging.LogEvent{
		Type:    logging.EventSpawnError,
		BatchID: rep.BatchID,
		Index:   index,
		Content: err.Error(),
	})
}

func (s *Supervisor) emitCollectError(rep *Report, err error) {
	s.emit(logging.LogEvent{
		Type:    logging.EventCollectError,
		BatchID: rep.BatchID,
		Content: err.Error(),
	})
}

func (s *Supervisor) emit(event logging.LogEvent) {
	event.Timestamp = s.now().UTC()
	// Logging failures must not disturb collection.
	_ = s.events.Write(event)
}
