// Package collect harvests terminal statuses from dispatched workers.
//
// Two strategies are provided:
//   - WaitAny / CollectAll: block until some outstanding worker terminates,
//     in whatever order workers actually finish
//   - PollThenBlock / Collector.Poll: a bounded number of non-blocking polls
//     on one worker, then a single blocking wait
//
// Every harvested status decrements the outstanding count exactly once, even
// when several goroutines harvest from the same Collector.
package collect

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/nibzard/procpool/internal/spawn"
	"github.com/nibzard/procpool/internal/task"
)

var (
	// ErrNoOutstanding is returned when there is nothing left to wait for.
	ErrNoOutstanding = errors.New("no outstanding workers")

	// ErrDuplicateStatus is returned if a unit index is harvested twice.
	ErrDuplicateStatus = errors.New("status already harvested")

	// ErrDuplicateUnit is returned when a unit index is registered twice.
	ErrDuplicateUnit = errors.New("unit already registered")

	// ErrNotRegistered is returned when polling a handle the collector does
	// not own, or one already claimed by wait-any.
	ErrNotRegistered = errors.New("handle not registered for polling")
)

// CollectionError reports that collection stopped early. Statuses harvested
// before the failure have already been delivered.
type CollectionError struct {
	Harvested int
	Remaining int
	Err       error
}

func (e *CollectionError) Error() string {
	return fmt.Sprintf("collection aborted after %d statuses (%d unharvested): %v", e.Harvested, e.Remaining, e.Err)
}

func (e *CollectionError) Unwrap() error { return e.Err }

type entry struct {
	handle  spawn.Handle
	claimed bool
}

type completed struct {
	handle spawn.Handle
	status task.TerminalStatus
	err    error
}

// Collector owns the outstanding set of dispatched workers.
type Collector struct {
	mu          sync.Mutex
	entries     map[int]*entry
	outstanding int // registered and not yet harvested
	watched     int // claimed by wait-any and not yet received
	waiting     int // WaitAny callers currently reserved
	registered  *roaring.Bitmap
	harvested   *roaring.Bitmap

	// lost counts workers whose wait failed. They stay outstanding and make
	// every later WaitAny fail with lostErr once nothing else is watchable.
	lost    int
	lostErr error

	completions chan completed
	stop        chan struct{}
	stopOnce    sync.Once
}

// New creates an empty collector.
func New() *Collector {
	return &Collector{
		entries:     make(map[int]*entry),
		registered:  roaring.New(),
		harvested:   roaring.New(),
		completions: make(chan completed),
		stop:        make(chan struct{}),
	}
}

// Add registers a dispatched handle. Each unit index may be registered once.
func (c *Collector) Add(h spawn.Handle) error {
	idx := h.Unit().Index
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx < 0 || !c.registered.CheckedAdd(uint32(idx)) {
		return fmt.Errorf("unit %d: %w", idx, ErrDuplicateUnit)
	}
	c.entries[idx] = &entry{handle: h}
	c.outstanding++
	return nil
}

// Outstanding returns the number of registered workers not yet harvested.
func (c *Collector) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outstanding
}

// Harvested returns the unit indices harvested so far, ascending.
func (c *Collector) Harvested() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := c.harvested.ToArray()
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out
}

// Close releases watcher goroutines of workers that will never be harvested.
func (c *Collector) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// WaitAny blocks until some outstanding worker terminates and returns its
// status. Completion order is whatever order workers finish in. Once only
// workers whose wait failed remain, WaitAny keeps returning that failure.
func (c *Collector) WaitAny(ctx context.Context) (task.TerminalStatus, error) {
	c.mu.Lock()
	c.watchUnclaimedLocked()
	if c.watched-c.waiting <= 0 {
		err := ErrNoOutstanding
		if c.lost > 0 && c.watched == 0 && !c.pollingLocked() {
			err = c.lostErr
		}
		c.mu.Unlock()
		return task.TerminalStatus{}, err
	}
	c.waiting++
	c.mu.Unlock()

	select {
	case done := <-c.completions:
		c.mu.Lock()
		defer c.mu.Unlock()
		c.waiting--
		c.watched--
		return c.recordLocked(done.handle, done.status, done.err)
	case <-ctx.Done():
		c.mu.Lock()
		c.waiting--
		c.mu.Unlock()
		return task.TerminalStatus{}, ctx.Err()
	}
}

// CollectAll harvests every outstanding worker, calling fn for each status in
// harvest order. It stops at the first wait error and returns a
// *CollectionError carrying the number harvested before it.
func (c *Collector) CollectAll(ctx context.Context, fn func(task.TerminalStatus)) (int, error) {
	harvested := 0
	for c.Outstanding() > 0 {
		st, err := c.WaitAny(ctx)
		if errors.Is(err, ErrNoOutstanding) {
			// Remaining workers belong to other harvesters.
			break
		}
		if err != nil {
			return harvested, &CollectionError{
				Harvested: harvested,
				Remaining: c.Outstanding(),
				Err:       err,
			}
		}
		harvested++
		if fn != nil {
			fn(st)
		}
	}
	return harvested, nil
}

// Poll runs PollThenBlock on a registered handle and records the harvest.
func (c *Collector) Poll(ctx context.Context, h spawn.Handle, opts PollOptions) (PollResult, error) {
	idx := h.Unit().Index
	c.mu.Lock()
	e, ok := c.entries[idx]
	if !ok || e.handle != h || e.claimed {
		c.mu.Unlock()
		return PollResult{}, fmt.Errorf("unit %d: %w", idx, ErrNotRegistered)
	}
	e.claimed = true
	c.mu.Unlock()

	res, err := PollThenBlock(ctx, h, opts)
	if err != nil && errors.Is(err, ctx.Err()) {
		// The worker is still ours; a later Poll may finish the job.
		c.mu.Lock()
		e.claimed = false
		c.mu.Unlock()
		return res, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	st, recErr := c.recordLocked(h, res.Status, err)
	res.Status = st
	return res, recErr
}

// pollingLocked reports whether some registered worker is claimed by Poll.
func (c *Collector) pollingLocked() bool {
	for _, e := range c.entries {
		if e.claimed {
			return true
		}
	}
	return false
}

// watchUnclaimedLocked starts a watcher for every handle nobody has claimed.
func (c *Collector) watchUnclaimedLocked() {
	for _, e := range c.entries {
		if e.claimed {
			continue
		}
		e.claimed = true
		c.watched++
		go c.watch(e.handle)
	}
}

func (c *Collector) watch(h spawn.Handle) {
	select {
	case <-h.Done():
	case <-c.stop:
		return
	}
	st, _, err := h.Poll()
	select {
	case c.completions <- completed{handle: h, status: st, err: err}:
	case <-c.stop:
	}
}

// recordLocked takes h out of circulation. Only a delivered status decrements
// outstanding; a worker whose wait failed stays counted as unharvested.
func (c *Collector) recordLocked(h spawn.Handle, st task.TerminalStatus, err error) (task.TerminalStatus, error) {
	idx := h.Unit().Index
	delete(c.entries, idx)
	if err != nil {
		err = fmt.Errorf("unit %d: %w", idx, err)
		c.lost++
		c.lostErr = err
		return task.TerminalStatus{}, err
	}
	if !c.harvested.CheckedAdd(uint32(idx)) {
		return task.TerminalStatus{}, fmt.Errorf("unit %d: %w", idx, ErrDuplicateStatus)
	}
	c.outstanding--
	return st, nil
}
