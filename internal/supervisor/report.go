package supervisor

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/nibzard/procpool/internal/logging"
	"github.com/nibzard/procpool/internal/task"
)

// Histogram range for worker lifetimes, in microseconds.
const (
	histMin     = 1
	histMax     = int64(24 * time.Hour / time.Microsecond)
	histSigFigs = 3
)

// DurationStats summarises worker lifetimes.
type DurationStats struct {
	Count int64         `json:"count"`
	P50   time.Duration `json:"p50"`
	P90   time.Duration `json:"p90"`
	P99   time.Duration `json:"p99"`
	Max   time.Duration `json:"max"`
}

// Report is the aggregate outcome of one batch. It is updated while the batch
// runs and must be treated as read-only once Run returns.
type Report struct {
	mu   sync.Mutex
	hist *hdrhistogram.Histogram

	BatchID         string                `json:"batch_id"`
	Requested       int                   `json:"requested"`
	TotalDispatched int                   `json:"dispatched"`
	Succeeded       int                   `json:"succeeded"`
	Failed          int                   `json:"failed"`
	Abnormal        int                   `json:"abnormal"`
	Unharvested     int                   `json:"unharvested"`
	NotDispatched   int                   `json:"not_dispatched"`
	Skipped         []int                 `json:"skipped,omitempty"`
	Elapsed         time.Duration         `json:"elapsed"`
	Statuses        []task.TerminalStatus `json:"statuses"`
	Durations       DurationStats         `json:"durations"`

	SpawnErr   error `json:"-"`
	CollectErr error `json:"-"`

	// Errors mirrors SpawnErr and CollectErr for JSON output.
	Errors []string `json:"errors,omitempty"`
}

func newReport(batchID string, requested int) *Report {
	return &Report{
		BatchID:   batchID,
		Requested: requested,
		Statuses:  make([]task.TerminalStatus, 0, requested),
		hist:      hdrhistogram.New(histMin, histMax, histSigFigs),
	}
}

// Complete reports whether every dispatched worker was harvested.
func (r *Report) Complete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Succeeded+r.Failed == r.TotalDispatched
}

// Harvested returns how many statuses have been recorded.
func (r *Report) Harvested() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Succeeded + r.Failed
}

// Snapshot returns a copy of the statuses recorded so far.
func (r *Report) Snapshot() []task.TerminalStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]task.TerminalStatus, len(r.Statuses))
	copy(out, r.Statuses)
	return out
}

func (r *Report) dispatched() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.TotalDispatched++
}

func (r *Report) skip(index int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Skipped = append(r.Skipped, index)
}

// record classifies st: exit code 0 is success, any other code or an
// abnormal termination is a failure.
func (r *Report) record(st task.TerminalStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Statuses = append(r.Statuses, st)
	switch {
	case st.Success():
		r.Succeeded++
	case st.Kind == task.KindAbnormal:
		r.Failed++
		r.Abnormal++
	default:
		r.Failed++
	}
	us := st.Duration.Microseconds()
	if us < histMin {
		us = histMin
	}
	if us > histMax {
		us = histMax
	}
	_ = r.hist.RecordValue(us)
}

func (r *Report) finalize(elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Elapsed = elapsed
	r.Unharvested = r.TotalDispatched - (r.Succeeded + r.Failed)
	r.NotDispatched = r.Requested - r.TotalDispatched
	if n := r.hist.TotalCount(); n > 0 {
		r.Durations = DurationStats{
			Count: n,
			P50:   usToDuration(r.hist.ValueAtQuantile(50)),
			P90:   usToDuration(r.hist.ValueAtQuantile(90)),
			P99:   usToDuration(r.hist.ValueAtQuantile(99)),
			Max:   usToDuration(r.hist.Max()),
		}
	}
	r.Errors = nil
	for _, err := range []error{r.SpawnErr, r.CollectErr} {
		if err != nil {
			r.Errors = append(r.Errors, err.Error())
		}
	}
}

// Counts returns the aggregate as carried by report events.
func (r *Report) Counts() *logging.Counts {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &logging.Counts{
		Requested:     r.Requested,
		Dispatched:    r.TotalDispatched,
		Succeeded:     r.Succeeded,
		Failed:        r.Failed,
		Abnormal:      r.Abnormal,
		Unharvested:   r.Unharvested,
		NotDispatched: r.NotDispatched,
		Skipped:       len(r.Skipped),
	}
}

func usToDuration(us int64) time.Duration {
	return time.Duration(us) * time.Microsecond
}
