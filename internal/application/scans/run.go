package scans

import (
	"fmt"
	"sync"
	"time"

	"github.com/bryanwahyu/armoureye/internal/domain/decision"
	domain "github.com/bryanwahyu/armoureye/internal/domain/scans"
)

// run is the in-memory record of one active job. Only the job goroutine
// writes phase, progress and results; control calls touch status.
type run struct {
	id   domain.ScanID
	logs *domain.LogBuffer
	done chan struct{}
	// retired closes once the final snapshot is in history.
	retired chan struct{}
	// prev is the terminated run this one took the id over from.
	prev *run

	mu       sync.Mutex
	job      *domain.Job
	detached bool

	// owned by the job goroutine
	services []domain.Service
	plan     decision.Decision
	results  []domain.ToolResult
	reconRan bool
}

func newRun(job *domain.Job, logLimit int) *run {
	return &run{
		id:      job.ID,
		logs:    domain.NewLogBuffer(logLimit),
		done:    make(chan struct{}),
		retired: make(chan struct{}),
		job:     job,
	}
}

// awaitPrev blocks until the run this one replaced is in history, keeping
// writes for a reused id in order. prev is set before the job goroutine
// starts and never changes.
func (r *run) awaitPrev() {
	if r.prev != nil {
		<-r.prev.retired
	}
}

func (r *run) targetID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.Target.ID
}

func (r *run) target() domain.Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.Target
}

func (r *run) profile() domain.Profile {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.Profile
}

func (r *run) status() domain.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.Status
}

func (r *run) isDetached() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.detached
}

func (r *run) snapshot() *domain.Job {
	r.mu.Lock()
	j := r.job.Clone()
	r.mu.Unlock()
	j.Logs = r.logs.Entries()
	return j
}

// advance moves the job to next if the transition table allows it.
func (r *run) advance(next domain.Phase) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.detached {
		return nil
	}
	if !allowed(r.job.Phase, next) {
		return fmt.Errorf("%s -> %s: %w", r.job.Phase, next, domain.ErrInvalidTransition)
	}
	r.job.Phase = next
	return nil
}

// setProgress never lowers progress.
func (r *run) setProgress(p int) {
	if p > 100 {
		p = 100
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.detached && p > r.job.Progress {
		r.job.Progress = p
	}
}

func (r *run) snapshotPhase() domain.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.Phase
}

func (r *run) progress() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.Progress
}

func (r *run) setStatus(from, to domain.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.detached || r.job.Status != from {
		return fmt.Errorf("scan %s is %s, not %s: %w", r.id, r.job.Status, from, domain.ErrInvalidTransition)
	}
	r.job.Status = to
	return nil
}

func (r *run) record(res domain.ToolResult) {
	r.results = append(r.results, res)
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.detached {
		r.job.Results[string(res.Tool)] = res
	}
}

func (r *run) setReport(rep *domain.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.detached {
		r.job.Report = rep
	}
}

// terminate moves the job to a terminal status and detaches it. It reports
// false if the job was already detached.
func (r *run) terminate(status domain.Status, msg string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.detached {
		return false
	}
	r.detached = true
	r.job.Status = status
	r.job.Error = msg
	r.job.EndedAt = &now
	return true
}

// failed reports whether tool ran and did not succeed.
func (r *run) failed(tool domain.Tool) bool {
	for _, res := range r.results {
		if res.Tool == tool {
			return !res.Success
		}
	}
	return false
}
