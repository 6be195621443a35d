package dispatch

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mailfleet/mailfleet/internal/recipient"
)

// Mode identifies the trigger that started a run.
type Mode string

const (
	ModeManual    Mode = "manual"    // operator-initiated, shared-pool policy
	ModeScheduled Mode = "scheduled" // unattended, per-identity-target policy
)

// IdentityStats is the per-identity slice of a run summary.
type IdentityStats struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// Summary is the user-visible outcome of one run.
type Summary struct {
	RunID               string                    `json:"run_id"`
	Mode                Mode                      `json:"mode"`
	Started             time.Time                 `json:"started"`
	Finished            time.Time                 `json:"finished"`
	Eligible            int                       `json:"eligible"`
	Sent                int                       `json:"sent"`
	Skipped             int                       `json:"skipped"`
	Failed              int                       `json:"failed"`
	Requeued            int                       `json:"requeued"`
	PerIdentity         map[string]*IdentityStats `json:"per_identity"`
	SuspendedIdentities []string                  `json:"suspended_identities,omitempty"`
	Stopped             bool                      `json:"stopped,omitempty"`
}

// Run is the explicitly owned context of one dispatch run: its work
// queue, stop flag and progress counters. Nothing about run progress is
// ambient state; the scheduler receives and returns this object.
type Run struct {
	ID      string
	Mode    Mode
	Started time.Time

	queue  chan recipient.Recipient
	stopCh chan struct{}

	mu       sync.Mutex
	stopOnce sync.Once
	summary  Summary
	attempts map[string]int
	fatalErr error
}

func newRun(mode Mode, eligible []recipient.Recipient) *Run {
	capacity := len(eligible)
	if capacity == 0 {
		capacity = 1
	}
	run := &Run{
		ID:      uuid.NewString(),
		Mode:    mode,
		Started: time.Now(),
		queue:   make(chan recipient.Recipient, capacity),
		stopCh:  make(chan struct{}),
		summary: Summary{
			Mode:        mode,
			Eligible:    len(eligible),
			PerIdentity: make(map[string]*IdentityStats),
		},
		attempts: make(map[string]int),
	}
	run.summary.RunID = run.ID
	run.summary.Started = run.Started
	return run
}

// Stop sets the global stop flag. Safe to call more than once and from
// any goroutine; workers observe it within one queue-pull cycle.
func (r *Run) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		r.mu.Lock()
		r.summary.Stopped = true
		r.mu.Unlock()
	})
}

func (r *Run) stopped() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

// fail records the first fatal error and stops the run.
func (r *Run) fail(err error) {
	r.mu.Lock()
	if r.fatalErr == nil {
		r.fatalErr = err
	}
	r.mu.Unlock()
	r.Stop()
}

func (r *Run) err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatalErr
}

// attempt increments and returns the retry counter for addr.
func (r *Run) attempt(addr string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[addr]++
	return r.attempts[addr]
}

func (r *Run) identityStats(id string) *IdentityStats {
	if st, ok := r.summary.PerIdentity[id]; ok {
		return st
	}
	st := &IdentityStats{}
	r.summary.PerIdentity[id] = st
	return st
}

func (r *Run) addSent(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Sent++
	r.identityStats(id).Sent++
}

func (r *Run) addFailed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Failed++
	r.identityStats(id).Failed++
}

func (r *Run) addSkipped() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Skipped++
}

func (r *Run) addRequeued() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Requeued++
}

func (r *Run) addSuspended(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.summary.SuspendedIdentities {
		if existing == id {
			return
		}
	}
	r.summary.SuspendedIdentities = append(r.summary.SuspendedIdentities, id)
}

// requeue puts a recipient back on the queue for another worker. The
// queue is sized for the whole eligible list, so this cannot block; the
// counter guards the impossible case anyway.
func (r *Run) requeue(rec recipient.Recipient) bool {
	select {
	case r.queue <- rec:
		r.addRequeued()
		return true
	default:
		return false
	}
}

// Snapshot returns a copy of the current summary.
func (r *Run) Snapshot() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.summary
	s.PerIdentity = make(map[string]*IdentityStats, len(r.summary.PerIdentity))
	for id, st := range r.summary.PerIdentity {
		copied := *st
		s.PerIdentity[id] = &copied
	}
	s.SuspendedIdentities = append([]string(nil), r.summary.SuspendedIdentities...)
	return s
}

func (r *Run) finish() Summary {
	r.mu.Lock()
	r.summary.Finished = time.Now()
	r.mu.Unlock()
	return r.Snapshot()
}
