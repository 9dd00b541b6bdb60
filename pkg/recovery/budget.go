package recovery

import (
	"sync"
)

// DefaultMaxAttempts is the number of recovery attempts allowed per stage.
const DefaultMaxAttempts = 2

// RetryBudget counts recovery attempts per stage for one session.
// Counts only grow until an explicit Reset. Slides of one stage run
// concurrently and share the stage's budget, so a re-invocation reserves its
// slot before it starts and commits it once it completed.
type RetryBudget struct {
	mu       sync.Mutex
	max      int
	attempts map[string]int
	pending  map[string]int
	reports  map[string]*FailureReport
}

// NewRetryBudget creates a budget allowing max attempts per stage.
// A non-positive max falls back to DefaultMaxAttempts.
func NewRetryBudget(maxAttempts int) *RetryBudget {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &RetryBudget{
		max:      maxAttempts,
		attempts: make(map[string]int),
		pending:  make(map[string]int),
		reports:  make(map[string]*FailureReport),
	}
}

// Max returns the per-stage limit.
func (b *RetryBudget) Max() int {
	return b.max
}

// CanRetry reports whether a stage has an unreserved attempt left.
func (b *RetryBudget) CanRetry(stage string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts[stage]+b.pending[stage] < b.max
}

// Reserve claims an attempt slot for stage. It returns false once recorded
// and reserved attempts together reach the limit.
func (b *RetryBudget) Reserve(stage string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.attempts[stage]+b.pending[stage] >= b.max {
		return false
	}
	b.pending[stage]++
	return true
}

// Commit turns a reservation into a recorded attempt. Call it only after the
// re-invocation completed.
func (b *RetryBudget) Commit(stage string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending[stage] > 0 {
		b.pending[stage]--
	}
	b.attempts[stage]++
	return b.attempts[stage]
}

// Release drops a reservation whose re-invocation never completed.
func (b *RetryBudget) Release(stage string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending[stage] > 0 {
		b.pending[stage]--
	}
}

// RecordAttempt increments the stage count without a prior reservation.
func (b *RetryBudget) RecordAttempt(stage string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts[stage]++
	return b.attempts[stage]
}

// escalation returns the stage's failure report, building it with build if the
// stage has not escalated yet. created is true only for the first caller.
func (b *RetryBudget) escalation(stage string, build func() *FailureReport) (report *FailureReport, created bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.reports[stage]; ok {
		return r, false
	}
	r := build()
	b.reports[stage] = r
	return r, true
}

func (b *RetryBudget) Attempts(stage string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts[stage]
}

// Reset clears one stage, or every stage when stage is empty.
func (b *RetryBudget) Reset(stage string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if stage == "" {
		clear(b.attempts)
		clear(b.pending)
		clear(b.reports)
		return
	}
	delete(b.attempts, stage)
	delete(b.pending, stage)
	delete(b.reports, stage)
}

// Snapshot returns a copy of the counts for persistence.
func (b *RetryBudget) Snapshot() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.attempts))
	for k, v := range b.attempts {
		out[k] = v
	}
	return out
}

// Restore replaces the counts with a persisted snapshot.
func (b *RetryBudget) Restore(counts map[string]int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = make(map[string]int, len(counts))
	clear(b.pending)
	clear(b.reports)
	for k, v := range counts {
		if v > 0 {
			b.attempts[k] = v
		}
	}
}

func (b *RetryBudget) escalated(stage string) (*FailureReport, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.reports[stage]
	return r, ok
}

// Total sums attempts across stages.
func (b *RetryBudget) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, v := range b.attempts {
		total += v
	}
	return total
}
