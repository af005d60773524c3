// Package traffic keeps sliding windows of forecast request outcomes. It backs the
// degraded health check (error rate) and the rate-limit gauges (requests, denials).
package traffic

import (
	"sync"
	"time"
)

// retention bounds how long outcomes are kept; windows longer than this undercount.
const retention = 10 * time.Minute

type outcome uint8

const (
	outcomeSuccess outcome = iota
	outcomeError
	outcomeDenied
)

type entry struct {
	at   time.Time
	kind outcome
}

var defaultTracker = NewTracker()

// RecordSuccess records a successful forecast request.
func RecordSuccess() { defaultTracker.record(outcomeSuccess) }

// RecordError records a failed forecast request (upstream error, timeout).
func RecordError() { defaultTracker.record(outcomeError) }

// RecordDenied records a rate-limit denial (429).
func RecordDenied() { defaultTracker.record(outcomeDenied) }

// RequestCount returns successes + errors + denials within window.
func RequestCount(window time.Duration) int { return defaultTracker.RequestCount(window) }

// DenialCount returns denials within window.
func DenialCount(window time.Duration) int { return defaultTracker.DenialCount(window) }

// ErrorRate returns (errors, successes+errors) within window. Denials are excluded.
func ErrorRate(window time.Duration) (errors, total int) { return defaultTracker.ErrorRate(window) }

// Reset clears the process-wide tracker. For tests only.
func Reset() { defaultTracker.Reset() }

// Tracker holds outcome timestamps in arrival order.
type Tracker struct {
	mu      sync.Mutex
	entries []entry
	now     func() time.Time
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

func (t *Tracker) record(kind outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.entries = append(t.entries, entry{at: now, kind: kind})
	t.pruneLocked(now)
}

// RecordSuccess records a success on t.
func (t *Tracker) RecordSuccess() { t.record(outcomeSuccess) }

// RecordError records an error on t.
func (t *Tracker) RecordError() { t.record(outcomeError) }

// RecordDenied records a denial on t.
func (t *Tracker) RecordDenied() { t.record(outcomeDenied) }

// RequestCount returns all outcomes within window.
func (t *Tracker) RequestCount(window time.Duration) int {
	counts := t.count(window)
	return counts[outcomeSuccess] + counts[outcomeError] + counts[outcomeDenied]
}

// DenialCount returns denials within window.
func (t *Tracker) DenialCount(window time.Duration) int {
	return t.count(window)[outcomeDenied]
}

// ErrorRate returns (errors, successes+errors) within window.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	counts := t.count(window)
	return counts[outcomeError], counts[outcomeError] + counts[outcomeSuccess]
}

// Reset clears all outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = nil
}

func (t *Tracker) count(window time.Duration) [3]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.pruneLocked(now)
	cutoff := now.Add(-window)
	var counts [3]int
	for i := len(t.entries) - 1; i >= 0; i-- {
		e := t.entries[i]
		if e.at.Before(cutoff) {
			break
		}
		counts[e.kind]++
	}
	return counts
}

// pruneLocked drops entries older than retention. Caller holds t.mu.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-retention)
	i := 0
	for i < len(t.entries) && t.entries[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		t.entries = append(t.entries[:0], t.entries[i:]...)
	}
}
