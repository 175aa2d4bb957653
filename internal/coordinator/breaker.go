package coordinator

import (
	"sync"
	"time"
)

// CircuitBreaker tracks recent execution failures per rule and halts further
// attempts once the error count reaches ErrorThreshold within ErrorWindow,
// adapted from the teacher's liquidity-repositioning strategy contract.
type CircuitBreaker struct {
	mu sync.Mutex

	// ErrorWindow is the time window over which errors accumulate.
	ErrorWindow time.Duration
	// ErrorThreshold is the error count within ErrorWindow that trips the breaker.
	ErrorThreshold int

	errorsByRule map[uint64][]time.Time
	trippedRule  map[uint64]bool
}

// NewCircuitBreaker constructs a breaker with the given window and threshold.
func NewCircuitBreaker(window time.Duration, threshold int) *CircuitBreaker {
	return &CircuitBreaker{
		ErrorWindow:    window,
		ErrorThreshold: threshold,
		errorsByRule:   make(map[uint64][]time.Time),
		trippedRule:    make(map[uint64]bool),
	}
}

// RecordError records a failure for ruleID at now. critical=true trips the
// breaker immediately regardless of the threshold; otherwise it trips once
// the number of errors within ErrorWindow reaches ErrorThreshold. Returns
// true if the rule should halt (no further attempts until Reset).
func (cb *CircuitBreaker) RecordError(ruleID uint64, now time.Time, critical bool) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if critical {
		cb.trippedRule[ruleID] = true
		return true
	}

	cutoff := now.Add(-cb.ErrorWindow)
	kept := cb.errorsByRule[ruleID][:0]
	for _, t := range cb.errorsByRule[ruleID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	cb.errorsByRule[ruleID] = kept

	if len(kept) >= cb.ErrorThreshold {
		cb.trippedRule[ruleID] = true
		return true
	}
	return false
}

// Tripped reports whether ruleID is currently halted by the breaker.
func (cb *CircuitBreaker) Tripped(ruleID uint64) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.trippedRule[ruleID]
}

// Reset clears all recorded errors and trip state for ruleID, used when an
// operator manually re-activates a rule after investigating failures.
func (cb *CircuitBreaker) Reset(ruleID uint64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	delete(cb.errorsByRule, ruleID)
	delete(cb.trippedRule, ruleID)
}

// ErrorRate returns the current error rate for ruleID in errors per hour,
// computed over the configured window.
func (cb *CircuitBreaker) ErrorRate(ruleID uint64) float64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	errs := cb.errorsByRule[ruleID]
	if len(errs) == 0 {
		return 0
	}
	hours := cb.ErrorWindow.Hours()
	if hours == 0 {
		return 0
	}
	return float64(len(errs)) / hours
}
