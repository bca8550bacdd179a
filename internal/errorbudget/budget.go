// Package errorbudget implements the sliding-window admission control that
// protects target sessions from being hammered once they start failing.
//
// Unlike a three-state circuit breaker that probes its way back from open,
// an error budget has exactly two admission outcomes — admitted, or frozen
// until a fixed instant — decided purely from a trailing window of pass/fail
// observations. There is no half-open probe phase: once frozen_until
// elapses, the next admit() call simply clears it and lets traffic through,
// and the result of that very call feeds the next decision.
//
// # Concurrency
//
// All public methods acquire the internal mutex for their full duration.
// Critical sections are pure bookkeeping: no I/O, no blocking.
package errorbudget

import (
	"sync"
	"time"
)

// Params configures one budget instance. Mirrors the environment-driven
// knobs documented at the collaborator boundary (ERROR_BUDGET_ENABLED,
// SUCCESS_THRESHOLD, SAMPLE_WINDOW_SECS, MIN_REQUESTS, FREEZE_SECS).
type Params struct {
	Enabled          bool
	SuccessThreshold float64       // (0, 1]
	MinimumRequests  int           // >= 1
	SampleWindow     time.Duration // > 0
	FreezeDuration   time.Duration // > 0
}

// FreezeReport describes a refused admission.
type FreezeReport struct {
	Until       time.Time
	SuccessRate float64
	SampleSize  int
}

// RecordOutcome describes what record() did to the freeze state.
type RecordOutcome int

const (
	RecordNone RecordOutcome = iota
	RecordFreezeTriggered
	RecordFreezeCleared
)

type observation struct {
	at      time.Time
	success bool
}

// Budget is one sliding-window success-rate tracker with freeze admission.
type Budget struct {
	mu           sync.Mutex
	params       Params
	observations []observation
	frozenUntil  time.Time
	frozen       bool
}

// New builds a budget with the given parameters.
func New(params Params) *Budget {
	return &Budget{params: params}
}

// Admit decides whether a call may proceed at instant now. If the budget is
// disabled, it is always admitted. Otherwise the window is purged first,
// then: a live freeze refuses; an elapsed freeze is cleared and reported as
// thawed; absent any freeze, the call is admitted outright.
func (b *Budget) Admit(now time.Time) (thawed bool, report *FreezeReport, err bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.params.Enabled {
		return false, nil, false
	}
	b.purge(now)

	if b.frozen {
		if now.Before(b.frozenUntil) {
			rep := b.currentReport(now)
			return false, &rep, true
		}
		b.frozen = false
		return true, nil, false
	}
	return false, nil, false
}

// Record appends an observation and may trip or clear a freeze. A freeze
// that has already expired is cleared first and reported as FreezeCleared;
// the new observation is still appended and counted, but that same Record
// call does not re-trip a fresh freeze even if the updated sample would
// otherwise qualify.
func (b *Budget) Record(success bool, now time.Time) RecordOutcome {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.params.Enabled {
		return RecordNone
	}
	b.purge(now)

	thawedThisCall := false
	if b.frozen && !now.Before(b.frozenUntil) {
		b.frozen = false
		thawedThisCall = true
	}

	b.observations = append(b.observations, observation{at: now, success: success})

	if thawedThisCall {
		return RecordFreezeCleared
	}
	if b.frozen {
		return RecordNone
	}

	size := len(b.observations)
	if size >= b.params.MinimumRequests && b.successRate() < b.params.SuccessThreshold {
		b.frozen = true
		b.frozenUntil = now.Add(b.params.FreezeDuration)
		return RecordFreezeTriggered
	}
	return RecordNone
}

// Frozen reports whether the budget currently considers itself frozen,
// without mutating state. Used by the metrics collaborator's gauge.
func (b *Budget) Frozen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frozen
}

// purge drops observations older than the sample window. Must hold mu.
func (b *Budget) purge(now time.Time) {
	cutoff := now.Add(-b.params.SampleWindow)
	i := 0
	for i < len(b.observations) && b.observations[i].at.Before(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	copy(b.observations, b.observations[i:])
	b.observations = b.observations[:len(b.observations)-i]
}

// successRate computes the success ratio over the current window. Must hold
// mu. Returns 1.0 for an empty window so an empty budget never looks like it
// has already failed.
func (b *Budget) successRate() float64 {
	if len(b.observations) == 0 {
		return 1.0
	}
	ok := 0
	for _, o := range b.observations {
		if o.success {
			ok++
		}
	}
	return float64(ok) / float64(len(b.observations))
}

// currentReport builds a FreezeReport snapshot. Must hold mu.
func (b *Budget) currentReport(now time.Time) FreezeReport {
	return FreezeReport{
		Until:       b.frozenUntil,
		SuccessRate: b.successRate(),
		SampleSize:  len(b.observations),
	}
}
