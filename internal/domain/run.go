// Package domain holds the per-call lifecycle token used by the orchestrator.
package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// State is a run's position in its lifecycle.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCaptured   State = "captured"
	StateFailed     State = "failed"
)

// Run is a minimal typestate for one inspector_call invocation. It carries
// no I/O and no locks: it exists purely to make illegal transitions loud.
// Violations panic — they are programmer errors in the orchestrator, not
// something a caller can trigger.
type Run struct {
	ID    string
	state State
}

// NewRun mints a fresh run in the pending state.
func NewRun() *Run {
	return &Run{ID: uuid.New().String(), state: StatePending}
}

// State returns the run's current state.
func (r *Run) State() State {
	return r.state
}

// Start transitions pending -> processing.
func (r *Run) Start() {
	if r.state != StatePending {
		panic(fmt.Sprintf("run %s: start() called from state %q, want pending", r.ID, r.state))
	}
	r.state = StateProcessing
}

// Capture transitions processing -> captured. Captured is terminal.
func (r *Run) Capture() {
	if r.state != StateProcessing {
		panic(fmt.Sprintf("run %s: capture() called from state %q, want processing", r.ID, r.state))
	}
	r.state = StateCaptured
}

// Fail transitions {pending,processing} -> failed. Failed is terminal; a
// run that already reached captured must never be failed after the fact.
func (r *Run) Fail() {
	if r.state == StateCaptured {
		panic(fmt.Sprintf("run %s: fail() called from terminal state captured", r.ID))
	}
	r.state = StateFailed
}

// Terminal reports whether the run has reached a terminal state.
func (r *Run) Terminal() bool {
	return r.state == StateCaptured || r.state == StateFailed
}
