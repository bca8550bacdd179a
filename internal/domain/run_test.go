package domain

import "testing"

func TestRunStateTransitions(t *testing.T) {
	r := NewRun()
	if r.State() != StatePending {
		t.Fatalf("new run state = %q, want pending", r.State())
	}
	r.Start()
	if r.State() != StateProcessing {
		t.Fatalf("after start state = %q, want processing", r.State())
	}
	r.Capture()
	if r.State() != StateCaptured {
		t.Fatalf("after capture state = %q, want captured", r.State())
	}
	if !r.Terminal() {
		t.Fatal("captured run should be terminal")
	}
}

func TestRunFailFromProcessing(t *testing.T) {
	r := NewRun()
	r.Start()
	r.Fail()
	if r.State() != StateFailed {
		t.Fatalf("state = %q, want failed", r.State())
	}
	if !r.Terminal() {
		t.Fatal("failed run should be terminal")
	}
}

func TestRunFailFromPending(t *testing.T) {
	r := NewRun()
	r.Fail()
	if r.State() != StateFailed {
		t.Fatalf("state = %q, want failed", r.State())
	}
}

func TestRunNoSkipStates(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic capturing a pending run")
		}
	}()
	r := NewRun()
	r.Capture()
}

func TestRunCannotFailAfterCapture(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic failing a captured run")
		}
	}()
	r := NewRun()
	r.Start()
	r.Capture()
	r.Fail()
}
