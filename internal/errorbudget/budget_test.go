package errorbudget

import (
	"testing"
	"time"
)

func testParams() Params {
	return Params{
		Enabled:          true,
		SuccessThreshold: 0.6,
		MinimumRequests:  3,
		SampleWindow:     120 * time.Second,
		FreezeDuration:   60 * time.Second,
	}
}

func TestSuccessOnlyNeverFreezes(t *testing.T) {
	b := New(testParams())
	now := time.Now()
	for i := 0; i < 10; i++ {
		if thawed, _, refused := b.Admit(now); refused || thawed {
			t.Fatalf("unexpected admit result at i=%d", i)
		}
		if out := b.Record(true, now); out != RecordNone {
			t.Fatalf("unexpected record outcome %v at i=%d", out, i)
		}
		now = now.Add(time.Second)
	}
}

func TestFailuresTriggerFreeze(t *testing.T) {
	b := New(testParams())
	now := time.Now()

	for i := 0; i < 2; i++ {
		b.Record(false, now)
		now = now.Add(time.Second)
	}
	out := b.Record(false, now)
	if out != RecordFreezeTriggered {
		t.Fatalf("third failure outcome = %v, want FreezeTriggered", out)
	}

	if _, report, refused := b.Admit(now); !refused || report == nil {
		t.Fatal("expected admit to be refused immediately after freeze trips")
	}
}

func TestFreezeExpiresAfterWindow(t *testing.T) {
	b := New(testParams())
	now := time.Now()
	b.Record(false, now)
	b.Record(false, now)
	b.Record(false, now)

	almostThawed := now.Add(59 * time.Second)
	if _, _, refused := b.Admit(almostThawed); !refused {
		t.Fatal("expected admission refused just before freeze expiry")
	}

	atThaw := now.Add(60 * time.Second)
	thawed, _, refused := b.Admit(atThaw)
	if refused {
		t.Fatal("expected admission at frozen_until to succeed")
	}
	if !thawed {
		t.Fatal("expected thawed=true at frozen_until")
	}

	// A second admit at the same instant must not report thawed again.
	thawedAgain, _, refusedAgain := b.Admit(atThaw)
	if refusedAgain || thawedAgain {
		t.Fatal("freeze should clear exactly once")
	}
}

func TestDisabledBudgetAlwaysAdmits(t *testing.T) {
	params := testParams()
	params.Enabled = false
	b := New(params)
	now := time.Now()
	b.Record(false, now)
	b.Record(false, now)
	b.Record(false, now)
	if _, _, refused := b.Admit(now); refused {
		t.Fatal("disabled budget must never refuse admission")
	}
}
