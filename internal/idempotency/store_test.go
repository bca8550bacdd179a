package idempotency

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/inspectorbridge/mcp-bridge/internal/types"
)

func TestClaimSingleWinner(t *testing.T) {
	s := NewStore()
	const n = 64
	var wg sync.WaitGroup
	accepted := make([]bool, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			outcome := s.Claim("K1")
			accepted[i] = outcome.Status == ClaimAccepted
		}()
	}
	wg.Wait()

	count := 0
	for _, ok := range accepted {
		if ok {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("accepted count = %d, want 1", count)
	}
}

func TestClaimCompleteMonotonicity(t *testing.T) {
	s := NewStore()
	if out := s.Claim("K1"); out.Status != ClaimAccepted {
		t.Fatalf("first claim status = %v, want Accepted", out.Status)
	}
	if out := s.Claim("K1"); out.Status != ClaimInFlight {
		t.Fatalf("second claim status = %v, want InFlight", out.Status)
	}

	if !s.Complete("K1", sampleEvent("K1")) {
		t.Fatal("first completion should win")
	}
	out := s.Claim("K1")
	if out.Status != ClaimCompleted {
		t.Fatalf("claim after complete = %v, want Completed", out.Status)
	}
	if out.Event == nil || out.Event.IdempotencyKey != "K1" {
		t.Fatalf("completed event mismatch: %+v", out.Event)
	}

	late := sampleEvent("K1")
	late.EventID = "evt-late"
	if s.Complete("K1", late) {
		t.Fatal("second completion must be a no-op")
	}
	if out := s.Claim("K1"); out.Event.EventID == "evt-late" {
		t.Fatal("losing completion must not replace the stored event")
	}
}

func TestExternalReferenceDedup(t *testing.T) {
	s := NewStore()
	evt := sampleEvent("K1")
	evt.ExternalReference = "ext-1"
	s.Complete("K1", evt)

	got, ok := s.FindExternalRef("ext-1")
	if !ok {
		t.Fatal("expected external reference to be indexed")
	}
	if got.IdempotencyKey != "K1" {
		t.Fatalf("external ref event mismatch: %+v", got)
	}
	if _, ok := s.FindExternalRef("nope"); ok {
		t.Fatal("unexpected hit for unknown external reference")
	}
}

func TestReapExpiredSynthesizesTimeout(t *testing.T) {
	s := NewStore()
	s.Claim("K1")
	s.Begin("K1", "run-1", nil, "ext-1")

	// Force the claim to look old by manipulating it through the public
	// surface is not possible, so we reap with a zero TTL, which always
	// treats the record as expired regardless of wall-clock skew.
	reaped := s.ReapExpired(0, time.Now())
	if len(reaped) != 1 {
		t.Fatalf("reaped count = %d, want 1", len(reaped))
	}
	if reaped[0].Event.State != "failed" {
		t.Fatalf("reaped state = %q, want failed", reaped[0].Event.State)
	}
	if !strings.Contains(reaped[0].Event.Error, "timed out") {
		t.Fatalf("reaped error = %q, want mention of timeout", reaped[0].Event.Error)
	}
	if reaped[0].Event.ExternalReference != "ext-1" {
		t.Fatalf("reaped external reference = %q, want ext-1", reaped[0].Event.ExternalReference)
	}

	out := s.Claim("K1")
	if out.Status != ClaimCompleted {
		t.Fatalf("claim after reap = %v, want Completed", out.Status)
	}

	if got, ok := s.FindExternalRef("ext-1"); !ok || got.IdempotencyKey != "K1" {
		t.Fatalf("expected reaped event indexed under its external reference, got %+v ok=%v", got, ok)
	}
}

func TestReapExpiredIsIdempotent(t *testing.T) {
	s := NewStore()
	s.Claim("K1")
	first := s.ReapExpired(0, time.Now())
	second := s.ReapExpired(0, time.Now())
	if len(first) != 1 {
		t.Fatalf("first reap count = %d, want 1", len(first))
	}
	if len(second) != 0 {
		t.Fatalf("second reap count = %d, want 0 (key already completed)", len(second))
	}
}

// TestContendedThroughput drives the documented contention load (32
// workers, 256 operations each) through the full claim/complete cycle.
// The lock-wait budget itself is an operational measurement, not a pass or
// fail contract; what this test pins down is that the ledger stays
// consistent and completes the whole load without deadlocking.
func TestContendedThroughput(t *testing.T) {
	s := NewStore()
	const workers = 32
	const opsPerWorker = 256

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		w := w
		go func() {
			defer wg.Done()
			for i := 0; i < opsPerWorker; i++ {
				key := "K" + string(rune('a'+w%8)) + "-" + string(rune('a'+i%26))
				out := s.Claim(key)
				if out.Status == ClaimAccepted {
					s.Begin(key, "run", nil, "")
					s.MarkStarted(key, time.Now())
					s.Complete(key, sampleEvent(key))
				}
			}
		}()
	}
	wg.Wait()

	// Every winner completed its claim, so nothing may still be InFlight.
	for w := 0; w < 8; w++ {
		for i := 0; i < 26; i++ {
			key := "K" + string(rune('a'+w)) + "-" + string(rune('a'+i))
			if out := s.Claim(key); out.Status == ClaimInFlight {
				t.Fatalf("key %s left in-flight after contended load", key)
			}
		}
	}
}

func sampleEvent(key string) types.InspectionRunEvent {
	return types.InspectionRunEvent{
		EventID:        "evt-" + key,
		RunID:          "run-" + key,
		ToolName:       "echo",
		State:          "captured",
		IdempotencyKey: key,
	}
}
