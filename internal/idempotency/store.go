// Package idempotency implements the process-local claim/complete ledger
// that gives inspector_call its exactly-once behavior. A caller-supplied
// idempotency key maps to at most one in-flight record system-wide; a
// second independent index tracks business-level external references.
//
// Both indexes are plain maps behind their own mutex. Critical sections
// never perform I/O, so lock-hold time is a function of map size only.
package idempotency

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inspectorbridge/mcp-bridge/internal/types"
)

func newEventID() string {
	return uuid.New().String()
}

// ClaimStatus is the outcome of a claim attempt.
type ClaimStatus int

const (
	ClaimAccepted ClaimStatus = iota
	ClaimInFlight
	ClaimCompleted
)

// ClaimOutcome is returned by Claim. Event is only populated when Status is
// ClaimCompleted.
type ClaimOutcome struct {
	Status ClaimStatus
	Event  *types.InspectionRunEvent
}

// recordState distinguishes the two shapes a record can hold.
type recordState int

const (
	recordInFlight recordState = iota
	recordCompleted
)

// record is the internal representation of one idempotency-key entry.
type record struct {
	state     recordState
	claimedAt time.Time // monotonic-ish: time.Now() at claim/complete

	// InFlight fields.
	runID             string
	request           json.RawMessage
	externalReference string
	target            *types.TargetDescriptor
	startedAt         time.Time
	hasStarted        bool

	// Completed fields.
	event *types.InspectionRunEvent
}

// externalRefEntry is the secondary index value.
type externalRefEntry struct {
	event      types.InspectionRunEvent
	recordedAt time.Time
}

// Store is the shared, process-wide idempotency ledger.
type Store struct {
	recordsMu sync.Mutex
	records   map[string]*record

	externalRefsMu sync.Mutex
	externalRefs   map[string]externalRefEntry
}

// NewStore builds an empty ledger.
func NewStore() *Store {
	return &Store{
		records:      make(map[string]*record),
		externalRefs: make(map[string]externalRefEntry),
	}
}

// Claim attempts to become the single owner of key. Among any number of
// concurrent callers racing on the same key with no intervening Complete,
// exactly one observes ClaimAccepted.
func (s *Store) Claim(key string) ClaimOutcome {
	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()

	existing, ok := s.records[key]
	if !ok {
		s.records[key] = &record{state: recordInFlight, claimedAt: time.Now()}
		return ClaimOutcome{Status: ClaimAccepted}
	}
	switch existing.state {
	case recordInFlight:
		return ClaimOutcome{Status: ClaimInFlight}
	default:
		evt := existing.event
		return ClaimOutcome{Status: ClaimCompleted, Event: evt}
	}
}

// Begin attaches run/request metadata to an in-flight record. No-op if the
// record is no longer in-flight (it completed or was reaped concurrently).
// externalReference is carried through so a reap-synthesized timeout event
// still indexes under the caller's external reference.
func (s *Store) Begin(key, runID string, request json.RawMessage, externalReference string) {
	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()
	r, ok := s.records[key]
	if !ok || r.state != recordInFlight {
		return
	}
	r.runID = runID
	r.request = request
	r.externalReference = externalReference
}

// MarkStarted records the wall-clock start time on an in-flight record.
func (s *Store) MarkStarted(key string, at time.Time) {
	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()
	r, ok := s.records[key]
	if !ok || r.state != recordInFlight {
		return
	}
	r.startedAt = at
	r.hasStarted = true
}

// SetTarget records the resolved target descriptor on an in-flight record.
func (s *Store) SetTarget(key string, target types.TargetDescriptor) {
	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()
	r, ok := s.records[key]
	if !ok || r.state != recordInFlight {
		return
	}
	r.target = &target
}

// Complete replaces key's record with a terminal Completed record carrying
// event, and reports whether the write won. Completion is idempotent per
// key: if the record is already Completed (a reap sweep got there first,
// or a duplicate completion raced in), the write is a no-op and Complete
// returns false — the first terminal verdict for a key is authoritative.
// On a winning write, event.ExternalReference (if set) is also indexed.
func (s *Store) Complete(key string, event types.InspectionRunEvent) bool {
	s.recordsMu.Lock()
	if existing, ok := s.records[key]; ok && existing.state == recordCompleted {
		s.recordsMu.Unlock()
		return false
	}
	s.records[key] = &record{
		state:     recordCompleted,
		claimedAt: time.Now(),
		event:     &event,
	}
	s.recordsMu.Unlock()

	if event.ExternalReference != "" {
		s.RecordExternalRef(event.ExternalReference, event)
	}
	return true
}

// FindExternalRef looks up the last event recorded under ref. The external
// reference index is eventually consistent with respect to the primary
// records map, but is itself linearisable.
func (s *Store) FindExternalRef(ref string) (types.InspectionRunEvent, bool) {
	s.externalRefsMu.Lock()
	defer s.externalRefsMu.Unlock()
	entry, ok := s.externalRefs[ref]
	if !ok {
		return types.InspectionRunEvent{}, false
	}
	return entry.event, true
}

// RecordExternalRef indexes event under ref, overwriting any prior entry.
func (s *Store) RecordExternalRef(ref string, event types.InspectionRunEvent) {
	s.externalRefsMu.Lock()
	defer s.externalRefsMu.Unlock()
	s.externalRefs[ref] = externalRefEntry{event: event, recordedAt: time.Now()}
}

// ReapedEvent is one synthesized timeout event produced by ReapExpired.
type ReapedEvent struct {
	IdempotencyKey string
	Event          types.InspectionRunEvent
}

// ReapExpired scans for in-flight records older than ttl, synthesizes a
// failed InspectionRunEvent for each, replaces them with Completed records,
// and returns what it synthesized. It also purges completed records and
// external-ref entries older than ttl so the ledger does not grow without
// bound. The scan holds the records lock only for its own duration; no I/O
// happens under lock.
func (s *Store) ReapExpired(ttl time.Duration, nowWall time.Time) []ReapedEvent {
	var reaped []ReapedEvent

	s.recordsMu.Lock()
	now := time.Now()
	for key, r := range s.records {
		switch r.state {
		case recordInFlight:
			if now.Sub(r.claimedAt) <= ttl {
				continue
			}
			event := buildTimeoutEvent(key, r, nowWall)
			reaped = append(reaped, ReapedEvent{IdempotencyKey: key, Event: event})
			s.records[key] = &record{state: recordCompleted, claimedAt: now, event: &event}
		case recordCompleted:
			if now.Sub(r.claimedAt) > ttl {
				delete(s.records, key)
			}
		}
	}
	s.recordsMu.Unlock()

	for _, r := range reaped {
		if r.Event.ExternalReference != "" {
			s.RecordExternalRef(r.Event.ExternalReference, r.Event)
		}
	}

	s.externalRefsMu.Lock()
	for ref, entry := range s.externalRefs {
		if now.Sub(entry.recordedAt) > ttl {
			delete(s.externalRefs, ref)
		}
	}
	s.externalRefsMu.Unlock()

	return reaped
}

// buildTimeoutEvent synthesizes the failed event for a reaped in-flight
// record. Must be called with the records lock held.
func buildTimeoutEvent(key string, r *record, nowWall time.Time) types.InspectionRunEvent {
	startedAt := r.startedAt
	if !r.hasStarted {
		startedAt = nowWall
	}
	elapsed := nowWall.Sub(startedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	return types.InspectionRunEvent{
		EventID:            newEventID(),
		RunID:              r.runID,
		State:              "failed",
		StartedAt:          startedAt.Format(time.RFC3339Nano),
		DurationMs:         elapsed.Milliseconds(),
		Target:             r.target,
		Request:            r.request,
		Error:              fmt.Sprintf("run timed out after %d ms (idempotency key %s)", elapsed.Milliseconds(), key),
		IdempotencyKey:     key,
		ExternalReference:  r.externalReference,
	}
}
