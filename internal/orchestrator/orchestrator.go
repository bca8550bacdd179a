// Package orchestrator composes the run state machine, idempotency store,
// error-budget breaker, target session broker, stream collector, and
// outbox into the single hot path behind inspector_call. Nothing outside
// this package understands how those six pieces fit together.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/inspectorbridge/mcp-bridge/internal/config"
	"github.com/inspectorbridge/mcp-bridge/internal/domain"
	"github.com/inspectorbridge/mcp-bridge/internal/errorbudget"
	"github.com/inspectorbridge/mcp-bridge/internal/idempotency"
	"github.com/inspectorbridge/mcp-bridge/internal/metrics"
	"github.com/inspectorbridge/mcp-bridge/internal/outbox"
	"github.com/inspectorbridge/mcp-bridge/internal/stream"
	"github.com/inspectorbridge/mcp-bridge/internal/target"
	"github.com/inspectorbridge/mcp-bridge/internal/tracing"
	"github.com/inspectorbridge/mcp-bridge/internal/types"
)

// sessionOpener is the subset of *target.Broker the orchestrator depends
// on. Narrowing it to an interface lets tests substitute a fake broker
// instead of spawning a real child process or network connection.
type sessionOpener interface {
	Open(ctx context.Context, req target.OpenRequest) (target.Session, types.TargetDescriptor, error)
}

// Orchestrator runs one inspector_call per Execute invocation. It holds
// shared handles to the process-wide singletons; Execute itself is
// reentrant and holds no state of its own beyond the one Run it owns for
// the duration of the call.
type Orchestrator struct {
	Store    *idempotency.Store
	Budget   *errorbudget.Budget
	Outbox   *outbox.Outbox
	Broker   sessionOpener
	Policy   string // config.ConflictPolicyReturnExisting | ConflictPolicyConflict409
	StdioEnv string // INSPECTOR_STDIO_CMD fallback, shell-word split on use
	Log      *zap.Logger
}

// errCode builds the structured_content shape this bridge uses for every
// business error: {"code": ..., "error": ...} plus whatever extra fields
// the caller merges in.
func errCode(code, msg string, extra map[string]any) map[string]any {
	out := map[string]any{"error": msg}
	if code != "" {
		out["code"] = code
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func errorResult(content map[string]any) *mcp.CallToolResult {
	text, _ := json.Marshal(content)
	return &mcp.CallToolResult{
		IsError:           true,
		Content:           []mcp.Content{&mcp.TextContent{Text: string(text)}},
		StructuredContent: content,
	}
}

func withTrace(result *mcp.CallToolResult, trace types.CallTrace) *mcp.CallToolResult {
	traceJSON, _ := json.Marshal(trace)
	var traceVal any
	_ = json.Unmarshal(traceJSON, &traceVal)
	if result.Meta == nil {
		result.Meta = mcp.Meta{}
	}
	result.Meta["trace"] = traceVal
	return result
}

// Execute runs the full flow for one inspector_call request. It never
// returns a non-nil Go error: every business outcome, success or failure,
// is encoded in the returned CallToolResult per the propagation policy in
// the error-handling design — the upstream MCP client always sees a normal
// tool response.
func (o *Orchestrator) Execute(ctx context.Context, req types.CallRequest) (result *mcp.CallToolResult) {
	run := domain.NewRun()
	run.Start()

	ctx, span := tracing.StartCall(ctx, req.ToolName, tracing.AttrRunID.String(run.ID), tracing.AttrStream.Bool(req.Stream))
	defer func() {
		var callErr error
		if result != nil && result.IsError {
			callErr = fmt.Errorf("%s", errMessage(result))
		}
		tracing.End(span, callErr)
	}()

	claimedKey := ""
	externalRef := req.ExternalReference

	// External-reference dedup runs ahead of idempotency-key claiming.
	if externalRef != "" {
		if evt, ok := o.Store.FindExternalRef(externalRef); ok {
			return o.dispatchDuplicate(run, evt)
		}
	}

	// Idempotency-key claim.
	if req.IdempotencyKey != "" {
		claimedKey = req.IdempotencyKey
		outcome := o.Store.Claim(claimedKey)
		switch outcome.Status {
		case idempotency.ClaimAccepted:
			// The same arguments payload the terminal event records, so a
			// reap-synthesized timeout carries the same request shape as a
			// normal completion.
			o.Store.Begin(claimedKey, run.ID, req.ArgumentsJSON, externalRef)
		case idempotency.ClaimInFlight:
			run.Fail()
			return errorResult(errCode("IDEMPOTENCY_CONFLICT", "idempotency key already in-flight", nil))
		case idempotency.ClaimCompleted:
			return o.dispatchDuplicate(run, *outcome.Event)
		}
		o.Store.MarkStarted(claimedKey, time.Now())
	}

	// Resolve the target. A missing target is a request-validation
	// failure, not a downstream one, so it is checked before Admit and
	// bypasses the error budget entirely.
	openReq, validationErr := o.resolveTarget(req)
	if validationErr != nil {
		run.Fail()
		return errorResult(errCode(validationErr.code, validationErr.msg, nil))
	}

	// Error-budget admission.
	now := time.Now()
	thawed, report, refused := o.Budget.Admit(now)
	if refused {
		run.Fail()
		event := types.InspectionRunEvent{
			EventID:           newEventID(),
			RunID:             run.ID,
			ToolName:          req.ToolName,
			State:             "failed",
			StartedAt:         now.Format(time.RFC3339Nano),
			Error:             fmt.Sprintf("error budget frozen until %s", report.Until.Format(time.RFC3339Nano)),
			IdempotencyKey:    claimedKey,
			ExternalReference: externalRef,
		}
		persisted := o.persist(event, claimedKey)
		return withTrace(errorResult(errCode("ERROR_BUDGET_EXHAUSTED", event.Error, map[string]any{
			"frozen_until": report.Until,
			"success_rate": report.SuccessRate,
			"sample_size":  report.SampleSize,
		})), types.CallTrace{Event: &event, OutboxPersisted: persisted})
	}
	if thawed {
		metrics.SetBudgetFrozen(false)
	}

	metrics.IncPendingSessions()
	handshakeStart := time.Now()
	session, descriptor, err := o.Broker.Open(ctx, openReq)
	metrics.RecordHandshake(string(descriptor.Transport), time.Since(handshakeStart).Milliseconds())
	if claimedKey != "" {
		o.Store.SetTarget(claimedKey, descriptor)
	}
	if err != nil {
		metrics.DecPendingSessions()
		return o.fail(run, req, descriptor, claimedKey, externalRef, now, err.Error(), true, 0)
	}
	defer func() {
		_ = session.Close()
		metrics.DecPendingSessions()
	}()

	startedAt := time.Now()
	var streamEvents []types.StreamEvent
	if req.Stream {
		streamEvents, result, err = stream.Collect(ctx, session, req.ToolName, req.ArgumentsJSON)
	} else {
		result, err = session.CallTool(ctx, req.ToolName, req.ArgumentsJSON)
	}
	durationMs := time.Since(startedAt).Milliseconds()

	if err != nil {
		return o.fail(run, req, descriptor, claimedKey, externalRef, startedAt, err.Error(), true, durationMs)
	}

	// Success (the downstream tool may still have signaled
	// IsError=true; that is its own result, not an orchestration failure).
	run.Capture()
	if req.Stream {
		payload, buildErr := stream.BuildPayload(streamEvents, result)
		if buildErr == nil {
			var structured any
			_ = json.Unmarshal(mustJSON(payload), &structured)
			result.StructuredContent = structured
		}
	}
	responseJSON, _ := json.Marshal(result)
	if ref := extractExternalReference(result); ref != "" {
		externalRef = ref
	}

	event := types.InspectionRunEvent{
		EventID:           newEventID(),
		RunID:             run.ID,
		ToolName:          req.ToolName,
		State:             "captured",
		StartedAt:         startedAt.Format(time.RFC3339Nano),
		DurationMs:        durationMs,
		Target:            &descriptor,
		Request:           req.ArgumentsJSON,
		Response:          responseJSON,
		IdempotencyKey:    claimedKey,
		ExternalReference: externalRef,
	}
	persisted := o.persist(event, claimedKey)
	o.recordBudget(true)
	metrics.RecordCall(req.ToolName, string(descriptor.Transport), "success", durationMs)

	return withTrace(result, types.CallTrace{
		Event:           &event,
		StreamEnabled:   req.Stream,
		StreamEvents:    len(streamEvents),
		OutboxPersisted: persisted,
	})
}

// fail builds and persists a failed InspectionRunEvent and returns the
// structured error result. admitted indicates whether this failure counts
// against the error budget (target-resolution/validation failures never
// reach this path with admitted=false from the budget's point of view,
// since those precede Admit or bypass it by design in Execute).
func (o *Orchestrator) fail(run *domain.Run, req types.CallRequest, descriptor types.TargetDescriptor, claimedKey, externalRef string, startedAt time.Time, msg string, admitted bool, durationMs int64) *mcp.CallToolResult {
	run.Fail()
	event := types.InspectionRunEvent{
		EventID:           newEventID(),
		RunID:             run.ID,
		ToolName:          req.ToolName,
		State:             "failed",
		StartedAt:         startedAt.Format(time.RFC3339Nano),
		DurationMs:        durationMs,
		Target:            &descriptor,
		Request:           req.ArgumentsJSON,
		Error:             msg,
		IdempotencyKey:    claimedKey,
		ExternalReference: externalRef,
	}
	persisted := o.persist(event, claimedKey)
	if admitted {
		o.recordBudget(false)
		metrics.RecordCall(req.ToolName, string(descriptor.Transport), "failure", durationMs)
	}
	return withTrace(errorResult(errCode("", msg, nil)), types.CallTrace{Event: &event, OutboxPersisted: persisted})
}

// recordBudget feeds one observation to the error budget and mirrors any
// freeze transition onto the metrics gauge.
func (o *Orchestrator) recordBudget(success bool) {
	switch o.Budget.Record(success, time.Now()) {
	case errorbudget.RecordFreezeTriggered:
		metrics.SetBudgetFrozen(true)
	case errorbudget.RecordFreezeCleared:
		metrics.SetBudgetFrozen(false)
	}
}

// persist completes the idempotency claim (if any), appends event to the
// outbox, and indexes the external reference. Completion runs first: if
// the key already reached a terminal verdict — the reaper timed this run
// out and its synthetic event is already in the outbox — the late real
// completion is dropped with a warning and no second outbox entry is
// written. Outbox failures are logged, never surfaced to the caller as a
// call failure.
func (o *Orchestrator) persist(event types.InspectionRunEvent, claimedKey string) bool {
	if claimedKey != "" {
		if !o.Store.Complete(claimedKey, event) {
			o.Log.Warn("late completion dropped; key already completed, keeping the first verdict",
				zap.String("run_id", event.RunID),
				zap.String("idempotency_key", claimedKey))
			return false
		}
	} else if event.ExternalReference != "" {
		o.Store.RecordExternalRef(event.ExternalReference, event)
	}

	if err := o.Outbox.Append(event); err != nil {
		metrics.RecordOutboxFailure()
		o.Log.Warn("outbox append failed", zap.String("run_id", event.RunID), zap.Error(err))
		return false
	}
	return true
}

// dispatchDuplicate applies the configured conflict policy to a
// previously-completed event, covering both the external-reference and
// idempotency-key routes into the same decision.
func (o *Orchestrator) dispatchDuplicate(run *domain.Run, event types.InspectionRunEvent) *mcp.CallToolResult {
	if o.Policy == config.ConflictPolicyReturnExisting {
		run.Capture()
		return errorResultOK(map[string]any{"status": "duplicate", "event": event})
	}
	run.Fail()
	return errorResult(errCode("IDEMPOTENCY_CONFLICT", "duplicate of a completed run", map[string]any{"event": event}))
}

// errorResultOK builds a non-error CallToolResult for the ReturnExisting
// duplicate path: it is a normal response, not a failure.
func errorResultOK(content map[string]any) *mcp.CallToolResult {
	text, _ := json.Marshal(content)
	return &mcp.CallToolResult{
		Content:           []mcp.Content{&mcp.TextContent{Text: string(text)}},
		StructuredContent: content,
	}
}

type validationError struct {
	code string
	msg  string
}

// resolveTarget picks the target transport by priority http > sse > stdio >
// INSPECTOR_STDIO_CMD fallback, and builds the broker's OpenRequest.
func (o *Orchestrator) resolveTarget(req types.CallRequest) (target.OpenRequest, *validationError) {
	switch {
	case req.HTTP != nil:
		return target.OpenRequest{
			Transport:        types.TransportHTTP,
			HTTP:             req.HTTP,
			HandshakeTimeout: millis(req.HTTP.HandshakeTimeoutMs),
		}, nil
	case req.SSE != nil:
		return target.OpenRequest{
			Transport:        types.TransportSSE,
			SSE:              req.SSE,
			HandshakeTimeout: millis(req.SSE.HandshakeTimeoutMs),
		}, nil
	case req.Stdio != nil:
		if req.Stdio.Command == "" {
			return target.OpenRequest{}, &validationError{code: "MISSING_COMMAND", msg: "stdio transport requires a command"}
		}
		return target.OpenRequest{Transport: types.TransportStdio, Stdio: req.Stdio}, nil
	default:
		cmdline := strings.TrimSpace(o.StdioEnv)
		if cmdline == "" {
			return target.OpenRequest{}, &validationError{code: "MISSING_STDIO_CMD", msg: "no target supplied and INSPECTOR_STDIO_CMD is unset"}
		}
		parts := strings.Fields(cmdline)
		stdio := &types.StdioTarget{Command: parts[0]}
		if len(parts) > 1 {
			stdio.Args = parts[1:]
		}
		return target.OpenRequest{Transport: types.TransportStdio, Stdio: stdio}, nil
	}
}

func millis(ms int64) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func newEventID() string {
	return uuid.New().String()
}

// extractExternalReference reads the target-supplied external reference
// from the result's meta, under either of the two field spellings targets
// use. Meta survives the streaming path's structured-content rewrite, so
// a streamed call's reference is extracted the same as a plain one.
func extractExternalReference(result *mcp.CallToolResult) string {
	if result == nil || result.Meta == nil {
		return ""
	}
	if v, ok := result.Meta["externalReference"].(string); ok && v != "" {
		return v
	}
	if v, ok := result.Meta["external_reference"].(string); ok && v != "" {
		return v
	}
	return ""
}

// errMessage extracts the human-readable error string from a failed
// result's structured_content, for span recording only.
func errMessage(result *mcp.CallToolResult) string {
	m, ok := result.StructuredContent.(map[string]any)
	if !ok {
		return "call failed"
	}
	if v, ok := m["error"].(string); ok && v != "" {
		return v
	}
	return "call failed"
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{}`)
	}
	return b
}
