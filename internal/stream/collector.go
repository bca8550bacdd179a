// Package stream couples a streaming inspector_call with its target's
// progress notifications and assembles the collected event list the
// orchestrator attaches to the result.
package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/inspectorbridge/mcp-bridge/internal/target"
	"github.com/inspectorbridge/mcp-bridge/internal/types"
)

// PostResponseGrace is the bounded poll budget used to drain any progress
// notifications that arrive in the narrow window between the final
// response landing and the stream genuinely going quiet.
const PostResponseGrace = 25 * time.Millisecond

// Collect issues name's call on session with streaming enabled: it
// subscribes to progress before awaiting the response (so nothing in
// flight is dropped), then drains for PostResponseGrace once the response
// arrives, and finally appends the terminal event derived from the result.
func Collect(ctx context.Context, session target.Session, name string, args json.RawMessage) ([]types.StreamEvent, *mcp.CallToolResult, error) {
	updates := make(chan target.ProgressUpdate, 64)
	result, err := session.CallToolStreaming(ctx, name, args, func(u target.ProgressUpdate) {
		updates <- u
	})

	events := drain(updates, PostResponseGrace)
	if err != nil {
		return events, nil, err
	}

	terminal := terminalEvent(result)
	events = append(events, terminal)
	return events, result, nil
}

// drain reads every buffered update off ch, waiting up to grace for each
// subsequent one, and stops as soon as the channel goes quiet.
func drain(ch chan target.ProgressUpdate, grace time.Duration) []types.StreamEvent {
	var events []types.StreamEvent
	for {
		select {
		case u := <-ch:
			events = append(events, types.StreamEvent{
				Event:    "chunk",
				Progress: u.Progress,
				Total:    u.Total,
				Message:  u.Message,
			})
		case <-time.After(grace):
			return events
		}
	}
}

// terminalEvent derives the list-ending event from the call's final result.
func terminalEvent(result *mcp.CallToolResult) types.StreamEvent {
	if result == nil {
		return types.StreamEvent{Event: "error", Message: "no result"}
	}
	kind := "final"
	if result.IsError {
		kind = "error"
	}
	var content json.RawMessage
	if len(result.Content) > 0 {
		content, _ = json.Marshal(result.Content)
	}
	var structured json.RawMessage
	if result.StructuredContent != nil {
		structured, _ = json.Marshal(result.StructuredContent)
	}
	return types.StreamEvent{Event: kind, Content: content, Structured: structured}
}

// BuildPayload builds the stream envelope (mode "stream", the collected
// events, and a JSON snapshot of the original result) that a caller puts in
// place of the result's structured content. It does not modify result, so
// its content and meta are left as they are.
func BuildPayload(events []types.StreamEvent, result *mcp.CallToolResult) (types.StreamPayload, error) {
	final, err := json.Marshal(result)
	if err != nil {
		return types.StreamPayload{}, err
	}
	return types.StreamPayload{Mode: "stream", Events: events, Final: final}, nil
}
