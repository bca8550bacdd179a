package stream

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/inspectorbridge/mcp-bridge/internal/target"
	"github.com/inspectorbridge/mcp-bridge/internal/types"
)

// streamingSession emits its canned updates through onProgress before the
// response lands, the way a real target's notifications arrive while the
// call is still in flight.
type streamingSession struct {
	updates []target.ProgressUpdate
	result  *mcp.CallToolResult
	err     error
}

func (s *streamingSession) PeerInfo() target.PeerInfo { return target.PeerInfo{} }
func (s *streamingSession) ListTools(ctx context.Context) ([]types.Tool, error) {
	return nil, nil
}
func (s *streamingSession) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	return s.result, s.err
}
func (s *streamingSession) CallToolStreaming(ctx context.Context, name string, args json.RawMessage, onProgress func(target.ProgressUpdate)) (*mcp.CallToolResult, error) {
	for _, u := range s.updates {
		onProgress(u)
	}
	return s.result, s.err
}
func (s *streamingSession) Close() error { return nil }

func total(v float64) *float64 { return &v }

func TestCollectChunksPrecedeTerminal(t *testing.T) {
	session := &streamingSession{
		updates: []target.ProgressUpdate{
			{Progress: 0.25, Total: total(1), Message: "starting"},
			{Progress: 0.75, Total: total(1)},
		},
		result: &mcp.CallToolResult{
			Content:           []mcp.Content{&mcp.TextContent{Text: "done"}},
			StructuredContent: map[string]any{"ok": true},
		},
	}

	events, result, err := Collect(context.Background(), session, "stream", nil)
	require.NoError(t, err)
	require.NotNil(t, result)

	require.Len(t, events, 3)
	for _, e := range events[:len(events)-1] {
		require.Equal(t, "chunk", e.Event)
	}
	require.Equal(t, "final", events[len(events)-1].Event)
	require.Equal(t, "starting", events[0].Message)
	require.InDelta(t, 0.25, events[0].Progress, 1e-9)
}

func TestCollectErrorResultYieldsErrorTerminal(t *testing.T) {
	session := &streamingSession{
		result: &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{&mcp.TextContent{Text: "boom"}},
		},
	}

	events, _, err := Collect(context.Background(), session, "stream", nil)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	require.Equal(t, "error", events[len(events)-1].Event)
}

func TestCollectNoProgressStillTerminal(t *testing.T) {
	session := &streamingSession{result: &mcp.CallToolResult{}}

	events, _, err := Collect(context.Background(), session, "stream", nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "final", events[0].Event)
}

func TestCollectTransportErrorReturnsChunksAndError(t *testing.T) {
	session := &streamingSession{
		updates: []target.ProgressUpdate{{Progress: 0.5}},
		err:     context.DeadlineExceeded,
	}

	events, result, err := Collect(context.Background(), session, "stream", nil)
	require.Error(t, err)
	require.Nil(t, result)
	// Chunks observed before the failure are preserved; no terminal event is
	// appended for a call that never produced a result.
	require.Len(t, events, 1)
	require.Equal(t, "chunk", events[0].Event)
}

func TestBuildPayloadWrapsFinalResult(t *testing.T) {
	result := &mcp.CallToolResult{StructuredContent: map[string]any{"ok": true}}
	events := []types.StreamEvent{{Event: "final"}}

	payload, err := BuildPayload(events, result)
	require.NoError(t, err)
	require.Equal(t, "stream", payload.Mode)
	require.Len(t, payload.Events, 1)

	var final map[string]any
	require.NoError(t, json.Unmarshal(payload.Final, &final))
	require.Contains(t, final, "structuredContent")
}
