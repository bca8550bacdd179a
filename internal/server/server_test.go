package server

import (
	"context"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/inspectorbridge/mcp-bridge/internal/config"
	"github.com/inspectorbridge/mcp-bridge/internal/types"
)

func TestProbeOpenRequestInfersTransportFromCommand(t *testing.T) {
	req, err := probeOpenRequest(types.ProbeRequest{Command: "some-binary"})
	require.NoError(t, err)
	require.Equal(t, types.TransportStdio, req.Transport)
}

func TestProbeOpenRequestInfersTransportFromURL(t *testing.T) {
	req, err := probeOpenRequest(types.ProbeRequest{URL: "http://localhost:9000/mcp"})
	require.NoError(t, err)
	require.Equal(t, types.TransportHTTP, req.Transport)
}

func TestProbeOpenRequestRejectsAmbiguousInput(t *testing.T) {
	_, err := probeOpenRequest(types.ProbeRequest{})
	require.Error(t, err)
}

func TestProbeOpenRequestExplicitSSERequiresURL(t *testing.T) {
	_, err := probeOpenRequest(types.ProbeRequest{Transport: types.TransportSSE})
	require.Error(t, err)
}

func TestNewOnRollbackTrackRegistersOnlyHelp(t *testing.T) {
	cfg := &config.Config{ReleaseTrack: config.ReleaseTrackRollback}
	s := New(cfg, nil, nil, zap.NewNop())

	require.ElementsMatch(t, []string{"help", "inspector_help"}, s.RegisteredTools())
}

func TestNewOnStableTrackRegistersEveryAlias(t *testing.T) {
	cfg := &config.Config{ReleaseTrack: config.ReleaseTrackStable}
	s := New(cfg, nil, nil, zap.NewNop())

	require.Len(t, s.RegisteredTools(), 10)
}

func TestCallInputSchemaShape(t *testing.T) {
	schema := callInputSchema()
	require.Equal(t, "object", schema.Type)
	require.Contains(t, schema.Required, "tool_name")
	require.Contains(t, schema.Properties, "arguments_json")
	require.Equal(t, "object", schema.Properties["arguments_json"].Type)
	for _, transport := range []string{"stdio", "sse", "http"} {
		require.Contains(t, schema.Properties, transport)
	}
	require.NotContains(t, schema.Properties["sse"].Properties, "auth_token",
		"sse transport does not support bearer auth")
}

func TestGatedBlocksOnRollbackTrack(t *testing.T) {
	s := &Server{releaseTrack: config.ReleaseTrackRollback}
	calls := 0
	fn := func(ctx context.Context, req *mcp.CallToolRequest, args types.ProbeRequest) (*mcp.CallToolResult, any, error) {
		calls++
		return &mcp.CallToolResult{}, nil, nil
	}

	result, _, err := gated(s, fn)(context.Background(), &mcp.CallToolRequest{}, types.ProbeRequest{})
	require.NoError(t, err)
	require.True(t, result.IsError)
	require.Equal(t, 0, calls)
}

func TestGatedPassesThroughOnStableTrack(t *testing.T) {
	s := &Server{releaseTrack: config.ReleaseTrackStable}
	calls := 0
	fn := func(ctx context.Context, req *mcp.CallToolRequest, args types.ProbeRequest) (*mcp.CallToolResult, any, error) {
		calls++
		return &mcp.CallToolResult{}, nil, nil
	}

	_, _, err := gated(s, fn)(context.Background(), &mcp.CallToolRequest{}, types.ProbeRequest{})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}
