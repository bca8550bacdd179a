// Package target builds ephemeral MCP client sessions against a target
// server. One Broker serves the whole process; each Open produces a
// single-use Session over stdio, SSE, or streamable HTTP that the caller
// must Close before returning, on every exit path.
package target

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/inspectorbridge/mcp-bridge/internal/types"
)

// OpenRequest carries everything needed to build one target session. The
// pointer that matches Transport must be non-nil; the broker rejects a nil
// target, an empty stdio command, or an empty url with an error.
type OpenRequest struct {
	Transport        types.TransportKind
	Stdio            *types.StdioTarget
	SSE              *types.SSETarget
	HTTP             *types.HTTPTarget
	HandshakeTimeout time.Duration // <= 0 means DefaultHandshakeTimeout
}

// PeerInfo is the target server's self-identification from its initialize
// response.
type PeerInfo struct {
	ServerName string
	Version    string
}

// ProgressUpdate is one progress notification observed during a streaming
// call. Total is nil when the target did not report one.
type ProgressUpdate struct {
	Progress float64
	Total    *float64
	Message  string
}

// Session is the capability set the orchestrator and facade use against a
// live target: list its tools, call one (with or without progress
// streaming), read the peer's identity, and release the underlying child
// process or socket.
type Session interface {
	PeerInfo() PeerInfo
	ListTools(ctx context.Context) ([]types.Tool, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error)
	CallToolStreaming(ctx context.Context, name string, args json.RawMessage, onProgress func(ProgressUpdate)) (*mcp.CallToolResult, error)
	Close() error
}

// clientSession wraps one go-sdk client session. Progress notifications
// arrive on the client's single handler and are routed to the per-call sink
// registered under the call's progress token; a notification with no
// registered sink is dropped, matching the protocol's best-effort progress
// semantics.
type clientSession struct {
	session *mcp.ClientSession

	mu    sync.Mutex
	sinks map[string]func(ProgressUpdate)
}

func newClientSession() *clientSession {
	return &clientSession{sinks: make(map[string]func(ProgressUpdate))}
}

// dispatchProgress routes one notification to the sink registered under its
// token, if any. Tokens are compared by their string form since the
// protocol allows both string and integer tokens on the wire.
func (c *clientSession) dispatchProgress(token any, update ProgressUpdate) {
	key := fmt.Sprintf("%v", token)
	c.mu.Lock()
	sink := c.sinks[key]
	c.mu.Unlock()
	if sink != nil {
		sink(update)
	}
}

func (c *clientSession) PeerInfo() PeerInfo {
	init := c.session.InitializeResult()
	if init == nil || init.ServerInfo == nil {
		return PeerInfo{}
	}
	return PeerInfo{ServerName: init.ServerInfo.Name, Version: init.ServerInfo.Version}
}

func (c *clientSession) ListTools(ctx context.Context) ([]types.Tool, error) {
	res, err := c.session.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		return nil, err
	}
	tools := make([]types.Tool, 0, len(res.Tools))
	for _, t := range res.Tools {
		out := types.Tool{Name: t.Name, Description: t.Description}
		if t.InputSchema != nil {
			if raw, marshalErr := json.Marshal(t.InputSchema); marshalErr == nil {
				out.InputSchema = raw
			}
		}
		tools = append(tools, out)
	}
	return tools, nil
}

func (c *clientSession) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	params := &mcp.CallToolParams{Name: name}
	if len(args) > 0 {
		params.Arguments = args
	}
	return c.session.CallTool(ctx, params)
}

// CallToolStreaming registers the progress sink under a fresh token before
// the request is issued, so notifications that race the response are not
// dropped, then calls the tool with that token attached.
func (c *clientSession) CallToolStreaming(ctx context.Context, name string, args json.RawMessage, onProgress func(ProgressUpdate)) (*mcp.CallToolResult, error) {
	token := uuid.New().String()

	c.mu.Lock()
	c.sinks[token] = onProgress
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.sinks, token)
		c.mu.Unlock()
	}()

	params := &mcp.CallToolParams{Name: name}
	if len(args) > 0 {
		params.Arguments = args
	}
	params.SetProgressToken(token)
	return c.session.CallTool(ctx, params)
}

func (c *clientSession) Close() error {
	return c.session.Close()
}
