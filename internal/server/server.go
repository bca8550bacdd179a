// Package server is the MCP server facade: it dispatches incoming
// tool names to the orchestrator, the target broker, or the static help
// registry, and owns the release-track kill-switch.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/inspectorbridge/mcp-bridge/internal/config"
	"github.com/inspectorbridge/mcp-bridge/internal/orchestrator"
	"github.com/inspectorbridge/mcp-bridge/internal/registry"
	"github.com/inspectorbridge/mcp-bridge/internal/target"
	"github.com/inspectorbridge/mcp-bridge/internal/types"
)

// Name/Version identify this bridge to both upstream clients and, via the
// target broker, to every target server it opens a session against.
const (
	Name    = "mcp-inspector-bridge"
	Version = "0.1.0"
)

// Server wires the MCP server facade to its collaborators.
type Server struct {
	MCP             *mcp.Server
	orchestrator    *orchestrator.Orchestrator
	broker          *target.Broker
	releaseTrack    config.ReleaseTrack
	log             *zap.Logger
	registeredTools []string
}

// RegisteredTools reports the tool names New() advertised. Exists so the
// release-track catalogue filtering can be asserted directly, without
// standing up a client session just to issue tools/list.
func (s *Server) RegisteredTools() []string {
	return append([]string(nil), s.registeredTools...)
}

// New builds the facade and registers tool aliases. On the rollback release
// track the inspector_* tools are not registered at all — not merely blocked
// at call time — so tools/list against a rolled-back bridge advertises only
// help; gated still wraps the handlers as a second line of defense for any
// release-track flip that happens after the catalogue is built.
func New(cfg *config.Config, orch *orchestrator.Orchestrator, broker *target.Broker, log *zap.Logger) *Server {
	s := &Server{orchestrator: orch, broker: broker, releaseTrack: cfg.ReleaseTrack, log: log}

	s.MCP = mcp.NewServer(&mcp.Implementation{Name: Name, Version: Version}, &mcp.ServerOptions{
		Instructions: "Inspects MCP servers: probe connectivity, list tools, fetch a tool's schema, " +
			"and proxy tool calls with idempotency and progress streaming.",
		InitializedHandler: s.onInitialized,
	})

	for _, name := range []string{"help", "inspector_help"} {
		mcp.AddTool(s.MCP, &mcp.Tool{Name: name, Description: "Describe this bridge's tools and environment"},
			s.handleHelp)
		s.registeredTools = append(s.registeredTools, name)
	}

	if s.releaseTrack == config.ReleaseTrackRollback {
		return s
	}

	for _, name := range []string{"inspector_probe", "inspector.probe"} {
		mcp.AddTool(s.MCP, &mcp.Tool{Name: name, Description: "Probe a target MCP server's connectivity"},
			gated(s, s.handleProbe))
		s.registeredTools = append(s.registeredTools, name)
	}
	for _, name := range []string{"inspector_list_tools", "inspector.list_tools"} {
		mcp.AddTool(s.MCP, &mcp.Tool{Name: name, Description: "List a target MCP server's tools"},
			gated(s, s.handleListTools))
		s.registeredTools = append(s.registeredTools, name)
	}
	for _, name := range []string{"inspector_describe", "inspector.describe"} {
		mcp.AddTool(s.MCP, &mcp.Tool{Name: name, Description: "Fetch one target tool's schema"},
			gated(s, s.handleDescribe))
		s.registeredTools = append(s.registeredTools, name)
	}
	for _, name := range []string{"inspector_call", "inspector.call"} {
		mcp.AddTool(s.MCP, &mcp.Tool{
			Name:        name,
			Description: "Call a tool on a target MCP server",
			InputSchema: callInputSchema(),
		}, gated(s, s.handleCall))
		s.registeredTools = append(s.registeredTools, name)
	}

	return s
}

// onInitialized runs once the client completes initialize. The go-sdk
// broadcasts tools/list_changed itself whenever the catalogue changes, so
// there is no notification to hand-send here; the hook records the peer so
// a misbehaving client is attributable in the logs. Delivery of any
// notification to a peer that disconnects right after initialize is
// best-effort, logged and ignored by the SDK.
func (s *Server) onInitialized(ctx context.Context, req *mcp.InitializedRequest) {
	s.log.Debug("upstream session initialized",
		zap.String("session_id", req.Session.ID()),
		zap.String("release_track", string(s.releaseTrack)))
}

// rollbackResult is returned by gated handlers if the release track flips to
// rollback after the catalogue was already built for a live server.
func rollbackResult() (*mcp.CallToolResult, any, error) {
	content := map[string]any{"code": "RELEASE_TRACK_ROLLBACK", "error": "inspector tools are disabled on the rollback release track"}
	text, _ := json.Marshal(content)
	return &mcp.CallToolResult{
		IsError:           true,
		Content:           []mcp.Content{&mcp.TextContent{Text: string(text)}},
		StructuredContent: content,
	}, nil, nil
}

// gated wraps a handler so it refuses to run while the release track is
// rollback, without duplicating the check in every handler.
func gated[In any](s *Server, fn func(context.Context, *mcp.CallToolRequest, In) (*mcp.CallToolResult, any, error)) func(context.Context, *mcp.CallToolRequest, In) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, args In) (*mcp.CallToolResult, any, error) {
		if s.releaseTrack == config.ReleaseTrackRollback {
			return rollbackResult()
		}
		return fn(ctx, req, args)
	}
}

func (s *Server) handleHelp(ctx context.Context, req *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, any, error) {
	payload := registry.Help()
	text, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content:           []mcp.Content{&mcp.TextContent{Text: string(text)}},
		StructuredContent: payload,
	}, nil, nil
}

func (s *Server) handleProbe(ctx context.Context, req *mcp.CallToolRequest, args types.ProbeRequest) (*mcp.CallToolResult, any, error) {
	openReq, err := probeOpenRequest(args)
	if err != nil {
		return textResult(types.ProbeResult{OK: false, Error: err.Error()}), nil, nil
	}

	start := time.Now()
	session, descriptor, openErr := s.broker.Open(ctx, openReq)
	latency := time.Since(start).Milliseconds()
	if openErr != nil {
		return textResult(types.ProbeResult{OK: false, Transport: descriptor.Transport, Error: openErr.Error(), LatencyMs: latency}), nil, nil
	}
	defer session.Close()

	peer := session.PeerInfo()
	return textResult(types.ProbeResult{
		OK:         true,
		Transport:  descriptor.Transport,
		ServerName: peer.ServerName,
		Version:    peer.Version,
		LatencyMs:  latency,
	}), nil, nil
}

func (s *Server) handleListTools(ctx context.Context, req *mcp.CallToolRequest, args types.ProbeRequest) (*mcp.CallToolResult, any, error) {
	openReq, err := probeOpenRequest(args)
	if err != nil {
		return errText(err), nil, nil
	}
	session, _, err := s.broker.Open(ctx, openReq)
	if err != nil {
		return errText(err), nil, nil
	}
	defer session.Close()

	tools, err := session.ListTools(ctx)
	if err != nil {
		return errText(err), nil, nil
	}
	payload := map[string]any{"tools": tools}
	return textResult(payload), nil, nil
}

func (s *Server) handleDescribe(ctx context.Context, req *mcp.CallToolRequest, args types.DescribeRequest) (*mcp.CallToolResult, any, error) {
	openReq, err := probeOpenRequest(args.ProbeRequest)
	if err != nil {
		return errText(err), nil, nil
	}
	session, _, err := s.broker.Open(ctx, openReq)
	if err != nil {
		return errText(err), nil, nil
	}
	defer session.Close()

	tools, err := session.ListTools(ctx)
	if err != nil {
		return errText(err), nil, nil
	}
	for _, t := range tools {
		if t.Name == args.ToolName {
			return textResult(map[string]any{"tool": t}), nil, nil
		}
	}
	return errText(fmt.Errorf("tool '%s' not found", args.ToolName)), nil, nil
}

func (s *Server) handleCall(ctx context.Context, req *mcp.CallToolRequest, args types.CallRequest) (*mcp.CallToolResult, any, error) {
	if args.ToolName == "" {
		return errText(fmt.Errorf("tool_name is required")), nil, nil
	}
	result := s.orchestrator.Execute(ctx, args)
	return result, nil, nil
}

// callInputSchema is the hand-written schema for inspector_call. Written
// out rather than inferred because arguments_json is a pass-through object
// whose shape only the target knows; inference from the Go type would
// constrain it to the wrong thing.
func callInputSchema() *jsonschema.Schema {
	stdio := &jsonschema.Schema{
		Type:     "object",
		Required: []string{"command"},
		Properties: map[string]*jsonschema.Schema{
			"command": {Type: "string"},
			"args":    {Type: "array", Items: &jsonschema.Schema{Type: "string"}},
			"env":     {Type: "object", AdditionalProperties: &jsonschema.Schema{Type: "string"}},
			"cwd":     {Type: "string"},
		},
	}
	sse := &jsonschema.Schema{
		Type:     "object",
		Required: []string{"url"},
		Properties: map[string]*jsonschema.Schema{
			"url":                  {Type: "string"},
			"headers":              {Type: "object", AdditionalProperties: &jsonschema.Schema{Type: "string"}},
			"handshake_timeout_ms": {Type: "integer"},
		},
	}
	httpTarget := &jsonschema.Schema{
		Type:     "object",
		Required: []string{"url"},
		Properties: map[string]*jsonschema.Schema{
			"url":                  {Type: "string"},
			"headers":              {Type: "object", AdditionalProperties: &jsonschema.Schema{Type: "string"}},
			"auth_token":           {Type: "string"},
			"handshake_timeout_ms": {Type: "integer"},
		},
	}
	return &jsonschema.Schema{
		Type:     "object",
		Required: []string{"tool_name"},
		Properties: map[string]*jsonschema.Schema{
			"tool_name":          {Type: "string", Description: "Name of the target tool to invoke"},
			"arguments_json":     {Type: "object", Description: "Arguments forwarded verbatim to the target tool"},
			"idempotency_key":    {Type: "string"},
			"external_reference": {Type: "string"},
			"stream":             {Type: "boolean", Description: "Collect progress notifications into a streamed payload"},
			"stdio":              stdio,
			"sse":                sse,
			"http":               httpTarget,
		},
	}
}

// probeOpenRequest builds a target.OpenRequest from the flattened probe
// field set shared by inspector_probe/list_tools/describe. Unlike
// inspector_call, transport is resolved by explicit field, falling back to
// inference from which of command/url was supplied.
func probeOpenRequest(args types.ProbeRequest) (target.OpenRequest, error) {
	transport := args.Transport
	if transport == "" {
		switch {
		case args.Command != "":
			transport = types.TransportStdio
		case args.URL != "":
			transport = types.TransportHTTP
		default:
			return target.OpenRequest{}, fmt.Errorf("no transport specified: set transport, command, or url")
		}
	}

	timeout := time.Duration(args.HandshakeTimeoutMs) * time.Millisecond

	switch transport {
	case types.TransportStdio:
		if args.Command == "" {
			return target.OpenRequest{}, fmt.Errorf("stdio transport requires a command")
		}
		return target.OpenRequest{
			Transport:        types.TransportStdio,
			Stdio:            &types.StdioTarget{Command: args.Command, Args: args.Args, Env: args.Env, Cwd: args.Cwd},
			HandshakeTimeout: timeout,
		}, nil
	case types.TransportSSE:
		if args.URL == "" {
			return target.OpenRequest{}, fmt.Errorf("sse transport requires a url")
		}
		return target.OpenRequest{
			Transport:        types.TransportSSE,
			SSE:              &types.SSETarget{URL: args.URL, Headers: args.Headers, HandshakeTimeoutMs: args.HandshakeTimeoutMs},
			HandshakeTimeout: timeout,
		}, nil
	case types.TransportHTTP:
		if args.URL == "" {
			return target.OpenRequest{}, fmt.Errorf("http transport requires a url")
		}
		return target.OpenRequest{
			Transport:        types.TransportHTTP,
			HTTP:             &types.HTTPTarget{URL: args.URL, Headers: args.Headers, AuthToken: args.AuthToken, HandshakeTimeoutMs: args.HandshakeTimeoutMs},
			HandshakeTimeout: timeout,
		}, nil
	default:
		return target.OpenRequest{}, fmt.Errorf("unknown transport %q", transport)
	}
}

func textResult(v any) *mcp.CallToolResult {
	text, _ := json.Marshal(v)
	return &mcp.CallToolResult{
		Content:           []mcp.Content{&mcp.TextContent{Text: string(text)}},
		StructuredContent: v,
	}
}

func errText(err error) *mcp.CallToolResult {
	content := map[string]any{"error": err.Error()}
	text, _ := json.Marshal(content)
	return &mcp.CallToolResult{
		IsError:           true,
		Content:           []mcp.Content{&mcp.TextContent{Text: string(text)}},
		StructuredContent: content,
	}
}
