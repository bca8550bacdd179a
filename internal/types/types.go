// Package types holds the wire-format values shared by the inspector tool
// handlers, the target session broker, and the outbox. They are plain data:
// no behavior, safe to copy, safe to serialize.
package types

import "encoding/json"

// TransportKind selects which MCP transport a target session is built over.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportSSE   TransportKind = "sse"
	TransportHTTP  TransportKind = "http"
)

// StdioTarget spawns a child process and frames MCP JSON-RPC over its stdio.
type StdioTarget struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
}

// SSETarget connects to a Server-Sent-Events MCP endpoint.
type SSETarget struct {
	URL                string            `json:"url"`
	Headers            map[string]string `json:"headers,omitempty"`
	HandshakeTimeoutMs int64             `json:"handshake_timeout_ms,omitempty"`
}

// HTTPTarget connects to a streamable-HTTP MCP endpoint.
type HTTPTarget struct {
	URL                string            `json:"url"`
	Headers            map[string]string `json:"headers,omitempty"`
	AuthToken          string            `json:"auth_token,omitempty"`
	HandshakeTimeoutMs int64             `json:"handshake_timeout_ms,omitempty"`
}

// TargetDescriptor is the resolved, audit-captured shape of whichever target
// a call ended up using. Captured at admission time, before the session is
// opened, so a failed session still leaves a record of what was attempted.
type TargetDescriptor struct {
	Transport TransportKind     `json:"transport"`
	Command   string            `json:"command,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// ProbeRequest is the argument shape shared by inspector_probe,
// inspector_list_tools and inspector_describe: anything needed to build a
// TargetDescriptor and attempt a handshake.
type ProbeRequest struct {
	Transport          TransportKind     `json:"transport,omitempty"`
	Command            string            `json:"command,omitempty"`
	Args               []string          `json:"args,omitempty"`
	Env                map[string]string `json:"env,omitempty"`
	Cwd                string            `json:"cwd,omitempty"`
	URL                string            `json:"url,omitempty"`
	Headers            map[string]string `json:"headers,omitempty"`
	AuthToken          string            `json:"auth_token,omitempty"`
	HandshakeTimeoutMs int64             `json:"handshake_timeout_ms,omitempty"`
}

// ProbeResult is the result of inspector_probe.
type ProbeResult struct {
	OK         bool          `json:"ok"`
	Transport  TransportKind `json:"transport"`
	ServerName string        `json:"server_name,omitempty"`
	Version    string        `json:"version,omitempty"`
	LatencyMs  int64         `json:"latency_ms,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// DescribeRequest adds a tool_name to the probe fields.
type DescribeRequest struct {
	ToolName string `json:"tool_name"`
	ProbeRequest
}

// CallRequest is the argument shape of inspector_call.
type CallRequest struct {
	ToolName          string          `json:"tool_name"`
	ArgumentsJSON     json.RawMessage `json:"arguments_json,omitempty"`
	IdempotencyKey    string          `json:"idempotency_key,omitempty"`
	ExternalReference string          `json:"external_reference,omitempty"`
	Stream            bool            `json:"stream,omitempty"`
	Stdio             *StdioTarget    `json:"stdio,omitempty"`
	SSE               *SSETarget      `json:"sse,omitempty"`
	HTTP              *HTTPTarget     `json:"http,omitempty"`
}

// InspectionRunEvent is the durable record written for every terminal run,
// whether it succeeded, failed, or was synthesized by the reaper.
type InspectionRunEvent struct {
	EventID           string            `json:"event_id"`
	RunID             string            `json:"run_id"`
	ToolName          string            `json:"tool_name"`
	State             string            `json:"state"`
	StartedAt         string            `json:"started_at"`
	DurationMs        int64             `json:"duration_ms"`
	Target            *TargetDescriptor `json:"target,omitempty"`
	Request           json.RawMessage   `json:"request,omitempty"`
	Response          json.RawMessage   `json:"response,omitempty"`
	Error             string            `json:"error,omitempty"`
	IdempotencyKey    string            `json:"idempotency_key,omitempty"`
	ExternalReference string            `json:"external_reference,omitempty"`
}

// StreamEvent is one element of a streamed call's collected event list.
type StreamEvent struct {
	Event      string          `json:"event"` // "chunk" | "final" | "error"
	Progress   float64         `json:"progress,omitempty"`
	Total      *float64        `json:"total,omitempty"`
	Message    string          `json:"message,omitempty"`
	Structured json.RawMessage `json:"structured,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
}

// StreamPayload replaces a streamed call's structured content.
type StreamPayload struct {
	Mode   string          `json:"mode"` // always "stream"
	Events []StreamEvent   `json:"events"`
	Final  json.RawMessage `json:"final"`
}

// CallTrace is attached to a CallToolResult's meta under the "trace" key.
type CallTrace struct {
	Event           *InspectionRunEvent `json:"event,omitempty"`
	StreamEnabled   bool                `json:"stream_enabled"`
	StreamEvents    int                 `json:"stream_events,omitempty"`
	OutboxPersisted bool                `json:"outbox_persisted"`
}

// Tool is the shape returned by a target's tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}
