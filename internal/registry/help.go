// Package registry holds the static, non-proxied reference material this
// bridge exposes about itself: the help payload, which describes the tool
// catalogue the facade advertises (the tools themselves are registered in
// package server).
package registry

import "encoding/json"

// HelpPayload is the fixed-shape response to the help tool: a small
// jsonl-style document where each line is independently parseable and
// carries its own section type.
type HelpPayload struct {
	Format string   `json:"format"` // always "jsonl"
	Lines  []string `json:"lines"`
}

type helpLine struct {
	Section string `json:"section"` // summary | tool | environment | workflow | notice
	Name    string `json:"name,omitempty"`
	Text    string `json:"text,omitempty"`
}

// Help builds the reference document served by the help tool. Every
// element of Lines is itself a JSON-encoded string, per the jsonl
// convention documented at the MCP boundary.
func Help() HelpPayload {
	lines := []helpLine{
		{Section: "summary", Text: "MCP inspector/bridge: probes, lists, describes, and calls tools on a target MCP server over stdio, SSE, or streamable HTTP."},
		{Section: "tool", Name: "help", Text: "Returns this document. Takes no arguments."},
		{Section: "tool", Name: "inspector_probe", Text: "Opens a handshake against a target and reports ok/server_name/version/latency_ms without touching idempotency or the outbox."},
		{Section: "tool", Name: "inspector_list_tools", Text: "Lists the target's tools."},
		{Section: "tool", Name: "inspector_describe", Text: "Fetches one target tool's schema by name; fails if the tool is not present."},
		{Section: "tool", Name: "inspector_call", Text: "Proxies a call to a target tool. Supports idempotency_key, external_reference, and stream."},
		{Section: "environment", Name: "INSPECTOR_STDIO_CMD", Text: "Fallback stdio command line used by inspector_call when no transport is supplied in the request."},
		{Section: "environment", Name: "IDEMPOTENCY_CONFLICT_POLICY", Text: "return_existing or conflict_409 (default); governs duplicate idempotency-key and external-reference handling."},
		{Section: "environment", Name: "ERROR_BUDGET_*", Text: "ERROR_BUDGET_ENABLED, ERROR_BUDGET_SUCCESS_THRESHOLD, ERROR_BUDGET_SAMPLE_WINDOW_SECS, ERROR_BUDGET_MIN_REQUESTS, ERROR_BUDGET_FREEZE_SECS."},
		{Section: "environment", Name: "OUTBOX_PATH / OUTBOX_DLQ_PATH / OUTBOX_DB_PATH", Text: "Outbox backend selection; a non-empty OUTBOX_DB_PATH selects SQLite over JSONL."},
		{Section: "environment", Name: "RELEASE_TRACK", Text: "stable, canary, or rollback. rollback exposes only help."},
		{Section: "workflow", Text: "Typical flow: inspector_probe to confirm connectivity, inspector_list_tools to discover names, inspector_describe for a schema, then inspector_call with an idempotency_key for the real invocation."},
		{Section: "notice", Text: "SSE transport does not support bearer auth tokens; use http if the target requires one."},
		{Section: "notice", Text: "The idempotency and external-reference stores are process-local: they do not survive a restart and are not shared across replicas."},
	}

	out := make([]string, 0, len(lines))
	for _, l := range lines {
		b, err := json.Marshal(l)
		if err != nil {
			continue
		}
		out = append(out, string(b))
	}
	return HelpPayload{Format: "jsonl", Lines: out}
}
