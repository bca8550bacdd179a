package target

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inspectorbridge/mcp-bridge/internal/types"
)

func TestDescribeStdioJoinsCommandLine(t *testing.T) {
	d := describe(OpenRequest{
		Transport: types.TransportStdio,
		Stdio:     &types.StdioTarget{Command: "mock-server", Args: []string{"--flag", "value"}},
	})
	require.Equal(t, types.TransportStdio, d.Transport)
	require.Equal(t, "mock-server --flag value", d.Command)
	require.Empty(t, d.URL)
}

func TestDescribeHTTPOmitsAuthToken(t *testing.T) {
	d := describe(OpenRequest{
		Transport: types.TransportHTTP,
		HTTP: &types.HTTPTarget{
			URL:       "http://localhost:9999/mcp",
			Headers:   map[string]string{"X-Tenant": "t1"},
			AuthToken: "secret",
		},
	})
	require.Equal(t, "http://localhost:9999/mcp", d.URL)
	require.Equal(t, "t1", d.Headers["X-Tenant"])
	for k, v := range d.Headers {
		require.NotContains(t, v, "secret", "descriptor header %s must not carry the auth token", k)
	}
}

func TestBuildTransportValidation(t *testing.T) {
	b := NewBroker("test", "0.0.0")

	_, err := b.buildTransport(OpenRequest{Transport: types.TransportStdio, Stdio: &types.StdioTarget{}})
	require.ErrorContains(t, err, "requires a command")

	_, err = b.buildTransport(OpenRequest{Transport: types.TransportSSE, SSE: &types.SSETarget{}})
	require.ErrorContains(t, err, "requires a url")

	_, err = b.buildTransport(OpenRequest{Transport: types.TransportHTTP, HTTP: &types.HTTPTarget{}})
	require.ErrorContains(t, err, "requires a url")

	_, err = b.buildTransport(OpenRequest{Transport: types.TransportKind("carrier-pigeon")})
	require.ErrorContains(t, err, "unknown transport")
}

func TestMapConnectError(t *testing.T) {
	err := mapConnectError(types.TransportStdio, 5*time.Second, context.DeadlineExceeded)
	require.ErrorContains(t, err, "stdio handshake timed out after 5000 ms")

	cause := context.Canceled
	require.ErrorContains(t, mapConnectError(types.TransportStdio, time.Second, cause), "spawn stdio target")
	require.ErrorContains(t, mapConnectError(types.TransportSSE, time.Second, cause), "connect sse target")
	require.ErrorContains(t, mapConnectError(types.TransportHTTP, time.Second, cause), "connect http target")
}

func TestHeaderRoundTripperInjectsHeadersAndBearer(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer srv.Close()

	b := NewBroker("test", "0.0.0")
	client := b.clientWith(map[string]string{"X-Tenant": "t1"}, "tok")

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, "t1", got.Get("X-Tenant"))
	require.Equal(t, "Bearer tok", got.Get("Authorization"))
}

func TestClientWithNoHeadersReturnsSharedClient(t *testing.T) {
	b := NewBroker("test", "0.0.0")
	require.Same(t, b.httpClient, b.clientWith(nil, ""))
	require.NotSame(t, b.httpClient, b.clientWith(nil, "tok"))
}

func TestOpenSpawnFailureWrapsOSError(t *testing.T) {
	b := NewBroker("test", "0.0.0")

	_, descriptor, err := b.Open(context.Background(), OpenRequest{
		Transport:        types.TransportStdio,
		Stdio:            &types.StdioTarget{Command: "/nonexistent/inspector-target-binary"},
		HandshakeTimeout: 2 * time.Second,
	})
	require.Error(t, err)
	require.ErrorContains(t, err, "spawn stdio target")
	require.Equal(t, types.TransportStdio, descriptor.Transport)
	require.Equal(t, "/nonexistent/inspector-target-binary", descriptor.Command)
}

func TestProgressDispatchRoutesByToken(t *testing.T) {
	cs := newClientSession()

	var seen []ProgressUpdate
	cs.mu.Lock()
	cs.sinks["tok-1"] = func(u ProgressUpdate) { seen = append(seen, u) }
	cs.mu.Unlock()

	cs.dispatchProgress("tok-1", ProgressUpdate{Progress: 0.5, Message: "halfway"})
	cs.dispatchProgress("tok-2", ProgressUpdate{Progress: 0.9})

	require.Len(t, seen, 1)
	require.Equal(t, "halfway", seen[0].Message)
}
