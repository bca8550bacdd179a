package target

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/inspectorbridge/mcp-bridge/internal/types"
)

// DefaultHandshakeTimeout bounds the MCP handshake when the request does
// not supply its own timeout.
const DefaultHandshakeTimeout = 15 * time.Second

// Broker builds target sessions. It is safe for concurrent use: the only
// shared state is the identity it presents to targets and one http.Client,
// which is itself thread-safe.
type Broker struct {
	impl       *mcp.Implementation
	httpClient *http.Client
}

// NewBroker builds a broker that identifies itself to every target as
// name/version.
func NewBroker(name, version string) *Broker {
	return &Broker{
		impl:       &mcp.Implementation{Name: name, Version: version},
		httpClient: &http.Client{},
	}
}

// Open builds the transport for req, performs the MCP client handshake
// under the handshake timeout, and returns a live session. The descriptor
// is always populated, even on failure, so a failed open still leaves an
// audit record of what was attempted. A handshake that times out has its
// connect cancelled and the timeout error is returned at once; the
// transport is torn down asynchronously, and a session that still lands
// after the deadline is closed from a background goroutine (the command
// transport kills its child on connection close).
func (b *Broker) Open(ctx context.Context, req OpenRequest) (Session, types.TargetDescriptor, error) {
	descriptor := describe(req)

	timeout := req.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}

	cs := newClientSession()
	client := mcp.NewClient(b.impl, &mcp.ClientOptions{
		ProgressNotificationHandler: func(_ context.Context, notif *mcp.ProgressNotificationClientRequest) {
			p := notif.Params
			if p == nil {
				return
			}
			var total *float64
			if p.Total > 0 {
				t := p.Total
				total = &t
			}
			cs.dispatchProgress(p.ProgressToken, ProgressUpdate{
				Progress: p.Progress,
				Total:    total,
				Message:  p.Message,
			})
		},
	})

	transport, err := b.buildTransport(req)
	if err != nil {
		return nil, descriptor, err
	}

	// Time-bounded wait over the connection future rather than a timeout
	// context: some transports bind long-lived streams to the context they
	// were connected with, and cancelling it after a successful handshake
	// would tear the session down.
	type connected struct {
		session *mcp.ClientSession
		err     error
	}
	done := make(chan connected, 1)
	connectCtx, cancelConnect := context.WithCancel(ctx)
	go func() {
		session, connErr := client.Connect(connectCtx, transport, nil)
		done <- connected{session: session, err: connErr}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			cancelConnect()
			return nil, descriptor, mapConnectError(req.Transport, timeout, res.err)
		}
		// connectCtx is deliberately left uncancelled: the session owns
		// whatever the transport bound to it, and cancelling here would
		// tear down what was just handed over. It collapses with ctx.
		cs.session = res.session
		return cs, descriptor, nil
	case <-time.After(timeout):
		// Unblock a wedged handshake (terminating the child process or
		// socket), and close a session that lands after the deadline so
		// nothing is leaked.
		cancelConnect()
		go func() {
			if res := <-done; res.session != nil {
				_ = res.session.Close()
			}
		}()
		return nil, descriptor, handshakeTimeoutError(req.Transport, timeout)
	}
}

func handshakeTimeoutError(transport types.TransportKind, timeout time.Duration) error {
	return fmt.Errorf("%s handshake timed out after %d ms", transport, timeout.Milliseconds())
}

func (b *Broker) buildTransport(req OpenRequest) (mcp.Transport, error) {
	switch req.Transport {
	case types.TransportStdio:
		if req.Stdio == nil || req.Stdio.Command == "" {
			return nil, fmt.Errorf("stdio transport requires a command")
		}
		cmd := exec.Command(req.Stdio.Command, req.Stdio.Args...)
		if req.Stdio.Cwd != "" {
			cmd.Dir = req.Stdio.Cwd
		}
		if len(req.Stdio.Env) > 0 {
			env := os.Environ()
			for k, v := range req.Stdio.Env {
				env = append(env, k+"="+v)
			}
			cmd.Env = env
		}
		// Child stderr is diagnostic only; stdin/stdout carry the JSON-RPC
		// framing and belong to the transport.
		cmd.Stderr = os.Stderr
		return &mcp.CommandTransport{Command: cmd}, nil

	case types.TransportSSE:
		if req.SSE == nil || req.SSE.URL == "" {
			return nil, fmt.Errorf("sse transport requires a url")
		}
		// Bearer auth is not supported over SSE; callers that need one are
		// documented to use the http transport instead. Custom headers are
		// still honored.
		return &mcp.SSEClientTransport{
			Endpoint:   req.SSE.URL,
			HTTPClient: b.clientWith(req.SSE.Headers, ""),
		}, nil

	case types.TransportHTTP:
		if req.HTTP == nil || req.HTTP.URL == "" {
			return nil, fmt.Errorf("http transport requires a url")
		}
		return &mcp.StreamableClientTransport{
			Endpoint:   req.HTTP.URL,
			HTTPClient: b.clientWith(req.HTTP.Headers, req.HTTP.AuthToken),
		}, nil

	default:
		return nil, fmt.Errorf("unknown transport %q", req.Transport)
	}
}

// clientWith returns the shared http.Client when no per-target headers are
// needed, otherwise a client whose round tripper injects them.
func (b *Broker) clientWith(headers map[string]string, bearer string) *http.Client {
	if len(headers) == 0 && bearer == "" {
		return b.httpClient
	}
	return &http.Client{
		Transport: &headerRoundTripper{
			base:    http.DefaultTransport,
			headers: headers,
			bearer:  bearer,
		},
	}
}

// headerRoundTripper injects per-target headers (and an optional bearer
// token) into every request the transport makes. The request is cloned
// first: RoundTrip must not mutate its argument.
type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
	bearer  string
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range h.headers {
		clone.Header.Set(k, v)
	}
	if h.bearer != "" {
		clone.Header.Set("Authorization", "Bearer "+h.bearer)
	}
	return h.base.RoundTrip(clone)
}

// mapConnectError translates a failed connect into the transport-specific
// error shape: timeouts name the transport and the budget that elapsed,
// everything else is context-wrapped so the underlying cause stays visible.
func mapConnectError(transport types.TransportKind, timeout time.Duration, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s handshake timed out after %d ms", transport, timeout.Milliseconds())
	}
	switch transport {
	case types.TransportStdio:
		return fmt.Errorf("spawn stdio target: %w", err)
	case types.TransportSSE:
		return fmt.Errorf("connect sse target: %w", err)
	default:
		return fmt.Errorf("connect http target: %w", err)
	}
}

// describe captures the audit descriptor for req before any connection is
// attempted. Auth tokens never appear in the descriptor: it is persisted
// verbatim into outbox events.
func describe(req OpenRequest) types.TargetDescriptor {
	d := types.TargetDescriptor{Transport: req.Transport}
	switch req.Transport {
	case types.TransportStdio:
		if req.Stdio != nil {
			d.Command = strings.TrimSpace(strings.Join(append([]string{req.Stdio.Command}, req.Stdio.Args...), " "))
		}
	case types.TransportSSE:
		if req.SSE != nil {
			d.URL = req.SSE.URL
			d.Headers = req.SSE.Headers
		}
	case types.TransportHTTP:
		if req.HTTP != nil {
			d.URL = req.HTTP.URL
			d.Headers = req.HTTP.Headers
		}
	}
	return d
}
