package mcp

import (
	"context"
	"encoding/json"
)

// transport is the minimal surface a connection protocol must provide to
// the connection that sits above it: correlated request/response, and an
// error channel the demultiplexer uses to report connection loss.
type transport interface {
	// connect performs the handshake-independent setup: for HTTP+SSE this
	// opens the SSE stream and learns the message_url; for command it
	// starts the subprocess.
	connect(ctx context.Context) error

	// call sends a JSON-RPC request and waits for its correlated response,
	// the context deadline, or connection loss.
	call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// close tears down the connection.
	close() error

	// lost reports connection-loss events, after the transport has failed
	// its in-flight requests, so the owning connection can schedule a
	// reconnect.
	lost() <-chan error
}

func newTransport(d *ServerDescriptor) transport {
	switch d.Transport {
	case TransportCommand:
		return newStdioTransport(d)
	default:
		return newHTTPSSETransport(d)
	}
}
