package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentmesh/orchestrator/internal/retry"
)

// reconnect backoff bounds, matching the teacher's retry.Exponential defaults.
const (
	backoffBase = 500 * time.Millisecond
	backoffMax  = 30 * time.Second
)

// connection owns one MCP server's transport, handshake, reconnect loop,
// and tool catalog. Reads of the catalog are lock-free copy-on-update so a
// turn composing its prompt never observes a half-updated tool list.
type connection struct {
	desc   ServerDescriptor
	logger *slog.Logger

	// newTransport builds the transport for each (re)connect attempt.
	// Defaults to the package-level newTransport; tests substitute a fake.
	newTransport func(*ServerDescriptor) transport

	state atomic.Value // ConnState

	mu        sync.Mutex
	transport transport
	attempt   int

	catalog atomic.Pointer[[]*Tool]

	closed    chan struct{}
	closeOnce sync.Once
}

func newConnection(desc ServerDescriptor, logger *slog.Logger) *connection {
	c := &connection{
		desc:         desc,
		logger:       logger.With("mcp_server", desc.ServerID),
		newTransport: newTransport,
		closed:       make(chan struct{}),
	}
	c.state.Store(StateDisconnected)
	empty := []*Tool{}
	c.catalog.Store(&empty)
	return c
}

func (c *connection) State() ConnState { return c.state.Load().(ConnState) }

func (c *connection) setState(s ConnState) { c.state.Store(s) }

// start performs the initial connect and, if it fails, schedules the
// standard reconnect loop rather than failing registration outright —
// a server that is briefly unreachable at startup should not block the
// Service, per spec.md §4.1's "chat must not block on MCP reconnect".
func (c *connection) start(ctx context.Context) {
	if err := c.connectOnce(ctx); err != nil {
		c.logger.Warn("initial mcp connect failed, will retry", "error", err)
		go c.reconnectLoop(ctx)
	}
}

func (c *connection) connectOnce(ctx context.Context) error {
	c.setState(StateConnecting)

	tr := c.newTransport(&c.desc)
	if err := tr.connect(ctx); err != nil {
		c.setState(StateDegraded)
		return err
	}

	if _, err := tr.call(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "agentmesh-orchestrator", "version": "1.0.0"},
	}); err != nil {
		tr.close()
		c.setState(StateDegraded)
		return fmt.Errorf("initialize: %w", err)
	}

	tools, err := listTools(ctx, tr, c.desc.ServerID)
	if err != nil {
		c.logger.Warn("tools/list failed", "error", err)
		tools = nil
	}

	c.mu.Lock()
	c.transport = tr
	c.attempt = 0
	c.mu.Unlock()

	c.catalog.Store(&tools)
	c.setState(StateReady)
	go c.watchLoss(ctx, tr)
	return nil
}

func listTools(ctx context.Context, tr transport, serverID string) ([]*Tool, error) {
	raw, err := tr.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var result listToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	tools := make([]*Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		tools = append(tools, &Tool{
			ServerID:        serverID,
			Name:            t.Name,
			Description:     t.Description,
			ParameterSchema: t.InputSchema,
		})
	}
	return tools, nil
}

// watchLoss transitions the connection to degraded and kicks off a
// reconnect the moment its transport reports connection loss.
func (c *connection) watchLoss(ctx context.Context, tr transport) {
	select {
	case <-tr.lost():
	case <-c.closed:
		return
	}
	c.mu.Lock()
	if c.transport == tr {
		c.transport = nil
	}
	c.mu.Unlock()
	c.setState(StateDegraded)
	empty := []*Tool{}
	c.catalog.Store(&empty)
	if !c.desc.NoRestart {
		go c.reconnectLoop(ctx)
	}
}

// reconnectLoop retries with exponential backoff capped at backoffMax,
// jittered, until success or the connection is closed.
func (c *connection) reconnectLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		c.attempt++
		attempt := c.attempt
		c.mu.Unlock()

		delay := retry.WithJitter(retry.Backoff(attempt, backoffBase, backoffMax))
		select {
		case <-c.closed:
			return
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if c.State() == StateClosed {
			return
		}
		if err := c.connectOnce(ctx); err == nil {
			return
		}
	}
}

// invoke calls a tool on this connection's transport. It returns
// errConnectionLost immediately if the connection is not ready rather than
// blocking on reconnect, per spec.md §4.1.
func (c *connection) invoke(ctx context.Context, toolName string, params json.RawMessage) (*ToolCallResult, error) {
	c.mu.Lock()
	tr := c.transport
	c.mu.Unlock()
	if tr == nil || c.State() != StateReady {
		return nil, errConnectionLost
	}

	raw, err := tr.call(ctx, "tools/call", callToolParams{Name: toolName, Arguments: params})
	if err != nil {
		return nil, err
	}
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
			Data string `json:"data,omitempty"`
		} `json:"content"`
		IsError bool `json:"isError,omitempty"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse tool result: %w", err)
	}
	out := &ToolCallResult{IsError: result.IsError}
	for _, c := range result.Content {
		out.Content = append(out.Content, ToolResultContent{Type: c.Type, Text: c.Text, Data: c.Data})
	}
	return out, nil
}

func (c *connection) tools() []*Tool {
	return *c.catalog.Load()
}

func (c *connection) close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	c.setState(StateClosed)
	c.mu.Lock()
	tr := c.transport
	c.transport = nil
	c.mu.Unlock()
	if tr != nil {
		return tr.close()
	}
	return nil
}
