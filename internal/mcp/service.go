package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrAlreadyRegistered is returned by Register when server_id collides with
// an existing connection. Re-registration must go through RemoveServer
// first — this resolves the spec's open question in favor of explicit
// intent over silent replace.
var ErrAlreadyRegistered = errors.New("mcp: server already registered")

// ErrUnknownServer is returned when an operation names a server_id with no
// active connection.
var ErrUnknownServer = errors.New("mcp: unknown server")

// ErrUnknownTool is returned when no server in scope exposes the
// requested tool name.
var ErrUnknownTool = errors.New("mcp: tool not found in scope")

// Service is the orchestration runtime's single point of contact with every
// MCP server: it owns one connection per registered server_id, builds the
// union tool catalog on demand from each connection's copy-on-write
// catalog, and routes tool calls to the connection that exposes them.
type Service struct {
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[string]*connection

	ctx    context.Context
	cancel context.CancelFunc
}

// NewService builds an empty Service. Callers register servers with
// Register before agents can reference them in tool scope.
func NewService(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		logger: logger.With("component", "mcp_service"),
		conns:  make(map[string]*connection),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register adds a new MCP server connection and makes the first connection
// attempt (connect, initialize, tools/list) before returning. If that
// attempt fails, Register still returns nil and the connection keeps
// retrying in the background: callers that need to know the server is
// ready should poll State or ListTools.
func (s *Service) Register(desc ServerDescriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if _, exists := s.conns[desc.ServerID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, desc.ServerID)
	}
	conn := newConnection(desc, s.logger)
	s.conns[desc.ServerID] = conn
	s.mu.Unlock()

	conn.start(s.ctx)
	return nil
}

// RemoveServer closes and forgets a server connection. It is a no-op if
// the server_id is not registered.
func (s *Service) RemoveServer(serverID string) error {
	s.mu.Lock()
	conn, ok := s.conns[serverID]
	if ok {
		delete(s.conns, serverID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.close()
}

// State reports the connection state machine position for a registered
// server.
func (s *Service) State(serverID string) (ConnState, error) {
	s.mu.RLock()
	conn, ok := s.conns[serverID]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
	}
	return conn.State(), nil
}

// ListTools returns the union of tools exposed by the given server_ids
// (all registered servers if scope is empty), restricted to servers
// currently in StateReady. This is the read path a turn's prompt
// composition calls on every message; it never blocks on the network.
func (s *Service) ListTools(scope []string) []*Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tools []*Tool
	if len(scope) == 0 {
		for _, conn := range s.conns {
			tools = append(tools, conn.tools()...)
		}
		return tools
	}
	for _, serverID := range scope {
		if conn, ok := s.conns[serverID]; ok {
			tools = append(tools, conn.tools()...)
		}
	}
	return tools
}

// Invoke calls toolName with params, searching scope (or every registered
// server, if scope is empty) for a connection that currently exposes it.
// It returns ErrUnknownTool if no in-scope server's catalog lists the
// tool, and propagates errConnectionLost/timeout errors from the
// connection otherwise.
func (s *Service) Invoke(ctx context.Context, scope []string, toolName string, params json.RawMessage) (*ToolCallResult, error) {
	conn, err := s.findToolOwner(scope, toolName)
	if err != nil {
		return nil, err
	}
	return conn.invoke(ctx, toolName, params)
}

func (s *Service) findToolOwner(scope []string, toolName string) (*connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := scope
	if len(candidates) == 0 {
		candidates = make([]string, 0, len(s.conns))
		for id := range s.conns {
			candidates = append(candidates, id)
		}
	}
	for _, serverID := range candidates {
		conn, ok := s.conns[serverID]
		if !ok {
			continue
		}
		for _, t := range conn.tools() {
			if t.Name == toolName {
				return conn, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTool, toolName)
}

// CloseAll tears down every connection and stops the Service's background
// reconnect goroutines. Intended for process shutdown.
func (s *Service) CloseAll() error {
	s.cancel()
	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[string]*connection)
	s.mu.Unlock()

	var firstErr error
	for _, conn := range conns {
		if err := conn.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
