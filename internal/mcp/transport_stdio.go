package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// stdioCommandTransport speaks JSON-RPC, one frame per line, over a child
// process's stdin/stdout, correlating by request id exactly as the HTTP+SSE
// transport does over its message_url.
type stdioCommandTransport struct {
	desc   *ServerDescriptor
	logger *slog.Logger

	proc   *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner
	stderr io.ReadCloser

	pending *pendingRequests
	lostCh  chan error

	connected atomic.Bool
	stop      chan struct{}
	wg        sync.WaitGroup
	writeMu   sync.Mutex
}

func newStdioTransport(d *ServerDescriptor) *stdioCommandTransport {
	return &stdioCommandTransport{
		desc:    d,
		logger:  slog.Default().With("mcp_server", d.ServerID, "transport", "command"),
		pending: newPendingRequests(),
		lostCh:  make(chan error, 1),
		stop:    make(chan struct{}),
	}
}

func (t *stdioCommandTransport) connect(ctx context.Context) error {
	if len(t.desc.CommandLine) == 0 {
		return fmt.Errorf("mcp: command_line required for %s", t.desc.ServerID)
	}

	t.proc = exec.CommandContext(ctx, t.desc.CommandLine[0], t.desc.CommandLine[1:]...)
	t.proc.Env = os.Environ()
	for k, v := range t.desc.Env {
		t.proc.Env = append(t.proc.Env, k+"="+v)
	}
	if t.desc.WorkDir != "" {
		t.proc.Dir = t.desc.WorkDir
	}

	var err error
	if t.stdin, err = t.proc.StdinPipe(); err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := t.proc.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	t.stdout = bufio.NewScanner(stdout)
	t.stdout.Buffer(make([]byte, 64*1024), 1024*1024)
	t.stderr, _ = t.proc.StderrPipe()

	if err := t.proc.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}
	t.connected.Store(true)

	t.wg.Add(1)
	go t.readLoop()
	if t.stderr != nil {
		t.wg.Add(1)
		go t.logStderr()
	}
	return nil
}

func (t *stdioCommandTransport) close() error {
	t.connected.Store(false)
	close(t.stop)
	if t.stdin != nil {
		t.stdin.Close()
	}
	if t.proc != nil && t.proc.Process != nil {
		t.proc.Process.Kill()
	}
	t.wg.Wait()
	return nil
}

func (t *stdioCommandTransport) lost() <-chan error { return t.lostCh }

func (t *stdioCommandTransport) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, errConnectionLost
	}

	id := uuid.New().String()
	req := jsonrpcRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		p, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = p
	}

	respCh := t.pending.register(id)
	defer t.pending.remove(id)

	data, _ := json.Marshal(req)
	t.writeMu.Lock()
	_, err := t.stdin.Write(append(data, '\n'))
	t.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case resp := <-respCh:
		if resp == nil {
			return nil, errConnectionLost
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("mcp error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *stdioCommandTransport) readLoop() {
	defer t.wg.Done()
	defer func() {
		t.connected.Store(false)
		t.pending.failAll()
		select {
		case t.lostCh <- errors.New("mcp: subprocess exited"):
		default:
		}
	}()

	for t.stdout.Scan() {
		select {
		case <-t.stop:
			return
		default:
		}
		line := t.stdout.Text()
		if line == "" {
			continue
		}
		var resp jsonrpcResponse
		if err := json.Unmarshal([]byte(line), &resp); err == nil && resp.ID != nil {
			id := fmt.Sprintf("%v", resp.ID)
			t.pending.deliver(id, &resp)
		}
	}
}

func (t *stdioCommandTransport) logStderr() {
	defer t.wg.Done()
	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		select {
		case <-t.stop:
			return
		default:
		}
		if line := scanner.Text(); line != "" {
			t.logger.Debug("server stderr", "message", line)
		}
	}
}
