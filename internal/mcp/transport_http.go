package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// httpSSETransport speaks the HTTP+SSE MCP wire protocol described in
// spec.md §6: a GET on the SSE endpoint yields a "message_url" event
// carrying a server-assigned session endpoint; JSON-RPC requests are POSTed
// there and acknowledged with 202; the actual response arrives later as an
// SSE data: frame whose id matches the request.
type httpSSETransport struct {
	desc   *ServerDescriptor
	logger *slog.Logger
	client *http.Client

	pending *pendingRequests
	lostCh  chan error

	mu         sync.RWMutex
	messageURL string

	connected atomic.Bool
	stop      chan struct{}
	wg        sync.WaitGroup
}

func newHTTPSSETransport(d *ServerDescriptor) *httpSSETransport {
	timeout := d.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &httpSSETransport{
		desc:    d,
		logger:  slog.Default().With("mcp_server", d.ServerID, "transport", "http_sse"),
		client:  &http.Client{Timeout: timeout},
		pending: newPendingRequests(),
		lostCh:  make(chan error, 1),
		stop:    make(chan struct{}),
	}
}

func (t *httpSSETransport) connect(ctx context.Context) error {
	ready := make(chan error, 1)
	t.wg.Add(1)
	go t.sseLoop(ctx, ready)

	select {
	case err := <-ready:
		if err != nil {
			return err
		}
	case <-time.After(t.desc.RequestTimeout + 10*time.Second):
		return fmt.Errorf("mcp: timed out waiting for message_url from %s", t.desc.ServerID)
	case <-ctx.Done():
		return ctx.Err()
	}
	t.connected.Store(true)
	return nil
}

func (t *httpSSETransport) close() error {
	t.connected.Store(false)
	close(t.stop)
	t.wg.Wait()
	return nil
}

func (t *httpSSETransport) lost() <-chan error { return t.lostCh }

func (t *httpSSETransport) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t.mu.RLock()
	url := t.messageURL
	t.mu.RUnlock()
	if url == "" {
		return nil, fmt.Errorf("mcp: no message_url established for %s", t.desc.ServerID)
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
	body, _ := json.Marshal(req)

	respCh := t.pending.register(id)
	defer t.pending.remove(id)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range t.desc.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post to message_url: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mcp: message_url returned %d", resp.StatusCode)
	}

	select {
	case rpcResp := <-respCh:
		if rpcResp == nil {
			return nil, errConnectionLost
		}
		if rpcResp.Error != nil {
			return nil, fmt.Errorf("mcp error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
		}
		return rpcResp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// sseLoop opens the SSE stream, extracts message_url from the first
// relevant event, signals readiness, then keeps demultiplexing incoming
// frames into pending completion slots until the transport is closed.
func (t *httpSSETransport) sseLoop(ctx context.Context, ready chan<- error) {
	defer t.wg.Done()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.desc.Endpoint, nil)
	if err != nil {
		ready <- err
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range t.desc.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		ready <- fmt.Errorf("sse connect: %w", err)
		return
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		ready <- fmt.Errorf("sse endpoint returned %d", resp.StatusCode)
		return
	}
	defer resp.Body.Close()

	signaled := false
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var eventName string
	for scanner.Scan() {
		select {
		case <-t.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventName = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			if !signaled && (eventName == "endpoint" || strings.Contains(data, "message_url") || !strings.HasPrefix(strings.TrimSpace(data), "{")) {
				url := extractMessageURL(data, t.desc.Endpoint)
				if url != "" {
					t.mu.Lock()
					t.messageURL = url
					t.mu.Unlock()
					signaled = true
					ready <- nil
					continue
				}
			}
			t.handleDataFrame(data)
			eventName = ""
		}
	}

	if err := scanner.Err(); err != nil && !signaled {
		ready <- err
		return
	}

	// Stream ended: everything in flight on this connection is lost.
	t.connected.Store(false)
	t.pending.failAll()
	select {
	case t.lostCh <- errors.New("mcp: sse stream closed"):
	default:
	}
}

func (t *httpSSETransport) handleDataFrame(data string) {
	var resp jsonrpcResponse
	if err := json.Unmarshal([]byte(data), &resp); err != nil || resp.ID == nil {
		return
	}
	id := fmt.Sprintf("%v", resp.ID)
	t.pending.deliver(id, &resp)
}

// extractMessageURL pulls the session endpoint out of the first SSE event.
// Real servers send either a bare relative path ("/messages?sessionId=...")
// or a JSON object with a "message_url"/"uri" field; both are accepted.
func extractMessageURL(data, base string) string {
	data = strings.TrimSpace(data)
	if data == "" {
		return ""
	}
	if strings.HasPrefix(data, "{") {
		var envelope struct {
			MessageURL string `json:"message_url"`
			URI        string `json:"uri"`
		}
		if json.Unmarshal([]byte(data), &envelope) == nil {
			if envelope.MessageURL != "" {
				return resolveURL(base, envelope.MessageURL)
			}
			if envelope.URI != "" {
				return resolveURL(base, envelope.URI)
			}
		}
		return ""
	}
	return resolveURL(base, data)
}

func resolveURL(base, ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	origin := base
	if idx := strings.Index(base, "://"); idx >= 0 {
		if slash := strings.Index(base[idx+3:], "/"); slash >= 0 {
			origin = base[:idx+3+slash]
		}
	}
	if !strings.HasPrefix(ref, "/") {
		ref = "/" + ref
	}
	return origin + ref
}

var errConnectionLost = errors.New("mcp: connection lost")
