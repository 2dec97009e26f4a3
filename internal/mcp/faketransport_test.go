package mcp

import (
	"context"
	"encoding/json"
	"sync"
)

// fakeTransport is an in-process transport double used to drive
// connection's state machine and reconnect loop without a real subprocess
// or HTTP server. Tests substitute it via connection.newTransport.
type fakeTransport struct {
	connectErr error
	callFunc   func(ctx context.Context, method string, params any) (json.RawMessage, error)
	lostCh     chan error

	mu     sync.Mutex
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{lostCh: make(chan error, 1)}
}

func (f *fakeTransport) connect(ctx context.Context) error { return f.connectErr }

func (f *fakeTransport) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if f.callFunc != nil {
		return f.callFunc(ctx, method, params)
	}
	switch method {
	case "tools/list":
		return json.RawMessage(`{"tools":[]}`), nil
	default:
		return json.RawMessage(`{}`), nil
	}
}

func (f *fakeTransport) close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) lost() <-chan error { return f.lostCh }

// triggerLoss reports connection loss to whatever is watching lost(), if
// anything is. It never blocks.
func (f *fakeTransport) triggerLoss(err error) {
	select {
	case f.lostCh <- err:
	default:
	}
}
