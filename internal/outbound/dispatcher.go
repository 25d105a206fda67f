package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/mcp-client-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-client-go/mcp"
)

// Transport abstracts how requests and cancellations reach the server.
type Transport interface {
	// SendRequest emits the request. The pending entry is registered before
	// this is called so a response can never outrun its waiter.
	SendRequest(ctx context.Context, req *jsonrpc.Request) error
	// SendCancelled emits notifications/cancelled for the given id.
	SendCancelled(ctx context.Context, id *jsonrpc.RequestID, reason string) error
}

var (
	// ErrDispatcherClosed indicates the dispatcher is closed.
	ErrDispatcherClosed = errors.New("dispatcher closed")
	// ErrRemoteCancelled indicates the peer cancelled the request.
	ErrRemoteCancelled = errors.New("remote cancelled")
)

type pendingCall struct {
	respCh chan *jsonrpc.Response
	errCh  chan error
}

// Dispatcher correlates client-initiated JSON-RPC requests with their
// responses. Each pending entry is removed exactly once: by a response, by
// local cancellation, by a remote cancellation or by Close. It is
// transport-agnostic.
type Dispatcher struct {
	t Transport

	mu       sync.Mutex
	pending  map[string]*pendingCall // id.Key() -> call
	closeErr error

	nextID atomic.Int64
	closed atomic.Bool
}

// New constructs a Dispatcher using the provided transport.
func New(t Transport) *Dispatcher {
	return &Dispatcher{t: t, pending: make(map[string]*pendingCall)}
}

// Call sends a JSON-RPC request and waits for a response, context
// cancellation or Close. Ids are allocated from 1 and increase monotonically.
//
// On cancellation the pending entry is dropped and a notifications/cancelled
// is sent to the peer; the in-flight send itself is not aborted.
func (d *Dispatcher) Call(ctx context.Context, method string, params any) (*jsonrpc.Response, error) {
	if err := d.closedErr(); err != nil {
		return nil, err
	}

	id := jsonrpc.NewRequestID(d.nextID.Add(1))
	key := id.Key()

	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	pc := &pendingCall{respCh: make(chan *jsonrpc.Response, 1), errCh: make(chan error, 1)}
	d.mu.Lock()
	if d.closed.Load() {
		d.mu.Unlock()
		return nil, d.closedErr()
	}
	d.pending[key] = pc
	d.mu.Unlock()

	if err := d.t.SendRequest(ctx, req); err != nil {
		d.remove(key)
		return nil, err
	}

	select {
	case resp := <-pc.respCh:
		return resp, nil
	case err := <-pc.errCh:
		return nil, err
	case <-ctx.Done():
		if !d.remove(key) {
			// Lost the race: a response or close already claimed the entry.
			select {
			case resp := <-pc.respCh:
				return resp, nil
			case err := <-pc.errCh:
				return nil, err
			}
		}
		_ = d.t.SendCancelled(context.WithoutCancel(ctx), id, context.Cause(ctx).Error())
		return nil, ctx.Err()
	}
}

// remove deletes the pending entry and reports whether it was still present.
func (d *Dispatcher) remove(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pending[key]; !ok {
		return false
	}
	delete(d.pending, key)
	return true
}

func (d *Dispatcher) claim(key string) (*pendingCall, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pc, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	return pc, ok
}

// OnResponse delivers an incoming response to a waiting call. It reports
// whether a caller was waiting; unmatched responses are otherwise ignored.
func (d *Dispatcher) OnResponse(resp *jsonrpc.Response) bool {
	if resp == nil || resp.ID.IsNil() {
		return false
	}
	pc, ok := d.claim(resp.ID.Key())
	if ok {
		pc.respCh <- resp
	}
	return ok
}

// OnNotification processes peer notifications relevant to outbound calls.
// A notifications/cancelled naming one of our requests fails that call with
// ErrRemoteCancelled.
func (d *Dispatcher) OnNotification(msg jsonrpc.AnyMessage) {
	if msg.Method != string(mcp.CancelledNotificationMethod) {
		return
	}
	var p struct {
		RequestID jsonrpc.RequestID `json:"requestId"`
	}
	if err := json.Unmarshal(msg.Params, &p); err != nil || p.RequestID.IsNil() {
		return
	}
	if pc, ok := d.claim(p.RequestID.Key()); ok {
		pc.errCh <- ErrRemoteCancelled
	}
}

// Pending returns the number of calls awaiting a response.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close fails all pending calls with the provided error and prevents new calls.
func (d *Dispatcher) Close(err error) {
	if err == nil {
		err = ErrDispatcherClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	d.closeErr = err
	for key, pc := range d.pending {
		delete(d.pending, key)
		pc.errCh <- err
	}
}

func (d *Dispatcher) closedErr() error {
	if !d.closed.Load() {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeErr
}
