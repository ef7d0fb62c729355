package mux

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Handler answers one incoming request frame's Method+Payload with a
// response payload or an error. Errors are carried back to the caller as
// Frame.Err; they never abort the connection.
type Handler func(ctx context.Context, method string, payload []byte) ([]byte, error)

// ErrClosed is returned (wrapping the terminal error) to any in-flight
// Call once the Mux's Run loop exits, and by any Call made after that.
var ErrClosed = fmt.Errorf("mux: connection closed")

// Mux multiplexes the two tarpc-style service/stub endpoint pairs spec.md
// §4.J describes over one Conn: this side's outbound requests (the stub
// half) and this side's inbound requests (the service half) for each of
// the two logical channels (control, agent). Which channel this side
// calls out on and which it serves is decided by the caller — the control
// plane registers a ControlRequest handler and issues AgentRequest
// calls; the agent does the reverse.
type Mux struct {
	conn *Conn

	nextID uint64

	mu       sync.Mutex
	pending  map[uint64]chan Frame
	handlers map[Kind]Handler
	closed   bool
	closeErr error
}

// New builds a Mux over an already-established Conn. Call Run to start
// reading frames; Run must be the connection's sole reader.
func New(conn *Conn) *Mux {
	return &Mux{
		conn:     conn,
		pending:  make(map[uint64]chan Frame),
		handlers: make(map[Kind]Handler),
	}
}

// Handle registers the handler invoked for incoming request frames of the
// given kind (ControlRequest or AgentRequest). Must be called before Run.
func (m *Mux) Handle(kind Kind, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[kind] = h
}

// Call issues an outbound request of the given kind and blocks for its
// matching response, honouring ctx's deadline (spec.md §5's per-call
// timeouts are enforced by callers via ctx).
func (m *Mux) Call(ctx context.Context, kind Kind, method string, payload []byte) ([]byte, error) {
	if !kind.isRequest() {
		return nil, fmt.Errorf("mux: call: %s is not a request kind", kind)
	}

	id := atomic.AddUint64(&m.nextID, 1)
	ch := make(chan Frame, 1)

	m.mu.Lock()
	if m.closed {
		err := m.closeErr
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	m.pending[id] = ch
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
	}()

	if err := m.conn.WriteFrame(Frame{Kind: kind, ID: id, Method: method, Payload: payload}); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-ch:
		if !resp.Kind.isResponse() {
			// Run's shutdown notice, not a peer response.
			return nil, fmt.Errorf("%w: %s", ErrClosed, resp.Err)
		}
		if resp.Err != "" {
			return nil, fmt.Errorf("mux: %s %s: %s", method, resp.Kind, resp.Err)
		}
		return resp.Payload, nil
	}
}

// Run reads frames until the connection errs or ctx is cancelled,
// dispatching request frames to their registered Handler (in its own
// goroutine, so a slow handler never blocks other in-flight calls) and
// delivering response frames to their waiting Call. It returns the
// terminal error, which is also handed to every Call still pending.
func (m *Mux) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			m.conn.Close()
		case <-done:
		}
	}()

	err := m.runLoop(ctx)
	m.mu.Lock()
	m.closed = true
	m.closeErr = err
	pending := m.pending
	m.pending = make(map[uint64]chan Frame)
	m.mu.Unlock()
	for _, ch := range pending {
		select {
		case ch <- Frame{Err: err.Error()}:
		default:
		}
	}
	return err
}

func (m *Mux) runLoop(ctx context.Context) error {
	for {
		f, err := m.conn.ReadFrame()
		if err != nil {
			return err
		}

		switch {
		case f.Kind.isResponse():
			m.mu.Lock()
			ch, ok := m.pending[f.ID]
			m.mu.Unlock()
			if ok {
				ch <- f
			}

		case f.Kind.isRequest():
			m.mu.Lock()
			h, ok := m.handlers[f.Kind]
			m.mu.Unlock()
			go m.serve(ctx, f, h, ok)

		default:
			return fmt.Errorf("mux: unknown frame kind %d", f.Kind)
		}
	}
}

func (m *Mux) serve(ctx context.Context, f Frame, h Handler, ok bool) {
	resp := Frame{Kind: f.Kind.responseKind(), ID: f.ID}
	if !ok {
		resp.Err = fmt.Sprintf("mux: no handler registered for %s", f.Kind)
	} else {
		payload, err := h(ctx, f.Method, f.Payload)
		if err != nil {
			resp.Err = err.Error()
		} else {
			resp.Payload = payload
		}
	}
	_ = m.conn.WriteFrame(resp)
}
