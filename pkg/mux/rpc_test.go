package mux

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// dialPair upgrades an httptest server connection and returns both ends'
// *Mux wired together: control is the accepting end and agent the dialing
// end. Mux itself is symmetric (spec.md §4.J); each test registers its
// handlers on whichever end serves the Kind it exercises.
func dialPair(t *testing.T) (control *Mux, agent *Mux, closeFn func()) {
	t.Helper()
	upgrader := websocket.Upgrader{}

	serverReady := make(chan *Mux, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("server upgrade: %v", err)
			return
		}
		m := New(NewConn(ws))
		serverReady <- m
		_ = m.Run(context.Background())
	}))

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	clientWS, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	clientMux := New(NewConn(clientWS))
	go clientMux.Run(context.Background())

	serverMux := <-serverReady
	return serverMux, clientMux, srv.Close
}

func TestMuxCallServedByPeerHandler(t *testing.T) {
	control, agent, closeFn := dialPair(t)
	defer closeFn()

	agent.Handle(ControlRequest, func(ctx context.Context, method string, payload []byte) ([]byte, error) {
		if method != "reconcile" {
			t.Errorf("unexpected method %q", method)
		}
		return []byte("ack:" + string(payload)), nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := control.Call(ctx, ControlRequest, "reconcile", []byte("target-state"))
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != "ack:target-state" {
		t.Fatalf("unexpected response %q", resp)
	}
}

func TestMuxCallPropagatesHandlerError(t *testing.T) {
	control, agent, closeFn := dialPair(t)
	defer closeFn()

	agent.Handle(ControlRequest, func(ctx context.Context, method string, payload []byte) ([]byte, error) {
		return nil, errBoom
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := control.Call(ctx, ControlRequest, "reconcile", nil); err == nil {
		t.Fatal("expected an error from the peer handler")
	}
}

func TestMuxCallWithoutHandlerReturnsError(t *testing.T) {
	control, _, closeFn := dialPair(t)
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := control.Call(ctx, ControlRequest, "reconcile", nil); err == nil {
		t.Fatal("expected an error when no handler is registered on the peer")
	}
}

func TestMuxBothDirectionsConcurrently(t *testing.T) {
	control, agent, closeFn := dialPair(t)
	defer closeFn()

	agent.Handle(ControlRequest, func(ctx context.Context, method string, payload []byte) ([]byte, error) {
		return []byte("from-agent"), nil
	})
	control.Handle(AgentRequest, func(ctx context.Context, method string, payload []byte) ([]byte, error) {
		return []byte("from-control"), nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	r1, err := control.Call(ctx, ControlRequest, "ping", nil)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := agent.Call(ctx, AgentRequest, "get_env_info", nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(r1) != "from-agent" || string(r2) != "from-control" {
		t.Fatalf("unexpected responses %q / %q", r1, r2)
	}
}

var errBoom = &staticErr{"boom"}

type staticErr struct{ msg string }

func (e *staticErr) Error() string { return e.msg }
