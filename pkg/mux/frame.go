// Package mux implements the single multiplexed websocket connection an
// agent holds open to the control plane (spec.md §4.J). One mux frame is a
// tagged union of four variants — control-request, control-response,
// agent-request, agent-response — so that both the control plane's calls
// into the agent and the agent's calls into the control plane share one
// wire connection without a second dial.
package mux

import (
	"bytes"
	"fmt"

	"github.com/cuemby/warren/pkg/wire"
)

// frameVersion is the schema version stamped on every encoded Frame.
const frameVersion uint8 = 1

// Kind distinguishes the four frame variants multiplexed over one
// connection.
type Kind uint8

const (
	ControlRequest Kind = iota
	ControlResponse
	AgentRequest
	AgentResponse
)

func (k Kind) String() string {
	switch k {
	case ControlRequest:
		return "control-request"
	case ControlResponse:
		return "control-response"
	case AgentRequest:
		return "agent-request"
	case AgentResponse:
		return "agent-response"
	default:
		return fmt.Sprintf("mux.Kind(%d)", uint8(k))
	}
}

// requestKind and responseKind pair up: the response to a Kind-request
// frame carries its matching response Kind and the same ID.
func (k Kind) isRequest() bool  { return k == ControlRequest || k == AgentRequest }
func (k Kind) isResponse() bool { return k == ControlResponse || k == AgentResponse }

func (k Kind) responseKind() Kind {
	switch k {
	case ControlRequest:
		return ControlResponse
	case AgentRequest:
		return AgentResponse
	default:
		return k
	}
}

// Frame is one multiplexed record. Request frames carry Method; response
// frames carry either Payload or a non-empty Err, never both.
type Frame struct {
	Kind    Kind
	ID      uint64
	Method  string
	Payload []byte
	Err     string
}

// Encode serialises f using the shared binary codec (pkg/wire).
func Encode(f Frame) []byte {
	e := wire.NewEncoder()
	e.PutUint8(uint8(f.Kind))
	e.PutUint64(f.ID)
	e.PutString(f.Method)
	e.PutBytes(f.Payload)
	e.PutString(f.Err)

	var buf bytes.Buffer
	hdr := wire.Header{Type: wire.TypeMuxFrame, Version: frameVersion}
	hdr.WriteTo(&buf)
	buf.Write(e.Bytes())
	return buf.Bytes()
}

// Decode parses a frame previously produced by Encode.
func Decode(b []byte) (Frame, error) {
	if len(b) < 3 {
		return Frame{}, fmt.Errorf("mux: decode: frame too short (%d bytes)", len(b))
	}
	hdr := wire.Header{Type: uint16(b[0]) | uint16(b[1])<<8, Version: b[2]}
	if hdr.Type != wire.TypeMuxFrame {
		return Frame{}, fmt.Errorf("mux: decode: unexpected type tag %d", hdr.Type)
	}
	if hdr.Version != frameVersion {
		return Frame{}, &wire.ErrUnknownVersion{TypeName: "mux.Frame", Got: hdr.Version, Max: frameVersion}
	}

	d := wire.NewDecoder(b[3:])
	f := Frame{
		Kind:   Kind(d.Uint8()),
		ID:     d.Uint64(),
		Method: d.String(),
	}
	f.Payload = d.Bytes()
	f.Err = d.String()
	if d.Err() != nil {
		return Frame{}, fmt.Errorf("mux: decode frame: %w", d.Err())
	}
	return f, nil
}
