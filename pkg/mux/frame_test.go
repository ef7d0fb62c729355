package mux

import "testing"

func TestFrameEncodeDecodeRoundTrip(t *testing.T) {
	f := Frame{Kind: AgentRequest, ID: 42, Method: "get_env_info", Payload: []byte("hello")}
	decoded, err := Decode(Encode(f))
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Kind != f.Kind || decoded.ID != f.ID || decoded.Method != f.Method {
		t.Fatalf("round trip mismatch: %+v vs %+v", decoded, f)
	}
	if string(decoded.Payload) != string(f.Payload) {
		t.Fatalf("payload mismatch: %q vs %q", decoded.Payload, f.Payload)
	}
}

func TestFrameEncodeDecodeCarriesErr(t *testing.T) {
	f := Frame{Kind: ControlResponse, ID: 7, Err: "boom"}
	decoded, err := Decode(Encode(f))
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Err != "boom" {
		t.Fatalf("expected Err to round-trip, got %q", decoded.Err)
	}
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	b := Encode(Frame{Kind: ControlRequest, ID: 1, Method: "x"})
	b[2] = frameVersion + 1
	if _, err := Decode(b); err == nil {
		t.Fatal("expected an error decoding an unknown schema version")
	}
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	if _, err := Decode([]byte{0x01}); err == nil {
		t.Fatal("expected an error decoding a too-short frame")
	}
}

func TestKindResponsePairing(t *testing.T) {
	if ControlRequest.responseKind() != ControlResponse {
		t.Fatalf("expected ControlRequest to pair with ControlResponse")
	}
	if AgentRequest.responseKind() != AgentResponse {
		t.Fatalf("expected AgentRequest to pair with AgentResponse")
	}
}
