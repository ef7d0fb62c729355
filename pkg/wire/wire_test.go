package wire

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	e := NewEncoder()
	e.PutUint32(42)
	e.PutString("hello")
	e.PutBool(true)
	e.PutInt64(-7)

	d := NewDecoder(e.Bytes())
	if got := d.Uint32(); got != 42 {
		t.Fatalf("uint32: got %d", got)
	}
	if got := d.String(); got != "hello" {
		t.Fatalf("string: got %q", got)
	}
	if got := d.Bool(); got != true {
		t.Fatalf("bool: got %v", got)
	}
	if got := d.Int64(); got != -7 {
		t.Fatalf("int64: got %d", got)
	}
	if d.Err() != nil {
		t.Fatalf("unexpected error: %v", d.Err())
	}
}

func TestDecodeTruncatedBufferFails(t *testing.T) {
	d := NewDecoder([]byte{1, 2})
	_ = d.Uint64()
	if d.Err() == nil {
		t.Fatal("expected error decoding truncated buffer")
	}
}
