// Package wire implements the versioned little-endian binary codec used for
// every persisted record (pkg/store) and every mux frame (pkg/mux). Every
// encoded type writes an explicit header — a type tag and a schema version
// — before its body; decoding an unrecognised version is a hard error, not
// a best-effort fallback, per spec.md §9's codec design note.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Header precedes every encoded record.
type Header struct {
	Type    uint16
	Version uint8
}

func (h Header) WriteTo(w io.Writer) (int64, error) {
	var buf [3]byte
	binary.LittleEndian.PutUint16(buf[0:2], h.Type)
	buf[2] = h.Version
	n, err := w.Write(buf[:])
	return int64(n), err
}

func ReadHeader(r io.Reader) (Header, error) {
	var buf [3]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, fmt.Errorf("wire: read header: %w", err)
	}
	return Header{
		Type:    binary.LittleEndian.Uint16(buf[0:2]),
		Version: buf[2],
	}, nil
}

// ErrUnknownVersion is returned by a type's Decode when it encounters a
// header version it does not understand. Adding a field to a persisted
// type requires bumping that type's CurrentVersion constant and handling
// the old version explicitly (or rejecting it), never silently guessing
// the old layout.
type ErrUnknownVersion struct {
	TypeName string
	Got      uint8
	Max      uint8
}

func (e *ErrUnknownVersion) Error() string {
	return fmt.Sprintf("wire: %s: unknown schema version %d (max known %d)", e.TypeName, e.Got, e.Max)
}

// Encoder accumulates a record body after its header.
type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder { return &Encoder{} }

func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) PutUint8(v uint8)   { e.buf = append(e.buf, v) }
func (e *Encoder) PutBool(v bool) {
	if v {
		e.PutUint8(1)
	} else {
		e.PutUint8(0)
	}
}

func (e *Encoder) PutUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *Encoder) PutUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *Encoder) PutInt64(v int64) { e.PutUint64(uint64(v)) }

// PutBytes writes a length-prefixed (uint32) byte slice.
func (e *Encoder) PutBytes(v []byte) {
	e.PutUint32(uint32(len(v)))
	e.buf = append(e.buf, v...)
}

// PutString writes a length-prefixed UTF-8 string.
func (e *Encoder) PutString(v string) { e.PutBytes([]byte(v)) }

// Decoder reads a record body written by Encoder, tracking the first error
// encountered so call sites can chain reads and check once at the end.
type Decoder struct {
	buf []byte
	pos int
	err error
}

func NewDecoder(b []byte) *Decoder { return &Decoder{buf: b} }

func (d *Decoder) Err() error { return d.err }

func (d *Decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *Decoder) need(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.pos+n > len(d.buf) {
		d.fail(fmt.Errorf("wire: unexpected end of buffer: need %d bytes at offset %d, have %d", n, d.pos, len(d.buf)))
		return nil
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b
}

func (d *Decoder) Uint8() uint8 {
	b := d.need(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *Decoder) Bool() bool { return d.Uint8() != 0 }

func (d *Decoder) Uint32() uint32 {
	b := d.need(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *Decoder) Uint64() uint64 {
	b := d.need(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *Decoder) Int64() int64 { return int64(d.Uint64()) }

func (d *Decoder) Bytes() []byte {
	n := d.Uint32()
	if d.err != nil {
		return nil
	}
	b := d.need(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (d *Decoder) String() string { return string(d.Bytes()) }

// Remaining returns the bytes not yet consumed.
func (d *Decoder) Remaining() []byte { return d.buf[d.pos:] }
