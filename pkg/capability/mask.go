// Package capability implements the compact bitset describing what an
// agent can host: node-type bits, a local-private-key bit, and an open set
// of operator-defined label bits allocated on first use within a process.
package capability

import (
	"strings"
	"sync"

	"github.com/cuemby/warren/pkg/ident"
)

// Bit positions for the built-in, always-present capabilities. Label bits
// are allocated starting at labelBitOffset.
const (
	BitValidator = 1 << iota
	BitProver
	BitClient
	BitCompute
	BitLocalPrivateKey

	labelBitOffset = 5
)

// Mask is a compact bitset: built-in bits in the low positions, then one
// bit per distinct label registered in this process via LabelBit.
type Mask uint64

// Set returns a copy of m with bit set.
func (m Mask) Set(bit uint64) Mask { return Mask(uint64(m) | bit) }

// Has reports whether every bit in want is present in m.
func (m Mask) Has(want Mask) bool { return uint64(m)&uint64(want) == uint64(want) }

// Satisfies reports whether m (an agent's capabilities) is a superset of
// required (a node's declared requirements) — the delegation test from
// spec.md §4.H step 5.
func (m Mask) Satisfies(required Mask) bool { return m.Has(required) }

// labelRegistry interns label strings into bit positions, process-wide, the
// same way pkg/ident interns names into small indices.
type labelRegistry struct {
	mu   sync.Mutex
	bit  map[string]uint64
	next uint
}

var labels = &labelRegistry{bit: make(map[string]uint64)}

// LabelBit returns the stable bit for a label name, allocating one on first
// use. Masks built from labels registered in different processes are not
// comparable across processes — this is process-local state, same as
// pkg/ident's interning tables.
func LabelBit(label string) uint64 {
	labels.mu.Lock()
	defer labels.mu.Unlock()
	if b, ok := labels.bit[label]; ok {
		return b
	}
	pos := labelBitOffset + labels.next
	labels.next++
	b := uint64(1) << pos
	labels.bit[label] = b
	return b
}

// ForLabels ORs together the bits for a set of label names.
func ForLabels(names ...string) Mask {
	var m Mask
	for _, n := range names {
		m = m.Set(LabelBit(n))
	}
	return m
}

// ForNodeType returns the single built-in bit for a node type.
func ForNodeType(t ident.NodeType) Mask {
	switch t {
	case ident.NodeTypeValidator:
		return BitValidator
	case ident.NodeTypeProver:
		return BitProver
	case ident.NodeTypeClient:
		return BitClient
	}
	return 0
}

// Requirement computes the capability mask a declared node needs: its
// type bit, an optional local-private-key bit, and its label bits —
// spec.md §4.H step 3.
func Requirement(nodeType ident.NodeType, needsLocalKey bool, labelNames []string) Mask {
	m := ForNodeType(nodeType)
	if needsLocalKey {
		m = m.Set(BitLocalPrivateKey)
	}
	m = m.Set(uint64(ForLabels(labelNames...)))
	return m
}

// String renders a mask as a human-readable "validator,compute,eu" list,
// for logging and API responses.
func (m Mask) String() string {
	var parts []string
	if m.Has(BitValidator) {
		parts = append(parts, "validator")
	}
	if m.Has(BitProver) {
		parts = append(parts, "prover")
	}
	if m.Has(BitClient) {
		parts = append(parts, "client")
	}
	if m.Has(BitCompute) {
		parts = append(parts, "compute")
	}
	if m.Has(BitLocalPrivateKey) {
		parts = append(parts, "local-private-key")
	}
	labels.mu.Lock()
	for name, bit := range labels.bit {
		if uint64(m)&bit != 0 {
			parts = append(parts, name)
		}
	}
	labels.mu.Unlock()
	return strings.Join(parts, ",")
}

// Missing returns the human-readable list of bits present in required but
// absent from m, used to build the per-key Delegation error in spec.md
// §4.H step 5 ("enumerating which constraint failed").
func (m Mask) Missing(required Mask) []string {
	missing := required &^ m
	if missing == 0 {
		return nil
	}
	s := missing.String()
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
