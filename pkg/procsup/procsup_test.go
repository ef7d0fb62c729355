package procsup

import (
	"testing"

	"github.com/cuemby/warren/pkg/ident"
)

func TestContainerIDIsStableAndNamespaced(t *testing.T) {
	key := ident.NodeKey{Type: ident.NodeTypeValidator, Id: "alpha"}
	id1 := containerID(key)
	id2 := containerID(key)
	if id1 != id2 {
		t.Fatalf("containerID not deterministic: %q vs %q", id1, id2)
	}
	if id1 != "node-validator/alpha" {
		t.Fatalf("unexpected container id: %q", id1)
	}
}

func TestContainerIDDistinguishesNodeKeys(t *testing.T) {
	a := containerID(ident.NodeKey{Type: ident.NodeTypeValidator, Id: "alpha"})
	b := containerID(ident.NodeKey{Type: ident.NodeTypeProver, Id: "alpha"})
	if a == b {
		t.Fatalf("expected distinct container ids for distinct node types, got %q", a)
	}
}
