package network

import (
	"testing"

	"github.com/cuemby/warren/pkg/ident"
)

func TestPortAllocatorClaimNReturnsDistinctPorts(t *testing.T) {
	a := NewPortAllocator()
	key := ident.NodeKey{Type: ident.NodeTypeValidator, Id: "x"}

	ports, err := a.ClaimN(key, 4)
	if err != nil {
		t.Fatal(err)
	}
	seen := make(map[int]bool)
	for _, p := range ports {
		if seen[p] {
			t.Fatalf("duplicate port claimed: %d", p)
		}
		seen[p] = true
	}

	a.ReleaseAll(key)
	if len(a.claims) != 0 {
		t.Fatalf("expected all claims released, got %v", a.claims)
	}
}

func TestResolverGetUnresolved(t *testing.T) {
	r := NewResolver()
	env := ident.MustEnvId("env-net")
	key := ident.NodeKey{Type: ident.NodeTypeValidator, Id: "y"}

	if _, err := r.Get(env, key); err != ErrUnresolved {
		t.Fatalf("expected ErrUnresolved, got %v", err)
	}

	r.Set(env, key, Sockets{REST: "127.0.0.1:9000"})
	addr, err := r.RESTAddr(env, key)
	if err != nil {
		t.Fatal(err)
	}
	if addr != "127.0.0.1:9000" {
		t.Fatalf("unexpected rest addr: %s", addr)
	}

	r.Forget(env)
	if _, err := r.Get(env, key); err != ErrUnresolved {
		t.Fatalf("expected ErrUnresolved after Forget, got %v", err)
	}
}
