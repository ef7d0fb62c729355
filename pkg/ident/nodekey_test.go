package ident

import "testing"

func TestNodeKeyRoundTrip(t *testing.T) {
	cases := []string{"validator/foo", "client/bar-3@mainnet", "prover/p1"}
	for _, c := range cases {
		k, err := ParseNodeKey(c)
		if err != nil {
			t.Fatalf("parse %q: %v", c, err)
		}
		if got := k.String(); got != c {
			t.Errorf("round trip %q: got %q", c, got)
		}
	}
}

func TestNodeTargetWildcard(t *testing.T) {
	target, err := ParseNodeTarget("validator/foo-*")
	if err != nil {
		t.Fatal(err)
	}
	if !target.Matches(NodeKey{Type: NodeTypeValidator, Id: "foo-2"}) {
		t.Error("expected wildcard match")
	}
	if target.Matches(NodeKey{Type: NodeTypeValidator, Id: "bar-2"}) {
		t.Error("unexpected match")
	}
	if target.Matches(NodeKey{Type: NodeTypeClient, Id: "foo-2"}) {
		t.Error("type should not match")
	}
}

func TestNodeTargetsNegation(t *testing.T) {
	nt, err := ParseNodeTargets("validator/*,!validator/foo-1")
	if err != nil {
		t.Fatal(err)
	}
	if nt.Matches(NodeKey{Type: NodeTypeValidator, Id: "foo-1"}) {
		t.Error("foo-1 should be excluded")
	}
	if !nt.Matches(NodeKey{Type: NodeTypeValidator, Id: "foo-2"}) {
		t.Error("foo-2 should be included")
	}
}

func TestAgentIdInterningAndDefault(t *testing.T) {
	a, err := NewAgentId("worker-1")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := NewAgentId("worker-1")
	if a != b {
		t.Error("expected interned ids to compare equal")
	}
	if _, err := NewStorageId("default"); err != nil {
		t.Fatal(err)
	}
	if s, _ := NewStorageId("default"); s == DefaultStorageId {
		t.Error("user-supplied \"default\" must not collide with the sentinel")
	}
}
