package security

import (
	"testing"
	"time"

	"github.com/cuemby/warren/pkg/ident"
)

func TestMintVerifyRoundTrip(t *testing.T) {
	issuer := NewTokenIssuer([]byte("test-secret-key-material"), time.Hour)
	id := ident.MustAgentId("agent-1")
	nonce, err := NewNonce()
	if err != nil {
		t.Fatal(err)
	}

	tok, err := issuer.Mint(id, nonce)
	if err != nil {
		t.Fatal(err)
	}

	claims, err := issuer.Verify(tok)
	if err != nil {
		t.Fatal(err)
	}
	if claims.AgentID != id.String() || claims.Nonce != nonce {
		t.Fatalf("claims mismatch: %+v", claims)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuer := NewTokenIssuer([]byte("secret-one"), time.Hour)
	other := NewTokenIssuer([]byte("secret-two"), time.Hour)

	tok, err := issuer.Mint(ident.MustAgentId("agent-2"), "nonce")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.Verify(tok); err == nil {
		t.Fatal("expected verification to fail with wrong secret")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	issuer := NewTokenIssuer([]byte("secret"), -time.Hour)
	tok, err := issuer.Mint(ident.MustAgentId("agent-3"), "nonce")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := issuer.Verify(tok); err == nil {
		t.Fatal("expected verification to fail for expired token")
	}
}
