package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cuemby/warren/pkg/ident"
)

// ErrNonceMismatch is returned when a presented token's nonce disagrees
// with the nonce currently on record for the agent — spec.md §4.K step 2,
// "revocation".
var ErrNonceMismatch = errors.New("security: nonce mismatch")

// HandshakeClaims is the JWT payload bound to one agent's resumable
// identity: the agent id and a server-chosen nonce that changes whenever
// the control plane wants to force re-authentication.
type HandshakeClaims struct {
	jwt.RegisteredClaims
	AgentID string `json:"id"`
	Nonce   string `json:"nonce"`
}

// TokenIssuer mints and verifies the bearer tokens exchanged during agent
// handshake (spec.md §4.K). One process-wide secret signs every token.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenIssuer builds an issuer around a process-wide HMAC secret. ttl
// bounds how long a minted token is accepted; handshake deadlines are
// enforced separately (§5, 300s).
func NewTokenIssuer(secret []byte, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: secret, ttl: ttl}
}

// NewNonce generates a fresh, unguessable nonce for binding to an agent
// identity.
func NewNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("security: generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Mint signs a new bearer token for agent id bound to nonce.
func (ti *TokenIssuer) Mint(id ident.AgentId, nonce string) (string, error) {
	now := time.Now()
	claims := HandshakeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ti.ttl)),
		},
		AgentID: id.String(),
		Nonce:   nonce,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(ti.secret)
}

// Verify parses and validates a presented token, returning its claims.
// The caller (component K) is responsible for comparing the returned
// nonce against the agent's stored nonce and rejecting unknown agent ids.
func (ti *TokenIssuer) Verify(token string) (*HandshakeClaims, error) {
	claims := &HandshakeClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("security: unexpected signing method %v", t.Header["alg"])
		}
		return ti.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("security: parse token: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("security: token invalid")
	}
	return claims, nil
}
