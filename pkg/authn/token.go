// Package authn mints and checks the short-lived bearer tokens the signing
// boundary requires, and resolves agent credentials presented at the API
// edge.
package authn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token is an opaque bearer credential minted once per pipeline attempt and
// consumed exactly once by the signing boundary. It is never persisted and
// never reused across pipeline runs.
type Token struct {
	Token     string    `json:"token"`
	AgentID   string    `json:"agentId"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Method    string    `json:"method"`
}

// Expired reports whether the token is no longer usable at now.
func (t *Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Wellformed checks structural validity: a token with an inverted lifetime or
// missing fields is malformed, which is distinct from expired.
func (t *Token) Wellformed() error {
	if t == nil {
		return errors.New("authn: nil token")
	}
	if t.Token == "" {
		return errors.New("authn: empty token string")
	}
	if t.AgentID == "" {
		return errors.New("authn: token is not bound to an agent")
	}
	if !t.ExpiresAt.After(t.IssuedAt) {
		return fmt.Errorf("authn: token lifetime is inverted (issued %s, expires %s)", t.IssuedAt, t.ExpiresAt)
	}
	return nil
}

// Authenticator is the identity collaborator: it authenticates an agent and
// returns a one-shot token for the signing boundary.
type Authenticator interface {
	Authenticate(ctx context.Context, agentID string) (*Token, error)
}

// AgentClaims are the JWT claims carried by minted tokens.
type AgentClaims struct {
	jwt.RegisteredClaims
	AgentID string `json:"agent_id"`
	Method  string `json:"method"`
}

// JWTAuthenticator mints HS256 tokens for authenticated agents.
type JWTAuthenticator struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// NewJWTAuthenticator builds an authenticator. ttl bounds the token lifetime;
// it defaults to one minute, which comfortably covers one pipeline attempt.
func NewJWTAuthenticator(secret []byte, ttl time.Duration, issuer string) (*JWTAuthenticator, error) {
	if len(secret) == 0 {
		return nil, errors.New("authn: signing secret is required")
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	if issuer == "" {
		issuer = "tollgate/authn"
	}
	return &JWTAuthenticator{secret: secret, ttl: ttl, issuer: issuer, now: time.Now}, nil
}

// Authenticate mints a fresh token for agentID.
func (a *JWTAuthenticator) Authenticate(ctx context.Context, agentID string) (*Token, error) {
	if agentID == "" {
		return nil, errors.New("authn: agent id is required")
	}

	now := a.now().UTC()
	expires := now.Add(a.ttl)
	claims := AgentClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   agentID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		AgentID: agentID,
		Method:  "jwt",
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return nil, fmt.Errorf("authn: sign token: %w", err)
	}

	return &Token{
		Token:     signed,
		AgentID:   agentID,
		IssuedAt:  now,
		ExpiresAt: expires,
		Method:    "jwt",
	}, nil
}

// Verify parses and validates a minted token string, returning its claims.
func (a *JWTAuthenticator) Verify(tokenStr string) (*AgentClaims, error) {
	claims := &AgentClaims{}
	parsed, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("authn: unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("authn: token validation failed: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("authn: invalid token")
	}
	return claims, nil
}
