package authn

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Credential is the resolved view of a verifiable credential presented by an
// agent.
type Credential struct {
	Issuer  string         `json:"issuer"`
	Subject string         `json:"subject"`
	Claims  map[string]any `json:"claims,omitempty"`
}

// CredentialResolver verifies an externally issued credential token. The
// resolver service itself is an external collaborator; this is its boundary.
type CredentialResolver interface {
	Verify(ctx context.Context, token string) (*Credential, error)
}

// JWTResolver verifies credentials issued as signed JWTs.
type JWTResolver struct {
	keyFunc jwt.Keyfunc
	issuer  string
}

// NewJWTResolver builds a resolver. keyFunc supplies the issuer's
// verification key; issuer, when non-empty, is enforced against the
// credential's iss claim.
func NewJWTResolver(keyFunc jwt.Keyfunc, issuer string) (*JWTResolver, error) {
	if keyFunc == nil {
		return nil, errors.New("authn: resolver key func is required")
	}
	return &JWTResolver{keyFunc: keyFunc, issuer: issuer}, nil
}

// Verify parses the credential and returns its issuer and subject claims.
func (r *JWTResolver) Verify(ctx context.Context, token string) (*Credential, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if r.issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.issuer))
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, r.keyFunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("authn: credential verification failed: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("authn: invalid credential")
	}

	issuer, _ := claims.GetIssuer()
	subject, _ := claims.GetSubject()
	if subject == "" {
		return nil, errors.New("authn: credential has no subject")
	}

	rest := make(map[string]any, len(claims))
	for k, v := range claims {
		switch k {
		case "iss", "sub", "exp", "iat", "nbf", "aud", "jti":
		default:
			rest[k] = v
		}
	}
	return &Credential{Issuer: issuer, Subject: subject, Claims: rest}, nil
}
