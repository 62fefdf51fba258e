package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const verifierHeader = "X-Verifier-Identity"

var ErrUnauthenticated = errors.New("api: unauthenticated")

// VerifierClaims are the bearer token claims; the subject is the verifier.
type VerifierClaims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

// IdentityResolver determines who is verifying. With a secret, an HS256 bearer
// token is mandatory and its subject is the identity. Without one, the
// X-Verifier-Identity header is trusted.
type IdentityResolver struct {
	secret []byte
}

func NewIdentityResolver(secret string) *IdentityResolver {
	return &IdentityResolver{secret: []byte(secret)}
}

func (ir *IdentityResolver) Resolve(r *http.Request) (string, error) {
	if len(ir.secret) == 0 {
		id := strings.TrimSpace(r.Header.Get(verifierHeader))
		if id == "" {
			return "", fmt.Errorf("%w: missing %s header", ErrUnauthenticated, verifierHeader)
		}
		return id, nil
	}

	authz := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(authz, "Bearer ")
	if !ok || token == "" {
		return "", fmt.Errorf("%w: expected 'Bearer <token>'", ErrUnauthenticated)
	}

	claims := &VerifierClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return ir.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: invalid or expired token", ErrUnauthenticated)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token subject is required", ErrUnauthenticated)
	}
	return claims.Subject, nil
}
