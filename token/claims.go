// Package token provides unverified JWT inspection for locally stored access
// tokens. Signature verification is the backend's job; the client only peeks
// at claims of tokens it already trusts enough to store.
package token

import (
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Claims is the subset of JWT payload fields the client inspects locally.
// Values come from an unverified parse: signature checking is the backend's
// job, the client only peeks at its own stored token.
type Claims struct {
	Subject   string
	Role      string
	ExpiresAt time.Time // zero when the token carries no exp claim
}

// PeekClaims decodes the payload of a stored access token without verifying
// the signature.
func PeekClaims(raw string) (*Claims, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("empty token")
	}

	parsed, _, err := jwtlib.NewParser().ParseUnverified(raw, jwtlib.MapClaims{})
	if err != nil {
		return nil, err
	}
	mapClaims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok {
		return nil, errors.New("error extracting claims")
	}

	claims := &Claims{}
	if sub, err := mapClaims.GetSubject(); err == nil {
		claims.Subject = sub
	}
	if role, ok := mapClaims["role"].(string); ok {
		claims.Role = role
	}
	if exp, err := mapClaims.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}
	return claims, nil
}

// Expired reports whether raw is a JWT whose exp claim is in the past.
// Tokens that are opaque, malformed, or carry no exp claim report false:
// only the backend can judge those.
func Expired(raw string, now time.Time) bool {
	claims, err := PeekClaims(raw)
	if err != nil || claims.ExpiresAt.IsZero() {
		return false
	}
	return claims.ExpiresAt.Before(now)
}
