// Package auth issues and checks the short lived tokens the control plane hands to
// event stream clients, signed with the control plane's own token.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const Issuer = "syftmirror"

const DefaultStreamTokenTTL = 10 * time.Minute

type Scope string

const (
	// ScopeFull is what the control plane token itself grants.
	ScopeFull Scope = "full"
	// ScopeStream only allows reading the event streams.
	ScopeStream Scope = "stream"
)

var ErrInvalidScope = errors.New("invalid token scope")

type Claims struct {
	Scope Scope `json:"scope"`
	jwt.RegisteredClaims
}

// NewStreamToken returns a signed stream scoped token and when it expires.
func NewStreamToken(secret string, ttl time.Duration) (string, time.Time, error) {
	if secret == "" {
		return "", time.Time{}, errors.New("no signing secret")
	}
	if ttl <= 0 {
		ttl = DefaultStreamTokenTTL
	}

	now := time.Now()
	expires := now.Add(ttl)
	claims := Claims{
		Scope: ScopeStream,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires.Truncate(time.Second), nil
}

// ParseClaims verifies a token signed with secret. Tokens without an expiry are refused.
func ParseClaims(tokenString, secret string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Scope != ScopeStream {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScope, claims.Scope)
	}
	return claims, nil
}
