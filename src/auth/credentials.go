// Package auth supplies the credentials a session authenticates with.
// Tokens are opaque to the client except for an optional expiry check.
package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/orchestra-mcp/boxoffice/src/types"
)

// Provider yields the current user's credential.
type Provider interface {
	Credential(ctx context.Context) (types.Credential, error)
}

// Static is a Provider holding one credential that can be swapped after a
// fresh sign-in.
type Static struct {
	mu   sync.RWMutex
	cred types.Credential
}

func NewStatic(userID int64, token string) *Static {
	return &Static{cred: types.Credential{UserID: userID, Token: token}}
}

func (s *Static) Credential(context.Context) (types.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cred.Token == "" {
		return types.Credential{}, fmt.Errorf("%w: no token", types.ErrUnauthorized)
	}
	return s.cred, nil
}

// Set replaces the held credential.
func (s *Static) Set(cred types.Credential) {
	s.mu.Lock()
	s.cred = cred
	s.mu.Unlock()
}

// TokenExpiry reads the exp claim of a JWT without verifying its signature.
// ok is false for tokens that are not JWTs or carry no exp.
func TokenExpiry(token string) (exp time.Time, ok bool) {
	if strings.Count(token, ".") != 2 {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	nd, err := claims.GetExpirationTime()
	if err != nil || nd == nil {
		return time.Time{}, false
	}
	return nd.Time, true
}

// CheckExpiry fails with ErrTokenExpired when token is a JWT whose exp is
// at or before now.
func CheckExpiry(token string, now time.Time) error {
	exp, ok := TokenExpiry(token)
	if ok && !now.Before(exp) {
		return fmt.Errorf("%w: expired at %s", types.ErrTokenExpired, exp.Format(time.RFC3339))
	}
	return nil
}
