// Package credential supplies the bearer token used to authenticate the
// relay session and the HTTP API.
package credential

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/chatcore/internal/errors"
	"github.com/golang-jwt/jwt/v5"
)

// Source returns the current credential.
type Source interface {
	Token() (string, error)
}

// Static is a fixed token, typically from the environment.
type Static struct {
	token string
	now   func() time.Time
}

// NewStatic returns a Source for token.
func NewStatic(token string) *Static {
	return &Static{token: strings.TrimSpace(token), now: time.Now}
}

// Token returns the token, or ErrCredentialExpired once a JWT's exp has
// passed.
func (s *Static) Token() (string, error) {
	if s.token == "" {
		return "", fmt.Errorf("%w: no token configured", apperrors.ErrAuthRejected)
	}

	if err := CheckExpiry(s.token, s.now()); err != nil {
		return "", err
	}

	return s.token, nil
}

// CheckExpiry inspects a JWT without verifying its signature and fails
// with ErrCredentialExpired if its exp claim is not after now. Opaque
// tokens and JWTs without exp pass.
func CheckExpiry(token string, now time.Time) error {
	if strings.Count(token, ".") != 2 {
		return nil
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil //nolint:nilerr // not a JWT, the relay decides
	}

	if claims.ExpiresAt == nil {
		return nil
	}

	if !claims.ExpiresAt.After(now) {
		return fmt.Errorf("%w: expired at %s", apperrors.ErrCredentialExpired, claims.ExpiresAt.Format(time.RFC3339))
	}

	return nil
}

// Subject returns the sub claim of a JWT, or "" for opaque tokens.
func Subject(token string) string {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}

	return claims.Subject
}
