// Package jwt issues and verifies the bearer tokens attached to runtime
// invocations when an invocation secret is configured.
package jwt

import (
	"errors"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

const issuer = "lithops"

// ErrMissingSecret is returned when signing without a secret.
var ErrMissingSecret = errors.New("invocation secret not configured")

// Claims identifies the call a token was issued for.
type Claims struct {
	ExecutorID string `json:"executor_id,omitempty"`
	JobID      string `json:"job_id,omitempty"`
	CallID     string `json:"call_id,omitempty"`
	jwtlib.RegisteredClaims
}

// GenerateToken issues an HS256 token for one invocation, scoped to the
// runtime service it targets.
func GenerateToken(service, executorID, jobID, callID, secret string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", ErrMissingSecret
	}
	now := time.Now()
	claims := Claims{
		ExecutorID: executorID,
		JobID:      jobID,
		CallID:     callID,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    issuer,
			Subject:   service,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Parse validates and extracts claims from token.
func Parse(token string, secret string) (*Claims, error) {
	parsed, err := jwtlib.ParseWithClaims(token, &Claims{}, func(t *jwtlib.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}), jwtlib.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	return claims, nil
}
