// Package auth issues and checks user sessions.
//
// SESSION FLOW:
//  1. The user signs in (password, email verification link or Google).
//  2. The server signs a JWT whose "sub" claim is the internal user ID and
//     stores it in the HttpOnly "session" cookie.
//  3. RequireAuth / OptionalAuth read the cookie on later requests and put the
//     user ID in the request context.
//
// Sessions are stateless: nothing is stored server-side, so logging out only
// deletes the cookie. Keep the TTL modest for that reason.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "clickmodel"

// ErrInvalidToken is returned for any token that fails validation.
var ErrInvalidToken = errors.New("auth: invalid token")

// TokenService signs and validates HS256 session tokens.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService creates a TokenService. The secret must be at least 16
// characters; generate one with `openssl rand -hex 32`. A non-positive ttl
// falls back to seven days.
func NewTokenService(secret string, ttl time.Duration) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: JWT secret must be at least 16 characters")
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &TokenService{secret: []byte(secret), ttl: ttl}, nil
}

// TTL is the session lifetime; the cookie MaxAge uses the same value.
func (s *TokenService) TTL() time.Duration {
	return s.ttl
}

// Generate signs a session token for userID with the configured TTL.
func (s *TokenService) Generate(userID string) (string, error) {
	return s.GenerateWithDuration(userID, s.ttl)
}

// GenerateWithDuration signs a token with a custom lifetime. Tests use it to
// mint already-expired tokens.
func (s *TokenService) GenerateWithDuration(userID string, d time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("auth: cannot sign a token without a subject")
	}
	now := time.Now()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(d)),
		Issuer:    issuer,
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// Validate verifies signature, algorithm, issuer and expiry, and returns the
// user ID from the subject claim.
//
// jwt.WithValidMethods pins HS256 so a token claiming "alg: none" (or an
// asymmetric algorithm keyed with our secret) is rejected.
func (s *TokenService) Validate(tokenStr string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(
		tokenStr,
		claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("%w: expired", ErrInvalidToken)
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}
