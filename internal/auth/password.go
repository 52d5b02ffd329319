package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Password length bounds. bcrypt silently truncates input past 72 bytes, so
// longer passwords are rejected instead of being partially ignored.
const (
	MinPasswordLength = 8
	MaxPasswordLength = 72
)

// defaultCost takes roughly 250ms per hash on current server hardware.
const defaultCost = 12

var (
	ErrPasswordMismatch = errors.New("auth: invalid password")
	ErrPasswordLength   = fmt.Errorf("auth: password must be between %d and %d bytes", MinPasswordLength, MaxPasswordLength)
)

// PasswordService hashes and verifies passwords with bcrypt. The cost is a
// field so tests can use the minimum (4).
type PasswordService struct {
	cost int
}

// NewPasswordService creates a PasswordService with the production cost.
func NewPasswordService() *PasswordService {
	return &PasswordService{cost: defaultCost}
}

// NewPasswordServiceForTest creates a PasswordService with a custom (low)
// cost. Never use outside tests.
func NewPasswordServiceForTest(cost int) *PasswordService {
	return &PasswordService{cost: cost}
}

// Hash returns the bcrypt hash (salt and cost embedded) of plaintext.
func (p *PasswordService) Hash(plaintext string) (string, error) {
	if len(plaintext) < MinPasswordLength || len(plaintext) > MaxPasswordLength {
		return "", ErrPasswordLength
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), p.cost)
	if err != nil {
		return "", fmt.Errorf("auth: hashing password: %w", err)
	}
	return string(hashed), nil
}

// Verify returns nil when plaintext matches hash and ErrPasswordMismatch when
// it does not. An empty hash (Google-only account) never matches.
func (p *PasswordService) Verify(hash, plaintext string) error {
	if hash == "" {
		return ErrPasswordMismatch
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrPasswordMismatch
		}
		return fmt.Errorf("auth: comparing password hash: %w", err)
	}
	return nil
}
