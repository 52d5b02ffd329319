package model

import "time"

// TokenPurpose scopes a one-time token to a single flow.
type TokenPurpose string

const (
	PurposeEmailVerification TokenPurpose = "email_verification"
	PurposePasswordReset     TokenPurpose = "password_reset"
)

// ActionToken is a single-use secret mailed to a user.
type ActionToken struct {
	Token     string
	UserID    string
	Purpose   TokenPurpose
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}
