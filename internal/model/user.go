// Package model defines the data structures shared by every layer.
package model

import "time"

// User is a registered account.
//
// An account is created either by email/password signup or by the first
// Google sign-in. Both paths converge on the same row: signing in with
// Google using an email that already has a password account links the two.
//
// PasswordHash is empty for Google-only accounts, and GoogleID is empty for
// password-only accounts. EmailVerifiedAt is nil until the verification link
// is followed (Google accounts arrive verified).
type User struct {
	ID              string     `json:"id"`
	Email           string     `json:"email"`
	DisplayName     string     `json:"displayName"`
	AvatarURL       string     `json:"avatarUrl"`
	GoogleID        string     `json:"-"`
	PasswordHash    string     `json:"-"`
	EmailVerifiedAt *time.Time `json:"emailVerifiedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Verified reports whether the user confirmed their email address.
func (u *User) Verified() bool {
	return u.EmailVerifiedAt != nil
}
