// Package repository declares the storage contracts. Services depend on these
// interfaces; repository/sqlite and repository/postgres implement them.
package repository

import (
	"context"
	"time"

	"github.com/sakif/clickmodel/internal/model"
)

// ListOptions pages list queries. What a zero Limit means depends on the
// list: Normalize applies DefaultListLimit, NormalizeAll returns every row.
type ListOptions struct {
	Limit  int
	Offset int
}

type UserRepository interface {
	// Create inserts a new user. A duplicate email yields apperror.ErrConflict.
	Create(ctx context.Context, user *model.User) error
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	// UpsertGoogle finds the user by Google subject, then by email (linking
	// the accounts), and otherwise inserts a new verified user. user is
	// updated in place with the stored row. created reports an insert.
	UpsertGoogle(ctx context.Context, user *model.User) (created bool, err error)
	MarkEmailVerified(ctx context.Context, id string, at time.Time) error
	UpdatePassword(ctx context.Context, id, hash string) error
}

// CreditRepository is the ledger. Every balance change is a single
// conditional statement plus a transaction row, committed together.
type CreditRepository interface {
	// CreateBalance opens a balance for a new user with the tier's monthly
	// allowance and records a grant transaction.
	CreateBalance(ctx context.Context, userID string, tier model.Tier) (*model.CreditBalance, error)
	GetBalance(ctx context.Context, userID string) (*model.CreditBalance, error)
	// Deduct atomically takes cost credits (monthly first, then bonus).
	// ok is false, with a nil error, when the balance is insufficient or the
	// user has no balance row; nothing is written in that case.
	Deduct(ctx context.Context, userID string, cost int, description string) (debit *model.CreditTransaction, ok bool, err error)
	// Refund reverses a debit by crediting its amount to bonus credits. A
	// second refund of the same debit yields apperror.ErrConflict.
	Refund(ctx context.Context, debitID, description string) (*model.CreditTransaction, error)
	ListTransactions(ctx context.Context, userID string, opts ListOptions) ([]model.CreditTransaction, error)
	// ResetMonthlyCredits sets every balance's monthly credits to its tier
	// allowance and returns the number of balances touched.
	ResetMonthlyCredits(ctx context.Context) (int64, error)
}

type GenerationRepository interface {
	CreateGeneration(ctx context.Context, gen *model.Generation) error
	// ListGenerations returns one user's records, newest first: all of them
	// unless opts sets a Limit.
	ListGenerations(ctx context.Context, userID string, opts ListOptions) ([]model.Generation, error)
}

type TokenRepository interface {
	CreateToken(ctx context.Context, token *model.ActionToken) error
	// ConsumeToken marks an unused, unexpired token of the given purpose as
	// used and returns it; anything else yields apperror.ErrNotFound.
	ConsumeToken(ctx context.Context, token string, purpose model.TokenPurpose, now time.Time) (*model.ActionToken, error)
}

// Store is everything the server needs from a storage backend.
type Store interface {
	UserRepository
	CreditRepository
	GenerationRepository
	TokenRepository
	Ping(ctx context.Context) error
	Close() error
}

// Limits applied by both backends.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Normalize clamps opts to sane bounds.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = DefaultListLimit
	}
	if o.Limit > MaxListLimit {
		o.Limit = MaxListLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

// NormalizeAll is Normalize for lists that return every row unless the
// caller pages: a zero Limit stays zero, meaning no limit.
func (o ListOptions) NormalizeAll() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 0
	} else if o.Limit > MaxListLimit {
		o.Limit = MaxListLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
