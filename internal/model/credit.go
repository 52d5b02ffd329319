package model

import (
	"fmt"
	"time"
)

// Tier is the subscription level that decides the monthly allowance.
type Tier string

const (
	TierFree    Tier = "free"
	TierBasic   Tier = "basic"
	TierPremium Tier = "premium"
)

// MonthlyAllowance is the number of monthly credits a tier is reset to.
func (t Tier) MonthlyAllowance() int {
	switch t {
	case TierBasic:
		return 50
	case TierPremium:
		return 300
	default:
		return 5
	}
}

// ParseTier validates a tier name.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierFree, TierBasic, TierPremium:
		return Tier(s), nil
	}
	return "", fmt.Errorf("model: unknown tier %q", s)
}

// CreditBalance is a user's spendable credits.
//
// Monthly credits are consumed first and reset by the scheduler at the start
// of every month; bonus credits never expire. Neither may go negative, which
// the storage layer enforces with a conditional UPDATE and CHECK constraints.
type CreditBalance struct {
	UserID         string    `json:"user_id"`
	MonthlyCredits int       `json:"monthly_credits"`
	BonusCredits   int       `json:"bonus_credits"`
	Tier           Tier      `json:"tier"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Total is what the dashboard shows as "credits".
func (b *CreditBalance) Total() int {
	return b.MonthlyCredits + b.BonusCredits
}

// TransactionKind classifies a ledger row.
type TransactionKind string

const (
	TransactionGrant  TransactionKind = "grant"
	TransactionDebit  TransactionKind = "debit"
	TransactionRefund TransactionKind = "refund"
)

// CreditTransaction is one immutable ledger row. Amount is signed: debits are
// negative, grants and refunds positive. RefID points a refund at the debit it
// reverses.
type CreditTransaction struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Kind         TransactionKind `json:"kind"`
	Amount       int             `json:"amount"`
	Description  string          `json:"description"`
	RefID        string          `json:"ref_id,omitempty"`
	BalanceAfter int             `json:"balance_after"`
	CreatedAt    time.Time       `json:"created_at"`
}
