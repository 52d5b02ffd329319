package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sakif/clickmodel/internal/metrics"
	"github.com/sakif/clickmodel/internal/model"
	"github.com/sakif/clickmodel/internal/repository"
)

// CreditService is the read side of the ledger plus the monthly reset job.
// Balances are always read from storage; nothing here caches them.
type CreditService struct {
	credits repository.CreditRepository
	logger  *slog.Logger
}

func NewCreditService(credits repository.CreditRepository, logger *slog.Logger) *CreditService {
	return &CreditService{credits: credits, logger: logger}
}

func (s *CreditService) Balance(ctx context.Context, userID string) (*model.CreditBalance, error) {
	bal, err := s.credits.GetBalance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("service/credit: balance for %s: %w", userID, err)
	}
	return bal, nil
}

func (s *CreditService) Transactions(ctx context.Context, userID string, opts repository.ListOptions) ([]model.CreditTransaction, error) {
	txns, err := s.credits.ListTransactions(ctx, userID, opts)
	if err != nil {
		return nil, fmt.Errorf("service/credit: transactions for %s: %w", userID, err)
	}
	return txns, nil
}

// ResetMonthly restores every balance's monthly credits to its tier
// allowance. The scheduler calls it at the start of each month.
func (s *CreditService) ResetMonthly(ctx context.Context) (int64, error) {
	n, err := s.credits.ResetMonthlyCredits(ctx)
	metrics.RecordMonthlyReset(err == nil)
	if err != nil {
		s.logger.Error("monthly credit reset failed", slog.String("error", err.Error()))
		return 0, fmt.Errorf("service/credit: monthly reset: %w", err)
	}
	s.logger.Info("monthly credits reset", slog.Int64("balances", n))
	return n, nil
}
