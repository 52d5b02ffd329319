package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/xid"

	"github.com/sakif/clickmodel/internal/apperror"
	"github.com/sakif/clickmodel/internal/model"
	"github.com/sakif/clickmodel/internal/repository"
)

var errNoBalance = errors.New("insufficient balance")

func (s *Store) CreateBalance(ctx context.Context, userID string, tier model.Tier) (*model.CreditBalance, error) {
	bal := &model.CreditBalance{
		UserID:         userID,
		MonthlyCredits: tier.MonthlyAllowance(),
		Tier:           tier,
		UpdatedAt:      now(),
	}

	err := s.ExecTx(ctx, func(q *Queries) error {
		_, err := q.db.Exec(ctx,
			`INSERT INTO credit_balances (user_id, monthly_credits, bonus_credits, tier, updated_at)
			 VALUES ($1, $2, 0, $3, $4)`,
			bal.UserID, bal.MonthlyCredits, string(bal.Tier), bal.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return apperror.Conflict("credit balance", userID)
			}
			return err
		}
		return q.insertTransaction(ctx, &model.CreditTransaction{
			UserID:       userID,
			Kind:         model.TransactionGrant,
			Amount:       bal.MonthlyCredits,
			Description:  fmt.Sprintf("%s tier monthly allowance", tier),
			BalanceAfter: bal.Total(),
			CreatedAt:    bal.UpdatedAt,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: creating balance for %s: %w", userID, err)
	}
	return bal, nil
}

func (q *Queries) GetBalance(ctx context.Context, userID string) (*model.CreditBalance, error) {
	var (
		bal  model.CreditBalance
		tier string
	)
	err := q.db.QueryRow(ctx,
		`SELECT user_id, monthly_credits, bonus_credits, tier, updated_at
		 FROM credit_balances WHERE user_id = $1`,
		userID,
	).Scan(&bal.UserID, &bal.MonthlyCredits, &bal.BonusCredits, &tier, &bal.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.NotFound("credit balance", userID)
		}
		return nil, fmt.Errorf("postgres: getting balance for %s: %w", userID, err)
	}
	bal.Tier = model.Tier(tier)
	return &bal, nil
}

// Deduct is one conditional UPDATE. Under READ COMMITTED a concurrent
// debit blocks on the row lock and then re-checks the WHERE clause against
// the updated row, so the balance cannot be overspent.
func (s *Store) Deduct(ctx context.Context, userID string, cost int, description string) (*model.CreditTransaction, bool, error) {
	if cost < 1 {
		return nil, false, fmt.Errorf("postgres: deduct cost must be positive, got %d", cost)
	}

	debit := &model.CreditTransaction{
		UserID:      userID,
		Kind:        model.TransactionDebit,
		Amount:      -cost,
		Description: description,
	}

	err := s.ExecTx(ctx, func(q *Queries) error {
		t := now()
		var total int
		err := q.db.QueryRow(ctx,
			`UPDATE credit_balances
			 SET monthly_credits = monthly_credits - LEAST(monthly_credits, $1),
			     bonus_credits   = bonus_credits - ($1 - LEAST(monthly_credits, $1)),
			     updated_at      = $2
			 WHERE user_id = $3 AND monthly_credits + bonus_credits >= $1
			 RETURNING monthly_credits + bonus_credits`,
			cost, t, userID,
		).Scan(&total)
		if errors.Is(err, pgx.ErrNoRows) {
			return errNoBalance
		}
		if err != nil {
			return fmt.Errorf("debiting balance: %w", err)
		}
		debit.BalanceAfter = total
		debit.CreatedAt = t
		return q.insertTransaction(ctx, debit)
	})
	if errors.Is(err, errNoBalance) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("postgres: deducting %d from %s: %w", cost, userID, err)
	}
	return debit, true, nil
}

func (s *Store) Refund(ctx context.Context, debitID, description string) (*model.CreditTransaction, error) {
	refund := &model.CreditTransaction{
		Kind:        model.TransactionRefund,
		Description: description,
		RefID:       debitID,
	}

	err := s.ExecTx(ctx, func(q *Queries) error {
		var amount int
		err := q.db.QueryRow(ctx,
			`SELECT user_id, amount FROM credit_transactions WHERE id = $1 AND kind = 'debit'`,
			debitID,
		).Scan(&refund.UserID, &amount)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperror.NotFound("debit", debitID)
		}
		if err != nil {
			return fmt.Errorf("loading debit: %w", err)
		}

		t := now()
		refund.Amount = -amount
		var total int
		err = q.db.QueryRow(ctx,
			`UPDATE credit_balances
			 SET bonus_credits = bonus_credits + $1, updated_at = $2
			 WHERE user_id = $3
			 RETURNING monthly_credits + bonus_credits`,
			refund.Amount, t, refund.UserID,
		).Scan(&total)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperror.NotFound("credit balance", refund.UserID)
		}
		if err != nil {
			return fmt.Errorf("crediting balance: %w", err)
		}

		refund.BalanceAfter = total
		refund.CreatedAt = t
		if err := q.insertTransaction(ctx, refund); err != nil {
			if isUniqueViolation(err) {
				return apperror.Conflict("refund", debitID)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: refunding %s: %w", debitID, err)
	}
	return refund, nil
}

func (q *Queries) ListTransactions(ctx context.Context, userID string, opts repository.ListOptions) ([]model.CreditTransaction, error) {
	opts = opts.Normalize()
	rows, err := q.db.Query(ctx,
		`SELECT id, user_id, kind, amount, description, ref_id, balance_after, created_at
		 FROM credit_transactions
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2 OFFSET $3`,
		userID, opts.Limit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: listing transactions for %s: %w", userID, err)
	}
	defer rows.Close()

	txns := []model.CreditTransaction{}
	for rows.Next() {
		var (
			ct    model.CreditTransaction
			kind  string
			refID *string
		)
		if err := rows.Scan(&ct.ID, &ct.UserID, &kind, &ct.Amount, &ct.Description,
			&refID, &ct.BalanceAfter, &ct.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scanning transaction: %w", err)
		}
		ct.Kind = model.TransactionKind(kind)
		ct.RefID = deref(refID)
		txns = append(txns, ct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterating transactions: %w", err)
	}
	return txns, nil
}

func (q *Queries) ResetMonthlyCredits(ctx context.Context) (int64, error) {
	tag, err := q.db.Exec(ctx,
		`UPDATE credit_balances
		 SET monthly_credits = CASE tier
		         WHEN 'basic'   THEN $1::int
		         WHEN 'premium' THEN $2::int
		         ELSE $3::int
		     END,
		     updated_at = $4`,
		model.TierBasic.MonthlyAllowance(),
		model.TierPremium.MonthlyAllowance(),
		model.TierFree.MonthlyAllowance(),
		now(),
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: resetting monthly credits: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) insertTransaction(ctx context.Context, ct *model.CreditTransaction) error {
	ct.ID = xid.New().String()
	_, err := q.db.Exec(ctx,
		`INSERT INTO credit_transactions
			(id, user_id, kind, amount, description, ref_id, balance_after, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ct.ID, ct.UserID, string(ct.Kind), ct.Amount, ct.Description,
		nilIfEmpty(ct.RefID), ct.BalanceAfter, ct.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting %s transaction: %w", ct.Kind, err)
	}
	return nil
}
