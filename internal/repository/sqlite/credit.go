package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/xid"

	"github.com/sakif/clickmodel/internal/apperror"
	"github.com/sakif/clickmodel/internal/model"
	"github.com/sakif/clickmodel/internal/repository"
)

// errNoBalance aborts a Deduct transaction without writing anything.
var errNoBalance = errors.New("insufficient balance")

// CreateBalance opens the balance row and records the initial grant.
func (db *DB) CreateBalance(ctx context.Context, userID string, tier model.Tier) (*model.CreditBalance, error) {
	bal := &model.CreditBalance{
		UserID:         userID,
		MonthlyCredits: tier.MonthlyAllowance(),
		Tier:           tier,
		UpdatedAt:      now(),
	}

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO credit_balances (user_id, monthly_credits, bonus_credits, tier, updated_at)
			 VALUES (?, ?, 0, ?, ?)`,
			bal.UserID, bal.MonthlyCredits, string(bal.Tier), bal.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return apperror.Conflict("credit balance", userID)
			}
			return err
		}
		return insertTransaction(ctx, tx, &model.CreditTransaction{
			UserID:       userID,
			Kind:         model.TransactionGrant,
			Amount:       bal.MonthlyCredits,
			Description:  fmt.Sprintf("%s tier monthly allowance", tier),
			BalanceAfter: bal.Total(),
			CreatedAt:    bal.UpdatedAt,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: creating balance for %s: %w", userID, err)
	}
	return bal, nil
}

func (db *DB) GetBalance(ctx context.Context, userID string) (*model.CreditBalance, error) {
	var (
		bal  model.CreditBalance
		tier string
	)
	err := db.conn.QueryRowContext(ctx,
		`SELECT user_id, monthly_credits, bonus_credits, tier, updated_at
		 FROM credit_balances WHERE user_id = ?`,
		userID,
	).Scan(&bal.UserID, &bal.MonthlyCredits, &bal.BonusCredits, &tier, &bal.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.NotFound("credit balance", userID)
		}
		return nil, fmt.Errorf("sqlite: getting balance for %s: %w", userID, err)
	}
	bal.Tier = model.Tier(tier)
	return &bal, nil
}

// Deduct takes cost credits in one statement: the WHERE clause checks the
// total and the SET clause drains monthly credits before bonus credits. Two
// concurrent calls cannot both pass the check, because the second one
// re-evaluates the WHERE against the first one's committed row.
func (db *DB) Deduct(ctx context.Context, userID string, cost int, description string) (*model.CreditTransaction, bool, error) {
	if cost < 1 {
		return nil, false, fmt.Errorf("sqlite: deduct cost must be positive, got %d", cost)
	}

	debit := &model.CreditTransaction{
		UserID:      userID,
		Kind:        model.TransactionDebit,
		Amount:      -cost,
		Description: description,
	}

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		t := now()
		var total int
		err := tx.QueryRowContext(ctx,
			`UPDATE credit_balances
			 SET monthly_credits = monthly_credits - MIN(monthly_credits, ?1),
			     bonus_credits   = bonus_credits - (?1 - MIN(monthly_credits, ?1)),
			     updated_at      = ?2
			 WHERE user_id = ?3 AND monthly_credits + bonus_credits >= ?1
			 RETURNING monthly_credits + bonus_credits`,
			cost, t, userID,
		).Scan(&total)
		if err == sql.ErrNoRows {
			return errNoBalance
		}
		if err != nil {
			return fmt.Errorf("debiting balance: %w", err)
		}

		debit.BalanceAfter = total
		debit.CreatedAt = t
		return insertTransaction(ctx, tx, debit)
	})
	if errors.Is(err, errNoBalance) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlite: deducting %d from %s: %w", cost, userID, err)
	}
	return debit, true, nil
}

// Refund credits the debit's amount back as bonus credits. The partial
// unique index on ref_id rejects a second refund of the same debit.
func (db *DB) Refund(ctx context.Context, debitID, description string) (*model.CreditTransaction, error) {
	refund := &model.CreditTransaction{
		Kind:        model.TransactionRefund,
		Description: description,
		RefID:       debitID,
	}

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var amount int
		err := tx.QueryRowContext(ctx,
			`SELECT user_id, amount FROM credit_transactions WHERE id = ? AND kind = 'debit'`,
			debitID,
		).Scan(&refund.UserID, &amount)
		if err == sql.ErrNoRows {
			return apperror.NotFound("debit", debitID)
		}
		if err != nil {
			return fmt.Errorf("loading debit: %w", err)
		}

		t := now()
		refund.Amount = -amount
		var total int
		err = tx.QueryRowContext(ctx,
			`UPDATE credit_balances
			 SET bonus_credits = bonus_credits + ?, updated_at = ?
			 WHERE user_id = ?
			 RETURNING monthly_credits + bonus_credits`,
			refund.Amount, t, refund.UserID,
		).Scan(&total)
		if err == sql.ErrNoRows {
			return apperror.NotFound("credit balance", refund.UserID)
		}
		if err != nil {
			return fmt.Errorf("crediting balance: %w", err)
		}

		refund.BalanceAfter = total
		refund.CreatedAt = t
		if err := insertTransaction(ctx, tx, refund); err != nil {
			if isUniqueViolation(err) {
				return apperror.Conflict("refund", debitID)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: refunding %s: %w", debitID, err)
	}
	return refund, nil
}

// ListTransactions returns a user's ledger, newest first.
func (db *DB) ListTransactions(ctx context.Context, userID string, opts repository.ListOptions) ([]model.CreditTransaction, error) {
	opts = opts.Normalize()
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, user_id, kind, amount, description, ref_id, balance_after, created_at
		 FROM credit_transactions
		 WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ? OFFSET ?`,
		userID, opts.Limit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing transactions for %s: %w", userID, err)
	}
	defer rows.Close()

	txns := []model.CreditTransaction{}
	for rows.Next() {
		var (
			ct    model.CreditTransaction
			kind  string
			refID sql.NullString
		)
		if err := rows.Scan(&ct.ID, &ct.UserID, &kind, &ct.Amount, &ct.Description,
			&refID, &ct.BalanceAfter, &ct.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scanning transaction: %w", err)
		}
		ct.Kind = model.TransactionKind(kind)
		ct.RefID = refID.String
		txns = append(txns, ct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating transactions: %w", err)
	}
	return txns, nil
}

// ResetMonthlyCredits sets monthly credits back to each tier's allowance.
// Unused monthly credits do not roll over; bonus credits are untouched.
func (db *DB) ResetMonthlyCredits(ctx context.Context) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE credit_balances
		 SET monthly_credits = CASE tier
		         WHEN 'basic'   THEN ?
		         WHEN 'premium' THEN ?
		         ELSE ?
		     END,
		     updated_at = ?`,
		model.TierBasic.MonthlyAllowance(),
		model.TierPremium.MonthlyAllowance(),
		model.TierFree.MonthlyAllowance(),
		now(),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: resetting monthly credits: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: resetting monthly credits: %w", err)
	}
	return n, nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, ct *model.CreditTransaction) error {
	ct.ID = xid.New().String()
	_, err := tx.ExecContext(ctx,
		`INSERT INTO credit_transactions
			(id, user_id, kind, amount, description, ref_id, balance_after, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ct.ID,
		ct.UserID,
		string(ct.Kind),
		ct.Amount,
		ct.Description,
		nullString(ct.RefID),
		ct.BalanceAfter,
		ct.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting %s transaction: %w", ct.Kind, err)
	}
	return nil
}
