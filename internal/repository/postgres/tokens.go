package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sakif/clickmodel/internal/apperror"
	"github.com/sakif/clickmodel/internal/model"
)

func (q *Queries) CreateToken(ctx context.Context, token *model.ActionToken) error {
	if token.CreatedAt.IsZero() {
		token.CreatedAt = now()
	}
	_, err := q.db.Exec(ctx,
		`INSERT INTO action_tokens (token, user_id, purpose, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		token.Token, token.UserID, string(token.Purpose), token.ExpiresAt, token.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: creating %s token: %w", token.Purpose, err)
	}
	return nil
}

func (q *Queries) ConsumeToken(ctx context.Context, token string, purpose model.TokenPurpose, at time.Time) (*model.ActionToken, error) {
	at = at.UTC()
	t := model.ActionToken{Token: token, Purpose: purpose, UsedAt: &at}
	err := q.db.QueryRow(ctx,
		`UPDATE action_tokens
		 SET used_at = $1
		 WHERE token = $2 AND purpose = $3 AND used_at IS NULL AND expires_at > $1
		 RETURNING user_id, expires_at, created_at`,
		at, token, string(purpose),
	).Scan(&t.UserID, &t.ExpiresAt, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.NotFound(string(purpose)+" token", "(redacted)")
		}
		return nil, fmt.Errorf("postgres: consuming token: %w", err)
	}
	return &t, nil
}
