package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sakif/clickmodel/internal/apperror"
	"github.com/sakif/clickmodel/internal/model"
)

func (db *DB) CreateToken(ctx context.Context, token *model.ActionToken) error {
	if token.CreatedAt.IsZero() {
		token.CreatedAt = now()
	}
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO action_tokens (token, user_id, purpose, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		token.Token,
		token.UserID,
		string(token.Purpose),
		token.ExpiresAt.UTC(),
		token.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: creating %s token: %w", token.Purpose, err)
	}
	return nil
}

// ConsumeToken burns a token in one statement, so a link clicked twice in
// parallel is honoured once.
func (db *DB) ConsumeToken(ctx context.Context, token string, purpose model.TokenPurpose, at time.Time) (*model.ActionToken, error) {
	at = at.UTC()
	t := model.ActionToken{Token: token, Purpose: purpose, UsedAt: &at}
	err := db.conn.QueryRowContext(ctx,
		`UPDATE action_tokens
		 SET used_at = ?1
		 WHERE token = ?2 AND purpose = ?3 AND used_at IS NULL AND expires_at > ?1
		 RETURNING user_id, expires_at, created_at`,
		at, token, string(purpose),
	).Scan(&t.UserID, &t.ExpiresAt, &t.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.NotFound(string(purpose)+" token", "(redacted)")
		}
		return nil, fmt.Errorf("sqlite: consuming token: %w", err)
	}
	return &t, nil
}
