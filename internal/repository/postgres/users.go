package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/xid"

	"github.com/sakif/clickmodel/internal/apperror"
	"github.com/sakif/clickmodel/internal/model"
)

const userColumns = `id, email, display_name, avatar_url, google_id, password_hash,
	email_verified_at, created_at, updated_at`

func scanUser(row pgx.Row) (*model.User, error) {
	var (
		u        model.User
		googleID *string
	)
	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.DisplayName,
		&u.AvatarURL,
		&googleID,
		&u.PasswordHash,
		&u.EmailVerifiedAt,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.GoogleID = deref(googleID)
	return &u, nil
}

func (q *Queries) Create(ctx context.Context, user *model.User) error {
	t := now()
	user.ID = xid.New().String()
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	user.CreatedAt = t
	user.UpdatedAt = t

	_, err := q.db.Exec(ctx,
		`INSERT INTO users (id, email, display_name, avatar_url, google_id, password_hash,
			email_verified_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		user.ID, user.Email, user.DisplayName, user.AvatarURL,
		nilIfEmpty(user.GoogleID), user.PasswordHash, user.EmailVerifiedAt,
		user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("user", user.Email)
		}
		return fmt.Errorf("postgres: creating user: %w", err)
	}
	return nil
}

func (q *Queries) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	u, err := scanUser(q.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.NotFound("user", id)
		}
		return nil, fmt.Errorf("postgres: getting user %s: %w", id, err)
	}
	return u, nil
}

func (q *Queries) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	u, err := scanUser(q.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.NotFound("user", email)
		}
		return nil, fmt.Errorf("postgres: getting user by email: %w", err)
	}
	return u, nil
}

// UpsertGoogle follows the same lookup order as the SQLite store: google_id,
// then email (linking), then insert.
func (s *Store) UpsertGoogle(ctx context.Context, user *model.User) (bool, error) {
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	created := false

	err := s.ExecTx(ctx, func(q *Queries) error {
		t := now()

		existing, err := scanUser(q.db.QueryRow(ctx,
			`SELECT `+userColumns+` FROM users WHERE google_id = $1 FOR UPDATE`, user.GoogleID))
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("looking up google_id: %w", err)
		}
		if existing == nil {
			existing, err = scanUser(q.db.QueryRow(ctx,
				`SELECT `+userColumns+` FROM users WHERE email = $1 FOR UPDATE`, user.Email))
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("looking up email: %w", err)
			}
		}

		if existing == nil {
			user.EmailVerifiedAt = &t
			if err := q.Create(ctx, user); err != nil {
				return err
			}
			created = true
			return nil
		}

		if user.DisplayName == "" {
			user.DisplayName = existing.DisplayName
		}
		if user.AvatarURL == "" {
			user.AvatarURL = existing.AvatarURL
		}
		verifiedAt := existing.EmailVerifiedAt
		if verifiedAt == nil {
			verifiedAt = &t
		}

		_, err = q.db.Exec(ctx,
			`UPDATE users
			 SET google_id = $1, display_name = $2, avatar_url = $3,
			     email_verified_at = $4, updated_at = $5
			 WHERE id = $6`,
			user.GoogleID, user.DisplayName, user.AvatarURL, verifiedAt, t, existing.ID,
		)
		if err != nil {
			return fmt.Errorf("updating user %s: %w", existing.ID, err)
		}

		user.ID = existing.ID
		user.Email = existing.Email
		user.PasswordHash = existing.PasswordHash
		user.EmailVerifiedAt = verifiedAt
		user.CreatedAt = existing.CreatedAt
		user.UpdatedAt = t
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("postgres: upserting google user: %w", err)
	}
	return created, nil
}

func (q *Queries) MarkEmailVerified(ctx context.Context, id string, at time.Time) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE users SET email_verified_at = COALESCE(email_verified_at, $1), updated_at = $2
		 WHERE id = $3`,
		at.UTC(), now(), id,
	)
	if err != nil {
		return fmt.Errorf("postgres: verifying user %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("user", id)
	}
	return nil
}

func (q *Queries) UpdatePassword(ctx context.Context, id, hash string) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE users SET password_hash = $1, updated_at = $2 WHERE id = $3`,
		hash, now(), id,
	)
	if err != nil {
		return fmt.Errorf("postgres: updating password for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("user", id)
	}
	return nil
}
