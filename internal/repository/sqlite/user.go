package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/clickmodel/internal/apperror"
	"github.com/sakif/clickmodel/internal/model"
)

const userColumns = `id, email, display_name, avatar_url, google_id, password_hash,
	email_verified_at, created_at, updated_at`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*model.User, error) {
	var (
		u        model.User
		googleID sql.NullString
		verified sql.NullTime
	)
	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.DisplayName,
		&u.AvatarURL,
		&googleID,
		&u.PasswordHash,
		&verified,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.GoogleID = googleID.String
	u.EmailVerifiedAt = timePtr(verified)
	return &u, nil
}

// Create inserts a new user and fills in ID and timestamps.
func (db *DB) Create(ctx context.Context, user *model.User) error {
	t := now()
	user.ID = xid.New().String()
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	user.CreatedAt = t
	user.UpdatedAt = t

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO users (id, email, display_name, avatar_url, google_id, password_hash,
			email_verified_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID,
		user.Email,
		user.DisplayName,
		user.AvatarURL,
		nullString(user.GoogleID),
		user.PasswordHash,
		nullTime(user.EmailVerifiedAt),
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("user", user.Email)
		}
		return fmt.Errorf("sqlite: creating user: %w", err)
	}
	return nil
}

func (db *DB) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	u, err := scanUser(db.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.NotFound("user", id)
		}
		return nil, fmt.Errorf("sqlite: getting user %s: %w", id, err)
	}
	return u, nil
}

func (db *DB) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	u, err := scanUser(db.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = ?`, email))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.NotFound("user", email)
		}
		return nil, fmt.Errorf("sqlite: getting user by email: %w", err)
	}
	return u, nil
}

// UpsertGoogle resolves a Google sign-in to a user row.
//
// Lookup order:
//  1. google_id: returning user, refresh profile fields
//  2. email: existing password account, link it and mark it verified
//  3. neither: insert a new, already verified user
func (db *DB) UpsertGoogle(ctx context.Context, user *model.User) (bool, error) {
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	created := false

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		t := now()

		existing, err := scanUser(tx.QueryRowContext(ctx,
			`SELECT `+userColumns+` FROM users WHERE google_id = ?`, user.GoogleID))
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("looking up google_id: %w", err)
		}
		if existing == nil {
			existing, err = scanUser(tx.QueryRowContext(ctx,
				`SELECT `+userColumns+` FROM users WHERE email = ?`, user.Email))
			if err != nil && err != sql.ErrNoRows {
				return fmt.Errorf("looking up email: %w", err)
			}
		}

		if existing == nil {
			user.ID = xid.New().String()
			user.EmailVerifiedAt = &t
			user.CreatedAt = t
			user.UpdatedAt = t
			_, err := tx.ExecContext(ctx,
				`INSERT INTO users (id, email, display_name, avatar_url, google_id,
					password_hash, email_verified_at, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, '', ?, ?, ?)`,
				user.ID, user.Email, user.DisplayName, user.AvatarURL,
				user.GoogleID, t, t, t,
			)
			if err != nil {
				return fmt.Errorf("inserting user: %w", err)
			}
			created = true
			return nil
		}

		// Keep the stored profile when Google sends blanks.
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

		_, err = tx.ExecContext(ctx,
			`UPDATE users
			 SET google_id = ?, display_name = ?, avatar_url = ?,
			     email_verified_at = ?, updated_at = ?
			 WHERE id = ?`,
			user.GoogleID, user.DisplayName, user.AvatarURL,
			verifiedAt.UTC(), t, existing.ID,
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
		return false, fmt.Errorf("sqlite: upserting google user: %w", err)
	}
	return created, nil
}

func (db *DB) MarkEmailVerified(ctx context.Context, id string, at time.Time) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE users SET email_verified_at = COALESCE(email_verified_at, ?), updated_at = ?
		 WHERE id = ?`,
		at.UTC(), now(), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: verifying user %s: %w", id, err)
	}
	return expectOneRow(res, "user", id)
}

func (db *DB) UpdatePassword(ctx context.Context, id, hash string) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`,
		hash, now(), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: updating password for %s: %w", id, err)
	}
	return expectOneRow(res, "user", id)
}

func expectOneRow(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if n == 0 {
		return apperror.NotFound(resource, id)
	}
	return nil
}
