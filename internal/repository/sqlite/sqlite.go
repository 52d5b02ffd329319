// Package sqlite implements the repository interfaces on SQLite.
//
// SQLite is the default backend: a single file next to the binary, no server
// to run. modernc.org/sqlite is a pure Go port, so the binary still
// cross-compiles without a C toolchain.
//
// CONCURRENCY:
// database/sql hands out pooled connections, and PRAGMAs are per connection.
// They are therefore passed in the DSN (_pragma=...) so every connection in
// the pool gets them, not only the first one. _txlock=immediate makes BEGIN
// take the write lock up front; a ledger transaction then waits on
// busy_timeout instead of failing halfway with SQLITE_BUSY.
//
// TIMESTAMPS:
// Times are written in UTC with _time_format=sqlite, which yields fixed
// "YYYY-MM-DD HH:MM:SS.fff+00:00" text. That text sorts chronologically, so
// ORDER BY created_at and expires_at > ? comparisons work on the raw column.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sakif/clickmodel/internal/repository"
)

var _ repository.Store = (*DB)(nil)

// DB wraps a sql.DB connection pool and implements repository.Store.
type DB struct {
	conn *sql.DB
}

const dsnParams = "_pragma=foreign_keys(1)" +
	"&_pragma=journal_mode(WAL)" +
	"&_pragma=busy_timeout(5000)" +
	"&_txlock=immediate" +
	"&_time_format=sqlite"

// New opens (creating if needed) the database at dbPath and runs migrations.
//
// dbPath examples:
//   - "data/clickmodel.db"  file-based, persistent
//   - ":memory:"            in-memory, gone on Close
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath+"?"+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	// Every connection to ":memory:" is a separate, empty database. Pin the
	// pool to one connection so the migrated schema is the one every query sees.
	if dbPath == ":memory:" {
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

// Close closes the connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping is used by the health check.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite: ping: %w", err)
	}
	return nil
}

// migrate creates the schema. Every statement is idempotent, so it runs on
// each start.
//
// The CHECK constraints on credit_balances are the last line of defence for
// the non-negative balance rule; the conditional UPDATE in Deduct should make
// them unreachable.
func (db *DB) migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id                TEXT PRIMARY KEY,
			email             TEXT NOT NULL UNIQUE COLLATE NOCASE,
			display_name      TEXT NOT NULL DEFAULT '',
			avatar_url        TEXT NOT NULL DEFAULT '',
			google_id         TEXT UNIQUE,
			password_hash     TEXT NOT NULL DEFAULT '',
			email_verified_at DATETIME,
			created_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("creating users table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS credit_balances (
			user_id         TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
			monthly_credits INTEGER NOT NULL DEFAULT 0 CHECK (monthly_credits >= 0),
			bonus_credits   INTEGER NOT NULL DEFAULT 0 CHECK (bonus_credits >= 0),
			tier            TEXT NOT NULL DEFAULT 'free' CHECK (tier IN ('free', 'basic', 'premium')),
			updated_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS credit_transactions (
			id            TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			kind          TEXT NOT NULL CHECK (kind IN ('grant', 'debit', 'refund')),
			amount        INTEGER NOT NULL,
			description   TEXT NOT NULL DEFAULT '',
			ref_id        TEXT,
			balance_after INTEGER NOT NULL,
			created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_credit_transactions_user
			ON credit_transactions(user_id, created_at);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_transactions_refund_ref
			ON credit_transactions(ref_id) WHERE kind = 'refund';
	`)
	if err != nil {
		return fmt.Errorf("creating credit tables: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS generations (
			id            TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			image_url     TEXT NOT NULL,
			model_url     TEXT NOT NULL,
			result_url    TEXT NOT NULL,
			clothing_type TEXT NOT NULL,
			status        TEXT NOT NULL DEFAULT 'completed',
			cost          INTEGER NOT NULL DEFAULT 1,
			created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_generations_user_created
			ON generations(user_id, created_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("creating generations table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS action_tokens (
			token      TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			purpose    TEXT NOT NULL,
			expires_at DATETIME NOT NULL,
			used_at    DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_action_tokens_user ON action_tokens(user_id);
	`)
	if err != nil {
		return fmt.Errorf("creating action_tokens table: %w", err)
	}

	// Added after the first release: databases created before it lack the
	// column.
	if err := db.addColumnIfNotExists("generations", "cost",
		"INTEGER NOT NULL DEFAULT 1"); err != nil {
		return fmt.Errorf("adding cost to generations: %w", err)
	}

	return nil
}

// addColumnIfNotExists makes ALTER TABLE ADD COLUMN idempotent.
func (db *DB) addColumnIfNotExists(table, column, definition string) error {
	var count int
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`,
		table, column,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("checking column %s.%s: %w", table, column, err)
	}
	if count > 0 {
		return nil
	}
	_, err = db.conn.Exec(fmt.Sprintf(
		`ALTER TABLE %s ADD COLUMN %s %s`, table, column, definition,
	))
	return err
}

// withTx runs fn in a transaction, committing on nil and rolling back on
// error.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// now is the timestamp written by every repository method.
func now() time.Time {
	return time.Now().UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
