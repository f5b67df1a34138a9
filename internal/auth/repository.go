package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("user not found")

// User is the credential side of an account; the profile lives in profiles.
type User struct {
	ID           uuid.UUID
	Email        string
	PasswordHash string
	TOTPSecret   *string
	TOTPEnabled  bool
	CreatedAt    time.Time
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts the users, profiles and user_roles rows for a new account in
// one transaction. The profile starts pending with zero credits.
func (r *Repository) Create(ctx context.Context, id uuid.UUID, email, passwordHash, username string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO users (id, email, password_hash) VALUES ($1, $2, $3)
	`, id, email, passwordHash); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO profiles (id, username, approval_status, credits) VALUES ($1, $2, 'pending', 0)
	`, id, username); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO user_roles (user_id, role) VALUES ($1, 'user')
	`, id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const userColumns = `id, email, password_hash, totp_secret, totp_enabled, created_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.TOTPSecret, &u.TOTPEnabled, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *Repository) GetByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email))
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// SessionEpoch returns the profile's current session epoch.
func (r *Repository) SessionEpoch(ctx context.Context, id uuid.UUID) (int, error) {
	var epoch int
	err := r.pool.QueryRow(ctx, `SELECT session_epoch FROM profiles WHERE id = $1`, id).Scan(&epoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return epoch, err
}

// UpdatePassword stores the new hash and bumps the session epoch in the same
// statement, so every session issued before the change is rejected.
func (r *Repository) UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	return r.execOne(ctx, `
		WITH u AS (
			UPDATE users SET password_hash = $2 WHERE id = $1 RETURNING id
		)
		UPDATE profiles p SET session_epoch = p.session_epoch + 1, updated_at = now()
		FROM u WHERE p.id = u.id
	`, id, passwordHash)
}

// SetTOTPSecret stores a pending secret; it is not enforced until enabled.
func (r *Repository) SetTOTPSecret(ctx context.Context, id uuid.UUID, secret string) error {
	return r.execOne(ctx, `UPDATE users SET totp_secret = $2, totp_enabled = false WHERE id = $1`, id, secret)
}

func (r *Repository) SetTOTPEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	if enabled {
		return r.execOne(ctx, `UPDATE users SET totp_enabled = true WHERE id = $1 AND totp_secret IS NOT NULL`, id)
	}
	return r.execOne(ctx, `UPDATE users SET totp_enabled = false, totp_secret = NULL WHERE id = $1`, id)
}

func (r *Repository) execOne(ctx context.Context, sql string, args ...any) error {
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
