package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/resellerhub/backend/internal/models"
)

const keyColumns = `id, user_id, key_code, duration, status, activate_count, activate_limit,
	package_ids, expired_at, last_synced_at, created_at, updated_at`

// KeyRepo is the local mirror of keys issued through the licensing API.
type KeyRepo struct {
	pool *pgxpool.Pool
}

func NewKeyRepo(pool *pgxpool.Pool) *KeyRepo {
	return &KeyRepo{pool: pool}
}

func (r *KeyRepo) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func scanKey(row pgx.Row) (*models.Key, error) {
	var k models.Key
	err := row.Scan(&k.ID, &k.UserID, &k.KeyCode, &k.Duration, &k.Status, &k.ActivateCount, &k.ActivateLimit,
		&k.PackageIDs, &k.ExpiredAt, &k.LastSyncedAt, &k.CreatedAt, &k.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func collectKeys(rows pgx.Rows) ([]*models.Key, error) {
	defer rows.Close()
	var list []*models.Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, k)
	}
	return list, rows.Err()
}

// CreateTx inserts k inside tx and fills in the timestamps.
func (r *KeyRepo) CreateTx(ctx context.Context, tx pgx.Tx, k *models.Key) error {
	return tx.QueryRow(ctx, `
		INSERT INTO keys (id, user_id, key_code, duration, status, activate_count, activate_limit, package_ids, expired_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`, k.ID, k.UserID, k.KeyCode, k.Duration, k.Status, k.ActivateCount, k.ActivateLimit, k.PackageIDs, k.ExpiredAt).
		Scan(&k.CreatedAt, &k.UpdatedAt)
}

func (r *KeyRepo) GetByCode(ctx context.Context, code string) (*models.Key, error) {
	return scanKey(r.pool.QueryRow(ctx, `SELECT `+keyColumns+` FROM keys WHERE key_code = $1`, code))
}

// ListByUserID returns every key of the user, deleted ones included.
func (r *KeyRepo) ListByUserID(ctx context.Context, userID uuid.UUID) ([]*models.Key, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+keyColumns+` FROM keys
		WHERE user_id = $1
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	return collectKeys(rows)
}

// ListStale returns keys not reconciled since before, never-synced first.
func (r *KeyRepo) ListStale(ctx context.Context, before time.Time, limit int) ([]*models.Key, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+keyColumns+` FROM keys
		WHERE status <> 'deleted' AND (last_synced_at IS NULL OR last_synced_at < $1)
		ORDER BY last_synced_at NULLS FIRST
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	return collectKeys(rows)
}

func (r *KeyRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	return r.execOne(ctx, `UPDATE keys SET status = $2, updated_at = now() WHERE id = $1`, id, status)
}

func (r *KeyRepo) ResetActivations(ctx context.Context, id uuid.UUID) error {
	return r.execOne(ctx, `UPDATE keys SET activate_count = 0, updated_at = now() WHERE id = $1`, id)
}

// ApplySync writes the reconciled view of a key. The status moves from
// from to to only if the row still has status from; a concurrent change
// wins. It returns the status the row ends up with.
func (r *KeyRepo) ApplySync(ctx context.Context, id uuid.UUID, from, to string, activateCount int, syncedAt time.Time) (string, error) {
	var status string
	err := r.pool.QueryRow(ctx, `
		UPDATE keys
		SET status = CASE WHEN status = $2 THEN $3 ELSE status END,
			activate_count = $4, last_synced_at = $5, updated_at = now()
		WHERE id = $1
		RETURNING status`, id, from, to, activateCount, syncedAt).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return status, err
}

func (r *KeyRepo) Delete(ctx context.Context, id uuid.UUID) error {
	return r.execOne(ctx, `DELETE FROM keys WHERE id = $1`, id)
}

func (r *KeyRepo) execOne(ctx context.Context, sql string, args ...any) error {
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
