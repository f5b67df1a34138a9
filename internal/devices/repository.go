package devices

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/resellerhub/backend/internal/models"
)

var ErrNotFound = errors.New("device not found")

const deviceColumns = `id, user_id, fingerprint, device_info, ip_address, user_agent, is_approved, last_active, created_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// UpsertParams describes one check-in.
type UpsertParams struct {
	UserID      uuid.UUID
	Fingerprint string
	DeviceInfo  json.RawMessage
	IPAddress   string
	UserAgent   string
}

// Upsert records a check-in. A new row is approved only when it is the user's
// first device; the profile row is locked so two first check-ins cannot both
// win. Existing rows keep their approval and get last_active refreshed.
func (r *Repository) Upsert(ctx context.Context, p UpsertParams) (*models.DeviceSession, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT 1 FROM profiles WHERE id = $1 FOR UPDATE`, p.UserID); err != nil {
		return nil, false, err
	}

	var d models.DeviceSession
	var inserted bool
	err = tx.QueryRow(ctx, `
		INSERT INTO device_sessions (id, user_id, fingerprint, device_info, ip_address, user_agent, is_approved)
		VALUES ($1, $2, $3, $4, $5, $6,
		        NOT EXISTS (SELECT 1 FROM device_sessions WHERE user_id = $2))
		ON CONFLICT (user_id, fingerprint) DO UPDATE
		SET last_active = now(),
		    ip_address = EXCLUDED.ip_address,
		    user_agent = EXCLUDED.user_agent,
		    device_info = EXCLUDED.device_info
		RETURNING `+deviceColumns+`, (xmax = 0)
	`, uuid.New(), p.UserID, p.Fingerprint, p.DeviceInfo, p.IPAddress, p.UserAgent).Scan(
		&d.ID, &d.UserID, &d.Fingerprint, &d.DeviceInfo, &d.IPAddress, &d.UserAgent,
		&d.IsApproved, &d.LastActive, &d.CreatedAt, &inserted)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return &d, inserted, nil
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.DeviceSession, error) {
	d, err := scanDevice(r.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM device_sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (r *Repository) ListByUserID(ctx context.Context, userID uuid.UUID) ([]*models.DeviceSession, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+deviceColumns+` FROM device_sessions
		WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	return collectDevices(rows)
}

// List returns every device row, newest first; pendingOnly narrows it to the
// approval queue.
func (r *Repository) List(ctx context.Context, pendingOnly bool) ([]*models.DeviceSession, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+deviceColumns+` FROM device_sessions
		WHERE NOT $1 OR is_approved = false
		ORDER BY created_at DESC`, pendingOnly)
	if err != nil {
		return nil, err
	}
	return collectDevices(rows)
}

func (r *Repository) Approve(ctx context.Context, id uuid.UUID) (*models.DeviceSession, error) {
	d, err := scanDevice(r.pool.QueryRow(ctx, `
		UPDATE device_sessions SET is_approved = true
		WHERE id = $1 RETURNING `+deviceColumns, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM device_sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanDevice(row pgx.Row) (*models.DeviceSession, error) {
	var d models.DeviceSession
	if err := row.Scan(&d.ID, &d.UserID, &d.Fingerprint, &d.DeviceInfo, &d.IPAddress, &d.UserAgent,
		&d.IsApproved, &d.LastActive, &d.CreatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func collectDevices(rows pgx.Rows) ([]*models.DeviceSession, error) {
	defer rows.Close()
	var list []*models.DeviceSession
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, d)
	}
	return list, rows.Err()
}
