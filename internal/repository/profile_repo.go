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

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ErrUsernameCooldown means the username was changed too recently.
var ErrUsernameCooldown = errors.New("username changed within cooldown")

const profileColumns = `
	p.id, p.username, p.approval_status, p.credits, p.ban_until, p.ban_message,
	p.last_username_change, p.background_color, p.segment_color, p.lightning_color,
	p.session_epoch,
	COALESCE((SELECT array_agg(ur.role ORDER BY ur.role) FROM user_roles ur WHERE ur.user_id = p.id), '{}'),
	p.created_at, p.updated_at`

type ProfileRepo struct {
	pool *pgxpool.Pool
}

func NewProfileRepo(pool *pgxpool.Pool) *ProfileRepo {
	return &ProfileRepo{pool: pool}
}

func scanProfile(row pgx.Row) (*models.Profile, error) {
	var p models.Profile
	err := row.Scan(&p.ID, &p.Username, &p.ApprovalStatus, &p.Credits, &p.BanUntil, &p.BanMessage,
		&p.LastUsernameChange, &p.BackgroundColor, &p.SegmentColor, &p.LightningColor,
		&p.SessionEpoch, &p.Roles, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *ProfileRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Profile, error) {
	return scanProfile(r.pool.QueryRow(ctx, `SELECT `+profileColumns+` FROM profiles p WHERE p.id = $1`, id))
}

// GetByIDForUpdate locks the profile row for the rest of tx.
func (r *ProfileRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Profile, error) {
	return scanProfile(tx.QueryRow(ctx, `SELECT `+profileColumns+` FROM profiles p WHERE p.id = $1 FOR UPDATE OF p`, id))
}

// ListByStatus returns profiles, newest first. An empty status lists everyone.
func (r *ProfileRepo) ListByStatus(ctx context.Context, status string) ([]*models.Profile, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+profileColumns+`
		FROM profiles p
		WHERE $1 = '' OR p.approval_status = $1
		ORDER BY p.created_at DESC
	`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

// DeductCredits subtracts amount inside tx and returns the new balance.
func (r *ProfileRepo) DeductCredits(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int) (newBalance int, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE profiles SET credits = credits - $2, updated_at = now() WHERE id = $1
		RETURNING credits
	`, id, amount).Scan(&newBalance)
	return newBalance, err
}

// AddCredits adds amount inside tx and returns the new balance.
func (r *ProfileRepo) AddCredits(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int) (newBalance int, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE profiles SET credits = credits + $2, updated_at = now() WHERE id = $1
		RETURNING credits
	`, id, amount).Scan(&newBalance)
	return newBalance, err
}

// SetCredits overwrites the balance inside tx.
func (r *ProfileRepo) SetCredits(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int) error {
	_, err := tx.Exec(ctx, `UPDATE profiles SET credits = $2, updated_at = now() WHERE id = $1`, id, amount)
	return err
}

func (r *ProfileRepo) SetApproval(ctx context.Context, id uuid.UUID, status string) error {
	return r.execOne(ctx, `UPDATE profiles SET approval_status = $2, updated_at = now() WHERE id = $1`, id, status)
}

// SetBan opens a ban window; a nil until lifts the ban.
func (r *ProfileRepo) SetBan(ctx context.Context, id uuid.UUID, until *time.Time, message *string) error {
	return r.execOne(ctx, `UPDATE profiles SET ban_until = $2, ban_message = $3, updated_at = now() WHERE id = $1`, id, until, message)
}

// BumpSessionEpoch invalidates every session token issued for the user.
func (r *ProfileRepo) BumpSessionEpoch(ctx context.Context, id uuid.UUID) (int, error) {
	var epoch int
	err := r.pool.QueryRow(ctx, `
		UPDATE profiles SET session_epoch = session_epoch + 1, updated_at = now() WHERE id = $1
		RETURNING session_epoch
	`, id).Scan(&epoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return epoch, err
}

// UpdateUsername renames the profile unless the previous change is later than
// notAfter, in which case it returns ErrUsernameCooldown.
func (r *ProfileRepo) UpdateUsername(ctx context.Context, id uuid.UUID, username string, at, notAfter time.Time) error {
	err := r.execOne(ctx, `
		UPDATE profiles SET username = $2, last_username_change = $3, updated_at = now()
		WHERE id = $1 AND (last_username_change IS NULL OR last_username_change <= $4)
	`, id, username, at, notAfter)
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM profiles WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrUsernameCooldown
}

func (r *ProfileRepo) UpdateTheme(ctx context.Context, id uuid.UUID, background, segment, lightning *string) error {
	return r.execOne(ctx, `
		UPDATE profiles SET background_color = $2, segment_color = $3, lightning_color = $4, updated_at = now()
		WHERE id = $1
	`, id, background, segment, lightning)
}

func (r *ProfileRepo) AddRole(ctx context.Context, id uuid.UUID, role string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO user_roles (user_id, role) VALUES ($1, $2) ON CONFLICT DO NOTHING
	`, id, role)
	return err
}

func (r *ProfileRepo) RemoveRole(ctx context.Context, id uuid.UUID, role string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role = $2`, id, role)
	return err
}

func (r *ProfileRepo) execOne(ctx context.Context, sql string, args ...any) error {
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
