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

type SpinRepo struct {
	pool *pgxpool.Pool
}

func NewSpinRepo(pool *pgxpool.Pool) *SpinRepo {
	return &SpinRepo{pool: pool}
}

// LastSpinAt returns the time of the user's latest spin, or nil if none.
func (r *SpinRepo) LastSpinAt(ctx context.Context, userID uuid.UUID) (*time.Time, error) {
	var at time.Time
	err := r.pool.QueryRow(ctx, `
		SELECT spin_date FROM weekly_spins WHERE user_id = $1 ORDER BY spin_date DESC LIMIT 1
	`, userID).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &at, nil
}

// LastSpinAtTx is LastSpinAt under the caller's transaction.
func (r *SpinRepo) LastSpinAtTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*time.Time, error) {
	var at time.Time
	err := tx.QueryRow(ctx, `
		SELECT spin_date FROM weekly_spins WHERE user_id = $1 ORDER BY spin_date DESC LIMIT 1
	`, userID).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &at, nil
}

func (r *SpinRepo) CreateTx(ctx context.Context, tx pgx.Tx, s *models.WeeklySpin) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO weekly_spins (id, user_id, credits_won, spin_date) VALUES ($1, $2, $3, $4)
	`, s.ID, s.UserID, s.CreditsWon, s.SpinDate)
	return err
}
