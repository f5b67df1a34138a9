package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/resellerhub/backend/internal/models"
)

// ActionRepo writes the user_actions audit trail.
type ActionRepo struct {
	pool *pgxpool.Pool
}

func NewActionRepo(pool *pgxpool.Pool) *ActionRepo {
	return &ActionRepo{pool: pool}
}

// Record stores one action. details may be nil.
func (r *ActionRepo) Record(ctx context.Context, userID uuid.UUID, actionType string, keyCode *string, details any) error {
	var raw json.RawMessage
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return err
		}
		raw = b
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO user_actions (id, user_id, action_type, key_code, details) VALUES ($1, $2, $3, $4, $5)
	`, uuid.New(), userID, actionType, keyCode, raw)
	return err
}

func (r *ActionRepo) ListByUserID(ctx context.Context, userID uuid.UUID, limit int) ([]*models.UserAction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, action_type, key_code, details, created_at
		FROM user_actions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.UserAction
	for rows.Next() {
		var a models.UserAction
		if err := rows.Scan(&a.ID, &a.UserID, &a.ActionType, &a.KeyCode, &a.Details, &a.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &a)
	}
	return list, rows.Err()
}
