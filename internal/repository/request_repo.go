package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/resellerhub/backend/internal/models"
)

const requestColumns = `id, user_id, request_type, key_code, udid, details, status, admin_response, created_at, completed_at`

type RequestRepo struct {
	pool *pgxpool.Pool
}

func NewRequestRepo(pool *pgxpool.Pool) *RequestRepo {
	return &RequestRepo{pool: pool}
}

func scanRequest(row pgx.Row) (*models.UserRequest, error) {
	var q models.UserRequest
	err := row.Scan(&q.ID, &q.UserID, &q.RequestType, &q.KeyCode, &q.UDID, &q.Details, &q.Status, &q.AdminResponse, &q.CreatedAt, &q.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (r *RequestRepo) Create(ctx context.Context, q *models.UserRequest) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO user_requests (id, user_id, request_type, key_code, udid, details, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, q.ID, q.UserID, q.RequestType, q.KeyCode, q.UDID, q.Details, q.Status).Scan(&q.CreatedAt)
}

func (r *RequestRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.UserRequest, error) {
	return scanRequest(r.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM user_requests WHERE id = $1`, id))
}

func (r *RequestRepo) ListByUserID(ctx context.Context, userID uuid.UUID) ([]*models.UserRequest, error) {
	return r.list(ctx, `SELECT `+requestColumns+` FROM user_requests WHERE user_id = $1 ORDER BY created_at DESC`, userID)
}

// ListByStatus lists requests for the staff queue; empty status lists all.
func (r *RequestRepo) ListByStatus(ctx context.Context, status string) ([]*models.UserRequest, error) {
	return r.list(ctx, `
		SELECT `+requestColumns+` FROM user_requests
		WHERE $1 = '' OR status = $1
		ORDER BY created_at ASC
	`, status)
}

// ResolveTx closes a pending request inside tx. ErrNotFound if it is missing
// or already closed.
func (r *RequestRepo) ResolveTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status, response string) (*models.UserRequest, error) {
	return scanRequest(tx.QueryRow(ctx, `
		UPDATE user_requests SET status = $2, admin_response = $3, completed_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+requestColumns, id, status, response))
}

func (r *RequestRepo) list(ctx context.Context, sql string, args ...any) ([]*models.UserRequest, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.UserRequest
	for rows.Next() {
		q, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, q)
	}
	return list, rows.Err()
}
