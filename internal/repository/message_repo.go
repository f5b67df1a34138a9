package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/resellerhub/backend/internal/models"
)

// MessageRepo covers support chat threads, private messages and read receipts.
type MessageRepo struct {
	pool *pgxpool.Pool
}

func NewMessageRepo(pool *pgxpool.Pool) *MessageRepo {
	return &MessageRepo{pool: pool}
}

func (r *MessageRepo) CreateSupport(ctx context.Context, m *models.SupportMessage) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO support_messages (id, user_id, sender_id, is_admin, message, image_url, video_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, m.ID, m.UserID, m.SenderID, m.IsAdmin, m.Message, m.ImageURL, m.VideoURL).Scan(&m.CreatedAt)
}

// ListSupport returns a user's support thread, oldest first.
func (r *MessageRepo) ListSupport(ctx context.Context, userID uuid.UUID, limit int) ([]*models.SupportMessage, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, sender_id, is_admin, message, image_url, video_url, created_at
		FROM (
			SELECT * FROM support_messages WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
		) t ORDER BY created_at ASC
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.SupportMessage
	for rows.Next() {
		var m models.SupportMessage
		if err := rows.Scan(&m.ID, &m.UserID, &m.SenderID, &m.IsAdmin, &m.Message, &m.ImageURL, &m.VideoURL, &m.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &m)
	}
	return list, rows.Err()
}

func (r *MessageRepo) CreatePrivate(ctx context.Context, m *models.PrivateMessage) error {
	return insertPrivate(ctx, r.pool, m)
}

// CreatePrivateTx is CreatePrivate inside tx.
func (r *MessageRepo) CreatePrivateTx(ctx context.Context, tx pgx.Tx, m *models.PrivateMessage) error {
	return insertPrivate(ctx, tx, m)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertPrivate(ctx context.Context, q rowQuerier, m *models.PrivateMessage) error {
	return q.QueryRow(ctx, `
		INSERT INTO private_messages (id, recipient_id, sender_id, sender_name, message, image_url, video_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, m.ID, m.RecipientID, m.SenderID, m.SenderName, m.Message, m.ImageURL, m.VideoURL).Scan(&m.CreatedAt)
}

// ListPrivate returns a user's private messages, newest first, with read state.
func (r *MessageRepo) ListPrivate(ctx context.Context, recipientID uuid.UUID, limit int) ([]*models.PrivateMessage, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT m.id, m.recipient_id, m.sender_id, m.sender_name, m.message, m.image_url, m.video_url,
		       rr.message_id IS NOT NULL, m.created_at
		FROM private_messages m
		LEFT JOIN message_read_receipts rr ON rr.message_id = m.id AND rr.user_id = m.recipient_id
		WHERE m.recipient_id = $1
		ORDER BY m.created_at DESC LIMIT $2
	`, recipientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.PrivateMessage
	for rows.Next() {
		var m models.PrivateMessage
		if err := rows.Scan(&m.ID, &m.RecipientID, &m.SenderID, &m.SenderName, &m.Message, &m.ImageURL, &m.VideoURL, &m.Read, &m.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &m)
	}
	return list, rows.Err()
}

// MarkRead records a read receipt. Only the recipient can mark a message;
// ErrNotFound is returned otherwise. Repeated calls are no-ops.
func (r *MessageRepo) MarkRead(ctx context.Context, messageID, userID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO message_read_receipts (message_id, user_id)
		SELECT id, recipient_id FROM private_messages WHERE id = $1 AND recipient_id = $2
		ON CONFLICT DO NOTHING
	`, messageID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx, `
			SELECT EXISTS(SELECT 1 FROM private_messages WHERE id = $1 AND recipient_id = $2)
		`, messageID, userID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

func (r *MessageRepo) UnreadCount(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM private_messages m
		WHERE m.recipient_id = $1
		  AND NOT EXISTS (SELECT 1 FROM message_read_receipts rr WHERE rr.message_id = m.id AND rr.user_id = $1)
	`, userID).Scan(&n)
	return n, err
}
