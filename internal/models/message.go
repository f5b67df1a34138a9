package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// User request types and statuses.
const (
	RequestTypeResetKey  = "reset_key"
	RequestTypeDeleteKey = "delete_key"
	RequestTypeBanUDID   = "ban_udid"
	RequestTypeOther     = "other"

	RequestStatusPending   = "pending"
	RequestStatusCompleted = "completed"
	RequestStatusRejected  = "rejected"
)

type SupportMessage struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	SenderID  uuid.UUID `json:"sender_id"`
	IsAdmin   bool      `json:"is_admin"`
	Message   string    `json:"message"`
	ImageURL  *string   `json:"image_url,omitempty"`
	VideoURL  *string   `json:"video_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type PrivateMessage struct {
	ID          uuid.UUID  `json:"id"`
	RecipientID uuid.UUID  `json:"recipient_id"`
	SenderID    *uuid.UUID `json:"sender_id,omitempty"`
	SenderName  string     `json:"sender_name"`
	Message     string     `json:"message"`
	ImageURL    *string    `json:"image_url,omitempty"`
	VideoURL    *string    `json:"video_url,omitempty"`
	Read        bool       `json:"read"`
	CreatedAt   time.Time  `json:"created_at"`
}

type UserRequest struct {
	ID            uuid.UUID  `json:"id"`
	UserID        uuid.UUID  `json:"user_id"`
	RequestType   string     `json:"request_type"`
	KeyCode       *string    `json:"key_code,omitempty"`
	UDID          *string    `json:"udid,omitempty"`
	Details       string     `json:"details,omitempty"`
	Status        string     `json:"status"`
	AdminResponse *string    `json:"admin_response,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// UserAction is an audit row for user and staff actions.
type UserAction struct {
	ID         uuid.UUID       `json:"id"`
	UserID     uuid.UUID       `json:"user_id"`
	ActionType string          `json:"action_type"`
	KeyCode    *string         `json:"key_code,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
