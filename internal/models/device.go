package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type DeviceSession struct {
	ID          uuid.UUID       `json:"id"`
	UserID      uuid.UUID       `json:"user_id"`
	Fingerprint string          `json:"fingerprint"`
	DeviceInfo  json.RawMessage `json:"device_info"`
	IPAddress   string          `json:"ip_address"`
	UserAgent   string          `json:"user_agent"`
	IsApproved  bool            `json:"is_approved"`
	LastActive  time.Time       `json:"last_active"`
	CreatedAt   time.Time       `json:"created_at"`
}
