package models

import (
	"time"

	"github.com/google/uuid"
)

// Key status values. The local row mirrors the licensing API.
const (
	KeyStatusPending = "pending"
	KeyStatusActive  = "active"
	KeyStatusBlocked = "blocked"
	KeyStatusDeleted = "deleted"
)

// Key durations sold to resellers.
const (
	Duration1Day   = "1day"
	Duration1Week  = "1week"
	Duration25Days = "25days"
)

// ActivationWindow is how long a freshly created key may stay pending before
// an unactivated key is retired by reconciliation.
const ActivationWindow = time.Hour

type durationTerm struct {
	days int
	cost int
}

var durations = map[string]durationTerm{
	Duration1Day:   {days: 1, cost: 1},
	Duration1Week:  {days: 7, cost: 3},
	Duration25Days: {days: 25, cost: 5},
}

// DurationCost returns the credit price of a key duration.
func DurationCost(d string) (int, bool) {
	s, ok := durations[d]
	return s.cost, ok
}

// DurationDays returns the licence length in days for a key duration.
func DurationDays(d string) (int, bool) {
	s, ok := durations[d]
	return s.days, ok
}

type Key struct {
	ID            uuid.UUID  `json:"id"`
	UserID        uuid.UUID  `json:"user_id"`
	KeyCode       string     `json:"key_code"`
	Duration      string     `json:"duration"`
	Status        string     `json:"status"`
	ActivateCount int        `json:"activate_count"`
	ActivateLimit int        `json:"activate_limit"`
	PackageIDs    []int32    `json:"package_ids"`
	ExpiredAt     *time.Time `json:"expired_at,omitempty"`
	LastSyncedAt  *time.Time `json:"last_synced_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// IsStale reports whether the row has not been reconciled within tolerance.
func (k *Key) IsStale(now time.Time, tolerance time.Duration) bool {
	return k.LastSyncedAt == nil || now.Sub(*k.LastSyncedAt) > tolerance
}
