package models

import (
	"time"

	"github.com/google/uuid"
)

// Profile approval_status values.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// Roles stored in user_roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
	RoleOwner = "owner"
)

// UsernameChangeCooldown is the minimum time between two username changes.
const UsernameChangeCooldown = 30 * 24 * time.Hour

type Profile struct {
	ID                 uuid.UUID  `json:"id"`
	Username           string     `json:"username"`
	ApprovalStatus     string     `json:"approval_status"`
	Credits            int        `json:"credits"`
	BanUntil           *time.Time `json:"ban_until,omitempty"`
	BanMessage         *string    `json:"ban_message,omitempty"`
	LastUsernameChange *time.Time `json:"last_username_change,omitempty"`
	BackgroundColor    *string    `json:"background_color,omitempty"`
	SegmentColor       *string    `json:"segment_color,omitempty"`
	LightningColor     *string    `json:"lightning_color,omitempty"`
	SessionEpoch       int        `json:"-"`
	Roles              []string   `json:"roles"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// IsBanned reports whether the ban window is still open at now.
func (p *Profile) IsBanned(now time.Time) bool {
	return p.BanUntil != nil && p.BanUntil.After(now)
}

// IsApproved reports whether the account passed admin approval.
func (p *Profile) IsApproved() bool {
	return p.ApprovalStatus == ApprovalApproved
}

// HasRole reports whether the profile holds any of roles.
func (p *Profile) HasRole(roles ...string) bool {
	for _, have := range p.Roles {
		for _, want := range roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

// IsStaff is true for admins and owners.
func (p *Profile) IsStaff() bool {
	return p.HasRole(RoleAdmin, RoleOwner)
}

// NextUsernameChange returns when the user may change their username again.
// The zero time means a change is allowed now.
func (p *Profile) NextUsernameChange() time.Time {
	if p.LastUsernameChange == nil {
		return time.Time{}
	}
	return p.LastUsernameChange.Add(UsernameChangeCooldown)
}
