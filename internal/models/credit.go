package models

import (
	"time"

	"github.com/google/uuid"
)

// Credit ledger entry_type values.
const (
	CreditEntryKeyPurchase = "key_purchase"
	CreditEntryAdminSet    = "admin_set"
	CreditEntrySpinReward  = "spin_reward"
)

// CreditLedger is one balance movement. Amount is signed: debits are negative.
type CreditLedger struct {
	ID           uuid.UUID  `json:"id"`
	UserID       uuid.UUID  `json:"user_id"`
	KeyID        *uuid.UUID `json:"key_id,omitempty"`
	EntryType    string     `json:"entry_type"`
	Amount       int        `json:"amount"`
	BalanceAfter int        `json:"balance_after"`
	Note         string     `json:"note,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

type WeeklySpin struct {
	ID         uuid.UUID `json:"id"`
	UserID     uuid.UUID `json:"user_id"`
	CreditsWon int       `json:"credits_won"`
	SpinDate   time.Time `json:"spin_date"`
}
