package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/resellerhub/backend/internal/apperr"
	"github.com/resellerhub/backend/internal/models"
)

// ErrInsufficientCredits is returned when the balance is below the charge.
var ErrInsufficientCredits = apperr.New(apperr.InsufficientCredits, "insufficient credits")

// CreditService moves credits on profiles and records every movement in
// credit_ledger. All methods expect to run inside the caller's transaction.
type CreditService struct {
	ProfileRepo CreditProfileRepo
	LedgerRepo  CreditLedgerRepo
}

// CreditProfileRepo is the minimal profile repository interface for credits.
type CreditProfileRepo interface {
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Profile, error)
	DeductCredits(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int) (newBalance int, err error)
	AddCredits(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int) (newBalance int, err error)
	SetCredits(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int) error
}

// CreditLedgerRepo is the minimal ledger interface for credits.
type CreditLedgerRepo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, c *models.CreditLedger) error
}

func NewCreditService(profileRepo CreditProfileRepo, ledgerRepo CreditLedgerRepo) *CreditService {
	return &CreditService{ProfileRepo: profileRepo, LedgerRepo: ledgerRepo}
}

// Charge locks the profile row, checks the balance, deducts amount and writes
// a key_purchase entry.
func (s *CreditService) Charge(ctx context.Context, tx pgx.Tx, userID uuid.UUID, keyID *uuid.UUID, amount int) (int, error) {
	if amount <= 0 {
		return 0, apperr.New(apperr.Invalid, "charge must be positive")
	}
	p, err := s.ProfileRepo.GetByIDForUpdate(ctx, tx, userID)
	if err != nil {
		return 0, err
	}
	if p.Credits < amount {
		return p.Credits, ErrInsufficientCredits
	}
	newBalance, err := s.ProfileRepo.DeductCredits(ctx, tx, userID, amount)
	if err != nil {
		return 0, err
	}
	return newBalance, s.LedgerRepo.CreateTx(ctx, tx, &models.CreditLedger{
		ID:           uuid.New(),
		UserID:       userID,
		KeyID:        keyID,
		EntryType:    models.CreditEntryKeyPurchase,
		Amount:       -amount,
		BalanceAfter: newBalance,
	})
}

// Set overwrites the balance and records the signed difference as admin_set.
// Setting zero clears the balance.
func (s *CreditService) Set(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int, note string) (int, error) {
	if amount < 0 {
		return 0, apperr.New(apperr.Invalid, "credits cannot be negative")
	}
	p, err := s.ProfileRepo.GetByIDForUpdate(ctx, tx, userID)
	if err != nil {
		return 0, err
	}
	if err := s.ProfileRepo.SetCredits(ctx, tx, userID, amount); err != nil {
		return 0, err
	}
	delta := amount - p.Credits
	if delta == 0 {
		return amount, nil
	}
	return amount, s.LedgerRepo.CreateTx(ctx, tx, &models.CreditLedger{
		ID:           uuid.New(),
		UserID:       userID,
		EntryType:    models.CreditEntryAdminSet,
		Amount:       delta,
		BalanceAfter: amount,
		Note:         note,
	})
}

// Grant adds amount under entryType. A zero grant leaves no ledger entry.
func (s *CreditService) Grant(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int, entryType, note string) (int, error) {
	if amount < 0 {
		return 0, apperr.New(apperr.Invalid, "grant cannot be negative")
	}
	p, err := s.ProfileRepo.GetByIDForUpdate(ctx, tx, userID)
	if err != nil {
		return 0, err
	}
	if amount == 0 {
		return p.Credits, nil
	}
	newBalance, err := s.ProfileRepo.AddCredits(ctx, tx, userID, amount)
	if err != nil {
		return 0, err
	}
	return newBalance, s.LedgerRepo.CreateTx(ctx, tx, &models.CreditLedger{
		ID:           uuid.New(),
		UserID:       userID,
		EntryType:    entryType,
		Amount:       amount,
		BalanceAfter: newBalance,
		Note:         note,
	})
}
