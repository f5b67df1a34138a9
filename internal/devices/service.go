package devices

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/resellerhub/backend/internal/apperr"
	"github.com/resellerhub/backend/internal/models"
	"github.com/resellerhub/backend/internal/services"
)

var (
	// ErrDevicePending means the device is known but not approved. Callers
	// must drop the session.
	ErrDevicePending = apperr.New(apperr.Forbidden, "device pending approval")
	ErrInvalidToken  = apperr.New(apperr.Unauthorized, "invalid device token")
	ErrDeviceUnknown = apperr.New(apperr.NotFound, "device not found")
)

// Store is the persistence the tracker needs.
type Store interface {
	Upsert(ctx context.Context, p UpsertParams) (*models.DeviceSession, bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.DeviceSession, error)
	ListByUserID(ctx context.Context, userID uuid.UUID) ([]*models.DeviceSession, error)
	List(ctx context.Context, pendingOnly bool) ([]*models.DeviceSession, error)
	Approve(ctx context.Context, id uuid.UUID) (*models.DeviceSession, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// SchemaValidator checks raw documents against a named JSON schema.
type SchemaValidator interface {
	Validate(name string, doc json.RawMessage) error
}

// CheckInResult is returned for an approved device.
type CheckInResult struct {
	Device    *models.DeviceSession
	Token     string
	ExpiresAt time.Time
	// FirstDevice is true when this check-in registered the user's first device.
	FirstDevice bool
}

type Service interface {
	CheckIn(ctx context.Context, userID uuid.UUID, raw json.RawMessage, ip, userAgent string) (*CheckInResult, error)
	VerifyDeviceToken(ctx context.Context, userID uuid.UUID, token string) (uuid.UUID, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]*models.DeviceSession, error)
	List(ctx context.Context, pendingOnly bool) ([]*models.DeviceSession, error)
	Approve(ctx context.Context, id uuid.UUID) (*models.DeviceSession, error)
	Remove(ctx context.Context, id uuid.UUID) error
}

type service struct {
	store     Store
	validator SchemaValidator
	secret    []byte
	ttl       time.Duration
}

func NewService(store Store, validator SchemaValidator, secret string, ttl time.Duration) *service {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &service{store: store, validator: validator, secret: []byte(secret), ttl: ttl}
}

var _ Service = (*service)(nil)

var now = time.Now

type deviceClaims struct {
	jwt.RegisteredClaims
	DeviceID    string `json:"dev"`
	Fingerprint string `json:"fp"`
}

func (s *service) CheckIn(ctx context.Context, userID uuid.UUID, raw json.RawMessage, ip, userAgent string) (*CheckInResult, error) {
	if s.validator != nil {
		if err := s.validator.Validate(services.SchemaDeviceInfo, raw); err != nil {
			return nil, err
		}
	}
	info, err := ParseInfo(raw)
	if err != nil {
		return nil, apperr.Wrap(apperr.Invalid, "invalid device info", err)
	}
	fp, err := Fingerprint(info)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: %w", err)
	}
	canonical, _ := info.Canonical()

	d, inserted, err := s.store.Upsert(ctx, UpsertParams{
		UserID:      userID,
		Fingerprint: fp,
		DeviceInfo:  json.RawMessage(canonical),
		IPAddress:   ip,
		UserAgent:   userAgent,
	})
	if err != nil {
		return nil, fmt.Errorf("record device: %w", err)
	}
	if !d.IsApproved {
		return nil, ErrDevicePending
	}

	exp := now().Add(s.ttl)
	token, err := s.issueToken(d, exp)
	if err != nil {
		return nil, fmt.Errorf("sign device token: %w", err)
	}
	return &CheckInResult{Device: d, Token: token, ExpiresAt: exp, FirstDevice: inserted}, nil
}

func (s *service) issueToken(d *models.DeviceSession, exp time.Time) (string, error) {
	c := deviceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   d.UserID.String(),
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now()),
		},
		DeviceID:    d.ID.String(),
		Fingerprint: d.Fingerprint,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
}

// VerifyDeviceToken checks the signature, that the token was issued to
// userID, and that the device row still exists, matches and is approved.
func (s *service) VerifyDeviceToken(ctx context.Context, userID uuid.UUID, token string) (uuid.UUID, error) {
	tok, err := jwt.ParseWithClaims(token, &deviceClaims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}), jwt.WithTimeFunc(now))
	if err != nil {
		return uuid.Nil, ErrInvalidToken
	}
	c, ok := tok.Claims.(*deviceClaims)
	if !ok || !tok.Valid || c.Subject != userID.String() {
		return uuid.Nil, ErrInvalidToken
	}
	deviceID, err := uuid.Parse(c.DeviceID)
	if err != nil {
		return uuid.Nil, ErrInvalidToken
	}
	d, err := s.store.GetByID(ctx, deviceID)
	if errors.Is(err, ErrNotFound) {
		return uuid.Nil, ErrInvalidToken
	}
	if err != nil {
		return uuid.Nil, err
	}
	if d.UserID != userID || d.Fingerprint != c.Fingerprint {
		return uuid.Nil, ErrInvalidToken
	}
	if !d.IsApproved {
		return uuid.Nil, ErrDevicePending
	}
	return d.ID, nil
}

func (s *service) ListForUser(ctx context.Context, userID uuid.UUID) ([]*models.DeviceSession, error) {
	return s.store.ListByUserID(ctx, userID)
}

func (s *service) List(ctx context.Context, pendingOnly bool) ([]*models.DeviceSession, error) {
	return s.store.List(ctx, pendingOnly)
}

func (s *service) Approve(ctx context.Context, id uuid.UUID) (*models.DeviceSession, error) {
	d, err := s.store.Approve(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrDeviceUnknown
	}
	return d, err
}

func (s *service) Remove(ctx context.Context, id uuid.UUID) error {
	err := s.store.Delete(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return ErrDeviceUnknown
	}
	return err
}
