package devices

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/resellerhub/backend/internal/apperr"
	"github.com/resellerhub/backend/internal/models"
	"github.com/resellerhub/backend/internal/services"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

// memStore mirrors the repository's first-device rule in memory.
type memStore struct {
	rows []*models.DeviceSession
}

func (m *memStore) Upsert(_ context.Context, p UpsertParams) (*models.DeviceSession, bool, error) {
	hasAny := false
	for _, d := range m.rows {
		if d.UserID != p.UserID {
			continue
		}
		hasAny = true
		if d.Fingerprint == p.Fingerprint {
			d.LastActive = time.Now()
			d.IPAddress = p.IPAddress
			return d, false, nil
		}
	}
	d := &models.DeviceSession{
		ID:          uuid.New(),
		UserID:      p.UserID,
		Fingerprint: p.Fingerprint,
		DeviceInfo:  p.DeviceInfo,
		IPAddress:   p.IPAddress,
		UserAgent:   p.UserAgent,
		IsApproved:  !hasAny,
	}
	m.rows = append(m.rows, d)
	return d, true, nil
}

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*models.DeviceSession, error) {
	for _, d := range m.rows {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) ListByUserID(_ context.Context, userID uuid.UUID) ([]*models.DeviceSession, error) {
	var out []*models.DeviceSession
	for _, d := range m.rows {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memStore) List(_ context.Context, pendingOnly bool) ([]*models.DeviceSession, error) {
	var out []*models.DeviceSession
	for _, d := range m.rows {
		if !pendingOnly || !d.IsApproved {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memStore) Approve(ctx context.Context, id uuid.UUID) (*models.DeviceSession, error) {
	d, err := m.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	d.IsApproved = true
	return d, nil
}

func (m *memStore) Delete(_ context.Context, id uuid.UUID) error {
	for i, d := range m.rows {
		if d.ID == id {
			m.rows = append(m.rows[:i], m.rows[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

const (
	laptop = `{"userAgent":"Mozilla/5.0","language":"en-US","platform":"MacIntel","screenResolution":"1920x1080","colorDepth":24,"timezone":"Europe/Berlin","hardwareConcurrency":8,"deviceMemory":"unknown"}`
	phone  = `{"userAgent":"Mozilla/5.0 (iPhone)","language":"en-US","platform":"iPhone","screenResolution":"390x844","colorDepth":32,"timezone":"Europe/Berlin","hardwareConcurrency":"unknown","deviceMemory":4}`
)

func newTestService(t *testing.T) (*service, *memStore) {
	t.Helper()
	v, err := services.NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	store := &memStore{}
	return NewService(store, v, "test-secret", time.Hour), store
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestCheckIn_FirstDeviceApproved(t *testing.T) {
	svc, _ := newTestService(t)
	user := uuid.New()

	res, err := svc.CheckIn(context.Background(), user, json.RawMessage(laptop), "1.2.3.4", "UA")
	if err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	if !res.FirstDevice || !res.Device.IsApproved || res.Token == "" {
		t.Fatalf("first device should be approved with a token: %+v", res)
	}
	if res.Device.Fingerprint != "okwxtd" {
		t.Errorf("fingerprint = %q", res.Device.Fingerprint)
	}

	// Same device again: still approved, not first.
	again, err := svc.CheckIn(context.Background(), user, json.RawMessage(laptop), "5.6.7.8", "UA")
	if err != nil {
		t.Fatalf("second CheckIn: %v", err)
	}
	if again.FirstDevice || again.Device.ID != res.Device.ID {
		t.Errorf("repeat check-in should reuse the row")
	}
}

func TestCheckIn_SecondDevicePending(t *testing.T) {
	svc, store := newTestService(t)
	user := uuid.New()
	ctx := context.Background()

	if _, err := svc.CheckIn(ctx, user, json.RawMessage(laptop), "", ""); err != nil {
		t.Fatalf("first: %v", err)
	}
	_, err := svc.CheckIn(ctx, user, json.RawMessage(phone), "", "")
	if !errors.Is(err, ErrDevicePending) {
		t.Fatalf("expected ErrDevicePending, got %v", err)
	}
	if len(store.rows) != 2 || store.rows[1].IsApproved {
		t.Fatalf("second device should be stored unapproved: %+v", store.rows)
	}

	// Still pending on retry until an admin approves.
	if _, err := svc.CheckIn(ctx, user, json.RawMessage(phone), "", ""); !errors.Is(err, ErrDevicePending) {
		t.Fatalf("retry: expected ErrDevicePending, got %v", err)
	}
	if _, err := svc.Approve(ctx, store.rows[1].ID); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if _, err := svc.CheckIn(ctx, user, json.RawMessage(phone), "", ""); err != nil {
		t.Fatalf("after approval: %v", err)
	}
}

func TestCheckIn_InvalidInfo(t *testing.T) {
	svc, store := newTestService(t)
	_, err := svc.CheckIn(context.Background(), uuid.New(), json.RawMessage(`{"platform":"x"}`), "", "")
	if apperr.KindOf(err) != apperr.Invalid {
		t.Fatalf("expected Invalid, got %v", err)
	}
	if len(store.rows) != 0 {
		t.Fatal("invalid info must not be stored")
	}
}

func TestVerifyDeviceToken(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	user := uuid.New()

	res, err := svc.CheckIn(ctx, user, json.RawMessage(laptop), "", "")
	if err != nil {
		t.Fatalf("CheckIn: %v", err)
	}

	id, err := svc.VerifyDeviceToken(ctx, user, res.Token)
	if err != nil || id != res.Device.ID {
		t.Fatalf("valid token rejected: %v", err)
	}

	if _, err := svc.VerifyDeviceToken(ctx, uuid.New(), res.Token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("token for another user: got %v", err)
	}
	if _, err := svc.VerifyDeviceToken(ctx, user, res.Token+"x"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("tampered token: got %v", err)
	}

	other := NewService(store, nil, "other-secret", time.Hour)
	if _, err := other.VerifyDeviceToken(ctx, user, res.Token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("token signed with another secret: got %v", err)
	}

	store.rows[0].IsApproved = false
	if _, err := svc.VerifyDeviceToken(ctx, user, res.Token); !errors.Is(err, ErrDevicePending) {
		t.Errorf("revoked approval: got %v", err)
	}

	if err := svc.Remove(ctx, res.Device.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := svc.VerifyDeviceToken(ctx, user, res.Token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("removed device: got %v", err)
	}
}

func TestVerifyDeviceToken_Expired(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	user := uuid.New()

	res, err := svc.CheckIn(ctx, user, json.RawMessage(laptop), "", "")
	if err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	original := now
	now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	t.Cleanup(func() { now = original })

	if _, err := svc.VerifyDeviceToken(ctx, user, res.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token: got %v", err)
	}
}

func TestApproveRemove_Unknown(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Approve(context.Background(), uuid.New()); apperr.KindOf(err) != apperr.NotFound {
		t.Errorf("Approve unknown: %v", err)
	}
	if err := svc.Remove(context.Background(), uuid.New()); apperr.KindOf(err) != apperr.NotFound {
		t.Errorf("Remove unknown: %v", err)
	}
}
