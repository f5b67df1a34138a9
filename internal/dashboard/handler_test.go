package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/resellerhub/backend/internal/apperr"
	"github.com/resellerhub/backend/internal/middleware"
	"github.com/resellerhub/backend/internal/models"
	"github.com/resellerhub/backend/internal/repository"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

// --- fakeTx satisfies pgx.Tx; only Commit/Rollback are called. ---

type fakeTx struct {
	pgx.Tx
	committed bool
}

func (t *fakeTx) Commit(context.Context) error   { t.committed = true; return nil }
func (t *fakeTx) Rollback(context.Context) error { return nil }

type fakePool struct{ txs []*fakeTx }

func (p *fakePool) Begin(context.Context) (pgx.Tx, error) {
	tx := &fakeTx{}
	p.txs = append(p.txs, tx)
	return tx, nil
}

// --- ProfileStore mock ---

type memProfiles struct {
	p           *models.Profile
	usernameErr error
	// storedChange, when set, is the row's last_username_change as seen by
	// the UPDATE, which may be newer than the request's profile.
	storedChange *time.Time
}

func (m *memProfiles) GetByID(_ context.Context, id uuid.UUID) (*models.Profile, error) {
	return m.p, nil
}

func (m *memProfiles) GetByIDForUpdate(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.Profile, error) {
	return m.p, nil
}

func (m *memProfiles) UpdateUsername(_ context.Context, _ uuid.UUID, username string, at, notAfter time.Time) error {
	if m.usernameErr != nil {
		return m.usernameErr
	}
	if m.storedChange != nil && m.storedChange.After(notAfter) {
		return repository.ErrUsernameCooldown
	}
	m.p.Username = username
	m.p.LastUsernameChange = &at
	return nil
}

func (m *memProfiles) UpdateTheme(_ context.Context, _ uuid.UUID, bg, seg, light *string) error {
	m.p.BackgroundColor, m.p.SegmentColor, m.p.LightningColor = bg, seg, light
	return nil
}

// --- SpinStore mock ---

type memSpins struct{ rows []*models.WeeklySpin }

func (m *memSpins) last() *time.Time {
	var out *time.Time
	for _, s := range m.rows {
		if out == nil || s.SpinDate.After(*out) {
			d := s.SpinDate
			out = &d
		}
	}
	return out
}

func (m *memSpins) LastSpinAt(context.Context, uuid.UUID) (*time.Time, error) { return m.last(), nil }

func (m *memSpins) LastSpinAtTx(context.Context, pgx.Tx, uuid.UUID) (*time.Time, error) {
	return m.last(), nil
}

func (m *memSpins) CreateTx(_ context.Context, _ pgx.Tx, s *models.WeeklySpin) error {
	m.rows = append(m.rows, s)
	return nil
}

// --- Granter mock ---

type fakeGranter struct {
	p      *models.Profile
	grants []int
}

func (g *fakeGranter) Grant(_ context.Context, _ pgx.Tx, _ uuid.UUID, amount int, entryType, _ string) (int, error) {
	if entryType != models.CreditEntrySpinReward {
		return 0, errors.New("unexpected entry type " + entryType)
	}
	g.grants = append(g.grants, amount)
	g.p.Credits += amount
	return g.p.Credits, nil
}

// --- LedgerReader mock ---

type memLedger struct{ rows []*models.CreditLedger }

func (m *memLedger) ListByUserID(context.Context, uuid.UUID, int) ([]*models.CreditLedger, error) {
	return m.rows, nil
}

// --- PasswordChanger mock ---

type fakePasswords struct{ current string }

func (f *fakePasswords) ChangePassword(_ context.Context, _ uuid.UUID, current, next string) error {
	if current != f.current {
		return apperr.New(apperr.Unauthorized, "invalid credentials")
	}
	f.current = next
	return nil
}

// --- Auditor mock ---

type recordAudit struct{ actions []string }

func (a *recordAudit) Record(_ context.Context, _ uuid.UUID, action string, _ *string, _ any) error {
	a.actions = append(a.actions, action)
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

var fixed = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	h       *Handler
	p       *models.Profile
	pool    *fakePool
	spins   *memSpins
	profs   *memProfiles
	granter *fakeGranter
	audit   *recordAudit
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	orig := now
	now = func() time.Time { return fixed }
	t.Cleanup(func() { now = orig })

	p := &models.Profile{ID: uuid.New(), Username: "reseller", ApprovalStatus: models.ApprovalApproved, Credits: 4}
	f := &fixture{
		p:       p,
		pool:    &fakePool{},
		spins:   &memSpins{},
		profs:   &memProfiles{p: p},
		granter: &fakeGranter{p: p},
		audit:   &recordAudit{},
	}
	f.h = NewHandler(Deps{
		Pool:      f.pool,
		Profiles:  f.profs,
		Spins:     f.spins,
		Ledger:    &memLedger{},
		Credits:   f.granter,
		Passwords: &fakePasswords{current: "old-password"},
		Audit:     f.audit,
		Logger:    slog.Default(),
	})
	return f
}

func (f *fixture) do(method, body string, fn http.HandlerFunc) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, "/", nil)
	} else {
		r = httptest.NewRequest(method, "/", strings.NewReader(body))
	}
	r = r.WithContext(middleware.WithProfile(r.Context(), f.p))
	rec := httptest.NewRecorder()
	fn(rec, r)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

// ---------------------------------------------------------------------------
// Username
// ---------------------------------------------------------------------------

func TestUpdateUsername_FirstChange(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPatch, `{"username":"  newname "}`, f.h.UpdateUsername)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if f.p.Username != "newname" || f.p.LastUsernameChange == nil || !f.p.LastUsernameChange.Equal(fixed) {
		t.Errorf("unexpected profile: %+v", f.p)
	}
	if len(f.audit.actions) != 1 || f.audit.actions[0] != "username_changed" {
		t.Errorf("unexpected audit: %v", f.audit.actions)
	}
}

func TestUpdateUsername_Within30Days(t *testing.T) {
	f := newFixture(t)
	last := fixed.Add(-10 * 24 * time.Hour)
	f.p.LastUsernameChange = &last

	rec := f.do(http.MethodPatch, `{"username":"again"}`, f.h.UpdateUsername)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	body := decodeMap(t, rec)
	if body["retry_after_days"] != float64(20) {
		t.Errorf("expected retry_after_days=20, got %v", body["retry_after_days"])
	}
	if f.p.Username != "reseller" {
		t.Error("username must not change")
	}
}

func TestUpdateUsername_After30Days(t *testing.T) {
	f := newFixture(t)
	last := fixed.Add(-30 * 24 * time.Hour)
	f.p.LastUsernameChange = &last

	rec := f.do(http.MethodPatch, `{"username":"again"}`, f.h.UpdateUsername)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestUpdateUsername_Taken(t *testing.T) {
	f := newFixture(t)
	f.profs.usernameErr = &pgconn.PgError{Code: "23505"}

	rec := f.do(http.MethodPatch, `{"username":"someone"}`, f.h.UpdateUsername)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if decodeMap(t, rec)["error"] != "username already taken" {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestUpdateUsername_ConcurrentChangeLoses(t *testing.T) {
	f := newFixture(t)
	// The request's profile predates a change that already committed.
	recent := fixed.Add(-time.Minute)
	f.profs.storedChange = &recent

	rec := f.do(http.MethodPatch, `{"username":"racer"}`, f.h.UpdateUsername)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	if decodeMap(t, rec)["retry_after_days"] != float64(30) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
	if f.p.Username != "reseller" {
		t.Error("username must not change")
	}
}

func TestUpdateUsername_ProfileGone(t *testing.T) {
	f := newFixture(t)
	f.profs.usernameErr = repository.ErrNotFound

	rec := f.do(http.MethodPatch, `{"username":"ghost"}`, f.h.UpdateUsername)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestUpdateUsername_CountsCharacters(t *testing.T) {
	f := newFixture(t)
	name := strings.Repeat("é", maxUsernameLen)
	rec := f.do(http.MethodPatch, `{"username":"`+name+`"}`, f.h.UpdateUsername)
	if rec.Code != http.StatusOK {
		t.Fatalf("32 two-byte characters: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestUpdateUsername_Invalid(t *testing.T) {
	f := newFixture(t)
	for _, body := range []string{`{"username":""}`, `{"username":"reseller"}`, `{"username":"` + strings.Repeat("x", 33) + `"}`} {
		rec := f.do(http.MethodPatch, body, f.h.UpdateUsername)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, rec.Code)
		}
	}
}

// ---------------------------------------------------------------------------
// Password / theme / ledger
// ---------------------------------------------------------------------------

func TestChangePassword(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPut, `{"current_password":"wrong","new_password":"new-password"}`, f.h.ChangePassword)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	rec = f.do(http.MethodPut, `{"current_password":"old-password","new_password":"new-password"}`, f.h.ChangePassword)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}

func TestUpdateTheme(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPut, `{"segment_color":"#FF0000","lightning_color":""}`, f.h.UpdateTheme)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if f.p.SegmentColor == nil || *f.p.SegmentColor != "#ff0000" {
		t.Errorf("segment not stored: %v", f.p.SegmentColor)
	}
	if f.p.LightningColor != nil {
		t.Error("empty color should reset to default")
	}
}

func TestUpdateTheme_InvalidHex(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPut, `{"background_color":"blue"}`, f.h.UpdateTheme)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestListCreditLedger_EmptyArray(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "", f.h.ListCreditLedger)
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("expected [], got %s", rec.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Me / spin
// ---------------------------------------------------------------------------

func TestGetMe(t *testing.T) {
	f := newFixture(t)
	f.spins.rows = []*models.WeeklySpin{{ID: uuid.New(), UserID: f.p.ID, SpinDate: fixed.Add(-2 * 24 * time.Hour)}}
	until := fixed.Add(time.Hour)
	f.p.BanUntil = &until

	rec := f.do(http.MethodGet, "", f.h.GetMe)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeMap(t, rec)
	if body["username"] != "reseller" || body["banned"] != true || body["can_spin"] != false {
		t.Errorf("unexpected body: %v", body)
	}
	if body["next_spin_at"] != fixed.Add(5*24*time.Hour).Format(time.RFC3339) {
		t.Errorf("unexpected next_spin_at: %v", body["next_spin_at"])
	}
	th, _ := body["theme"].(map[string]any)
	if th == nil || th["lightning"] == nil {
		t.Errorf("theme missing: %v", body["theme"])
	}
}

func TestSpin_GrantsReward(t *testing.T) {
	f := newFixture(t)
	orig := pickReward
	pickReward = func() int { return 3 }
	t.Cleanup(func() { pickReward = orig })

	rec := f.do(http.MethodPost, "", f.h.Spin)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var res spinResult
	_ = json.Unmarshal(rec.Body.Bytes(), &res)
	if res.CreditsWon != 3 || res.Balance != 7 {
		t.Errorf("unexpected result: %+v", res)
	}
	if len(f.spins.rows) != 1 || !f.pool.txs[0].committed {
		t.Error("spin row must be inserted and committed")
	}
}

func TestSpin_WithinWeekRejected(t *testing.T) {
	f := newFixture(t)
	f.spins.rows = []*models.WeeklySpin{{ID: uuid.New(), UserID: f.p.ID, SpinDate: fixed.Add(-6 * 24 * time.Hour)}}

	rec := f.do(http.MethodPost, "", f.h.Spin)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if len(f.granter.grants) != 0 || len(f.spins.rows) != 1 {
		t.Error("no reward or spin row expected")
	}
	if f.pool.txs[0].committed {
		t.Error("tx must not commit")
	}
}

func TestSpin_AfterWeekAllowed(t *testing.T) {
	f := newFixture(t)
	f.spins.rows = []*models.WeeklySpin{{ID: uuid.New(), UserID: f.p.ID, SpinDate: fixed.Add(-SpinInterval)}}

	rec := f.do(http.MethodPost, "", f.h.Spin)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestPickReward_InRange(t *testing.T) {
	seen := map[int]bool{}
	for i := 0; i < 500; i++ {
		v := pickReward()
		if v < 0 || v > 3 {
			t.Fatalf("reward out of range: %d", v)
		}
		seen[v] = true
	}
	if len(seen) != len(SpinRewards) {
		t.Errorf("expected every reward to appear, saw %v", seen)
	}
}

func TestSpinStatus_NeverSpun(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "", f.h.SpinStatus)
	body := decodeMap(t, rec)
	if body["can_spin"] != true || body["next_spin_at"] != nil {
		t.Errorf("unexpected status: %v", body)
	}
}
