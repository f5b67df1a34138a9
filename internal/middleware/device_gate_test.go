package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/resellerhub/backend/internal/apperr"
	"github.com/resellerhub/backend/internal/models"
)

type stubVerifier struct {
	deviceID uuid.UUID
	err      error
	calls    int
}

func (s *stubVerifier) VerifyDeviceToken(_ context.Context, _ uuid.UUID, _ string) (uuid.UUID, error) {
	s.calls++
	return s.deviceID, s.err
}

func TestRequireDevice(t *testing.T) {
	user := &models.Profile{ID: uuid.New(), Roles: []string{models.RoleUser}}
	devID := uuid.New()

	t.Run("valid token", func(t *testing.T) {
		v := &stubVerifier{deviceID: devID}
		var got uuid.UUID
		h := RequireDevice(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, _ = DeviceIDFromCtx(r.Context())
		}))
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(DeviceTokenHeader, "dev-tok")
		if rec := serve(injectProfile(user, h), req); rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if got != devID {
			t.Errorf("device id in context = %s", got)
		}
	})

	t.Run("query token", func(t *testing.T) {
		v := &stubVerifier{deviceID: devID}
		req := httptest.NewRequest(http.MethodGet, "/?"+DeviceTokenParam+"=dev-tok", nil)
		if rec := serve(injectProfile(user, RequireDevice(v)(okHandler)), req); rec.Code != http.StatusOK || v.calls != 1 {
			t.Fatalf("expected 200 via query token, got %d (calls %d)", rec.Code, v.calls)
		}
	})

	t.Run("missing token", func(t *testing.T) {
		v := &stubVerifier{}
		rec := serve(injectProfile(user, RequireDevice(v)(okHandler)), httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", rec.Code)
		}
		if v.calls != 0 {
			t.Error("verifier should not be called without a token")
		}
	})

	t.Run("unapproved device", func(t *testing.T) {
		v := &stubVerifier{err: apperr.New(apperr.Forbidden, "device pending approval")}
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(DeviceTokenHeader, "dev-tok")
		rec := serve(injectProfile(user, RequireDevice(v)(okHandler)), req)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", rec.Code)
		}
	})

	t.Run("staff skip gate", func(t *testing.T) {
		v := &stubVerifier{}
		admin := &models.Profile{ID: uuid.New(), Roles: []string{models.RoleAdmin}}
		rec := serve(injectProfile(admin, RequireDevice(v)(okHandler)), httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusOK || v.calls != 0 {
			t.Fatalf("staff should bypass device gate: %d, calls %d", rec.Code, v.calls)
		}
	})
}
