package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/resellerhub/backend/internal/models"
)

// injectProfile pre-sets the profile in context, simulating SessionAuth.
func injectProfile(p *models.Profile, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(WithProfile(r.Context(), p)))
	})
}

func fixNow(t *testing.T, at time.Time) {
	t.Helper()
	original := now
	now = func() time.Time { return at }
	t.Cleanup(func() { now = original })
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRequireActive(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fixNow(t, at)
	future := at.Add(7 * 24 * time.Hour)
	past := at.Add(-time.Minute)
	msg := "chargeback"

	cases := []struct {
		name    string
		profile *models.Profile
		want    int
		kind    string
	}{
		{"approved", &models.Profile{ApprovalStatus: models.ApprovalApproved}, http.StatusOK, ""},
		{"pending", &models.Profile{ApprovalStatus: models.ApprovalPending}, http.StatusForbidden, "pending_approval"},
		{"rejected", &models.Profile{ApprovalStatus: models.ApprovalRejected}, http.StatusForbidden, "pending_approval"},
		{"banned", &models.Profile{ApprovalStatus: models.ApprovalApproved, BanUntil: &future, BanMessage: &msg}, http.StatusForbidden, "banned"},
		{"ban expired", &models.Profile{ApprovalStatus: models.ApprovalApproved, BanUntil: &past}, http.StatusOK, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := serve(injectProfile(tc.profile, RequireActive(okHandler)), httptest.NewRequest(http.MethodGet, "/", nil))
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
			if tc.kind == "" {
				return
			}
			var body map[string]any
			_ = json.NewDecoder(rec.Body).Decode(&body)
			if body["kind"] != tc.kind {
				t.Errorf("kind = %v, want %s", body["kind"], tc.kind)
			}
			if tc.kind == "banned" && body["ban_message"] != msg {
				t.Errorf("ban_message = %v", body["ban_message"])
			}
		})
	}
}

func TestRequireActive_NoProfile(t *testing.T) {
	rec := serve(RequireActive(okHandler), httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRequireRole(t *testing.T) {
	user := &models.Profile{ID: uuid.New(), Roles: []string{models.RoleUser}}
	admin := &models.Profile{ID: uuid.New(), Roles: []string{models.RoleUser, models.RoleAdmin}}
	owner := &models.Profile{ID: uuid.New(), Roles: []string{models.RoleOwner}}

	staff := RequireRole(models.RoleAdmin, models.RoleOwner)
	ownerOnly := RequireRole(models.RoleOwner)
	req := func() *http.Request { return httptest.NewRequest(http.MethodGet, "/", nil) }

	if rec := serve(injectProfile(user, staff(okHandler)), req()); rec.Code != http.StatusForbidden {
		t.Errorf("user on staff route: %d", rec.Code)
	}
	if rec := serve(injectProfile(admin, staff(okHandler)), req()); rec.Code != http.StatusOK {
		t.Errorf("admin on staff route: %d", rec.Code)
	}
	if rec := serve(injectProfile(admin, ownerOnly(okHandler)), req()); rec.Code != http.StatusForbidden {
		t.Errorf("admin on owner route: %d", rec.Code)
	}
	if rec := serve(injectProfile(owner, ownerOnly(okHandler)), req()); rec.Code != http.StatusOK {
		t.Errorf("owner on owner route: %d", rec.Code)
	}
}
