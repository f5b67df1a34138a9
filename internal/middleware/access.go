package middleware

import (
	"net/http"
	"time"

	"github.com/resellerhub/backend/internal/apperr"
)

var (
	errPendingApproval = apperr.New(apperr.PendingApproval, "account pending approval")
	errBanned          = apperr.New(apperr.Banned, "account banned")
	errForbidden       = apperr.New(apperr.Forbidden, "insufficient permissions")
	errUnauthorized    = apperr.New(apperr.Unauthorized, "unauthorized")
)

// now is replaced in tests.
var now = time.Now

// RequireActive lets through only approved accounts whose ban window has
// passed. Banned callers get the ban message and end time in the body.
func RequireActive(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := ProfileFromCtx(r.Context())
		if p == nil {
			apperr.Write(w, errUnauthorized)
			return
		}
		if p.IsBanned(now()) {
			extra := map[string]any{"ban_until": p.BanUntil}
			if p.BanMessage != nil {
				extra["ban_message"] = *p.BanMessage
			}
			apperr.WriteWith(w, errBanned, extra)
			return
		}
		if !p.IsApproved() {
			apperr.WriteWith(w, errPendingApproval, map[string]any{"approval_status": p.ApprovalStatus})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole lets through callers holding any of roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := ProfileFromCtx(r.Context())
			if p == nil {
				apperr.Write(w, errUnauthorized)
				return
			}
			if !p.HasRole(roles...) {
				apperr.Write(w, errForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
