package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/resellerhub/backend/internal/models"
)

type contextKey string

const (
	ctxProfileKey  contextKey = "profile"
	ctxDurationKey contextKey = "duration"
	ctxDeviceKey   contextKey = "device"
)

// TokenValidator resolves a session token to its user and session epoch.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (uuid.UUID, int, error)
}

// ProfileLookup loads the profile (with roles) for an authenticated user.
type ProfileLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Profile, error)
}

// SessionAuth authenticates requests by the Bearer session token. Tokens
// issued before the profile's current session epoch are rejected, which is
// how force-logout takes effect. On success the profile is set in context.
//
// EventSource clients cannot set headers, so an access_token query parameter
// is accepted when the Authorization header is absent.
func SessionAuth(tokens TokenValidator, profiles ProfileLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				raw = r.URL.Query().Get("access_token")
			}
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}

			userID, epoch, err := tokens.ValidateToken(r.Context(), raw)
			if err != nil {
				http.Error(w, `{"error":"invalid session"}`, http.StatusUnauthorized)
				return
			}

			profile, err := profiles.GetByID(r.Context(), userID)
			if err != nil {
				http.Error(w, `{"error":"invalid session"}`, http.StatusUnauthorized)
				return
			}
			if epoch < profile.SessionEpoch {
				http.Error(w, `{"error":"session revoked"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithProfile(r.Context(), profile)))
		})
	}
}

// ProfileFromCtx returns the authenticated profile or nil.
func ProfileFromCtx(ctx context.Context) *models.Profile {
	p, _ := ctx.Value(ctxProfileKey).(*models.Profile)
	return p
}

// WithProfile returns a context carrying the given profile.
func WithProfile(ctx context.Context, p *models.Profile) context.Context {
	return context.WithValue(ctx, ctxProfileKey, p)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
