package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/resellerhub/backend/internal/apperr"
)

// DeviceTokenHeader carries the server-issued device token.
const DeviceTokenHeader = "X-Device-Token"

// DeviceTokenParam is the query fallback for clients that cannot set headers
// (EventSource).
const DeviceTokenParam = "device_token"

// DeviceVerifier checks that a device token belongs to the user and that the
// device is still approved; it returns the device id.
type DeviceVerifier interface {
	VerifyDeviceToken(ctx context.Context, userID uuid.UUID, token string) (uuid.UUID, error)
}

// RequireDevice gates routes on an approved device. Staff accounts skip the
// gate so they can always reach the approval queue.
func RequireDevice(verifier DeviceVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := ProfileFromCtx(r.Context())
			if p == nil {
				apperr.Write(w, errUnauthorized)
				return
			}
			if p.IsStaff() {
				next.ServeHTTP(w, r)
				return
			}
			token := r.Header.Get(DeviceTokenHeader)
			if token == "" {
				token = r.URL.Query().Get(DeviceTokenParam)
			}
			if token == "" {
				apperr.WriteWith(w, apperr.New(apperr.Forbidden, "device not registered"), map[string]any{"sign_out": true})
				return
			}
			deviceID, err := verifier.VerifyDeviceToken(r.Context(), p.ID, token)
			if err != nil {
				apperr.WriteWith(w, err, map[string]any{"sign_out": true})
				return
			}
			ctx := context.WithValue(r.Context(), ctxDeviceKey, deviceID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// DeviceIDFromCtx returns the device id verified by RequireDevice.
func DeviceIDFromCtx(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(ctxDeviceKey).(uuid.UUID)
	return id, ok
}
