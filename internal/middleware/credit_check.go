package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/resellerhub/backend/internal/apperr"
	"github.com/resellerhub/backend/internal/models"
)

// maxCreateBody bounds the create-key body read by CreditCheck.
const maxCreateBody = 4 << 10

// DurationFromCtx returns the duration parsed by CreditCheck, or "".
func DurationFromCtx(ctx context.Context) string {
	d, _ := ctx.Value(ctxDurationKey).(string)
	return d
}

// CreditCheck rejects key purchases the caller cannot afford before any
// handler or external call runs. Reads the body to extract "duration", then
// replaces r.Body so downstream handlers can re-read it. The service repeats
// the balance check under a row lock; this is the cheap early exit.
func CreditCheck(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := ProfileFromCtx(r.Context())
		if p == nil {
			apperr.Write(w, errUnauthorized)
			return
		}

		bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxCreateBody))
		r.Body.Close()
		if err != nil {
			http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

		var peek struct {
			Duration string `json:"duration"`
		}
		if err := json.Unmarshal(bodyBytes, &peek); err != nil {
			http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
			return
		}
		cost, ok := models.DurationCost(peek.Duration)
		if !ok {
			apperr.Write(w, apperr.New(apperr.Invalid, fmt.Sprintf("unknown duration %q", peek.Duration)))
			return
		}
		if p.Credits < cost {
			apperr.WriteWith(w, apperr.New(apperr.InsufficientCredits, "insufficient credits"),
				map[string]any{"credits": p.Credits, "required": cost})
			return
		}

		ctx := context.WithValue(r.Context(), ctxDurationKey, peek.Duration)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
