package keys

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/resellerhub/backend/internal/apperr"
	"github.com/resellerhub/backend/internal/middleware"
	"github.com/resellerhub/backend/internal/reconcile"
)

// Sweeper reconciles all keys of one user on demand.
type Sweeper interface {
	SweepUser(ctx context.Context, userID uuid.UUID) (reconcile.Result, error)
}

// Handler serves /api/v1/keys. The same handler with elevated set serves the
// admin key moderation routes.
type Handler struct {
	svc      *Service
	sweeper  Sweeper
	log      *slog.Logger
	elevated bool
}

func NewHandler(svc *Service, sweeper Sweeper, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, sweeper: sweeper, log: log}
}

// Admin returns a copy of h that acts on any user's keys.
func (h *Handler) Admin() *Handler {
	c := *h
	c.elevated = true
	return &c
}

type createRequest struct {
	Duration string `json:"duration"`
}

type banDeviceRequest struct {
	UDID string `json:"udid"`
}

// Create handles POST /api/v1/keys. CreditCheck has already parsed the
// duration.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	p := middleware.ProfileFromCtx(r.Context())
	if p == nil {
		apperr.Write(w, apperr.New(apperr.Unauthorized, "unauthorized"))
		return
	}
	duration := middleware.DurationFromCtx(r.Context())
	if duration == "" {
		var req createRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apperr.Write(w, apperr.New(apperr.Invalid, "invalid JSON"))
			return
		}
		duration = req.Duration
	}
	res, err := h.svc.Create(r.Context(), p.ID, duration)
	if err != nil {
		h.fail(w, "create key", err)
		return
	}
	h.log.Info("key created", "user_id", p.ID, "duration", duration, "credits_remaining", res.CreditsRemaining)
	writeJSON(w, http.StatusCreated, res)
}

// List handles GET /api/v1/keys.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	p := middleware.ProfileFromCtx(r.Context())
	if p == nil {
		apperr.Write(w, apperr.New(apperr.Unauthorized, "unauthorized"))
		return
	}
	h.list(w, r, p.ID)
}

// ListForUser handles GET /api/v1/admin/users/{id}/keys.
func (h *Handler) ListForUser(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		apperr.Write(w, apperr.New(apperr.Invalid, "invalid user id"))
		return
	}
	h.list(w, r, id)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	list, err := h.svc.List(r.Context(), userID)
	if err != nil {
		h.fail(w, "list keys", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// Sync handles POST /api/v1/keys/sync.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	p := middleware.ProfileFromCtx(r.Context())
	if p == nil {
		apperr.Write(w, apperr.New(apperr.Unauthorized, "unauthorized"))
		return
	}
	res, err := h.sweeper.SweepUser(r.Context(), p.ID)
	if err != nil {
		h.fail(w, "sync keys", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Details handles GET /keys/{code}.
func (h *Handler) Details(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	d, err := h.svc.Details(r.Context(), actor, chi.URLParam(r, "code"))
	if err != nil {
		h.fail(w, "key details", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, "reset", h.svc.Reset)
}

func (h *Handler) Block(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, "block", h.svc.Block)
}

func (h *Handler) Unblock(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, "unblock", h.svc.Unblock)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, "delete", h.svc.Delete)
}

// BanDevice handles POST /keys/{code}/ban-device.
func (h *Handler) BanDevice(w http.ResponseWriter, r *http.Request) {
	var req banDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.Write(w, apperr.New(apperr.Invalid, "invalid JSON"))
		return
	}
	h.mutate(w, r, "ban device", func(ctx context.Context, actor Actor, code string) error {
		return h.svc.BanDevice(ctx, actor, code, req.UDID)
	})
}

func (h *Handler) mutate(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, Actor, string) error) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	code := chi.URLParam(r, "code")
	if err := fn(r.Context(), actor, code); err != nil {
		h.fail(w, op, err)
		return
	}
	h.log.Info("key "+op, "key_code", code, "actor", actor.UserID, "elevated", actor.Elevated)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (Actor, bool) {
	p := middleware.ProfileFromCtx(r.Context())
	if p == nil {
		apperr.Write(w, apperr.New(apperr.Unauthorized, "unauthorized"))
		return Actor{}, false
	}
	return Actor{UserID: p.ID, Elevated: h.elevated}, true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	switch apperr.KindOf(err) {
	case apperr.Internal:
		h.log.Error(op+" failed", "error", err)
	case apperr.ExternalFailure:
		h.log.Warn(op+" rejected by licensing API", "error", err)
	}
	apperr.Write(w, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
