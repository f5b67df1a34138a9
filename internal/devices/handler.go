package devices

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/resellerhub/backend/internal/apperr"
	"github.com/resellerhub/backend/internal/middleware"
	"github.com/resellerhub/backend/internal/models"
)

// Auditor records user-visible actions.
type Auditor interface {
	Record(ctx context.Context, userID uuid.UUID, actionType string, keyCode *string, details any) error
}

type Handler struct {
	svc   Service
	audit Auditor
	log   *slog.Logger
}

func NewHandler(svc Service, audit Auditor, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, audit: audit, log: log}
}

type checkInRequest struct {
	DeviceInfo json.RawMessage `json:"device_info"`
}

type checkInResponse struct {
	DeviceID    string `json:"device_id"`
	DeviceToken string `json:"device_token"`
	ExpiresAt   string `json:"expires_at"`
	FirstDevice bool   `json:"first_device"`
}

// CheckIn handles POST /api/v1/devices/check-in.
func (h *Handler) CheckIn(w http.ResponseWriter, r *http.Request) {
	p := middleware.ProfileFromCtx(r.Context())
	if p == nil {
		apperr.Write(w, apperr.New(apperr.Unauthorized, "unauthorized"))
		return
	}
	var req checkInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.DeviceInfo) == 0 {
		apperr.Write(w, apperr.New(apperr.Invalid, "device_info is required"))
		return
	}
	res, err := h.svc.CheckIn(r.Context(), p.ID, req.DeviceInfo, r.RemoteAddr, r.UserAgent())
	if err != nil {
		if apperr.KindOf(err) == apperr.Forbidden {
			h.log.Info("unapproved device check-in", "user_id", p.ID, "ip", r.RemoteAddr)
			apperr.WriteWith(w, err, map[string]any{"sign_out": true})
			return
		}
		if apperr.KindOf(err) == apperr.Internal {
			h.log.Error("device check-in failed", "user_id", p.ID, "error", err)
		}
		apperr.Write(w, err)
		return
	}
	if res.FirstDevice && h.audit != nil {
		if err := h.audit.Record(r.Context(), p.ID, "device_registered", nil, map[string]any{"device_id": res.Device.ID}); err != nil {
			h.log.Warn("record device action failed", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, checkInResponse{
		DeviceID:    res.Device.ID.String(),
		DeviceToken: res.Token,
		ExpiresAt:   res.ExpiresAt.UTC().Format(time.RFC3339),
		FirstDevice: res.FirstDevice,
	})
}

// ListMine handles GET /api/v1/devices.
func (h *Handler) ListMine(w http.ResponseWriter, r *http.Request) {
	p := middleware.ProfileFromCtx(r.Context())
	if p == nil {
		apperr.Write(w, apperr.New(apperr.Unauthorized, "unauthorized"))
		return
	}
	list, err := h.svc.ListForUser(r.Context(), p.ID)
	if err != nil {
		h.log.Error("list devices failed", "user_id", p.ID, "error", err)
		apperr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

// AdminList handles GET /api/v1/admin/devices?status=pending.
func (h *Handler) AdminList(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.List(r.Context(), r.URL.Query().Get("status") == "pending")
	if err != nil {
		h.log.Error("admin list devices failed", "error", err)
		apperr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

// Approve handles POST /api/v1/admin/devices/{id}/approve.
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		apperr.Write(w, apperr.New(apperr.Invalid, "invalid device id"))
		return
	}
	d, err := h.svc.Approve(r.Context(), id)
	if err != nil {
		apperr.Write(w, err)
		return
	}
	h.log.Info("device approved", "device_id", d.ID, "user_id", d.UserID)
	writeJSON(w, http.StatusOK, d)
}

// Remove handles DELETE /api/v1/admin/devices/{id}.
func (h *Handler) Remove(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		apperr.Write(w, apperr.New(apperr.Invalid, "invalid device id"))
		return
	}
	if err := h.svc.Remove(r.Context(), id); err != nil {
		apperr.Write(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func nonNil(list []*models.DeviceSession) []*models.DeviceSession {
	if list == nil {
		return []*models.DeviceSession{}
	}
	return list
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
