package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/resellerhub/backend/internal/apperr"
	"github.com/resellerhub/backend/internal/middleware"
	"github.com/resellerhub/backend/internal/models"
)

const supportThreadLimit = 200

type Handler struct {
	svc *Service
	log *slog.Logger
}

func NewHandler(svc *Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if apperr.KindOf(err) == apperr.Internal {
		h.log.Error("admin request failed", "path", r.URL.Path, "error", err)
	}
	apperr.Write(w, err)
}

type messageRequest struct {
	Message  string  `json:"message"`
	ImageURL *string `json:"image_url"`
	VideoURL *string `json:"video_url"`
	Status   string  `json:"status"`
}

func (m messageRequest) attachment() Attachment {
	return Attachment{ImageURL: m.ImageURL, VideoURL: m.VideoURL}
}

// staffAndTarget resolves the signed-in staff member and the {id} path user.
func staffAndTarget(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, uuid.UUID, bool) {
	p := middleware.ProfileFromCtx(r.Context())
	if p == nil {
		apperr.Write(w, apperr.New(apperr.Unauthorized, "unauthorized"))
		return uuid.Nil, uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		apperr.Write(w, apperr.New(apperr.Invalid, "invalid "+param))
		return uuid.Nil, uuid.Nil, false
	}
	return p.ID, id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(v); err != nil {
		apperr.Write(w, apperr.New(apperr.Invalid, "invalid JSON"))
		return false
	}
	return true
}

// GET /api/v1/admin/users?status=
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListUsers(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []*models.Profile{}
	}
	writeJSON(w, http.StatusOK, list)
}

// POST /api/v1/admin/users/{id}/approve
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	h.setApproval(w, r, models.ApprovalApproved)
}

// POST /api/v1/admin/users/{id}/reject
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	h.setApproval(w, r, models.ApprovalRejected)
}

func (h *Handler) setApproval(w http.ResponseWriter, r *http.Request, status string) {
	staff, id, ok := staffAndTarget(w, r, "id")
	if !ok {
		return
	}
	if err := h.svc.SetApproval(r.Context(), staff, id, status); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"approval_status": status})
}

// POST /api/v1/admin/users/{id}/force-logout
func (h *Handler) ForceLogout(w http.ResponseWriter, r *http.Request) {
	staff, id, ok := staffAndTarget(w, r, "id")
	if !ok {
		return
	}
	if err := h.svc.ForceLogout(r.Context(), staff, id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /api/v1/admin/users/{id}/messages
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	staff, id, ok := staffAndTarget(w, r, "id")
	if !ok {
		return
	}
	var body messageRequest
	if !decode(w, r, &body) {
		return
	}
	m, err := h.svc.SendPrivate(r.Context(), staff, id, body.Message, body.attachment())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// GET /api/v1/admin/support/{userID}/messages
func (h *Handler) SupportThread(w http.ResponseWriter, r *http.Request) {
	_, id, ok := staffAndTarget(w, r, "userID")
	if !ok {
		return
	}
	list, err := h.svc.SupportThread(r.Context(), id, supportThreadLimit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []*models.SupportMessage{}
	}
	writeJSON(w, http.StatusOK, list)
}

// POST /api/v1/admin/support/{userID}/messages
func (h *Handler) ReplySupport(w http.ResponseWriter, r *http.Request) {
	staff, id, ok := staffAndTarget(w, r, "userID")
	if !ok {
		return
	}
	var body messageRequest
	if !decode(w, r, &body) {
		return
	}
	m, err := h.svc.ReplySupport(r.Context(), staff, id, body.Message, body.attachment())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// GET /api/v1/admin/requests?status=
func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListRequests(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []*models.UserRequest{}
	}
	writeJSON(w, http.StatusOK, list)
}

// POST /api/v1/admin/requests/{id}/respond
func (h *Handler) RespondToRequest(w http.ResponseWriter, r *http.Request) {
	staff, id, ok := staffAndTarget(w, r, "id")
	if !ok {
		return
	}
	var body messageRequest
	if !decode(w, r, &body) {
		return
	}
	q, err := h.svc.RespondToRequest(r.Context(), staff, id, body.Status, body.Message, body.attachment())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// ---------------------------------------------------------------------------
// Owner only
// ---------------------------------------------------------------------------

// PUT /api/v1/admin/users/{id}/credits
func (h *Handler) SetCredits(w http.ResponseWriter, r *http.Request) {
	owner, id, ok := staffAndTarget(w, r, "id")
	if !ok {
		return
	}
	var body struct {
		Credits *int `json:"credits"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.Credits == nil {
		apperr.Write(w, apperr.New(apperr.Invalid, "credits is required"))
		return
	}
	balance, err := h.svc.SetCredits(r.Context(), owner, id, *body.Credits)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"credits": balance})
}

// POST /api/v1/admin/users/{id}/ban
func (h *Handler) Ban(w http.ResponseWriter, r *http.Request) {
	owner, id, ok := staffAndTarget(w, r, "id")
	if !ok {
		return
	}
	var body struct {
		Duration string `json:"duration"`
		Message  string `json:"message"`
	}
	if !decode(w, r, &body) {
		return
	}
	until, err := h.svc.Ban(r.Context(), owner, id, body.Duration, body.Message)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ban_until": until})
}

// DELETE /api/v1/admin/users/{id}/ban
func (h *Handler) Unban(w http.ResponseWriter, r *http.Request) {
	owner, id, ok := staffAndTarget(w, r, "id")
	if !ok {
		return
	}
	if err := h.svc.Unban(r.Context(), owner, id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /api/v1/admin/users/{id}/admin
func (h *Handler) GrantAdmin(w http.ResponseWriter, r *http.Request) {
	h.setAdmin(w, r, true)
}

// DELETE /api/v1/admin/users/{id}/admin
func (h *Handler) RevokeAdmin(w http.ResponseWriter, r *http.Request) {
	h.setAdmin(w, r, false)
}

func (h *Handler) setAdmin(w http.ResponseWriter, r *http.Request, grant bool) {
	owner, id, ok := staffAndTarget(w, r, "id")
	if !ok {
		return
	}
	if err := h.svc.SetAdmin(r.Context(), owner, id, grant); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
