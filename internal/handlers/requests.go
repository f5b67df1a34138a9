package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/resellerhub/backend/internal/apperr"
	"github.com/resellerhub/backend/internal/feed"
	"github.com/resellerhub/backend/internal/keys"
	"github.com/resellerhub/backend/internal/middleware"
	"github.com/resellerhub/backend/internal/models"
	"github.com/resellerhub/backend/internal/services"
)

type RequestStore interface {
	Create(ctx context.Context, q *models.UserRequest) error
	ListByUserID(ctx context.Context, userID uuid.UUID) ([]*models.UserRequest, error)
}

// KeyAccess resolves key ownership and retires keys locally.
type KeyAccess interface {
	Owned(ctx context.Context, actor keys.Actor, code string) (*models.Key, error)
	MarkDeleted(ctx context.Context, actor keys.Actor, code string) error
}

type SchemaValidator interface {
	Validate(name string, doc json.RawMessage) error
}

// RequestHandler serves /api/v1/requests: user asks for a key reset, delete
// or device ban that staff then handle.
type RequestHandler struct {
	Requests  RequestStore
	Keys      KeyAccess
	Validator SchemaValidator
	Events    EventPublisher
	Logger    *slog.Logger
}

type createRequestBody struct {
	RequestType string  `json:"request_type"`
	KeyCode     *string `json:"key_code"`
	UDID        *string `json:"udid"`
	Details     string  `json:"details"`
}

// --- POST /api/v1/requests ---
// Validate -> ownership (when key_code given) -> insert -> delete_key retires the key.

func (h *RequestHandler) Create(w http.ResponseWriter, r *http.Request) {
	p := middleware.ProfileFromCtx(r.Context())
	if p == nil {
		apperr.Write(w, errUnauthorized)
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBodyLen))
	if err != nil {
		apperr.Write(w, apperr.Wrap(apperr.Invalid, "request body too large", err))
		return
	}
	if err := h.Validator.Validate(services.SchemaUserRequest, raw); err != nil {
		apperr.Write(w, err)
		return
	}
	var body createRequestBody
	if err := json.Unmarshal(raw, &body); err != nil {
		apperr.Write(w, apperr.Wrap(apperr.Invalid, "invalid JSON", err))
		return
	}

	actor := keys.Actor{UserID: p.ID}
	if body.KeyCode != nil {
		k, err := h.Keys.Owned(r.Context(), actor, *body.KeyCode)
		if err != nil {
			apperr.Write(w, err)
			return
		}
		if body.RequestType == models.RequestTypeDeleteKey && k.Status == models.KeyStatusDeleted {
			apperr.Write(w, keys.ErrKeyDeleted)
			return
		}
	}

	q := &models.UserRequest{
		ID:          uuid.New(),
		UserID:      p.ID,
		RequestType: body.RequestType,
		KeyCode:     body.KeyCode,
		UDID:        body.UDID,
		Details:     body.Details,
		Status:      models.RequestStatusPending,
	}
	if err := h.Requests.Create(r.Context(), q); err != nil {
		h.Logger.Error("create user request", "user_id", p.ID, "error", err)
		apperr.Write(w, err)
		return
	}

	if q.RequestType == models.RequestTypeDeleteKey {
		if err := h.Keys.MarkDeleted(r.Context(), actor, *q.KeyCode); err != nil {
			h.Logger.Error("mark key deleted for request", "request_id", q.ID, "error", err)
			apperr.Write(w, err)
			return
		}
	}

	publish(r.Context(), h.Events, h.Logger, feed.Event{Table: "user_requests", Op: feed.OpInsert, ID: q.ID.String(), UserID: p.ID})
	writeJSON(w, http.StatusCreated, q)
}

// --- GET /api/v1/requests ---

func (h *RequestHandler) List(w http.ResponseWriter, r *http.Request) {
	p := middleware.ProfileFromCtx(r.Context())
	if p == nil {
		apperr.Write(w, errUnauthorized)
		return
	}
	list, err := h.Requests.ListByUserID(r.Context(), p.ID)
	if err != nil {
		h.Logger.Error("list user requests", "user_id", p.ID, "error", err)
		apperr.Write(w, err)
		return
	}
	if list == nil {
		list = []*models.UserRequest{}
	}
	writeJSON(w, http.StatusOK, list)
}
