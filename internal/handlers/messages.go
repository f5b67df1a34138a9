package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/resellerhub/backend/internal/apperr"
	"github.com/resellerhub/backend/internal/feed"
	"github.com/resellerhub/backend/internal/middleware"
	"github.com/resellerhub/backend/internal/models"
	"github.com/resellerhub/backend/internal/repository"
)

const (
	threadLimit    = 200
	maxMessageLen  = 4000
	maxJSONBodyLen = 64 << 10
)

// MessageStore is the subset of the message repository the handlers need.
type MessageStore interface {
	CreateSupport(ctx context.Context, m *models.SupportMessage) error
	ListSupport(ctx context.Context, userID uuid.UUID, limit int) ([]*models.SupportMessage, error)
	CreatePrivate(ctx context.Context, m *models.PrivateMessage) error
	ListPrivate(ctx context.Context, recipientID uuid.UUID, limit int) ([]*models.PrivateMessage, error)
	MarkRead(ctx context.Context, messageID, userID uuid.UUID) error
	UnreadCount(ctx context.Context, userID uuid.UUID) (int, error)
}

// EventPublisher announces row changes to open dashboards.
type EventPublisher interface {
	Publish(ctx context.Context, ev feed.Event) error
}

// MessageHandler serves the support chat and private inbox.
type MessageHandler struct {
	Messages MessageStore
	Events   EventPublisher
	Logger   *slog.Logger
}

// MessageBody is the payload for any chat or private message.
type MessageBody struct {
	Message  string  `json:"message"`
	ImageURL *string `json:"image_url"`
	VideoURL *string `json:"video_url"`
}

// Validate trims the text and requires either text or an attachment.
func (b *MessageBody) Validate() error {
	b.Message = strings.TrimSpace(b.Message)
	if b.Message == "" && b.ImageURL == nil && b.VideoURL == nil {
		return apperr.New(apperr.Invalid, "message or attachment is required")
	}
	if len(b.Message) > maxMessageLen {
		return apperr.New(apperr.Invalid, "message too long")
	}
	return nil
}

// --- GET /api/v1/support/messages ---

func (h *MessageHandler) ListSupport(w http.ResponseWriter, r *http.Request) {
	p := middleware.ProfileFromCtx(r.Context())
	if p == nil {
		apperr.Write(w, errUnauthorized)
		return
	}
	list, err := h.Messages.ListSupport(r.Context(), p.ID, threadLimit)
	if err != nil {
		h.Logger.Error("list support messages", "user_id", p.ID, "error", err)
		apperr.Write(w, err)
		return
	}
	if list == nil {
		list = []*models.SupportMessage{}
	}
	writeJSON(w, http.StatusOK, list)
}

// --- POST /api/v1/support/messages ---

func (h *MessageHandler) PostSupport(w http.ResponseWriter, r *http.Request) {
	p := middleware.ProfileFromCtx(r.Context())
	if p == nil {
		apperr.Write(w, errUnauthorized)
		return
	}
	var body MessageBody
	if err := decodeBody(w, r, &body); err != nil {
		apperr.Write(w, err)
		return
	}
	if err := body.Validate(); err != nil {
		apperr.Write(w, err)
		return
	}
	m := &models.SupportMessage{
		ID:       uuid.New(),
		UserID:   p.ID,
		SenderID: p.ID,
		IsAdmin:  false,
		Message:  body.Message,
		ImageURL: body.ImageURL,
		VideoURL: body.VideoURL,
	}
	if err := h.Messages.CreateSupport(r.Context(), m); err != nil {
		h.Logger.Error("create support message", "user_id", p.ID, "error", err)
		apperr.Write(w, err)
		return
	}
	publish(r.Context(), h.Events, h.Logger, feed.Event{Table: "support_messages", Op: feed.OpInsert, ID: m.ID.String(), UserID: p.ID})
	writeJSON(w, http.StatusCreated, m)
}

// --- GET /api/v1/messages ---

func (h *MessageHandler) ListPrivate(w http.ResponseWriter, r *http.Request) {
	p := middleware.ProfileFromCtx(r.Context())
	if p == nil {
		apperr.Write(w, errUnauthorized)
		return
	}
	list, err := h.Messages.ListPrivate(r.Context(), p.ID, threadLimit)
	if err != nil {
		h.Logger.Error("list private messages", "user_id", p.ID, "error", err)
		apperr.Write(w, err)
		return
	}
	if list == nil {
		list = []*models.PrivateMessage{}
	}
	writeJSON(w, http.StatusOK, list)
}

// --- POST /api/v1/messages/{id}/read ---

func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	p := middleware.ProfileFromCtx(r.Context())
	if p == nil {
		apperr.Write(w, errUnauthorized)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		apperr.Write(w, apperr.New(apperr.Invalid, "invalid message id"))
		return
	}
	if err := h.Messages.MarkRead(r.Context(), id, p.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			apperr.Write(w, apperr.New(apperr.NotFound, "message not found"))
			return
		}
		h.Logger.Error("mark message read", "message_id", id, "error", err)
		apperr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"read": true})
}

// --- GET /api/v1/messages/unread-count ---

func (h *MessageHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	p := middleware.ProfileFromCtx(r.Context())
	if p == nil {
		apperr.Write(w, errUnauthorized)
		return
	}
	n, err := h.Messages.UnreadCount(r.Context(), p.ID)
	if err != nil {
		h.Logger.Error("unread count", "user_id", p.ID, "error", err)
		apperr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": n})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

var errUnauthorized = apperr.New(apperr.Unauthorized, "unauthorized")

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyLen)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Wrap(apperr.Invalid, "invalid JSON", err)
	}
	return nil
}

func publish(ctx context.Context, events EventPublisher, log *slog.Logger, ev feed.Event) {
	if events == nil {
		return
	}
	if err := events.Publish(ctx, ev); err != nil {
		log.Warn("publish change event failed", "table", ev.Table, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
