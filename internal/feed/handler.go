package feed

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/resellerhub/backend/internal/apperr"
	"github.com/resellerhub/backend/internal/middleware"
)

// Subscriber opens pub/sub subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

type Handler struct {
	sub       Subscriber
	keepAlive time.Duration
	log       *slog.Logger
}

func NewHandler(sub Subscriber, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{sub: sub, keepAlive: 25 * time.Second, log: log}
}

// Stream handles GET /api/v1/feed as Server-Sent Events. Staff also receive
// the admin channel.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	p := middleware.ProfileFromCtx(r.Context())
	if p == nil {
		apperr.Write(w, apperr.New(apperr.Unauthorized, "unauthorized"))
		return
	}
	rc := http.NewResponseController(w)
	// The stream outlives the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	channels := []string{UserChannel(p.ID)}
	if p.IsStaff() {
		channels = append(channels, AdminChannel)
	}
	ctx := r.Context()
	ps := h.sub.Subscribe(ctx, channels...)
	defer ps.Close()
	// Wait for the subscription to be confirmed so no event published after
	// the response starts is lost.
	if _, err := ps.Receive(ctx); err != nil {
		h.log.Warn("feed subscribe failed", "user_id", p.ID, "error", err)
		apperr.Write(w, apperr.Wrap(apperr.Internal, "feed unavailable", err))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	_ = rc.Flush()

	msgs := ps.Channel()
	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			_ = rc.Flush()
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "event: change\ndata: %s\n\n", msg.Payload); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}
