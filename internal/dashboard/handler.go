package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/resellerhub/backend/internal/apperr"
	"github.com/resellerhub/backend/internal/middleware"
	"github.com/resellerhub/backend/internal/models"
	"github.com/resellerhub/backend/internal/repository"
	"github.com/resellerhub/backend/internal/theme"
)

const (
	ledgerLimit    = 100
	maxUsernameLen = 32
)

var (
	errUnauthorized  = apperr.New(apperr.Unauthorized, "unauthorized")
	errUsernameTaken = apperr.New(apperr.Conflict, "username already taken")
)

var now = time.Now

type ProfileStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Profile, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Profile, error)
	UpdateUsername(ctx context.Context, id uuid.UUID, username string, at, notAfter time.Time) error
	UpdateTheme(ctx context.Context, id uuid.UUID, background, segment, lightning *string) error
}

type SpinStore interface {
	LastSpinAt(ctx context.Context, userID uuid.UUID) (*time.Time, error)
	LastSpinAtTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*time.Time, error)
	CreateTx(ctx context.Context, tx pgx.Tx, s *models.WeeklySpin) error
}

type LedgerReader interface {
	ListByUserID(ctx context.Context, userID uuid.UUID, limit int) ([]*models.CreditLedger, error)
}

// Granter credits spin rewards inside the caller's transaction.
type Granter interface {
	Grant(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int, entryType, note string) (int, error)
}

type PasswordChanger interface {
	ChangePassword(ctx context.Context, userID uuid.UUID, current, next string) error
}

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Auditor interface {
	Record(ctx context.Context, userID uuid.UUID, actionType string, keyCode *string, details any) error
}

// Deps wires the dashboard handler.
type Deps struct {
	Pool      TxBeginner
	Profiles  ProfileStore
	Spins     SpinStore
	Ledger    LedgerReader
	Credits   Granter
	Passwords PasswordChanger
	Audit     Auditor
	Logger    *slog.Logger
}

// Handler serves the signed-in user's own settings under /api/v1/me.
type Handler struct {
	d   Deps
	log *slog.Logger
}

func NewHandler(d Deps) *Handler {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Handler{d: d, log: log}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(v); err != nil {
		return apperr.Wrap(apperr.Invalid, "invalid JSON", err)
	}
	return nil
}

func (h *Handler) audit(ctx context.Context, userID uuid.UUID, action string, details any) {
	if h.d.Audit == nil {
		return
	}
	if err := h.d.Audit.Record(ctx, userID, action, nil, details); err != nil {
		h.log.Warn("record user action failed", "action", action, "error", err)
	}
}

type meResponse struct {
	*models.Profile
	Banned             bool        `json:"banned"`
	Theme              theme.Theme `json:"theme"`
	NextSpinAt         *time.Time  `json:"next_spin_at"`
	CanSpin            bool        `json:"can_spin"`
	NextUsernameChange *time.Time  `json:"next_username_change"`
}

// GET /api/v1/me
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	p := middleware.ProfileFromCtx(r.Context())
	if p == nil {
		apperr.Write(w, errUnauthorized)
		return
	}
	last, err := h.d.Spins.LastSpinAt(r.Context(), p.ID)
	if err != nil {
		h.log.Error("load last spin failed", "user_id", p.ID, "error", err)
		apperr.Write(w, err)
		return
	}
	t := now()
	resp := meResponse{
		Profile: p,
		Banned:  p.IsBanned(t),
		Theme: theme.Resolve(theme.Prefs{
			Background: p.BackgroundColor,
			Segment:    p.SegmentColor,
			Lightning:  p.LightningColor,
		}),
	}
	if next := nextSpin(last); next.After(t) {
		resp.NextSpinAt = &next
	} else {
		resp.CanSpin = true
	}
	if next := p.NextUsernameChange(); next.After(t) {
		resp.NextUsernameChange = &next
	}
	writeJSON(w, http.StatusOK, resp)
}

// PATCH /api/v1/me/username
func (h *Handler) UpdateUsername(w http.ResponseWriter, r *http.Request) {
	p := middleware.ProfileFromCtx(r.Context())
	if p == nil {
		apperr.Write(w, errUnauthorized)
		return
	}
	var body struct {
		Username string `json:"username"`
	}
	if err := decode(w, r, &body); err != nil {
		apperr.Write(w, err)
		return
	}
	username := strings.TrimSpace(body.Username)
	if username == "" || utf8.RuneCountInString(username) > maxUsernameLen {
		apperr.Write(w, apperr.New(apperr.Invalid, "username must be 1-32 characters"))
		return
	}
	if username == p.Username {
		apperr.Write(w, apperr.New(apperr.Invalid, "username unchanged"))
		return
	}

	t := now()
	if next := p.NextUsernameChange(); next.After(t) {
		days := int(math.Ceil(next.Sub(t).Hours() / 24))
		apperr.WriteWith(w, apperr.New(apperr.Conflict, "username was changed recently"),
			map[string]any{"retry_after_days": days})
		return
	}

	err := h.d.Profiles.UpdateUsername(r.Context(), p.ID, username, t, t.Add(-models.UsernameChangeCooldown))
	if errors.Is(err, repository.ErrUsernameCooldown) {
		// A concurrent change got there first.
		apperr.WriteWith(w, apperr.New(apperr.Conflict, "username was changed recently"),
			map[string]any{"retry_after_days": int(models.UsernameChangeCooldown.Hours() / 24)})
		return
	}
	if errors.Is(err, repository.ErrNotFound) {
		apperr.Write(w, apperr.New(apperr.NotFound, "profile not found"))
		return
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			apperr.Write(w, errUsernameTaken)
			return
		}
		h.log.Error("update username failed", "user_id", p.ID, "error", err)
		apperr.Write(w, err)
		return
	}
	h.audit(r.Context(), p.ID, "username_changed", map[string]string{"from": p.Username, "to": username})
	writeJSON(w, http.StatusOK, map[string]any{"username": username, "last_username_change": t})
}

// PUT /api/v1/me/password
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	p := middleware.ProfileFromCtx(r.Context())
	if p == nil {
		apperr.Write(w, errUnauthorized)
		return
	}
	var body struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := decode(w, r, &body); err != nil {
		apperr.Write(w, err)
		return
	}
	if err := h.d.Passwords.ChangePassword(r.Context(), p.ID, body.CurrentPassword, body.NewPassword); err != nil {
		apperr.Write(w, err)
		return
	}
	h.audit(r.Context(), p.ID, "password_changed", nil)
	w.WriteHeader(http.StatusNoContent)
}

// PUT /api/v1/me/theme
func (h *Handler) UpdateTheme(w http.ResponseWriter, r *http.Request) {
	p := middleware.ProfileFromCtx(r.Context())
	if p == nil {
		apperr.Write(w, errUnauthorized)
		return
	}
	var body struct {
		BackgroundColor string `json:"background_color"`
		SegmentColor    string `json:"segment_color"`
		LightningColor  string `json:"lightning_color"`
	}
	if err := decode(w, r, &body); err != nil {
		apperr.Write(w, err)
		return
	}
	bg, err := theme.Normalize("background_color", body.BackgroundColor)
	if err != nil {
		apperr.Write(w, err)
		return
	}
	seg, err := theme.Normalize("segment_color", body.SegmentColor)
	if err != nil {
		apperr.Write(w, err)
		return
	}
	light, err := theme.Normalize("lightning_color", body.LightningColor)
	if err != nil {
		apperr.Write(w, err)
		return
	}
	if err := h.d.Profiles.UpdateTheme(r.Context(), p.ID, bg, seg, light); err != nil {
		h.log.Error("update theme failed", "user_id", p.ID, "error", err)
		apperr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, theme.Resolve(theme.Prefs{Background: bg, Segment: seg, Lightning: light}))
}

// GET /api/v1/me/credit-ledger
func (h *Handler) ListCreditLedger(w http.ResponseWriter, r *http.Request) {
	p := middleware.ProfileFromCtx(r.Context())
	if p == nil {
		apperr.Write(w, errUnauthorized)
		return
	}
	entries, err := h.d.Ledger.ListByUserID(r.Context(), p.ID, ledgerLimit)
	if err != nil {
		h.log.Error("list credit ledger failed", "error", err)
		apperr.Write(w, err)
		return
	}
	if entries == nil {
		entries = []*models.CreditLedger{}
	}
	writeJSON(w, http.StatusOK, entries)
}
