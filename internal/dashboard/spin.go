package dashboard

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/resellerhub/backend/internal/apperr"
	"github.com/resellerhub/backend/internal/middleware"
	"github.com/resellerhub/backend/internal/models"
)

// SpinInterval is the minimum gap between two spins of the same user.
const SpinInterval = 7 * 24 * time.Hour

// SpinRewards are the equally likely outcomes of one spin.
var SpinRewards = []int{0, 1, 2, 3}

var pickReward = func() int { return SpinRewards[rand.IntN(len(SpinRewards))] }

type spinCooldownError struct{ next time.Time }

func (e *spinCooldownError) Error() string {
	return "spin not available until " + e.next.Format(time.RFC3339)
}

// nextSpin is the zero time when the user never spun.
func nextSpin(last *time.Time) time.Time {
	if last == nil {
		return time.Time{}
	}
	return last.Add(SpinInterval)
}

type spinStatus struct {
	CanSpin    bool       `json:"can_spin"`
	LastSpinAt *time.Time `json:"last_spin_at"`
	NextSpinAt *time.Time `json:"next_spin_at"`
	Rewards    []int      `json:"rewards"`
}

// GET /api/v1/me/spin
func (h *Handler) SpinStatus(w http.ResponseWriter, r *http.Request) {
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
	st := spinStatus{LastSpinAt: last, Rewards: SpinRewards}
	if next := nextSpin(last); next.After(now()) {
		st.NextSpinAt = &next
	} else {
		st.CanSpin = true
	}
	writeJSON(w, http.StatusOK, st)
}

type spinResult struct {
	CreditsWon int       `json:"credits_won"`
	Balance    int       `json:"balance"`
	NextSpinAt time.Time `json:"next_spin_at"`
}

// POST /api/v1/me/spin
// Lock profile -> check last spin -> insert spin row -> grant, one transaction.
func (h *Handler) Spin(w http.ResponseWriter, r *http.Request) {
	p := middleware.ProfileFromCtx(r.Context())
	if p == nil {
		apperr.Write(w, errUnauthorized)
		return
	}
	res, err := h.spin(r, p.ID)
	var cooldown *spinCooldownError
	if errors.As(err, &cooldown) {
		apperr.WriteWith(w, apperr.New(apperr.Conflict, "weekly spin already used"),
			map[string]any{"next_spin_at": cooldown.next})
		return
	}
	if err != nil {
		h.log.Error("spin failed", "user_id", p.ID, "error", err)
		apperr.Write(w, err)
		return
	}
	h.audit(r.Context(), p.ID, "weekly_spin", map[string]int{"credits_won": res.CreditsWon})
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) spin(r *http.Request, userID uuid.UUID) (*spinResult, error) {
	ctx := r.Context()
	tx, err := h.d.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := h.d.Profiles.GetByIDForUpdate(ctx, tx, userID); err != nil {
		return nil, fmt.Errorf("lock profile: %w", err)
	}
	last, err := h.d.Spins.LastSpinAtTx(ctx, tx, userID)
	if err != nil {
		return nil, fmt.Errorf("load last spin: %w", err)
	}
	t := now()
	if next := nextSpin(last); next.After(t) {
		return nil, &spinCooldownError{next: next}
	}

	won := pickReward()
	if err := h.d.Spins.CreateTx(ctx, tx, &models.WeeklySpin{ID: uuid.New(), UserID: userID, CreditsWon: won, SpinDate: t}); err != nil {
		return nil, fmt.Errorf("insert spin: %w", err)
	}
	balance, err := h.d.Credits.Grant(ctx, tx, userID, won, models.CreditEntrySpinReward, "weekly spin")
	if err != nil {
		return nil, fmt.Errorf("grant reward: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &spinResult{CreditsWon: won, Balance: balance, NextSpinAt: t.Add(SpinInterval)}, nil
}
