// Package keys is the facade over the licensing API: every lifecycle
// operation calls the external system first and mirrors the result locally.
package keys

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/resellerhub/backend/internal/apperr"
	"github.com/resellerhub/backend/internal/cache"
	"github.com/resellerhub/backend/internal/feed"
	"github.com/resellerhub/backend/internal/licensing"
	"github.com/resellerhub/backend/internal/metrics"
	"github.com/resellerhub/backend/internal/models"
	"github.com/resellerhub/backend/internal/repository"
	"github.com/resellerhub/backend/internal/services"
)

var (
	ErrKeyNotFound     = apperr.New(apperr.NotFound, "key not found")
	ErrKeyDeleted      = apperr.New(apperr.Conflict, "key has been deleted")
	ErrUnknownDuration = apperr.New(apperr.Invalid, "unknown duration")
)

const errDatabase = "failed to update database"

// Actor is the caller of a key operation. Elevated actors (admin routes) may
// act on any user's key.
type Actor struct {
	UserID   uuid.UUID
	Elevated bool
}

// Licensing is the subset of the licensing client the facade calls.
type Licensing interface {
	CreateKey(ctx context.Context, p licensing.CreateParams) (string, error)
	Details(ctx context.Context, code string) (*licensing.KeyDetails, error)
	ChangeStatus(ctx context.Context, code string, status int) error
	Reset(ctx context.Context, code string) error
	Delete(ctx context.Context, code string) error
	BanDevice(ctx context.Context, code, udid string) error
}

type KeyStore interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	CreateTx(ctx context.Context, tx pgx.Tx, k *models.Key) error
	GetByCode(ctx context.Context, code string) (*models.Key, error)
	ListByUserID(ctx context.Context, userID uuid.UUID) ([]*models.Key, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
	ResetActivations(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type ProfileGetter interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Profile, error)
}

// Charger debits credits inside the key insert transaction.
type Charger interface {
	Charge(ctx context.Context, tx pgx.Tx, userID uuid.UUID, keyID *uuid.UUID, amount int) (int, error)
}

type DetailsCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

type Auditor interface {
	Record(ctx context.Context, userID uuid.UUID, actionType string, keyCode *string, details any) error
}

type EventPublisher interface {
	Publish(ctx context.Context, ev feed.Event) error
}

// Deps groups the collaborators of Service. Cache, Audit and Events are
// optional.
type Deps struct {
	Keys       KeyStore
	Profiles   ProfileGetter
	Credits    Charger
	Licensing  Licensing
	Cache      DetailsCache
	Audit      Auditor
	Events     EventPublisher
	PackageIDs []int32
	DetailsTTL time.Duration
	Staleness  time.Duration
	Logger     *slog.Logger
}

// CreateResult is the response of Create.
type CreateResult struct {
	Key              *models.Key `json:"key"`
	KeyCode          string      `json:"key_code"`
	Duration         string      `json:"duration"`
	Status           string      `json:"status"`
	CreditsRemaining int         `json:"credits_remaining"`
}

// View is a key row as listed to its owner.
type View struct {
	*models.Key
	Stale bool `json:"stale"`
}

type Service struct {
	d   Deps
	log *slog.Logger
}

func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.DetailsTTL <= 0 {
		d.DetailsTTL = 30 * time.Second
	}
	if d.Staleness <= 0 {
		d.Staleness = 10 * time.Minute
	}
	return &Service{d: d, log: d.Logger}
}

var now = time.Now

// Create issues a key for userID. Approval, ban and balance are checked
// before the licensing API is called; a rejected request leaves no trace in
// either system.
func (s *Service) Create(ctx context.Context, userID uuid.UUID, duration string) (*CreateResult, error) {
	cost, ok := models.DurationCost(duration)
	if !ok {
		return nil, ErrUnknownDuration
	}
	days, _ := models.DurationDays(duration)

	p, err := s.d.Profiles.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	if !p.IsApproved() {
		return nil, apperr.New(apperr.PendingApproval, "account pending approval")
	}
	if p.IsBanned(now()) {
		return nil, apperr.New(apperr.Banned, "account is banned")
	}
	if p.Credits < cost {
		return nil, fmt.Errorf("need %d credits, have %d: %w", cost, p.Credits, services.ErrInsufficientCredits)
	}

	code, err := s.d.Licensing.CreateKey(ctx, licensing.CreateParams{DurationDays: days, PackageIDs: s.d.PackageIDs})
	if err != nil {
		return nil, externalError("create key", err)
	}

	expires := now().Add(models.ActivationWindow)
	k := &models.Key{
		ID:            uuid.New(),
		UserID:        userID,
		KeyCode:       code,
		Duration:      duration,
		Status:        models.KeyStatusPending,
		ActivateLimit: 1,
		PackageIDs:    s.d.PackageIDs,
		ExpiredAt:     &expires,
	}
	remaining, err := s.insertCharged(ctx, k, cost)
	if err != nil {
		if apperr.KindOf(err) == apperr.InsufficientCredits {
			// Balance dropped between the check and the charge; the upstream
			// key exists unpaid and is left for manual cleanup.
			s.log.Error("key created upstream but charge failed", "user_id", userID, "key_code", code, "error", err)
			return nil, err
		}
		s.log.Error("key created upstream but local write failed", "user_id", userID, "key_code", code, "error", err)
		return nil, apperr.Wrap(apperr.Internal, errDatabase, err)
	}

	metrics.KeysCreated.WithLabelValues(duration).Inc()
	s.after(ctx, k, "key_created", feed.OpInsert, map[string]any{"duration": duration, "cost": cost})
	return &CreateResult{
		Key:              k,
		KeyCode:          code,
		Duration:         duration,
		Status:           k.Status,
		CreditsRemaining: remaining,
	}, nil
}

func (s *Service) insertCharged(ctx context.Context, k *models.Key, cost int) (int, error) {
	tx, err := s.d.Keys.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if err := s.d.Keys.CreateTx(ctx, tx, k); err != nil {
		return 0, err
	}
	remaining, err := s.d.Credits.Charge(ctx, tx, k.UserID, &k.ID, cost)
	if err != nil {
		return 0, err
	}
	return remaining, tx.Commit(ctx)
}

// List returns the user's keys, deleted ones included, with their staleness
// against the reconcile tolerance.
func (s *Service) List(ctx context.Context, userID uuid.UUID) ([]View, error) {
	list, err := s.d.Keys.ListByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	t := now()
	out := make([]View, 0, len(list))
	for _, k := range list {
		stale := k.Status != models.KeyStatusDeleted && k.IsStale(t, s.d.Staleness)
		out = append(out, View{Key: k, Stale: stale})
	}
	return out, nil
}

// Details returns the licensing view of a key, cached for DetailsTTL.
func (s *Service) Details(ctx context.Context, actor Actor, code string) (*licensing.KeyDetails, error) {
	if _, err := s.owned(ctx, actor, code); err != nil {
		return nil, err
	}
	if s.d.Cache != nil {
		var cached licensing.KeyDetails
		err := s.d.Cache.Get(ctx, cacheKey(code), &cached)
		if err == nil {
			return &cached, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			s.log.Warn("details cache read failed", "key_code", code, "error", err)
		}
	}
	details, err := s.d.Licensing.Details(ctx, code)
	if err != nil {
		return nil, externalError("key details", err)
	}
	if s.d.Cache != nil {
		if err := s.d.Cache.Set(ctx, cacheKey(code), details, s.d.DetailsTTL); err != nil {
			s.log.Warn("details cache write failed", "key_code", code, "error", err)
		}
	}
	return details, nil
}

func (s *Service) Reset(ctx context.Context, actor Actor, code string) error {
	k, err := s.mutable(ctx, actor, code)
	if err != nil {
		return err
	}
	if err := s.d.Licensing.Reset(ctx, code); err != nil {
		return externalError("reset key", err)
	}
	if err := s.d.Keys.ResetActivations(ctx, k.ID); err != nil {
		return s.localFailure(k, "reset", err)
	}
	k.ActivateCount = 0
	s.after(ctx, k, actionName(actor, "key_reset"), feed.OpUpdate, nil)
	return nil
}

func (s *Service) Block(ctx context.Context, actor Actor, code string) error {
	return s.setStatus(ctx, actor, code, licensing.StatusBlocked, models.KeyStatusBlocked, "key_blocked")
}

func (s *Service) Unblock(ctx context.Context, actor Actor, code string) error {
	return s.setStatus(ctx, actor, code, licensing.StatusActive, models.KeyStatusActive, "key_unblocked")
}

func (s *Service) setStatus(ctx context.Context, actor Actor, code string, remote int, local, action string) error {
	k, err := s.mutable(ctx, actor, code)
	if err != nil {
		return err
	}
	if err := s.d.Licensing.ChangeStatus(ctx, code, remote); err != nil {
		return externalError("change key status", err)
	}
	if err := s.d.Keys.UpdateStatus(ctx, k.ID, local); err != nil {
		return s.localFailure(k, action, err)
	}
	k.Status = local
	s.after(ctx, k, actionName(actor, action), feed.OpUpdate, nil)
	return nil
}

func (s *Service) Delete(ctx context.Context, actor Actor, code string) error {
	k, err := s.mutable(ctx, actor, code)
	if err != nil {
		return err
	}
	if err := s.d.Licensing.Delete(ctx, code); err != nil && !errors.Is(err, licensing.ErrNotFound) {
		return externalError("delete key", err)
	}
	if err := s.d.Keys.Delete(ctx, k.ID); err != nil {
		return s.localFailure(k, "delete", err)
	}
	s.after(ctx, k, actionName(actor, "key_deleted"), feed.OpDelete, nil)
	return nil
}

func (s *Service) BanDevice(ctx context.Context, actor Actor, code, udid string) error {
	if udid == "" {
		return apperr.New(apperr.Invalid, "udid is required")
	}
	k, err := s.mutable(ctx, actor, code)
	if err != nil {
		return err
	}
	if err := s.d.Licensing.BanDevice(ctx, code, udid); err != nil {
		return externalError("ban device", err)
	}
	s.after(ctx, k, actionName(actor, "device_banned"), feed.OpUpdate, map[string]any{"udid": udid})
	return nil
}

// MarkDeleted retires a key locally without calling the licensing API.
func (s *Service) MarkDeleted(ctx context.Context, actor Actor, code string) error {
	k, err := s.mutable(ctx, actor, code)
	if err != nil {
		return err
	}
	if err := s.d.Keys.UpdateStatus(ctx, k.ID, models.KeyStatusDeleted); err != nil {
		return s.localFailure(k, "mark deleted", err)
	}
	k.Status = models.KeyStatusDeleted
	s.after(ctx, k, actionName(actor, "key_marked_deleted"), feed.OpUpdate, nil)
	return nil
}

// Owned loads a key the actor may act on.
func (s *Service) Owned(ctx context.Context, actor Actor, code string) (*models.Key, error) {
	return s.owned(ctx, actor, code)
}

func (s *Service) owned(ctx context.Context, actor Actor, code string) (*models.Key, error) {
	if code == "" {
		return nil, ErrKeyNotFound
	}
	k, err := s.d.Keys.GetByCode(ctx, code)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load key: %w", err)
	}
	if !actor.Elevated && k.UserID != actor.UserID {
		return nil, ErrKeyNotFound
	}
	return k, nil
}

// mutable is owned plus the rule that a deleted key is read-only for its
// owner. Elevated actors may still act on it.
func (s *Service) mutable(ctx context.Context, actor Actor, code string) (*models.Key, error) {
	k, err := s.owned(ctx, actor, code)
	if err != nil {
		return nil, err
	}
	if k.Status == models.KeyStatusDeleted && !actor.Elevated {
		return nil, ErrKeyDeleted
	}
	return k, nil
}

func (s *Service) localFailure(k *models.Key, op string, err error) error {
	s.log.Error("local key update failed after licensing call", "op", op, "key_code", k.KeyCode, "error", err)
	return apperr.Wrap(apperr.Internal, errDatabase, err)
}

// after runs the side effects of a successful mutation. Failures are logged;
// the mutation itself already succeeded.
func (s *Service) after(ctx context.Context, k *models.Key, action, op string, details map[string]any) {
	if s.d.Cache != nil {
		if err := s.d.Cache.Delete(ctx, cacheKey(k.KeyCode)); err != nil {
			s.log.Warn("details cache invalidation failed", "key_code", k.KeyCode, "error", err)
		}
	}
	if s.d.Audit != nil {
		code := k.KeyCode
		if err := s.d.Audit.Record(ctx, k.UserID, action, &code, details); err != nil {
			s.log.Warn("record key action failed", "action", action, "error", err)
		}
	}
	if s.d.Events != nil {
		ev := feed.Event{Table: "keys", Op: op, ID: k.ID.String(), UserID: k.UserID}
		if err := s.d.Events.Publish(ctx, ev); err != nil {
			s.log.Warn("publish key event failed", "error", err)
		}
	}
}

func actionName(actor Actor, action string) string {
	if actor.Elevated {
		return "admin_" + action
	}
	return action
}

func cacheKey(code string) string { return "key_details:" + code }

// externalError maps a licensing failure to ExternalFailure, passing the
// API's own message through when it sent one.
func externalError(op string, err error) error {
	if errors.Is(err, licensing.ErrNotFound) {
		return apperr.Wrap(apperr.NotFound, "key not found in licensing system", err)
	}
	msg := licensing.ErrorMessage(err)
	if msg == "" {
		msg = op + " failed"
	}
	return apperr.Wrap(apperr.ExternalFailure, msg, err)
}
