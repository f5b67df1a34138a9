// Package reconcile brings local key rows back in line with the licensing
// API.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/resellerhub/backend/internal/feed"
	"github.com/resellerhub/backend/internal/licensing"
	"github.com/resellerhub/backend/internal/metrics"
	"github.com/resellerhub/backend/internal/models"
	"github.com/resellerhub/backend/internal/repository"
)

// Outcome of reconciling one key.
type Outcome string

const (
	OutcomeSynced   Outcome = "synced"
	OutcomePromoted Outcome = "promoted"
	OutcomeExpired  Outcome = "expired"
	OutcomeDeleted  Outcome = "deleted"
	OutcomeFailed   Outcome = "failed"
)

// Result counts the outcomes of a sweep.
type Result struct {
	Checked  int `json:"checked"`
	Synced   int `json:"synced"`
	Promoted int `json:"promoted"`
	Expired  int `json:"expired"`
	Deleted  int `json:"deleted"`
	Failed   int `json:"failed"`
}

func (r *Result) add(o Outcome) {
	r.Checked++
	switch o {
	case OutcomeSynced:
		r.Synced++
	case OutcomePromoted:
		r.Promoted++
	case OutcomeExpired:
		r.Expired++
	case OutcomeDeleted:
		r.Deleted++
	default:
		r.Failed++
	}
}

// Licensing looks keys up in the external system.
type Licensing interface {
	Details(ctx context.Context, code string) (*licensing.KeyDetails, error)
}

type KeyStore interface {
	ListByUserID(ctx context.Context, userID uuid.UUID) ([]*models.Key, error)
	ListStale(ctx context.Context, before time.Time, limit int) ([]*models.Key, error)
	ApplySync(ctx context.Context, id uuid.UUID, from, to string, activateCount int, syncedAt time.Time) (string, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type EventPublisher interface {
	Publish(ctx context.Context, ev feed.Event) error
}

type Options struct {
	Concurrency int
	// Events is optional.
	Events EventPublisher
	Logger *slog.Logger
}

type Reconciler struct {
	keys        KeyStore
	lic         Licensing
	events      EventPublisher
	concurrency int
	log         *slog.Logger
}

func New(keys KeyStore, lic Licensing, opts Options) *Reconciler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Reconciler{keys: keys, lic: lic, events: opts.Events, concurrency: opts.Concurrency, log: opts.Logger}
}

var now = time.Now

// ReconcileKey looks k up and applies the result. Only a definite 404
// removes the local row; any other lookup error leaves it untouched.
func (r *Reconciler) ReconcileKey(ctx context.Context, k *models.Key) (Outcome, error) {
	outcome, err := r.reconcile(ctx, k)
	metrics.ReconcileOutcomes.WithLabelValues(string(outcome)).Inc()
	return outcome, err
}

func (r *Reconciler) reconcile(ctx context.Context, k *models.Key) (Outcome, error) {
	details, err := r.lic.Details(ctx, k.KeyCode)
	if errors.Is(err, licensing.ErrNotFound) {
		// An overlapping sweep may have removed the row already.
		if err := r.keys.Delete(ctx, k.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return OutcomeFailed, fmt.Errorf("delete key %s: %w", k.KeyCode, err)
		}
		r.publish(ctx, k, feed.OpDelete)
		return OutcomeDeleted, nil
	}
	if err != nil {
		return OutcomeFailed, fmt.Errorf("lookup key %s: %w", k.KeyCode, err)
	}

	t := now()
	count := details.Key.ActivateCount
	target, outcome := targetStatus(k, details.Key, t)
	status, err := r.keys.ApplySync(ctx, k.ID, k.Status, target, count, t)
	if errors.Is(err, repository.ErrNotFound) {
		return OutcomeDeleted, nil
	}
	if err != nil {
		return OutcomeFailed, fmt.Errorf("update key %s: %w", k.KeyCode, err)
	}
	if status != target {
		// Changed locally since the snapshot; the next sweep looks again.
		outcome = OutcomeSynced
	}
	if status != k.Status || count != k.ActivateCount {
		r.publish(ctx, k, feed.OpUpdate)
	}
	return outcome, nil
}

// targetStatus maps the remote view onto the local status. A pending key is
// promoted once it has an activation and expires when its activation window
// passes unused. Otherwise the remote blocked/active flag wins.
func targetStatus(k *models.Key, info licensing.KeyInfo, t time.Time) (string, Outcome) {
	switch k.Status {
	case models.KeyStatusPending:
		switch {
		case info.Status == licensing.StatusBlocked:
			return models.KeyStatusBlocked, OutcomeSynced
		case info.ActivateCount > 0:
			return models.KeyStatusActive, OutcomePromoted
		case k.ExpiredAt != nil && t.After(*k.ExpiredAt):
			return models.KeyStatusDeleted, OutcomeExpired
		}
	case models.KeyStatusActive, models.KeyStatusBlocked:
		switch info.Status {
		case licensing.StatusBlocked:
			return models.KeyStatusBlocked, OutcomeSynced
		case licensing.StatusActive:
			return models.KeyStatusActive, OutcomeSynced
		}
	}
	return k.Status, OutcomeSynced
}

// SweepUser reconciles every live key of userID. Keys already marked
// deleted are skipped. Per-key failures are counted, not returned.
func (r *Reconciler) SweepUser(ctx context.Context, userID uuid.UUID) (Result, error) {
	list, err := r.keys.ListByUserID(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("list keys: %w", err)
	}
	live := make([]*models.Key, 0, len(list))
	for _, k := range list {
		if k.Status != models.KeyStatusDeleted {
			live = append(live, k)
		}
	}
	res := r.sweep(ctx, live)
	r.log.Info("user keys reconciled", "user_id", userID, "checked", res.Checked,
		"deleted", res.Deleted, "promoted", res.Promoted, "expired", res.Expired, "failed", res.Failed)
	return res, nil
}

// SweepStale reconciles up to limit keys not synced within olderThan.
func (r *Reconciler) SweepStale(ctx context.Context, olderThan time.Duration, limit int) (Result, error) {
	list, err := r.keys.ListStale(ctx, now().Add(-olderThan), limit)
	if err != nil {
		return Result{}, fmt.Errorf("list stale keys: %w", err)
	}
	res := r.sweep(ctx, list)
	if res.Checked > 0 {
		r.log.Info("stale keys reconciled", "checked", res.Checked,
			"deleted", res.Deleted, "promoted", res.Promoted, "expired", res.Expired, "failed", res.Failed)
	}
	return res, nil
}

func (r *Reconciler) sweep(ctx context.Context, list []*models.Key) Result {
	var (
		mu  sync.Mutex
		res Result
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, k := range list {
		g.Go(func() error {
			outcome, err := r.ReconcileKey(gctx, k)
			if err != nil {
				r.log.Warn("key reconcile failed", "key_code", k.KeyCode, "error", err)
			}
			mu.Lock()
			res.add(outcome)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return res
}

func (r *Reconciler) publish(ctx context.Context, k *models.Key, op string) {
	if r.events == nil {
		return
	}
	if err := r.events.Publish(ctx, feed.Event{Table: "keys", Op: op, ID: k.ID.String(), UserID: k.UserID}); err != nil {
		r.log.Warn("publish reconcile event failed", "error", err)
	}
}
