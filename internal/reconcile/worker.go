package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

type ReconcileUserArgs struct {
	UserID uuid.UUID `json:"user_id"`
}

func (ReconcileUserArgs) Kind() string { return "reconcile_user_keys" }

type ReconcileStaleArgs struct{}

func (ReconcileStaleArgs) Kind() string { return "reconcile_stale_keys" }

// Sweeps is what the workers drive; *Reconciler implements it.
type Sweeps interface {
	SweepUser(ctx context.Context, userID uuid.UUID) (Result, error)
	SweepStale(ctx context.Context, olderThan time.Duration, limit int) (Result, error)
}

type UserWorker struct {
	river.WorkerDefaults[ReconcileUserArgs]
	sweeps Sweeps
}

func NewUserWorker(s Sweeps) *UserWorker {
	return &UserWorker{sweeps: s}
}

func (w *UserWorker) Work(ctx context.Context, job *river.Job[ReconcileUserArgs]) error {
	if _, err := w.sweeps.SweepUser(ctx, job.Args.UserID); err != nil {
		return fmt.Errorf("sweep user %s: %w", job.Args.UserID, err)
	}
	return nil
}

type StaleWorker struct {
	river.WorkerDefaults[ReconcileStaleArgs]
	sweeps    Sweeps
	staleness time.Duration
	batch     int
}

func NewStaleWorker(s Sweeps, staleness time.Duration, batch int) *StaleWorker {
	return &StaleWorker{sweeps: s, staleness: staleness, batch: batch}
}

func (w *StaleWorker) Work(ctx context.Context, job *river.Job[ReconcileStaleArgs]) error {
	if _, err := w.sweeps.SweepStale(ctx, w.staleness, w.batch); err != nil {
		return fmt.Errorf("sweep stale keys: %w", err)
	}
	return nil
}

// PeriodicJobs schedules the stale sweep every interval, starting at boot.
func PeriodicJobs(interval time.Duration) []*river.PeriodicJob {
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(interval),
			func() (river.JobArgs, *river.InsertOpts) { return ReconcileStaleArgs{}, nil },
			&river.PeriodicJobOpts{RunOnStart: true},
		),
	}
}

// InsertFunc enqueues a job. Provided by main over river.Client.Insert.
type InsertFunc func(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) error

// EnqueueOnLogin returns a login hook that schedules a sweep of the user's
// keys. Duplicate enqueues within period collapse into one job.
func EnqueueOnLogin(insert InsertFunc, period time.Duration, log *slog.Logger) func(ctx context.Context, userID uuid.UUID) {
	if log == nil {
		log = slog.Default()
	}
	return func(ctx context.Context, userID uuid.UUID) {
		opts := &river.InsertOpts{UniqueOpts: river.UniqueOpts{ByArgs: true, ByPeriod: period}}
		if err := insert(ctx, ReconcileUserArgs{UserID: userID}, opts); err != nil {
			log.Warn("enqueue key reconcile failed", "user_id", userID, "error", err)
		}
	}
}
