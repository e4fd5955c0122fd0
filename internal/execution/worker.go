// Package execution holds the River workers that run scheduled tracking
// passes and result retention.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/rankwatch/backend/internal/lock"
	"github.com/rankwatch/backend/internal/metrics"
	"github.com/rankwatch/backend/internal/tracking"
)

type TrackingPassArgs struct {
	DebugCadence bool `json:"debug_cadence,omitempty"`
}

func (TrackingPassArgs) Kind() string { return "tracking_pass" }

// PassRunner is the part of the orchestrator the pass worker needs.
type PassRunner interface {
	RunPass(ctx context.Context, opts tracking.PassOptions) (*tracking.PassReport, error)
}

type TrackingPassWorker struct {
	river.WorkerDefaults[TrackingPassArgs]
	runner  PassRunner
	timeout time.Duration
	logger  *slog.Logger
}

func NewTrackingPassWorker(runner PassRunner, timeout time.Duration, logger *slog.Logger) *TrackingPassWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &TrackingPassWorker{runner: runner, timeout: timeout, logger: logger}
}

func (w *TrackingPassWorker) Timeout(*river.Job[TrackingPassArgs]) time.Duration {
	return w.timeout
}

func (w *TrackingPassWorker) Work(ctx context.Context, job *river.Job[TrackingPassArgs]) error {
	report, err := w.runner.RunPass(ctx, tracking.PassOptions{AllowDebugCadence: job.Args.DebugCadence})
	if err != nil {
		if errors.Is(err, lock.ErrPassInProgress) {
			// The running pass covers this tick.
			return nil
		}
		return fmt.Errorf("tracking pass: %w", err)
	}
	w.logger.Info("scheduled tracking pass done", "due", report.Due, "failed", report.Failed)
	return nil
}

type RetentionArgs struct{}

func (RetentionArgs) Kind() string { return "rank_retention" }

// ResultPurger deletes rank results checked before cutoff.
type ResultPurger interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type RetentionWorker struct {
	river.WorkerDefaults[RetentionArgs]
	purger  ResultPurger
	days    int
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewRetentionWorker keeps the last days of rank results. days <= 0 keeps
// everything.
func NewRetentionWorker(purger ResultPurger, days int, m *metrics.Metrics, logger *slog.Logger) *RetentionWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionWorker{purger: purger, days: days, now: time.Now, metrics: m, logger: logger}
}

func (w *RetentionWorker) Work(ctx context.Context, _ *river.Job[RetentionArgs]) error {
	if w.days <= 0 {
		return nil
	}
	cutoff := w.now().AddDate(0, 0, -w.days)
	n, err := w.purger.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("purge rank results: %w", err)
	}
	w.metrics.AddRetentionDeleted(n)
	w.logger.Info("rank results purged", "deleted", n, "cutoff", cutoff)
	return nil
}

// PeriodicJobs schedules the tracking pass and the retention sweep.
func PeriodicJobs(pass, retention river.PeriodicSchedule) []*river.PeriodicJob {
	return []*river.PeriodicJob{
		river.NewPeriodicJob(pass, func() (river.JobArgs, *river.InsertOpts) {
			return TrackingPassArgs{}, &river.InsertOpts{MaxAttempts: 3}
		}, &river.PeriodicJobOpts{}),
		river.NewPeriodicJob(retention, func() (river.JobArgs, *river.InsertOpts) {
			return RetentionArgs{}, nil
		}, &river.PeriodicJobOpts{}),
	}
}

// Register adds both workers to workers.
func Register(workers *river.Workers, pass *TrackingPassWorker, retention *RetentionWorker) {
	river.AddWorker(workers, pass)
	river.AddWorker(workers, retention)
}
