/**
 * @description
 * Scheduled job implementations for the refund-service.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/clearcause/refund-service/internal/config"
)

const (
	deadlineSweepLease     = "deadline_sweep"
	submittedDecisionLease = "submitted_decisions"
)

// DecisionRunner is the part of the Service the scheduled jobs drive.
type DecisionRunner interface {
	RunDeadlineSweep(ctx context.Context) (*SweepResult, error)
	RunSubmittedDecisions(ctx context.Context) (*ProcessResult, error)
}

// Lease guards a job against concurrent runs on other replicas.
type Lease interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(), acquired bool, err error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	runner DecisionRunner
	lease  Lease
	logger *slog.Logger
	config config.Config
}

// NewJobs creates a new Jobs runner. lease may be nil.
func NewJobs(runner DecisionRunner, lease Lease, logger *slog.Logger, cfg config.Config) *Jobs {
	return &Jobs{
		runner: runner,
		lease:  lease,
		logger: logger,
		config: cfg,
	}
}

// ProcessExpiredDecisions executes undecided decisions past their deadline with the
// refund default.
func (j *Jobs) ProcessExpiredDecisions() {
	j.logger.Info("starting refund deadline sweep job")
	ctx, cancel := context.WithTimeout(context.Background(), j.config.JobTimeout())
	defer cancel()

	release, ok := j.acquire(ctx, deadlineSweepLease)
	if !ok {
		return
	}
	defer release()

	result, err := j.runner.RunDeadlineSweep(ctx)
	if err != nil {
		j.logger.Error("refund deadline sweep failed", "error", err)
		if result == nil {
			return
		}
	}

	j.logger.Info("refund deadline sweep job finished",
		"processed", result.Processed,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"errored", result.Errored,
		"requests_recomputed", result.RequestsRecomputed,
	)
}

// ProcessSubmittedDecisions executes decisions whose donors already chose.
func (j *Jobs) ProcessSubmittedDecisions() {
	j.logger.Info("starting submitted refund decisions job")
	ctx, cancel := context.WithTimeout(context.Background(), j.config.JobTimeout())
	defer cancel()

	release, ok := j.acquire(ctx, submittedDecisionLease)
	if !ok {
		return
	}
	defer release()

	result, err := j.runner.RunSubmittedDecisions(ctx)
	if err != nil {
		j.logger.Error("failed to process submitted refund decisions", "error", err)
		return
	}

	if result.Processed == 0 && result.Skipped == 0 && result.Errored == 0 {
		j.logger.Info("no submitted refund decisions to process")
		return
	}
	j.logger.Info("submitted refund decisions job finished",
		"processed", result.Processed,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"errored", result.Errored,
	)
}

func (j *Jobs) acquire(ctx context.Context, name string) (func(), bool) {
	if j.lease == nil {
		return func() {}, true
	}

	release, acquired, err := j.lease.Acquire(ctx, name, j.config.JobTimeout())
	if err != nil {
		// Run anyway; decision claims keep concurrent sweeps safe.
		j.logger.Warn("job lease unavailable; running without it", "job", name, "error", err)
		return func() {}, true
	}
	if !acquired {
		j.logger.Info("job already running on another replica", "job", name)
		return release, false
	}
	return release, true
}
