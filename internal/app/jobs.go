/**
 * @description
 * Scheduled job implementations for the ledger-service. The jobs are the
 * periodic trigger for payout checks and overdue overdraft notices; they only
 * call public service verbs.
 */
package app

import (
	"context"
	"log/slog"
	"time"
)

const jobTimeout = 5 * time.Minute

// SweepClient defines the service verbs the scheduled jobs drive.
type SweepClient interface {
	SweepPayouts(ctx context.Context) (SweepReport, error)
	FlagOverdueOverdrafts(ctx context.Context) (int, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	client SweepClient
	logger *slog.Logger
}

// NewJobs creates a new Jobs runner.
func NewJobs(client SweepClient, logger *slog.Logger) *Jobs {
	return &Jobs{
		client: client,
		logger: logger.With("component", "jobs"),
	}
}

// SweepPayouts checks every active group for a due payout.
func (j *Jobs) SweepPayouts() {
	j.logger.Info("starting payout sweep job")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	report, err := j.client.SweepPayouts(ctx)
	if err != nil {
		j.logger.Error("failed to sweep payouts", "error", err)
		return
	}

	j.logger.Info("payout sweep job finished", "checked", report.Checked, "due", report.Due, "advanced", report.Advanced, "failed", report.Failed)
}

// FlagOverdueOverdrafts announces active overdrafts past their due date.
func (j *Jobs) FlagOverdueOverdrafts() {
	j.logger.Info("starting overdue overdraft job")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	flagged, err := j.client.FlagOverdueOverdrafts(ctx)
	if err != nil {
		j.logger.Error("failed to flag overdue overdrafts", "error", err)
		return
	}

	if flagged == 0 {
		j.logger.Info("no overdue overdrafts")
		return
	}
	j.logger.Info("overdue overdraft job finished", "flagged", flagged)
}
