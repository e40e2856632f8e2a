package recon

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.uber.org/multierr"

	"agrisubsidy/services/subsidyd/models"
)

// recoverable lists the states the sweeper resumes. INIT is included so an
// intent abandoned before broadcast is eventually closed.
var recoverable = []models.IntentState{
	models.IntentInit,
	models.IntentLedgerPending,
	models.IntentLedgerConfirmed,
	models.IntentStorePending,
	models.IntentStoreFailedAfterLedger,
}

// SweepReport summarises one recovery pass.
type SweepReport struct {
	Scanned   int `json:"scanned"`
	Recovered int `json:"recovered"`
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Sweep resumes intents that have not moved for olderThan. Individual
// failures are aggregated; intents still pending on the ledger are not
// errors.
func (c *Coordinator) Sweep(ctx context.Context, olderThan time.Duration, limit int) (SweepReport, error) {
	var report SweepReport
	stale, err := c.store.StaleIntents(ctx, c.now().Add(-olderThan), recoverable, limit)
	if err != nil {
		return report, err
	}
	var errs error
	for _, in := range stale {
		if ctx.Err() != nil {
			return report, multierr.Append(errs, ctx.Err())
		}
		report.Scanned++
		// Precondition failures need an operator; retrying cannot change them.
		if in.State == models.IntentStoreFailedAfterLedger && in.ErrorClass == classConflict {
			report.Skipped++
			continue
		}
		if c.isInFlight(in.Key) {
			report.Skipped++
			continue
		}
		out, err := c.Resume(ctx, in.ID, TriggerSweep)
		switch {
		case err == nil && out.State == models.IntentStoreConfirmed:
			report.Recovered++
		case err == nil:
			// Closed as LEDGER_FAILED.
			report.Failed++
		case errors.Is(err, ErrLedgerTimeout), errors.Is(err, ErrInFlight):
			report.Pending++
		default:
			report.Failed++
			errs = multierr.Append(errs, err)
		}
	}
	if counts, err := c.store.CountIntentsByState(ctx); err == nil {
		c.metrics.SetIntentCounts(counts)
	}
	return report, errs
}

// Sweeper runs Sweep on a fixed interval.
type Sweeper struct {
	coordinator *Coordinator
	interval    time.Duration
	staleAfter  time.Duration
	batch       int
	logger      *slog.Logger
}

// NewSweeper returns a sweeper that resumes intents idle for staleAfter.
func NewSweeper(c *Coordinator, interval, staleAfter time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = interval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{coordinator: c, interval: interval, staleAfter: staleAfter, batch: 100, logger: logger}
}

// Start blocks, sweeping until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	if s == nil || s.coordinator == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.coordinator.Sweep(ctx, s.staleAfter, s.batch)
			if err != nil && ctx.Err() == nil {
				s.logger.Error("recovery sweep finished with errors", slog.String("error", err.Error()))
			}
			if report.Scanned > 0 {
				s.logger.Info("recovery sweep",
					slog.Int("scanned", report.Scanned),
					slog.Int("recovered", report.Recovered),
					slog.Int("pending", report.Pending),
					slog.Int("failed", report.Failed),
					slog.Int("skipped", report.Skipped))
			}
		}
	}
}
