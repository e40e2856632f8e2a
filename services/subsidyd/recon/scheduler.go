package recon

import (
	"context"
	"log/slog"
	"time"
)

// SchedulerConfig configures the nightly audit.
type SchedulerConfig struct {
	Auditor   *Auditor
	RunHour   int
	RunMinute int
	Location  *time.Location
	Logger    *slog.Logger
}

// Scheduler runs the auditor once a day.
type Scheduler struct {
	auditor   *Auditor
	runHour   int
	runMinute int
	location  *time.Location
	logger    *slog.Logger
}

// NewScheduler constructs a scheduler; the location defaults to UTC.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		auditor:   cfg.Auditor,
		runHour:   clamp(cfg.RunHour, 0, 23),
		runMinute: clamp(cfg.RunMinute, 0, 59),
		location:  loc,
		logger:    logger,
	}
}

// Start blocks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.auditor == nil {
		return
	}
	for {
		now := time.Now().In(s.location)
		next := s.nextRun(now)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := s.auditor.Run(ctx); err != nil {
				s.logger.Error("scheduled audit failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (s *Scheduler) nextRun(after time.Time) time.Time {
	target := time.Date(after.Year(), after.Month(), after.Day(), s.runHour, s.runMinute, 0, 0, s.location)
	if !target.After(after) {
		target = target.AddDate(0, 0, 1)
	}
	return target
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
