// Package schedule fires the unattended daily dispatch at a configured
// wall-clock time.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mailfleet/mailfleet/internal/config"
	"github.com/mailfleet/mailfleet/internal/dispatch"
)

// Job is the work the scheduler triggers once per day. Returning
// dispatch.ErrRunActive means another run held the engine and the
// trigger was skipped, which is logged but not treated as a failure.
type Job func(ctx context.Context) error

// Scheduler owns the cron loop for the daily trigger.
type Scheduler struct {
	c      *cron.Cron
	entry  cron.EntryID
	job    Job
	logger *slog.Logger
}

// New builds a scheduler from the auto-send config. The trigger time is
// interpreted in cfg.Timezone, or the host's local zone when empty.
func New(cfg config.AutoConfig, job Job, logger *slog.Logger) (*Scheduler, error) {
	hour, minute, err := config.ParseClock(cfg.Time)
	if err != nil {
		return nil, fmt.Errorf("invalid auto-send time: %w", err)
	}

	loc := time.Local
	if cfg.Timezone != "" {
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid auto-send timezone: %w", err)
		}
	}

	s := &Scheduler{
		c:      cron.New(cron.WithLocation(loc)),
		job:    job,
		logger: logger,
	}

	spec := fmt.Sprintf("%d %d * * *", minute, hour)
	s.entry, err = s.c.AddFunc(spec, s.fire)
	if err != nil {
		return nil, fmt.Errorf("failed to register daily trigger: %w", err)
	}

	logger.Info("daily dispatch scheduled",
		"time", cfg.Time,
		"timezone", loc.String(),
	)
	return s, nil
}

func (s *Scheduler) fire() {
	start := time.Now()
	s.logger.Info("daily trigger fired")

	err := s.job(context.Background())
	switch {
	case err == nil:
		s.logger.Info("daily dispatch finished", "elapsed", time.Since(start))
	case errors.Is(err, dispatch.ErrRunActive):
		s.logger.Warn("daily trigger skipped, another run is active")
	default:
		s.logger.Error("daily dispatch failed", "error", err)
	}
}

// Start begins firing triggers. Non-blocking.
func (s *Scheduler) Start() {
	s.c.Start()
}

// Stop halts future triggers and waits for a firing job to return.
func (s *Scheduler) Stop() {
	ctx := s.c.Stop()
	<-ctx.Done()
}

// Next reports when the daily trigger fires next. Zero before Start.
func (s *Scheduler) Next() time.Time {
	return s.c.Entry(s.entry).Next
}
