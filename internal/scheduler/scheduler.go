// Package scheduler runs the monthly rollover and nightly maintenance on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"kudos-bot/internal/service"
)

// jobTimeout bounds a single run of either job.
const jobTimeout = 30 * time.Minute

// Rollover closes the previous cycle and opens the current one.
type Rollover interface {
	Rollover(ctx context.Context) (*service.RolloverResult, error)
}

// Maintainer performs routine database upkeep.
type Maintainer interface {
	Maintain(ctx context.Context)
}

// Config holds the cron expressions for both jobs.
type Config struct {
	ResetCron       string
	MaintenanceCron string
	Location        *time.Location
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cron       *cron.Cron
	rollover   Rollover
	maintainer Maintainer

	ctx    context.Context
	cancel context.CancelFunc

	rolloverID    cron.EntryID
	maintenanceID cron.EntryID
}

// New registers both jobs. A job never overlaps a still-running previous run.
func New(cfg Config, rollover Rollover, maintainer Maintainer) (*Scheduler, error) {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}

	logger := cronLogger{}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		rollover:   rollover,
		maintainer: maintainer,
		ctx:        ctx,
		cancel:     cancel,
	}

	var err error
	if s.rolloverID, err = s.cron.AddFunc(cfg.ResetCron, s.runRollover); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid reset schedule %q: %w", cfg.ResetCron, err)
	}
	if s.maintenanceID, err = s.cron.AddFunc(cfg.MaintenanceCron, s.runMaintenance); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid maintenance schedule %q: %w", cfg.MaintenanceCron, err)
	}

	return s, nil
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Info().
		Time("next_rollover", s.cron.Entry(s.rolloverID).Next).
		Time("next_maintenance", s.cron.Entry(s.maintenanceID).Next).
		Msg("Scheduler started")
}

// Stop prevents new runs, cancels running ones and waits for them until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()

	select {
	case <-done.Done():
		log.Info().Msg("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to stop scheduler: %w", ctx.Err())
	}
}

func (s *Scheduler) runRollover() {
	ctx, cancel := context.WithTimeout(s.ctx, jobTimeout)
	defer cancel()

	result, err := s.rollover.Rollover(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Monthly rollover failed")
		return
	}
	log.Info().
		Int("closed_month", result.Closed.Month).
		Int("closed_year", result.Closed.Year).
		Int("archived", result.Archived).
		Int("provisioned", result.Provisioned).
		Msg("Monthly rollover completed")
}

func (s *Scheduler) runMaintenance() {
	ctx, cancel := context.WithTimeout(s.ctx, jobTimeout)
	defer cancel()

	s.maintainer.Maintain(ctx)
}

// cronLogger routes cron's own messages through zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
