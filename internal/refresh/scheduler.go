package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/kjstillabower/zip-weather-tracker/internal/observability"
)

// ConditionsRefresher fetches current conditions for zips that have none yet.
type ConditionsRefresher interface {
	RefreshCurrentConditions(ctx context.Context, zips []string) []error
}

// LocationSource returns the tracked zips at the time of each run.
type LocationSource interface {
	List() []string
}

// Scheduler runs a refresh cycle on a fixed interval: conditions for tracked zips
// without an entry are retried, then forecasts are warmed.
type Scheduler struct {
	sched      *gocron.Scheduler
	locations  LocationSource
	conditions ConditionsRefresher
	warmer     *Warmer
	interval   time.Duration
	runTimeout time.Duration
	logger     *zap.Logger
}

// NewScheduler builds a Scheduler. An interval of zero disables it; Start is then a no-op.
func NewScheduler(locations LocationSource, conditions ConditionsRefresher, warmer *Warmer, interval time.Duration, logger *zap.Logger) *Scheduler {
	runTimeout := interval
	if runTimeout <= 0 || runTimeout > 5*time.Minute {
		runTimeout = 5 * time.Minute
	}
	return &Scheduler{
		sched:      gocron.NewScheduler(time.UTC),
		locations:  locations,
		conditions: conditions,
		warmer:     warmer,
		interval:   interval,
		runTimeout: runTimeout,
		logger:     observability.OrNop(logger),
	}
}

// Start schedules the cycle and starts the scheduler without blocking. The first run
// happens one interval after Start. Runs never overlap.
func (s *Scheduler) Start() error {
	if s.interval <= 0 {
		s.logger.Info("refresh scheduler disabled")
		return nil
	}
	_, err := s.sched.Every(s.interval).WaitForSchedule().SingletonMode().Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.runTimeout)
		defer cancel()
		if err := s.RunOnce(ctx); err != nil {
			s.logger.Warn("refresh cycle finished with errors", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule refresh: %w", err)
	}
	s.sched.StartAsync()
	s.logger.Info("refresh scheduler started", zap.Duration("interval", s.interval))
	return nil
}

// Stop stops the scheduler. A run already in progress finishes first.
func (s *Scheduler) Stop() {
	if s.sched.IsRunning() {
		s.sched.Stop()
	}
}

// RunOnce runs one refresh cycle over the current location list.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()
	observability.RefreshRunsTotal.Inc()
	zips := s.locations.List()

	errs := s.conditions.RefreshCurrentConditions(ctx, zips)
	if s.warmer != nil {
		if err := s.warmer.Warm(ctx, zips); err != nil {
			errs = append(errs, err)
		}
	}

	observability.RefreshDurationSeconds.Observe(time.Since(start).Seconds())
	s.logger.Info("refresh cycle complete",
		zap.Int("zips", len(zips)),
		zap.Int("errors", len(errs)),
		zap.Duration("duration", time.Since(start)),
	)
	if len(errs) > 0 {
		observability.RefreshErrorsTotal.Inc()
		return errors.Join(errs...)
	}
	return nil
}
