// Package scheduler runs the renewal cycle and the stuck-charge sweep on
// cron schedules. Every run is idempotent, so overlapping or repeated
// triggers are harmless.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/xraph/billing"
)

// Default schedules, in UTC.
const (
	DefaultRenewalSchedule = "5 0 * * *"
	DefaultSweepSchedule   = "*/15 * * * *"
)

// Runner is the part of *billing.Engine the scheduler drives.
type Runner interface {
	RunRenewals(ctx context.Context, at time.Time) (*billing.RenewalReport, error)
	SweepStuckCharges(ctx context.Context, at time.Time) (*billing.SweepReport, error)
}

var _ Runner = (*billing.Engine)(nil)

// Config holds the cron expressions. An empty expression disables the job.
type Config struct {
	RenewalSchedule string        `json:"renewal_schedule" yaml:"renewal_schedule" mapstructure:"renewal_schedule"`
	SweepSchedule   string        `json:"sweep_schedule" yaml:"sweep_schedule" mapstructure:"sweep_schedule"`
	RunTimeout      time.Duration `json:"run_timeout" yaml:"run_timeout" mapstructure:"run_timeout"`
}

// DefaultConfig returns the daily renewal and quarter-hourly sweep schedules.
func DefaultConfig() Config {
	return Config{
		RenewalSchedule: DefaultRenewalSchedule,
		SweepSchedule:   DefaultSweepSchedule,
		RunTimeout:      30 * time.Minute,
	}
}

// Scheduler owns a cron instance. Runs of the same job never overlap
// within one process; across processes the engine's locks take over.
type Scheduler struct {
	runner Runner
	cfg    Config
	logger *slog.Logger
	clock  func() time.Time
	cron   *cron.Cron

	renewing sync.Mutex
	sweeping sync.Mutex
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithClock replaces time.Now for the time passed to each run.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// New registers the configured jobs. It fails on an invalid expression.
func New(runner Runner, cfg Config, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		runner: runner,
		cfg:    cfg,
		logger: slog.Default(),
		clock:  time.Now,
		cron:   cron.New(cron.WithLocation(time.UTC)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.RunTimeout <= 0 {
		s.cfg.RunTimeout = DefaultConfig().RunTimeout
	}

	if cfg.RenewalSchedule != "" {
		if _, err := s.cron.AddFunc(cfg.RenewalSchedule, func() { s.runJob(&s.renewing, "renewals", s.Renew) }); err != nil {
			return nil, fmt.Errorf("renewal schedule %q: %w", cfg.RenewalSchedule, err)
		}
	}
	if cfg.SweepSchedule != "" {
		if _, err := s.cron.AddFunc(cfg.SweepSchedule, func() { s.runJob(&s.sweeping, "sweep", s.Sweep) }); err != nil {
			return nil, fmt.Errorf("sweep schedule %q: %w", cfg.SweepSchedule, err)
		}
	}
	return s, nil
}

// Start runs the cron loop in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("billing scheduler started",
		"renewal_schedule", s.cfg.RenewalSchedule,
		"sweep_schedule", s.cfg.SweepSchedule,
	)
}

// Stop stops scheduling and waits for running jobs or ctx, whichever
// comes first.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Renew runs one renewal cycle for the current time.
func (s *Scheduler) Renew(ctx context.Context) error {
	report, err := s.runner.RunRenewals(ctx, s.clock())
	if report != nil {
		s.logger.Info("scheduled renewal run",
			"extended", report.Extended,
			"charged", report.Charged,
			"declined", report.Declined,
			"locked_out", report.LockedOut,
			"notices", report.Notices,
		)
	}
	return err
}

// Sweep resolves charges stuck in PROCESSING. Without a processor there
// is nothing to sweep.
func (s *Scheduler) Sweep(ctx context.Context) error {
	_, err := s.runner.SweepStuckCharges(ctx, s.clock())
	if errors.Is(err, billing.ErrNoProcessor) {
		return nil
	}
	return err
}

func (s *Scheduler) runJob(mu *sync.Mutex, name string, fn func(context.Context) error) {
	if !mu.TryLock() {
		s.logger.Warn("previous run still in progress, skipping", "job", name)
		return
	}
	defer mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RunTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		s.logger.Error("scheduled job failed", "job", name, "error", err)
	}
}
