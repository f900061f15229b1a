// Package scheduler triggers ingestion runs on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"moex-ingest/internal/ingest"
	"moex-ingest/internal/metrics"
)

// DefaultSpec fires once a day at 03:00.
const DefaultSpec = "0 3 * * *"

// ErrAlreadyRunning is returned by RunNow while another run is in progress.
var ErrAlreadyRunning = errors.New("ingestion run already in progress")

// Runner is the work the scheduler triggers.
type Runner interface {
	Run(ctx context.Context) (*ingest.Report, error)
}

// Config holds scheduler configuration.
type Config struct {
	Spec       string `mapstructure:"cron"`
	Timezone   string `mapstructure:"timezone"`
	RunOnStart bool   `mapstructure:"run_on_start"`
}

// Scheduler manages the periodic ingestion task.
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	health *metrics.HealthStatus
	logger zerolog.Logger
	cfg    Config

	ctx    context.Context
	cancel context.CancelFunc

	running atomic.Bool
	wg      sync.WaitGroup
	entry   cron.EntryID
}

// New creates a scheduler. The health status may be nil.
func New(runner Runner, cfg Config, health *metrics.HealthStatus, logger zerolog.Logger) (*Scheduler, error) {
	if cfg.Spec == "" {
		cfg.Spec = DefaultSpec
	}

	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
		}
		loc = l
	}

	logger = logger.With().Str("component", "scheduler").Logger()
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{logger})),
	)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:   c,
		runner: runner,
		health: health,
		logger: logger,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	id, err := c.AddFunc(cfg.Spec, s.tick)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("register ingest task: %w", err)
	}
	s.entry = id
	return s, nil
}

// Start starts the cron loop and, if configured, an immediate run.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.updateNextRun()
	s.logger.Info().Str("spec", s.cfg.Spec).Time("next_run", s.Next()).Msg("Scheduler started")

	if s.cfg.RunOnStart {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if _, err := s.RunNow(s.ctx); err != nil && !errors.Is(err, ErrAlreadyRunning) {
				s.logger.Error().Err(err).Msg("Startup run failed")
			}
		}()
	}
}

// Stop cancels any in-flight run and waits for it to return or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	cronDone := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop scheduler: %w", ctx.Err())
	}
}

// Next returns the next scheduled activation, or the zero time when stopped.
func (s *Scheduler) Next() time.Time {
	return s.cron.Entry(s.entry).Next
}

// RunNow executes one ingestion run immediately. Only one run executes at a
// time; a concurrent call returns ErrAlreadyRunning.
func (s *Scheduler) RunNow(ctx context.Context) (*ingest.Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer s.running.Store(false)

	s.logger.Info().Msg("Triggering ingestion run")
	report, err := s.runner.Run(ctx)

	if s.health != nil && report != nil {
		s.health.RecordRun(report.RunID, string(report.Status), report.FinishedAt, report.Err)
	}
	s.updateNextRun()
	return report, err
}

func (s *Scheduler) tick() {
	s.wg.Add(1)
	defer s.wg.Done()

	_, err := s.RunNow(s.ctx)
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		s.logger.Warn().Msg("Previous run still in progress, skipping")
	case err != nil:
		s.logger.Error().Err(err).Msg("Scheduled run failed")
	}
}

func (s *Scheduler) updateNextRun() {
	if s.health != nil {
		s.health.SetNextRun(s.Next())
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
