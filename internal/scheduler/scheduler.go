// Package scheduler owns the background cadence of the service: cron
// entries for catalog sync, daily rollups and recovery sweeps, the resume
// pass that re-attaches orphaned runs after a restart, and the queue
// consumer that turns capture tasks into poll loops.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/runharvest/runharvest/internal/capture"
	"github.com/runharvest/runharvest/internal/queue"
	"github.com/runharvest/runharvest/internal/recovery"
	"github.com/runharvest/runharvest/internal/store"
)

// TaskQueue carries capture tasks between the trigger paths and the
// consumer loop.
type TaskQueue interface {
	Enqueue(ctx context.Context, task capture.Task) error
	Dequeue(ctx context.Context) (capture.Task, error)
}

// RunLauncher is the poll manager surface the scheduler drives.
type RunLauncher interface {
	Start(run store.Run) bool
	Running(runToken string) bool
}

// Capturer retries captures for complete runs that never stored records.
type Capturer interface {
	CaptureRun(ctx context.Context, run store.Run) (capture.Outcome, error)
}

// Syncer refreshes the project catalog.
type Syncer interface {
	Sync(ctx context.Context, force bool) (int, error)
}

// Sweeper runs a recovery scan over every project.
type Sweeper interface {
	ScanAll(ctx context.Context) ([]recovery.Summary, error)
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// jobTimeout bounds one cron-fired sync or rollup.
const jobTimeout = time.Minute

// Config holds the cron specs and the resume cadence. An empty spec
// disables its entry; a non-positive resume interval limits the resume
// pass to one sweep at startup.
type Config struct {
	SyncSpec       string
	RollupSpec     string
	RecoverySpec   string
	ResumeInterval time.Duration
}

// Scheduler wires the cron entries and background loops together.
type Scheduler struct {
	tasks    TaskQueue
	runs     store.RunStore
	rollups  store.MetricsStore
	launcher RunLauncher
	capturer Capturer
	syncer   Syncer
	sweeper  Sweeper
	clock    Clock
	cfg      Config
	logger   *zap.Logger

	cron *cron.Cron
	wg   sync.WaitGroup
}

// New wires a Scheduler. The syncer and sweeper may be nil; their cron
// entries are then skipped regardless of the configured specs.
func New(tasks TaskQueue, runs store.RunStore, rollups store.MetricsStore, launcher RunLauncher, capturer Capturer, syncer Syncer, sweeper Sweeper, clock Clock, cfg Config, logger *zap.Logger) *Scheduler {
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		tasks:    tasks,
		runs:     runs,
		rollups:  rollups,
		launcher: launcher,
		capturer: capturer,
		syncer:   syncer,
		sweeper:  sweeper,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.Named("scheduler"),
		cron:     cron.New(),
	}
}

// Start registers the cron entries and launches the consumer and resume
// loops. The loops exit when ctx is cancelled; Stop waits for them.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cfg.SyncSpec != "" && s.syncer != nil {
		if _, err := s.cron.AddFunc(s.cfg.SyncSpec, func() { s.runSync(ctx) }); err != nil {
			return fmt.Errorf("invalid sync spec %q: %w", s.cfg.SyncSpec, err)
		}
	}
	if s.cfg.RollupSpec != "" {
		if _, err := s.cron.AddFunc(s.cfg.RollupSpec, func() { s.runRollup(ctx) }); err != nil {
			return fmt.Errorf("invalid rollup spec %q: %w", s.cfg.RollupSpec, err)
		}
	}
	if s.cfg.RecoverySpec != "" && s.sweeper != nil {
		if _, err := s.cron.AddFunc(s.cfg.RecoverySpec, func() { s.runRecovery(ctx) }); err != nil {
			return fmt.Errorf("invalid recovery spec %q: %w", s.cfg.RecoverySpec, err)
		}
	}
	s.cron.Start()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.consume(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.resumeLoop(ctx)
	}()

	s.logger.Info("scheduler started",
		zap.String("sync_spec", s.cfg.SyncSpec),
		zap.String("rollup_spec", s.cfg.RollupSpec),
		zap.String("recovery_spec", s.cfg.RecoverySpec),
		zap.Duration("resume_interval", s.cfg.ResumeInterval))
	return nil
}

// Stop halts the cron entries and waits for running jobs and the
// background loops, bounded by ctx. The context passed to Start must be
// cancelled first or Stop will wait out its deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	cronDone := s.cron.Stop()
	select {
	case <-cronDone.Done():
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

func (s *Scheduler) runSync(ctx context.Context) {
	syncCtx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()
	count, err := s.syncer.Sync(syncCtx, false)
	if err != nil {
		s.logger.Warn("scheduled catalog sync failed", zap.Error(err))
		return
	}
	s.logger.Debug("scheduled catalog sync finished", zap.Int("projects", count))
}

// runRollup recomputes yesterday's and today's rollups so late poll
// observations around midnight land in the right day.
func (s *Scheduler) runRollup(ctx context.Context) {
	rollupCtx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()
	now := s.clock.Now().UTC()
	for _, day := range []time.Time{now.AddDate(0, 0, -1), now} {
		if err := s.rollups.RecomputeDailyMetrics(rollupCtx, day); err != nil {
			s.logger.Warn("daily rollup failed", zap.Time("day", day), zap.Error(err))
			return
		}
	}
	s.logger.Info("daily rollups recomputed")
}

func (s *Scheduler) runRecovery(ctx context.Context) {
	summaries, err := s.sweeper.ScanAll(ctx)
	if err != nil {
		s.logger.Warn("scheduled recovery sweep failed", zap.Error(err))
	}
	var recovered int
	for _, summary := range summaries {
		recovered += summary.Recovered
	}
	s.logger.Info("recovery sweep finished",
		zap.Int("projects", len(summaries)),
		zap.Int("recovered", recovered))
}

// consume drains the task queue, starting a poll loop per task. Tasks for
// runs that already finished and stored their records are dropped.
func (s *Scheduler) consume(ctx context.Context) {
	for {
		task, err := s.tasks.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			s.logger.Warn("dequeue capture task failed", zap.Error(err))
			continue
		}
		s.launch(ctx, task)
	}
}

func (s *Scheduler) launch(ctx context.Context, task capture.Task) {
	run, err := s.runs.GetRun(ctx, task.RunToken)
	if err != nil {
		s.logger.Warn("dequeued task for unknown run",
			zap.String("run_token", task.RunToken), zap.Error(err))
		return
	}
	if run.Status.Terminal() && run.CaptureState != store.CapturePending {
		return
	}
	if s.launcher.Start(run) {
		s.logger.Info("poll loop launched",
			zap.String("run_token", run.RunToken),
			zap.String("project_token", run.ProjectToken))
	}
}

// resumeLoop sweeps for orphaned runs once at startup and then on the
// configured cadence.
func (s *Scheduler) resumeLoop(ctx context.Context) {
	s.resumePass(ctx)
	if s.cfg.ResumeInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.ResumeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.resumePass(ctx)
		}
	}
}

// resumePass re-attaches unfinished runs that lost their loop, usually to
// a restart: non-terminal runs are re-enqueued for polling, and complete
// runs whose capture never landed get the capture retried in place.
func (s *Scheduler) resumePass(ctx context.Context) {
	unfinished, err := s.runs.ListUnfinishedRuns(ctx)
	if err != nil {
		s.logger.Warn("list unfinished runs failed", zap.Error(err))
		return
	}

	var enqueued, captures int
	for _, run := range unfinished {
		if ctx.Err() != nil {
			return
		}
		if s.launcher.Running(run.RunToken) {
			continue
		}
		switch {
		case !run.Status.Terminal():
			task := capture.Task{
				RunToken:     run.RunToken,
				ProjectToken: run.ProjectToken,
				Submitted:    s.clock.Now().Unix(),
			}
			if err := s.tasks.Enqueue(ctx, task); err != nil {
				s.logger.Warn("re-enqueue unfinished run failed",
					zap.String("run_token", run.RunToken), zap.Error(err))
				continue
			}
			enqueued++
		case run.Status == store.StatusComplete && run.CaptureState == store.CapturePending:
			outcome, err := s.capturer.CaptureRun(ctx, run)
			if err != nil {
				s.logger.Warn("resume capture failed",
					zap.String("run_token", run.RunToken), zap.Error(err))
				continue
			}
			captures++
			s.logger.Info("resume capture finished",
				zap.String("run_token", run.RunToken),
				zap.String("outcome", string(outcome)))
		}
	}
	if enqueued > 0 || captures > 0 {
		s.logger.Info("resume pass finished",
			zap.Int("re_enqueued", enqueued),
			zap.Int("captures", captures))
	}
}
