package poller

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/runharvest/runharvest/internal/metrics"
	"github.com/runharvest/runharvest/internal/progress"
	"github.com/runharvest/runharvest/internal/store"
	"github.com/runharvest/runharvest/internal/upstream"
)

// poll is one run's status loop. It ticks immediately, then every
// Interval, until a terminal status is observed, the budget runs out or
// the loop context is cancelled. Budget exhaustion leaves the run exactly
// as the last observation wrote it.
func (m *Manager) poll(ctx context.Context, run store.Run) {
	logger := m.logger.With(
		zap.String("run_token", run.RunToken),
		zap.String("project_token", run.ProjectToken),
	)
	metrics.IncActivePollers()
	defer metrics.DecActivePollers()

	seq := run.LastSeq
	deadline := m.clock.Now().Add(m.cfg.Budget)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	logger.Info("poll loop started", zap.Int64("seed_seq", seq))

	for {
		info, err := m.tick(ctx, run.RunToken)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("poll loop stopped", zap.Int64("last_seq", seq))
				return
			}
			metrics.ObservePollTick("error")
			logger.Warn("status tick failed", zap.Error(err))
		} else {
			seq++
			status := upstream.MapStatus(info.Status)
			applied, err := m.apply(ctx, run.RunToken, info, status, seq)
			switch {
			case errors.Is(err, store.ErrNotFound):
				logger.Error("run row vanished, stopping loop")
				return
			case err != nil:
				metrics.ObservePollTick("error")
				logger.Error("apply status failed", zap.Error(err))
			default:
				if applied {
					metrics.ObservePollTick("applied")
				} else {
					metrics.ObservePollTick("stale")
				}
				m.emit(progress.Event{
					RunToken:     run.RunToken,
					ProjectToken: run.ProjectToken,
					TS:           m.clock.Now(),
					Stage:        progress.StagePoll,
					Status:       string(status),
				})
			}
			if err == nil && status.Terminal() {
				m.finish(ctx, run, status, logger)
				return
			}
		}

		if !m.clock.Now().Before(deadline) {
			metrics.ObservePollTick("budget_exhausted")
			logger.Warn("poll budget exhausted, abandoning loop",
				zap.Duration("budget", m.cfg.Budget), zap.Int64("last_seq", seq))
			return
		}
		select {
		case <-ctx.Done():
			logger.Info("poll loop stopped", zap.Int64("last_seq", seq))
			return
		case <-ticker.C:
		}
	}
}

// tick asks the upstream for the run's status, retrying transient
// failures up to TickRetries extra times. Permanent errors and context
// cancellation return immediately.
func (m *Manager) tick(ctx context.Context, runToken string) (upstream.RunInfo, error) {
	var lastErr error
	for attempt := 0; attempt <= m.cfg.TickRetries; attempt++ {
		info, err := m.client.RunStatus(ctx, runToken)
		if err == nil {
			return info, nil
		}
		lastErr = err
		if !upstream.IsTransient(err) || ctx.Err() != nil {
			break
		}
	}
	return upstream.RunInfo{}, lastErr
}

func (m *Manager) apply(ctx context.Context, runToken string, info upstream.RunInfo, status store.RunStatus, seq int64) (bool, error) {
	return m.runs.ApplyStatus(ctx, store.StatusUpdate{
		RunToken:  runToken,
		Seq:       seq,
		Status:    status,
		Pages:     info.Pages,
		StartedAt: info.StartTime,
		EndedAt:   info.EndTime,
		At:        m.clock.Now(),
	})
}

// finish records the terminal observation. Complete runs go straight to
// the capture pipeline; error and cancelled runs end with no data fetch.
func (m *Manager) finish(ctx context.Context, run store.Run, status store.RunStatus, logger *zap.Logger) {
	metrics.ObserveRunFinished(string(status))

	var note string
	if status == store.StatusComplete {
		note = m.captureNow(ctx, run, logger)
	}

	m.emit(progress.Event{
		RunToken:     run.RunToken,
		ProjectToken: run.ProjectToken,
		TS:           m.clock.Now(),
		Stage:        progress.StageDone,
		Status:       string(status),
		Note:         note,
	})
	logger.Info("run finished", zap.String("status", string(status)), zap.String("capture", note))
}

// captureNow fetches the run's data right after the complete transition.
// A failed capture leaves capture_state pending so the recovery scanner
// retries it; runs that were already captured or purged are not fetched
// again.
func (m *Manager) captureNow(ctx context.Context, run store.Run, logger *zap.Logger) string {
	current, err := m.runs.GetRun(ctx, run.RunToken)
	if err != nil {
		logger.Error("load run before capture failed", zap.Error(err))
		return "capture deferred"
	}
	if current.CaptureState != store.CapturePending {
		return string(current.CaptureState)
	}
	outcome, err := m.capturer.CaptureRun(ctx, current)
	if err != nil {
		logger.Warn("capture failed, left for recovery", zap.Error(err))
	}
	return string(outcome)
}
