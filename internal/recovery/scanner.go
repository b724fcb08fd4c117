// Package recovery backfills runs whose output never made it into the
// store: crashes between completion and capture, and historical runs that
// finished before the service was watching. It sweeps the upstream run
// history and re-drives the capture pipeline for anything missing.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/runharvest/runharvest/internal/capture"
	"github.com/runharvest/runharvest/internal/metrics"
	"github.com/runharvest/runharvest/internal/progress"
	"github.com/runharvest/runharvest/internal/store"
	"github.com/runharvest/runharvest/internal/upstream"
)

// RunLister is the slice of the upstream API the scanner needs: the
// newest-first run history of one project.
type RunLister interface {
	ListRuns(ctx context.Context, projectToken string) ([]upstream.RunInfo, error)
}

// Capturer re-drives the fetch, normalize and persist pipeline.
type Capturer interface {
	CaptureRun(ctx context.Context, run store.Run) (capture.Outcome, error)
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Per-run dispositions reported in a scan summary.
const (
	OutcomeRecovered      = "recovered"
	OutcomeAlreadyPresent = "already-present"
	OutcomePurged         = "purged"
	OutcomeError          = "error"
)

// RunOutcome is one historical run's disposition after a scan.
type RunOutcome struct {
	RunToken string `json:"run_token"`
	Outcome  string `json:"outcome"`
	Note     string `json:"note,omitempty"`
}

// Summary reports what one project's scan found and did.
type Summary struct {
	ProjectToken   string       `json:"project_token"`
	Scanned        int          `json:"scanned"`
	Recovered      int          `json:"recovered"`
	AlreadyPresent int          `json:"already_present"`
	Purged         int          `json:"purged"`
	Errors         int          `json:"errors"`
	Runs           []RunOutcome `json:"runs"`
}

// Scanner sweeps upstream run histories and captures whatever the store
// is missing. Individual run failures are recorded and the sweep moves
// on; only an upstream rejection aborts, since every later call would be
// rejected the same way.
type Scanner struct {
	client   RunLister
	runs     store.RunStore
	projects store.ProjectStore
	capturer Capturer
	emitter  progress.Emitter
	clock    Clock
	logger   *zap.Logger
}

// New wires a Scanner. The emitter may be nil when progress events are
// disabled.
func New(client RunLister, runs store.RunStore, projects store.ProjectStore, capturer Capturer, emitter progress.Emitter, clock Clock, logger *zap.Logger) *Scanner {
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		client:   client,
		runs:     runs,
		projects: projects,
		capturer: capturer,
		emitter:  emitter,
		clock:    clock,
		logger:   logger.Named("recovery"),
	}
}

// ScanProject sweeps one project's run history newest first. Non-complete
// runs are skipped: live ones belong to the poller and failed ones have
// no data. The summary covers every complete run in the history.
func (s *Scanner) ScanProject(ctx context.Context, projectToken string) (Summary, error) {
	summary := Summary{ProjectToken: projectToken}

	infos, err := s.client.ListRuns(ctx, projectToken)
	if err != nil {
		return summary, fmt.Errorf("list runs for %s: %w", projectToken, err)
	}
	summary.Scanned = len(infos)

	for _, info := range infos {
		if upstream.MapStatus(info.Status) != store.StatusComplete {
			continue
		}
		outcome, err := s.recoverRun(ctx, projectToken, info)
		summary.record(outcome)
		metrics.ObserveRecovery(outcome.Outcome)
		if err != nil {
			if errors.Is(err, upstream.ErrRejected) {
				return summary, fmt.Errorf("recover %s: %w", info.RunToken, err)
			}
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			s.logger.Warn("run recovery failed, continuing",
				zap.String("project_token", projectToken),
				zap.String("run_token", info.RunToken),
				zap.Error(err))
		}
	}

	s.logger.Info("recovery scan finished",
		zap.String("project_token", projectToken),
		zap.Int("scanned", summary.Scanned),
		zap.Int("recovered", summary.Recovered),
		zap.Int("already_present", summary.AlreadyPresent),
		zap.Int("purged", summary.Purged),
		zap.Int("errors", summary.Errors))
	return summary, nil
}

// ScanAll sweeps every project in the catalog. Per-project failures are
// logged and the sweep continues, except for an upstream rejection.
func (s *Scanner) ScanAll(ctx context.Context) ([]Summary, error) {
	projects, err := s.projects.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}

	summaries := make([]Summary, 0, len(projects))
	for _, p := range projects {
		summary, err := s.ScanProject(ctx, p.Token)
		summaries = append(summaries, summary)
		if err != nil {
			if errors.Is(err, upstream.ErrRejected) || ctx.Err() != nil {
				return summaries, err
			}
			s.logger.Warn("project scan failed, continuing",
				zap.String("project_token", p.Token), zap.Error(err))
		}
	}
	return summaries, nil
}

// recoverRun decides one complete run's disposition: short-circuit when
// its records are already stored, otherwise make sure a local row exists
// and re-drive capture against it.
func (s *Scanner) recoverRun(ctx context.Context, projectToken string, info upstream.RunInfo) (RunOutcome, error) {
	current, err := s.runs.GetRun(ctx, info.RunToken)
	switch {
	case errors.Is(err, store.ErrNotFound):
		current, err = s.adoptRun(ctx, projectToken, info)
		if err != nil {
			return RunOutcome{RunToken: info.RunToken, Outcome: OutcomeError, Note: err.Error()}, err
		}
	case err != nil:
		return RunOutcome{RunToken: info.RunToken, Outcome: OutcomeError, Note: err.Error()}, err
	}

	if current.CaptureState == store.CaptureCaptured {
		return RunOutcome{RunToken: info.RunToken, Outcome: OutcomeAlreadyPresent}, nil
	}

	outcome, err := s.capturer.CaptureRun(ctx, current)
	result := s.mapOutcome(info.RunToken, outcome, err)

	s.emit(progress.Event{
		RunToken:     info.RunToken,
		ProjectToken: projectToken,
		TS:           s.clock.Now(),
		Stage:        progress.StageRecover,
		Status:       result.Outcome,
		Note:         result.Note,
	})
	return result, err
}

// adoptRun inserts a local row for a run that finished before the service
// was watching, so capture bookkeeping has somewhere to land.
func (s *Scanner) adoptRun(ctx context.Context, projectToken string, info upstream.RunInfo) (store.Run, error) {
	r := store.Run{
		RunToken:     info.RunToken,
		ProjectToken: projectToken,
		Status:       store.StatusComplete,
		Pages:        info.Pages,
		StartedAt:    info.StartTime,
		EndedAt:      info.EndTime,
	}
	if err := s.runs.CreateRun(ctx, r); err != nil {
		return store.Run{}, fmt.Errorf("adopt run: %w", err)
	}
	current, err := s.runs.GetRun(ctx, info.RunToken)
	if err != nil {
		return store.Run{}, fmt.Errorf("load adopted run: %w", err)
	}
	s.logger.Info("adopted historical run",
		zap.String("project_token", projectToken),
		zap.String("run_token", info.RunToken))
	return current, nil
}

func (s *Scanner) mapOutcome(runToken string, outcome capture.Outcome, err error) RunOutcome {
	switch {
	case err != nil:
		return RunOutcome{RunToken: runToken, Outcome: OutcomeError, Note: err.Error()}
	case outcome == capture.OutcomePurged:
		return RunOutcome{RunToken: runToken, Outcome: OutcomePurged, Note: "payload no longer available upstream"}
	case outcome == capture.OutcomeMalformed:
		return RunOutcome{RunToken: runToken, Outcome: OutcomeRecovered, Note: "malformed payload, stored with zero records"}
	default:
		return RunOutcome{RunToken: runToken, Outcome: OutcomeRecovered}
	}
}

func (s *Summary) record(outcome RunOutcome) {
	s.Runs = append(s.Runs, outcome)
	switch outcome.Outcome {
	case OutcomeRecovered:
		s.Recovered++
	case OutcomeAlreadyPresent:
		s.AlreadyPresent++
	case OutcomePurged:
		s.Purged++
	case OutcomeError:
		s.Errors++
	}
}

func (s *Scanner) emit(evt progress.Event) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(evt)
}
