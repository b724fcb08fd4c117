package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/runharvest/runharvest/internal/metrics"
	"github.com/runharvest/runharvest/internal/progress"
	"github.com/runharvest/runharvest/internal/store"
	"github.com/runharvest/runharvest/internal/upstream"
)

// Config controls Service behavior.
type Config struct {
	// ArchivePrefix is prepended to archive object paths.
	ArchivePrefix string

	// Topic names the capture event stream. Empty disables publishing; the
	// destination itself belongs to the publisher.
	Topic string
}

// Service captures finished runs: it downloads the payload, archives the raw
// bytes, stores the normalized records atomically, and announces the result.
type Service struct {
	runs      store.RunStore
	fetcher   Fetcher
	artifacts ArtifactStore
	publisher Publisher
	hasher    Hasher
	clock     Clock
	emitter   progress.Emitter
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Service. The artifact store, publisher, and emitter are
// optional; a nil value disables that side effect.
func New(
	runs store.RunStore,
	fetcher Fetcher,
	artifacts ArtifactStore,
	publisher Publisher,
	hasher Hasher,
	clock Clock,
	emitter progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		runs:      runs,
		fetcher:   fetcher,
		artifacts: artifacts,
		publisher: publisher,
		hasher:    hasher,
		clock:     clock,
		emitter:   emitter,
		cfg:       cfg,
		logger:    logger,
	}
}

// CaptureRun downloads and stores the payload for a completed run. The store
// write is atomic, so re-capturing the same run replaces its records instead
// of appending. Purged and malformed payloads finalize the run rather than
// returning an error; only retryable failures surface as err.
func (s *Service) CaptureRun(ctx context.Context, run store.Run) (Outcome, error) {
	payload, err := s.fetcher.FetchData(ctx, run.RunToken)
	switch {
	case err == nil:
	case errors.Is(err, upstream.ErrUnavailable):
		return s.markPurged(ctx, run)
	case errors.Is(err, ErrMalformedPayload):
		return s.finalizeMalformed(ctx, run, payload, err)
	default:
		metrics.ObserveCapture("error", 0)
		return OutcomeError, fmt.Errorf("fetch run data: %w", err)
	}

	s.emit(progress.Event{
		RunToken:     run.RunToken,
		ProjectToken: run.ProjectToken,
		TS:           s.clock.Now(),
		Stage:        progress.StageFetch,
		Bytes:        int64(len(payload.Raw)),
		Dur:          payload.Elapsed,
		Note:         payload.Format,
	})
	s.emit(progress.Event{
		RunToken:     run.RunToken,
		ProjectToken: run.ProjectToken,
		TS:           s.clock.Now(),
		Stage:        progress.StageNormalize,
		Records:      int64(len(payload.Result.Records)),
		Note:         string(payload.Result.Kind),
	})

	dataRef := s.archive(ctx, run, payload.Raw, payload.Format)

	c := store.Capture{
		RunToken:     run.RunToken,
		ProjectToken: run.ProjectToken,
		Records:      payload.Result.Records,
		DataRef:      dataRef,
		At:           s.clock.Now(),
	}
	if len(c.Records) == 0 {
		c.Note = "payload contained no records"
	}
	if err := s.runs.CaptureRunData(ctx, c); err != nil {
		metrics.ObserveCapture("error", 0)
		return OutcomeError, fmt.Errorf("capture run data: %w", errors.Join(ErrStorageFailure, err))
	}

	records := len(c.Records)
	metrics.ObserveCapture("captured", records)
	s.emit(progress.Event{
		RunToken:     run.RunToken,
		ProjectToken: run.ProjectToken,
		TS:           s.clock.Now(),
		Stage:        progress.StagePersist,
		Records:      int64(records),
		Note:         string(OutcomeCaptured),
	})
	s.publish(ctx, run, "run.captured", records, dataRef)
	s.logger.Info("run captured",
		zap.String("run_token", run.RunToken),
		zap.String("project_token", run.ProjectToken),
		zap.Int("records", records),
		zap.String("data_ref", dataRef),
	)
	return OutcomeCaptured, nil
}

func (s *Service) markPurged(ctx context.Context, run store.Run) (Outcome, error) {
	const note = "payload no longer available upstream"
	if err := s.runs.MarkPurged(ctx, run.RunToken, note); err != nil {
		metrics.ObserveCapture("error", 0)
		return OutcomeError, fmt.Errorf("mark purged: %w", errors.Join(ErrStorageFailure, err))
	}
	metrics.ObserveCapture("purged", 0)
	s.emit(progress.Event{
		RunToken:     run.RunToken,
		ProjectToken: run.ProjectToken,
		TS:           s.clock.Now(),
		Stage:        progress.StageFetch,
		Note:         string(OutcomePurged),
	})
	s.publish(ctx, run, "run.purged", 0, "")
	s.logger.Warn("run payload purged upstream", zap.String("run_token", run.RunToken))
	return OutcomePurged, nil
}

func (s *Service) finalizeMalformed(ctx context.Context, run store.Run, payload Payload, cause error) (Outcome, error) {
	dataRef := s.archive(ctx, run, payload.Raw, "raw")
	c := store.Capture{
		RunToken:     run.RunToken,
		ProjectToken: run.ProjectToken,
		DataRef:      dataRef,
		Note:         "malformed payload: " + trimNote(cause.Error()),
		At:           s.clock.Now(),
	}
	if err := s.runs.CaptureRunData(ctx, c); err != nil {
		metrics.ObserveCapture("error", 0)
		return OutcomeError, fmt.Errorf("finalize malformed run: %w", errors.Join(ErrStorageFailure, err))
	}
	metrics.ObserveCapture("malformed", 0)
	s.emit(progress.Event{
		RunToken:     run.RunToken,
		ProjectToken: run.ProjectToken,
		TS:           s.clock.Now(),
		Stage:        progress.StageNormalize,
		Note:         string(OutcomeMalformed),
	})
	s.logger.Warn("malformed run payload",
		zap.String("run_token", run.RunToken),
		zap.String("data_ref", dataRef),
		zap.Error(cause),
	)
	return OutcomeMalformed, nil
}

// archive stores the raw payload and returns its URI. Archiving is best
// effort: a failure is logged and the capture proceeds without a reference.
func (s *Service) archive(ctx context.Context, run store.Run, raw []byte, format string) string {
	if s.artifacts == nil || len(raw) == 0 {
		return ""
	}
	hash, err := s.hasher.Hash(raw)
	if err != nil {
		s.logger.Warn("hash payload failed", zap.String("run_token", run.RunToken), zap.Error(err))
		return ""
	}
	path := s.archivePath(run, hash, format)
	uri, err := s.artifacts.PutObject(ctx, path, contentTypeFor(format), raw)
	if err != nil {
		s.logger.Warn("archive payload failed",
			zap.String("run_token", run.RunToken),
			zap.String("path", path),
			zap.Error(err),
		)
		return ""
	}
	return uri
}

func (s *Service) archivePath(run store.Run, hash, format string) string {
	if len(hash) > 12 {
		hash = hash[:12]
	}
	name := fmt.Sprintf("%s/%s/%s.%s", run.ProjectToken, run.RunToken, hash, format)
	prefix := strings.Trim(s.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// publish announces a capture outcome. Event delivery is best effort and
// never fails the capture.
func (s *Service) publish(ctx context.Context, run store.Run, event string, records int, dataRef string) {
	if s.cfg.Topic == "" || s.publisher == nil {
		return
	}
	payload := map[string]any{
		"event":         event,
		"run_token":     run.RunToken,
		"project_token": run.ProjectToken,
		"records":       records,
		"data_ref":      dataRef,
		"timestamp":     s.clock.Now().Format(time.RFC3339),
	}
	if _, err := s.publisher.Publish(ctx, event, payload); err != nil {
		s.logger.Warn("publish capture event failed",
			zap.String("run_token", run.RunToken),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}

func (s *Service) emit(evt progress.Event) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(evt)
}

func contentTypeFor(format string) string {
	switch format {
	case "csv":
		return "text/csv; charset=utf-8"
	case "json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

func trimNote(note string) string {
	const max = 200
	if len(note) > max {
		return note[:max]
	}
	return note
}
