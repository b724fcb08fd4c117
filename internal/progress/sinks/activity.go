package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/runharvest/runharvest/internal/progress"
	"github.com/runharvest/runharvest/internal/store"
)

// ActivitySink persists progress deltas via a store.ActivityRepository. It
// collapses per-run, per-stage counters before writing to reduce write
// amplification on busy pollers.
type ActivitySink struct {
	repo   store.ActivityRepository
	logger *zap.Logger
}

// NewActivitySink constructs an ActivitySink for the provided repository.
func NewActivitySink(repo store.ActivityRepository, logger *zap.Logger) *ActivitySink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ActivitySink{repo: repo, logger: logger}
}

// Consume collapses (run, stage) deltas and forwards them to the repository.
// It respects ctx deadlines and returns any repository errors verbatim.
func (s *ActivitySink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	deltas := make(map[activityKey]*activityDelta)
	for _, evt := range batch {
		if evt.RunToken == "" {
			continue
		}
		key := activityKey{runToken: evt.RunToken, stage: string(evt.Stage)}
		delta := deltas[key]
		if delta == nil {
			delta = &activityDelta{}
			deltas[key] = delta
		}
		delta.attempts++
		delta.bytes += evt.Bytes
		delta.records += evt.Records
		if evt.Note != "" {
			delta.note = evt.Note
		}
		if evt.TS.After(delta.at) || delta.at.IsZero() {
			delta.at = evt.TS
		}
	}

	for key, delta := range deltas {
		if err := s.repo.UpsertActivity(
			ctx,
			key.runToken,
			key.stage,
			delta.attempts,
			delta.bytes,
			delta.records,
			delta.note,
			delta.at,
		); err != nil {
			return fmt.Errorf("upsert run activity: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *ActivitySink) Close(context.Context) error {
	return nil
}

type activityKey struct {
	runToken string
	stage    string
}

type activityDelta struct {
	attempts int64
	bytes    int64
	records  int64
	note     string
	at       time.Time
}
