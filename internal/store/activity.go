package store

import (
	"context"
	"time"
)

// Activity is one (run, stage) row of capture activity, fed by the progress
// hub's activity sink and read by the dashboard run timeline.
type Activity struct {
	// RunToken is the owning run.
	RunToken string
	// Stage is the pipeline stage label (trigger, poll, fetch, ...).
	Stage string
	// LastUpdate captures the timestamp of the most recent delta.
	LastUpdate time.Time
	// Attempts counts how often the stage ran.
	Attempts int64
	// Bytes accumulates payload bytes handled by the stage.
	Bytes int64
	// Records accumulates records produced by the stage.
	Records int64
	// LastNote keeps the most recent event note, if any.
	LastNote string
}

// ActivityRepository persists incremental capture activity per run stage.
type ActivityRepository interface {
	// UpsertActivity applies attempt/byte/record deltas for (run, stage).
	UpsertActivity(
		ctx context.Context,
		runToken string,
		stage string,
		deltaAttempts int64,
		deltaBytes int64,
		deltaRecords int64,
		note string,
		at time.Time,
	) error

	// ListRunActivity returns the activity rows for one run ordered by
	// last update.
	ListRunActivity(ctx context.Context, runToken string) ([]Activity, error)
}
