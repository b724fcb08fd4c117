package progress

import (
	"errors"
	"time"
)

// Stage identifies where in the run lifecycle an event was produced.
type Stage string

const (
	// StageTrigger marks a run being started on the upstream service.
	StageTrigger Stage = "RUN_TRIGGER"
	// StagePoll marks a status poll tick that observed the run.
	StagePoll Stage = "RUN_POLL"
	// StageFetch marks a completed payload download attempt.
	StageFetch Stage = "DATA_FETCH"
	// StageNormalize marks payload decoding into records.
	StageNormalize Stage = "DATA_NORMALIZE"
	// StagePersist marks records being written to the store.
	StagePersist Stage = "DATA_PERSIST"
	// StageRecover marks a backfill attempt made by the recovery scanner.
	StageRecover Stage = "RUN_RECOVER"
	// StageDone marks a run reaching a terminal status.
	StageDone Stage = "RUN_DONE"
)

var knownStages = map[Stage]struct{}{
	StageTrigger:   {},
	StagePoll:      {},
	StageFetch:     {},
	StageNormalize: {},
	StagePersist:   {},
	StageRecover:   {},
	StageDone:      {},
}

// Event is a single progress report. Events are cheap value types; producers
// fill only the fields that make sense for the stage.
type Event struct {
	// RunToken is the upstream run the event belongs to. Required.
	RunToken string

	// ProjectToken is the owning project, when the producer knows it.
	ProjectToken string

	// TS is the producer-side timestamp. Required.
	TS time.Time

	// Stage identifies the pipeline step that produced the event. Required.
	Stage Stage

	// Status is the run status observed at poll or done time, empty
	// elsewhere.
	Status string

	// Bytes counts payload bytes handled, used by fetch events.
	Bytes int64

	// Records counts normalized records handled, used by normalize and
	// persist events.
	Records int64

	// Dur is how long the step took, zero when not measured.
	Dur time.Duration

	// Note is a short free-form detail, e.g. a capture outcome.
	Note string
}

// Validate reports whether the event carries the minimum fields sinks rely
// on. The hub drops invalid events rather than crashing consumers.
func (e Event) Validate() error {
	if e.RunToken == "" {
		return errors.New("progress: event run token is empty")
	}
	if e.TS.IsZero() {
		return errors.New("progress: event timestamp is zero")
	}
	if _, ok := knownStages[e.Stage]; !ok {
		return errors.New("progress: unknown event stage")
	}
	if e.Dur < 0 {
		return errors.New("progress: negative duration")
	}
	return nil
}
