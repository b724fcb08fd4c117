package capture

import (
	"errors"
	"time"

	"github.com/runharvest/runharvest/internal/normalize"
)

var (
	// ErrMalformedPayload marks a downloaded payload that could not be
	// decoded as CSV or JSON. The run is finalized with zero records and
	// the raw bytes are archived for inspection.
	ErrMalformedPayload = errors.New("capture: malformed payload")

	// ErrStorageFailure marks a capture that failed while writing to the
	// store. The run stays pending so the recovery scanner retries it.
	ErrStorageFailure = errors.New("capture: storage failure")
)

// Task asks the pipeline to track one upstream run. The JSON shape is the
// queue wire format.
type Task struct {
	// RunToken identifies the run to poll and capture.
	RunToken string `json:"run_token"`

	// ProjectToken is the owning project.
	ProjectToken string `json:"project_token"`

	// Attempt counts how many times the task has been handed out.
	Attempt int `json:"attempt"`

	// Submitted is the enqueue time in Unix seconds.
	Submitted int64 `json:"submitted"`
}

// Payload is a downloaded run payload together with its decoded form.
type Payload struct {
	// Format is the wire format that decoded successfully, "csv" or "json".
	Format string

	// Raw holds the payload bytes as downloaded.
	Raw []byte

	// Result is the normalized record set extracted from Raw.
	Result normalize.Result

	// Elapsed is the download duration.
	Elapsed time.Duration
}

// Outcome summarizes what CaptureRun did with a run.
type Outcome string

const (
	// OutcomeCaptured means records were normalized and stored.
	OutcomeCaptured Outcome = "captured"
	// OutcomePurged means the upstream no longer has the payload.
	OutcomePurged Outcome = "purged"
	// OutcomeMalformed means the payload could not be decoded; the run was
	// finalized with zero records.
	OutcomeMalformed Outcome = "malformed"
	// OutcomeError means the capture failed and may be retried.
	OutcomeError Outcome = "error"
)
