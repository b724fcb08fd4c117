package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// RunStatus mirrors the runs.status column and the upstream run lifecycle.
type RunStatus string

// Run statuses persisted in runs.status. The upstream "initialized" state is
// folded into StatusQueued before it reaches the store.
const (
	StatusQueued    RunStatus = "queued"
	StatusRunning   RunStatus = "running"
	StatusComplete  RunStatus = "complete"
	StatusError     RunStatus = "error"
	StatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status ends a run's lifecycle. Terminal
// statuses are sticky: a later poll observation never overwrites one.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusComplete, StatusError, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the persisted statuses.
func (s RunStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusComplete, StatusError, StatusCancelled:
		return true
	}
	return false
}

// CaptureState tracks whether a run's output made it into the store.
type CaptureState string

// Capture states persisted in runs.capture_state.
const (
	CapturePending  CaptureState = "pending"
	CaptureCaptured CaptureState = "captured"
	CapturePurged   CaptureState = "purged"
)

// Project mirrors the projects table, one row per upstream project.
type Project struct {
	// Token is the upstream project identifier and primary key.
	Token string
	// Title is the human-readable project name.
	Title string
	// OwnerEmail is the upstream account owning the project.
	OwnerEmail string
	// MainSite is the site the project scrapes.
	MainSite string
	CreatedAt time.Time
	UpdatedAt time.Time
	// LastSyncedAt is nil until the catalog sync first touches the row.
	LastSyncedAt *time.Time
}

// Run mirrors the runs table for poller writes and dashboard reads.
type Run struct {
	// RunToken is the upstream run identifier and primary key.
	RunToken string
	// ProjectToken is the owning project.
	ProjectToken string
	// Status is queued/running/complete/error/cancelled.
	Status RunStatus
	// Pages counts pages scraped as last reported upstream.
	Pages int64
	// StartedAt and EndedAt are upstream-reported and nil until known.
	StartedAt *time.Time
	EndedAt   *time.Time
	// DurationSeconds is derived once both ends are known.
	DurationSeconds *int64
	// RecordsCount counts logical records captured for the run.
	RecordsCount int64
	// DataRef is the archived raw payload URI, empty until captured.
	DataRef string
	// CaptureState is pending/captured/purged.
	CaptureState CaptureState
	// CaptureNote optionally records why capture ended the way it did.
	CaptureNote string
	// LastSeq is the highest poll sequence applied to this row.
	LastSeq   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StatusUpdate is one observed poll result, ordered by Seq within a run.
type StatusUpdate struct {
	RunToken  string
	Seq       int64
	Status    RunStatus
	Pages     int64
	StartedAt *time.Time
	EndedAt   *time.Time
	// At is the local observation time.
	At time.Time
}

// Field is one key/value cell of a logical record. Values are stored as
// text; nested structures arrive pre-serialized by the normalizer.
type Field struct {
	Key   string
	Value string
}

// Record is one logical scraped record with its fields in capture order.
type Record struct {
	Fields []Field
}

// StoredRecord is a persisted record read back for the API, grouped by its
// ordinal within the run.
type StoredRecord struct {
	RunToken string
	Index    int64
	Fields   []Field
}

// Capture is the payload persisted in one transaction when run data is
// fetched: the record set plus the run's capture bookkeeping.
type Capture struct {
	RunToken     string
	ProjectToken string
	Records      []Record
	// DataRef is the archived raw payload URI, may be empty when archival
	// is disabled.
	DataRef string
	// Note records why a capture produced zero records, empty otherwise.
	Note string
	At   time.Time
}

// LastRun is the most recent run snapshot embedded in Analytics.
type LastRun struct {
	RunToken     string
	Status       RunStatus
	Pages        int64
	StartedAt    *time.Time
	RecordsCount int64
}

// Analytics aggregates a project's run history for the dashboard.
type Analytics struct {
	ProjectToken       string
	TotalRuns          int64
	CompletedRuns      int64
	TotalPages         int64
	TotalRecords       int64
	AvgDurationSeconds float64
	// LastRun is nil for projects that never ran.
	LastRun *LastRun
}

// DailyMetric is one (project, day) rollup row, recomputed from runs.
type DailyMetric struct {
	ProjectToken       string
	Day                time.Time
	TotalPages         int64
	TotalRecords       int64
	RunsCount          int64
	AvgDurationSeconds float64
	UpdatedAt          time.Time
}

// SessionStatus mirrors scrape_sessions.status.
type SessionStatus string

// Session statuses persisted in scrape_sessions.status.
const (
	SessionRunning   SessionStatus = "running"
	SessionComplete  SessionStatus = "complete"
	SessionError     SessionStatus = "error"
	SessionCancelled SessionStatus = "cancelled"
)

// Session tracks an incremental page-by-page scrape of one project.
type Session struct {
	// ID is a locally generated identifier.
	ID           string
	ProjectToken string
	// URLTemplate contains a {page} placeholder rendered per iteration.
	URLTemplate string
	// NextPage is the page the next iteration will request.
	NextPage int64
	// EndPage is inclusive; the session completes once NextPage passes it.
	EndPage   int64
	Status    SessionStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SessionIteration links one triggered run to its position in a session.
// Status and RecordsCount are joined in from the run at read time.
type SessionIteration struct {
	SessionID    string
	Iteration    int64
	RunToken     string
	Page         int64
	Status       RunStatus
	RecordsCount int64
	CreatedAt    time.Time
}

// ProjectStore persists the mirrored project catalog.
type ProjectStore interface {
	// UpsertProject inserts the project or refreshes its mutable fields
	// when the token is already present.
	UpsertProject(ctx context.Context, p Project) error
	// GetProject loads one project or returns ErrNotFound.
	GetProject(ctx context.Context, token string) (Project, error)
	// ListProjects returns the catalog ordered by title.
	ListProjects(ctx context.Context) ([]Project, error)
}

// RunStore persists runs, their poll observations and captured records.
type RunStore interface {
	// CreateRun inserts the run or refreshes its mutable fields when the
	// token is already present. Capture bookkeeping is never reset.
	CreateRun(ctx context.Context, r Run) error
	// GetRun loads one run or returns ErrNotFound.
	GetRun(ctx context.Context, runToken string) (Run, error)
	// ListRuns returns a project's runs newest first.
	ListRuns(ctx context.Context, projectToken string, limit, offset int) ([]Run, error)
	// ListUnfinishedRuns returns runs that still need polling or capture:
	// non-terminal runs plus complete runs whose capture is pending.
	ListUnfinishedRuns(ctx context.Context) ([]Run, error)
	// FindActiveRun returns the project's newest non-terminal run or
	// ErrNotFound.
	FindActiveRun(ctx context.Context, projectToken string) (Run, error)
	// ApplyStatus applies one poll observation. It reports false without
	// error when the update is stale: the sequence is not newer than the
	// stored one, or the run already reached a terminal status.
	ApplyStatus(ctx context.Context, u StatusUpdate) (bool, error)
	// FinishRun forces a terminal status outside the poll sequence, for
	// local cancellation and poll-independent failures.
	FinishRun(ctx context.Context, runToken string, status RunStatus, endedAt time.Time, note string) error
	// MarkPurged records that the run's output is gone upstream.
	MarkPurged(ctx context.Context, runToken, note string) error
	// CaptureRunData atomically replaces the run's records, sets the
	// records count and data reference, and marks the run captured. A
	// reader never observes records without the captured flag or the flag
	// without the records.
	CaptureRunData(ctx context.Context, c Capture) error
	// ListRecords returns captured records ordered by their run ordinal.
	ListRecords(ctx context.Context, runToken string, limit, offset int) ([]StoredRecord, error)
}

// MetricsStore serves aggregate reads and daily rollups.
type MetricsStore interface {
	// ProjectAnalytics aggregates the project's run history.
	ProjectAnalytics(ctx context.Context, projectToken string) (Analytics, error)
	// RecomputeDailyMetrics rebuilds every project's rollup row for the
	// given day from the runs table.
	RecomputeDailyMetrics(ctx context.Context, day time.Time) error
	// ListDailyMetrics returns rollup rows for one project in [from, to].
	ListDailyMetrics(ctx context.Context, projectToken string, from, to time.Time) ([]DailyMetric, error)
}

// SessionStore persists incremental scrape sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, s Session) error
	// GetSession loads one session or returns ErrNotFound.
	GetSession(ctx context.Context, id string) (Session, error)
	// UpdateSession persists the session's cursor and status.
	UpdateSession(ctx context.Context, s Session) error
	// AddIteration records the run triggered for one session page.
	AddIteration(ctx context.Context, it SessionIteration) error
	// ListIterations returns a session's iterations in order, with run
	// status and record counts joined in.
	ListIterations(ctx context.Context, sessionID string) ([]SessionIteration, error)
}

// Store is the full persistence surface behind the service.
type Store interface {
	ProjectStore
	RunStore
	MetricsStore
	SessionStore

	// Ping verifies connectivity for readiness checks.
	Ping(ctx context.Context) error
	Close()
}
