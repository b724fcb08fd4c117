package upstream

import (
	"time"

	"github.com/runharvest/runharvest/internal/store"
)

// Run statuses reported by the platform.
const (
	StatusInitialized = "initialized"
	StatusQueued      = "queued"
	StatusRunning     = "running"
	StatusComplete    = "complete"
	StatusFailed      = "error"
	StatusCancelled   = "cancelled"
)

// RunInfo is the platform's view of one run.
type RunInfo struct {
	RunToken     string
	ProjectToken string
	Status       string
	Pages        int64
	StartTime    *time.Time
	EndTime      *time.Time
	DataReady    bool
}

// ProjectInfo is the platform's view of one project.
type ProjectInfo struct {
	Token      string
	Title      string
	OwnerEmail string
	MainSite   string
	// LastRun is nil for projects that never ran.
	LastRun *RunInfo
}

// ProjectPage is one page of the project catalog.
type ProjectPage struct {
	Projects      []ProjectInfo
	TotalProjects int
}

// MapStatus folds a platform status string into the persisted run status.
// Unknown strings map to queued so a new upstream state never crashes a
// poll loop.
func MapStatus(s string) store.RunStatus {
	switch s {
	case StatusInitialized, StatusQueued:
		return store.StatusQueued
	case StatusRunning:
		return store.StatusRunning
	case StatusComplete:
		return store.StatusComplete
	case StatusFailed:
		return store.StatusError
	case StatusCancelled:
		return store.StatusCancelled
	default:
		return store.StatusQueued
	}
}

// Wire payloads. The platform spells timestamps as ISO-8601 strings and
// booleans as 0/1 integers; decode converts both.

type runPayload struct {
	RunToken     string `json:"run_token"`
	Token        string `json:"token"`
	ProjectToken string `json:"project_token"`
	Status       string `json:"status"`
	Pages        int64  `json:"pages"`
	StartTime    string `json:"start_time"`
	EndTime      string `json:"end_time"`
	DataReady    int    `json:"data_ready"`
}

type projectPayload struct {
	Token      string      `json:"token"`
	Title      string      `json:"title"`
	OwnerEmail string      `json:"owner_email"`
	MainSite   string      `json:"main_site"`
	LastRun    *runPayload `json:"last_run"`
}

type projectListPayload struct {
	Projects      []projectPayload `json:"projects"`
	TotalProjects int              `json:"total_projects"`
}

type runListPayload struct {
	Runs []runPayload `json:"runs"`
}

func (p runPayload) toRunInfo() RunInfo {
	token := p.RunToken
	if token == "" {
		// Some deployments answer run triggers with "token" instead.
		token = p.Token
	}
	return RunInfo{
		RunToken:     token,
		ProjectToken: p.ProjectToken,
		Status:       p.Status,
		Pages:        p.Pages,
		StartTime:    parseTime(p.StartTime),
		EndTime:      parseTime(p.EndTime),
		DataReady:    p.DataReady != 0,
	}
}

func (p projectPayload) toProjectInfo() ProjectInfo {
	info := ProjectInfo{
		Token:      p.Token,
		Title:      p.Title,
		OwnerEmail: p.OwnerEmail,
		MainSite:   p.MainSite,
	}
	if p.LastRun != nil {
		run := p.LastRun.toRunInfo()
		info.LastRun = &run
	}
	return info
}

// parseTime accepts the timestamp spellings observed in platform responses
// and returns nil for anything unparseable rather than failing the call.
func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
