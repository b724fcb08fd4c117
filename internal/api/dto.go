package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/runharvest/runharvest/internal/store"
)

const dayLayout = "2006-01-02"

type projectDTO struct {
	Token        string     `json:"token"`
	Title        string     `json:"title"`
	OwnerEmail   string     `json:"owner_email,omitempty"`
	MainSite     string     `json:"main_site,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
}

func toProjectDTO(p store.Project) projectDTO {
	return projectDTO{
		Token:        p.Token,
		Title:        p.Title,
		OwnerEmail:   p.OwnerEmail,
		MainSite:     p.MainSite,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
		LastSyncedAt: p.LastSyncedAt,
	}
}

func toProjectDTOs(projects []store.Project) []projectDTO {
	out := make([]projectDTO, 0, len(projects))
	for _, p := range projects {
		out = append(out, toProjectDTO(p))
	}
	return out
}

type runDTO struct {
	RunToken        string     `json:"run_token"`
	ProjectToken    string     `json:"project_token"`
	Status          string     `json:"status"`
	Pages           int64      `json:"pages"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds *int64     `json:"duration_seconds,omitempty"`
	RecordsCount    int64      `json:"records_count"`
	DataRef         string     `json:"data_ref,omitempty"`
	CaptureState    string     `json:"capture_state"`
	CaptureNote     string     `json:"capture_note,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func toRunDTO(r store.Run) runDTO {
	return runDTO{
		RunToken:        r.RunToken,
		ProjectToken:    r.ProjectToken,
		Status:          string(r.Status),
		Pages:           r.Pages,
		StartedAt:       r.StartedAt,
		EndedAt:         r.EndedAt,
		DurationSeconds: r.DurationSeconds,
		RecordsCount:    r.RecordsCount,
		DataRef:         r.DataRef,
		CaptureState:    string(r.CaptureState),
		CaptureNote:     r.CaptureNote,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func toRunDTOs(runs []store.Run) []runDTO {
	out := make([]runDTO, 0, len(runs))
	for _, r := range runs {
		out = append(out, toRunDTO(r))
	}
	return out
}

type lastRunDTO struct {
	RunToken     string     `json:"run_token"`
	Status       string     `json:"status"`
	Pages        int64      `json:"pages"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	RecordsCount int64      `json:"records_count"`
}

type analyticsDTO struct {
	ProjectToken       string      `json:"project_token"`
	TotalRuns          int64       `json:"total_runs"`
	CompletedRuns      int64       `json:"completed_runs"`
	TotalPages         int64       `json:"total_pages"`
	TotalRecords       int64       `json:"total_records"`
	AvgDurationSeconds float64     `json:"avg_duration_seconds"`
	LastRun            *lastRunDTO `json:"last_run,omitempty"`
}

func toAnalyticsDTO(a store.Analytics) analyticsDTO {
	dto := analyticsDTO{
		ProjectToken:       a.ProjectToken,
		TotalRuns:          a.TotalRuns,
		CompletedRuns:      a.CompletedRuns,
		TotalPages:         a.TotalPages,
		TotalRecords:       a.TotalRecords,
		AvgDurationSeconds: a.AvgDurationSeconds,
	}
	if a.LastRun != nil {
		dto.LastRun = &lastRunDTO{
			RunToken:     a.LastRun.RunToken,
			Status:       string(a.LastRun.Status),
			Pages:        a.LastRun.Pages,
			StartedAt:    a.LastRun.StartedAt,
			RecordsCount: a.LastRun.RecordsCount,
		}
	}
	return dto
}

type dailyMetricDTO struct {
	Day                string  `json:"day"`
	TotalPages         int64   `json:"total_pages"`
	TotalRecords       int64   `json:"total_records"`
	RunsCount          int64   `json:"runs_count"`
	AvgDurationSeconds float64 `json:"avg_duration_seconds"`
}

func toDailyMetricDTOs(rows []store.DailyMetric) []dailyMetricDTO {
	out := make([]dailyMetricDTO, 0, len(rows))
	for _, m := range rows {
		out = append(out, dailyMetricDTO{
			Day:                m.Day.Format(dayLayout),
			TotalPages:         m.TotalPages,
			TotalRecords:       m.TotalRecords,
			RunsCount:          m.RunsCount,
			AvgDurationSeconds: m.AvgDurationSeconds,
		})
	}
	return out
}

type fieldDTO struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type recordDTO struct {
	Index  int64      `json:"index"`
	Fields []fieldDTO `json:"fields"`
}

func toRecordDTOs(records []store.StoredRecord) []recordDTO {
	out := make([]recordDTO, 0, len(records))
	for _, rec := range records {
		fields := make([]fieldDTO, 0, len(rec.Fields))
		for _, f := range rec.Fields {
			fields = append(fields, fieldDTO{Key: f.Key, Value: f.Value})
		}
		out = append(out, recordDTO{Index: rec.Index, Fields: fields})
	}
	return out
}

type activityDTO struct {
	Stage      string    `json:"stage"`
	LastUpdate time.Time `json:"last_update"`
	Attempts   int64     `json:"attempts"`
	Bytes      int64     `json:"bytes"`
	Records    int64     `json:"records"`
	LastNote   string    `json:"last_note,omitempty"`
}

func toActivityDTOs(rows []store.Activity) []activityDTO {
	out := make([]activityDTO, 0, len(rows))
	for _, a := range rows {
		out = append(out, activityDTO{
			Stage:      a.Stage,
			LastUpdate: a.LastUpdate,
			Attempts:   a.Attempts,
			Bytes:      a.Bytes,
			Records:    a.Records,
			LastNote:   a.LastNote,
		})
	}
	return out
}

type sessionDTO struct {
	ID           string    `json:"id"`
	ProjectToken string    `json:"project_token"`
	URLTemplate  string    `json:"url_template"`
	NextPage     int64     `json:"next_page"`
	EndPage      int64     `json:"end_page"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toSessionDTO(s store.Session) sessionDTO {
	return sessionDTO{
		ID:           s.ID,
		ProjectToken: s.ProjectToken,
		URLTemplate:  s.URLTemplate,
		NextPage:     s.NextPage,
		EndPage:      s.EndPage,
		Status:       string(s.Status),
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

type iterationDTO struct {
	Iteration    int64     `json:"iteration"`
	RunToken     string    `json:"run_token"`
	Page         int64     `json:"page"`
	Status       string    `json:"status"`
	RecordsCount int64     `json:"records_count"`
	CreatedAt    time.Time `json:"created_at"`
}

func toIterationDTO(it store.SessionIteration) iterationDTO {
	return iterationDTO{
		Iteration:    it.Iteration,
		RunToken:     it.RunToken,
		Page:         it.Page,
		Status:       string(it.Status),
		RecordsCount: it.RecordsCount,
		CreatedAt:    it.CreatedAt,
	}
}

func toIterationDTOs(its []store.SessionIteration) []iterationDTO {
	out := make([]iterationDTO, 0, len(its))
	for _, it := range its {
		out = append(out, toIterationDTO(it))
	}
	return out
}

// parseLimitOffset reads ?limit= and ?offset= with a default and cap on the
// limit. Malformed or negative values fall back to the defaults.
func parseLimitOffset(r *http.Request, def, max int) (limit, offset int) {
	limit = def
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	if limit > max {
		limit = max
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			offset = v
		}
	}
	return limit, offset
}
