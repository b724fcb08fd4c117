package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/runharvest/runharvest/internal/store"
)

// defaultListLimit matches the SQL stores' cap on unbounded list reads.
const defaultListLimit = 100

type dayKey struct {
	project string
	day     time.Time
}

// Store is an in-memory store.Store for development and tests. It mirrors
// the SQL stores' semantics, including the poll sequence guard and terminal
// status stickiness.
type Store struct {
	mu         sync.RWMutex
	projects   map[string]store.Project
	runs       map[string]store.Run
	records    map[string][]store.StoredRecord
	daily      map[dayKey]store.DailyMetric
	activity   map[string]map[string]store.Activity
	sessions   map[string]store.Session
	iterations map[string][]store.SessionIteration
}

var (
	_ store.Store              = (*Store)(nil)
	_ store.ActivityRepository = (*Store)(nil)
)

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		projects:   make(map[string]store.Project),
		runs:       make(map[string]store.Run),
		records:    make(map[string][]store.StoredRecord),
		daily:      make(map[dayKey]store.DailyMetric),
		activity:   make(map[string]map[string]store.Activity),
		sessions:   make(map[string]store.Session),
		iterations: make(map[string][]store.SessionIteration),
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() {}

// UpsertProject inserts the project or refreshes its mutable fields.
func (s *Store) UpsertProject(_ context.Context, p store.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.projects[p.Token]; ok {
		p.CreatedAt = existing.CreatedAt
		if p.LastSyncedAt == nil {
			p.LastSyncedAt = existing.LastSyncedAt
		}
	}
	s.projects[p.Token] = p
	return nil
}

// GetProject loads one project by token.
func (s *Store) GetProject(_ context.Context, token string) (store.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[token]
	if !ok {
		return store.Project{}, store.ErrNotFound
	}
	return p, nil
}

// ListProjects returns the catalog ordered by title, then token.
func (s *Store) ListProjects(_ context.Context) ([]store.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	projects := make([]store.Project, 0, len(s.projects))
	for _, p := range s.projects {
		projects = append(projects, p)
	}
	sort.Slice(projects, func(i, j int) bool {
		if projects[i].Title != projects[j].Title {
			return projects[i].Title < projects[j].Title
		}
		return projects[i].Token < projects[j].Token
	})
	return projects, nil
}

// CreateRun inserts the run or refreshes its upstream-reported fields. A
// terminal run is left alone and capture bookkeeping is never reset.
func (s *Store) CreateRun(_ context.Context, r store.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.runs[r.RunToken]
	if !ok {
		if r.CaptureState == "" {
			r.CaptureState = store.CapturePending
		}
		r.LastSeq = 0
		if r.DurationSeconds == nil {
			r.DurationSeconds = durationSeconds(r.StartedAt, r.EndedAt)
		}
		s.runs[r.RunToken] = r
		return nil
	}
	if existing.Status.Terminal() {
		return nil
	}
	existing.Status = r.Status
	existing.Pages = r.Pages
	if r.StartedAt != nil {
		existing.StartedAt = r.StartedAt
	}
	if r.EndedAt != nil {
		existing.EndedAt = r.EndedAt
	}
	if d := durationSeconds(r.StartedAt, r.EndedAt); d != nil {
		existing.DurationSeconds = d
	}
	existing.UpdatedAt = r.UpdatedAt
	s.runs[r.RunToken] = existing
	return nil
}

// GetRun loads one run by token.
func (s *Store) GetRun(_ context.Context, runToken string) (store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runToken]
	if !ok {
		return store.Run{}, store.ErrNotFound
	}
	return r, nil
}

// ListRuns returns a project's runs newest first.
func (s *Store) ListRuns(_ context.Context, projectToken string, limit, offset int) ([]store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var runs []store.Run
	for _, r := range s.runs {
		if r.ProjectToken == projectToken {
			runs = append(runs, r)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		ti, tj := runEffectiveStart(runs[i]), runEffectiveStart(runs[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return runs[i].RunToken < runs[j].RunToken
	})
	return window(runs, limit, offset), nil
}

// ListUnfinishedRuns returns non-terminal runs plus completed runs whose
// capture is still pending, oldest first.
func (s *Store) ListUnfinishedRuns(_ context.Context) ([]store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var runs []store.Run
	for _, r := range s.runs {
		if !r.Status.Terminal() || (r.Status == store.StatusComplete && r.CaptureState == store.CapturePending) {
			runs = append(runs, r)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		return runEffectiveStart(runs[i]).Before(runEffectiveStart(runs[j]))
	})
	return runs, nil
}

// FindActiveRun returns the project's newest non-terminal run.
func (s *Store) FindActiveRun(_ context.Context, projectToken string) (store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		found  bool
		active store.Run
	)
	for _, r := range s.runs {
		if r.ProjectToken != projectToken || r.Status.Terminal() {
			continue
		}
		if !found || runEffectiveStart(r).After(runEffectiveStart(active)) {
			active = r
			found = true
		}
	}
	if !found {
		return store.Run{}, store.ErrNotFound
	}
	return active, nil
}

// ApplyStatus applies one poll observation, refusing stale sequences and
// changes to terminal runs.
func (s *Store) ApplyStatus(_ context.Context, u store.StatusUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[u.RunToken]
	if !ok {
		return false, store.ErrNotFound
	}
	if u.Seq <= r.LastSeq || r.Status.Terminal() {
		return false, nil
	}
	r.Status = u.Status
	r.Pages = u.Pages
	if u.StartedAt != nil {
		r.StartedAt = u.StartedAt
	}
	if u.EndedAt != nil {
		r.EndedAt = u.EndedAt
	}
	if d := durationSeconds(u.StartedAt, u.EndedAt); d != nil {
		r.DurationSeconds = d
	}
	r.LastSeq = u.Seq
	r.UpdatedAt = u.At
	s.runs[u.RunToken] = r
	return true, nil
}

// FinishRun forces a terminal status; finishing an already-terminal run is a
// no-op.
func (s *Store) FinishRun(_ context.Context, runToken string, status store.RunStatus, endedAt time.Time, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runToken]
	if !ok {
		return store.ErrNotFound
	}
	if r.Status.Terminal() {
		return nil
	}
	r.Status = status
	if r.EndedAt == nil {
		ended := endedAt
		r.EndedAt = &ended
	}
	if note != "" {
		r.CaptureNote = note
	}
	r.UpdatedAt = endedAt
	s.runs[runToken] = r
	return nil
}

// MarkPurged records that the run's output is gone upstream.
func (s *Store) MarkPurged(_ context.Context, runToken, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runToken]
	if !ok {
		return store.ErrNotFound
	}
	r.CaptureState = store.CapturePurged
	r.CaptureNote = note
	r.UpdatedAt = time.Now().UTC()
	s.runs[runToken] = r
	return nil
}

// CaptureRunData replaces the run's records and capture bookkeeping.
func (s *Store) CaptureRunData(_ context.Context, c store.Capture) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[c.RunToken]
	if !ok {
		return store.ErrNotFound
	}
	stored := make([]store.StoredRecord, 0, len(c.Records))
	for idx, rec := range c.Records {
		fields := make([]store.Field, len(rec.Fields))
		copy(fields, rec.Fields)
		stored = append(stored, store.StoredRecord{
			RunToken: c.RunToken,
			Index:    int64(idx),
			Fields:   fields,
		})
	}
	s.records[c.RunToken] = stored
	r.RecordsCount = int64(len(c.Records))
	r.DataRef = c.DataRef
	r.CaptureState = store.CaptureCaptured
	r.CaptureNote = c.Note
	r.UpdatedAt = c.At
	s.runs[c.RunToken] = r
	return nil
}

// ListRecords returns captured records ordered by their run ordinal.
func (s *Store) ListRecords(_ context.Context, runToken string, limit, offset int) ([]store.StoredRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.records[runToken]
	if offset < 0 {
		offset = 0
	}
	if offset >= len(records) {
		return nil, nil
	}
	end := len(records)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]store.StoredRecord, 0, end-offset)
	for _, rec := range records[offset:end] {
		fields := make([]store.Field, len(rec.Fields))
		copy(fields, rec.Fields)
		rec.Fields = fields
		out = append(out, rec)
	}
	return out, nil
}

// ProjectAnalytics aggregates the project's run history.
func (s *Store) ProjectAnalytics(_ context.Context, projectToken string) (store.Analytics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a := store.Analytics{ProjectToken: projectToken}
	var (
		durSum   int64
		durCount int64
		last     store.Run
		found    bool
	)
	for _, r := range s.runs {
		if r.ProjectToken != projectToken {
			continue
		}
		a.TotalRuns++
		if r.Status == store.StatusComplete {
			a.CompletedRuns++
		}
		a.TotalPages += r.Pages
		a.TotalRecords += r.RecordsCount
		if r.DurationSeconds != nil {
			durSum += *r.DurationSeconds
			durCount++
		}
		if !found || runEffectiveStart(r).After(runEffectiveStart(last)) {
			last = r
			found = true
		}
	}
	if durCount > 0 {
		a.AvgDurationSeconds = float64(durSum) / float64(durCount)
	}
	if found {
		a.LastRun = &store.LastRun{
			RunToken:     last.RunToken,
			Status:       last.Status,
			Pages:        last.Pages,
			StartedAt:    last.StartedAt,
			RecordsCount: last.RecordsCount,
		}
	}
	return a, nil
}

// RecomputeDailyMetrics rebuilds every project's rollup row for the day.
func (s *Store) RecomputeDailyMetrics(_ context.Context, day time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	start, end := dayBounds(day)
	type agg struct {
		runs     int64
		pages    int64
		records  int64
		durSum   int64
		durCount int64
	}
	byProject := make(map[string]*agg)
	for _, r := range s.runs {
		at := runEffectiveStart(r)
		if at.Before(start) || !at.Before(end) {
			continue
		}
		a := byProject[r.ProjectToken]
		if a == nil {
			a = &agg{}
			byProject[r.ProjectToken] = a
		}
		a.runs++
		a.pages += r.Pages
		a.records += r.RecordsCount
		if r.DurationSeconds != nil {
			a.durSum += *r.DurationSeconds
			a.durCount++
		}
	}
	now := time.Now().UTC()
	for project, a := range byProject {
		m := store.DailyMetric{
			ProjectToken: project,
			Day:          start,
			TotalPages:   a.pages,
			TotalRecords: a.records,
			RunsCount:    a.runs,
			UpdatedAt:    now,
		}
		if a.durCount > 0 {
			m.AvgDurationSeconds = float64(a.durSum) / float64(a.durCount)
		}
		s.daily[dayKey{project: project, day: start}] = m
	}
	return nil
}

// ListDailyMetrics returns rollup rows for one project, oldest first.
func (s *Store) ListDailyMetrics(_ context.Context, projectToken string, from, to time.Time) ([]store.DailyMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fromDay, _ := dayBounds(from)
	toDay, _ := dayBounds(to)
	var metrics []store.DailyMetric
	for key, m := range s.daily {
		if key.project != projectToken {
			continue
		}
		if key.day.Before(fromDay) || key.day.After(toDay) {
			continue
		}
		metrics = append(metrics, m)
	}
	sort.Slice(metrics, func(i, j int) bool { return metrics[i].Day.Before(metrics[j].Day) })
	return metrics, nil
}

// CreateSession inserts a new incremental scrape session.
func (s *Store) CreateSession(_ context.Context, sess store.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sess.ID]; exists {
		return errors.New("session already exists")
	}
	s.sessions[sess.ID] = sess
	return nil
}

// GetSession loads one session by id.
func (s *Store) GetSession(_ context.Context, id string) (store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return store.Session{}, store.ErrNotFound
	}
	return sess, nil
}

// UpdateSession persists the session's cursor and status.
func (s *Store) UpdateSession(_ context.Context, sess store.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.sessions[sess.ID]
	if !ok {
		return store.ErrNotFound
	}
	existing.NextPage = sess.NextPage
	existing.Status = sess.Status
	existing.UpdatedAt = sess.UpdatedAt
	s.sessions[sess.ID] = existing
	return nil
}

// AddIteration records the run triggered for one session page.
func (s *Store) AddIteration(_ context.Context, it store.SessionIteration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iterations[it.SessionID] = append(s.iterations[it.SessionID], it)
	return nil
}

// ListIterations returns a session's iterations in order with run status and
// record counts joined in.
func (s *Store) ListIterations(_ context.Context, sessionID string) ([]store.SessionIteration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	its := make([]store.SessionIteration, len(s.iterations[sessionID]))
	copy(its, s.iterations[sessionID])
	for i := range its {
		if r, ok := s.runs[its[i].RunToken]; ok {
			its[i].Status = r.Status
			its[i].RecordsCount = r.RecordsCount
		}
	}
	sort.Slice(its, func(i, j int) bool { return its[i].Iteration < its[j].Iteration })
	return its, nil
}

// UpsertActivity folds one batch of deltas into the run's per-stage counters.
func (s *Store) UpsertActivity(
	_ context.Context,
	runToken string,
	stage string,
	deltaAttempts int64,
	deltaBytes int64,
	deltaRecords int64,
	note string,
	at time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stages := s.activity[runToken]
	if stages == nil {
		stages = make(map[string]store.Activity)
		s.activity[runToken] = stages
	}
	a := stages[stage]
	a.RunToken = runToken
	a.Stage = stage
	a.Attempts += deltaAttempts
	a.Bytes += deltaBytes
	a.Records += deltaRecords
	if note != "" {
		a.LastNote = note
	}
	a.LastUpdate = at
	stages[stage] = a
	return nil
}

// ListRunActivity returns the run's per-stage counters, most recent first.
func (s *Store) ListRunActivity(_ context.Context, runToken string) ([]store.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stages := s.activity[runToken]
	acts := make([]store.Activity, 0, len(stages))
	for _, a := range stages {
		acts = append(acts, a)
	}
	sort.Slice(acts, func(i, j int) bool {
		if !acts[i].LastUpdate.Equal(acts[j].LastUpdate) {
			return acts[i].LastUpdate.After(acts[j].LastUpdate)
		}
		return acts[i].Stage < acts[j].Stage
	})
	return acts, nil
}

func runEffectiveStart(r store.Run) time.Time {
	if r.StartedAt != nil {
		return *r.StartedAt
	}
	return r.CreatedAt
}

func durationSeconds(start, end *time.Time) *int64 {
	if start == nil || end == nil {
		return nil
	}
	d := int64(end.Sub(*start) / time.Second)
	if d < 0 {
		return nil
	}
	return &d
}

func window(runs []store.Run, limit, offset int) []store.Run {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(runs) {
		return nil
	}
	end := offset + limit
	if end > len(runs) {
		end = len(runs)
	}
	return runs[offset:end]
}

func dayBounds(day time.Time) (time.Time, time.Time) {
	d := day.UTC()
	start := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}
