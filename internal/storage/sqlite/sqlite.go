// Package sqlite implements store.Store on SQLite for single-node and
// development deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/runharvest/runharvest/internal/store"
)

const defaultListLimit = 100

// insertChunkRows keeps multi-row inserts under SQLite's bind variable cap.
const insertChunkRows = 100

// Config locates the database file.
type Config struct {
	Path string
}

// Store implements store.Store backed by a SQLite database file.
type Store struct {
	db *sql.DB
}

var (
	_ store.Store              = (*Store)(nil)
	_ store.ActivityRepository = (*Store)(nil)
)

// New opens the database, enables foreign keys, and ensures the schema
// exists.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database.sqlite.path is required")
	}
	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// An in-memory database exists per connection. Keep a single one so the
	// schema does not vanish between goroutines.
	if cfg.Path == ":memory:" || strings.Contains(cfg.Path, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite schema: %w", err)
	}
	return s, nil
}

// Ping verifies the database handle is usable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() {
	_ = s.db.Close()
}

func (s *Store) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("%w\n%s", err, stmt)
		}
	}
	return nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		token TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		owner_email TEXT NOT NULL DEFAULT '',
		main_site TEXT NOT NULL DEFAULT '',
		last_synced_at DATETIME,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS runs (
		run_token TEXT PRIMARY KEY,
		project_token TEXT NOT NULL,
		status TEXT NOT NULL,
		pages INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME,
		ended_at DATETIME,
		duration_seconds INTEGER,
		records_count INTEGER NOT NULL DEFAULT 0,
		data_ref TEXT NOT NULL DEFAULT '',
		capture_state TEXT NOT NULL DEFAULT 'pending',
		capture_note TEXT NOT NULL DEFAULT '',
		last_seq INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS runs_project_started_idx
		ON runs (project_token, COALESCE(started_at, created_at) DESC)`,
	`CREATE TABLE IF NOT EXISTS scraped_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_token TEXT NOT NULL REFERENCES runs(run_token) ON DELETE CASCADE,
		project_token TEXT NOT NULL,
		record_index INTEGER NOT NULL,
		field_key TEXT NOT NULL,
		field_value TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS scraped_records_run_idx
		ON scraped_records (run_token, record_index)`,
	`CREATE TABLE IF NOT EXISTS daily_metrics (
		project_token TEXT NOT NULL,
		day DATETIME NOT NULL,
		runs_count INTEGER NOT NULL DEFAULT 0,
		pages_total INTEGER NOT NULL DEFAULT 0,
		records_total INTEGER NOT NULL DEFAULT 0,
		avg_duration_seconds REAL NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (project_token, day)
	)`,
	`CREATE TABLE IF NOT EXISTS run_activity (
		run_token TEXT NOT NULL,
		stage TEXT NOT NULL,
		last_update DATETIME NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		bytes INTEGER NOT NULL DEFAULT 0,
		records INTEGER NOT NULL DEFAULT 0,
		last_note TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (run_token, stage)
	)`,
	`CREATE TABLE IF NOT EXISTS scrape_sessions (
		id TEXT PRIMARY KEY,
		project_token TEXT NOT NULL,
		url_template TEXT NOT NULL,
		next_page INTEGER NOT NULL,
		end_page INTEGER NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS session_iterations (
		session_id TEXT NOT NULL REFERENCES scrape_sessions(id) ON DELETE CASCADE,
		iteration INTEGER NOT NULL,
		run_token TEXT NOT NULL,
		page INTEGER NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (session_id, iteration)
	)`,
}

// UpsertProject inserts the project or refreshes its mutable fields.
func (s *Store) UpsertProject(ctx context.Context, p store.Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (token, title, owner_email, main_site, last_synced_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (token) DO UPDATE SET
			title = excluded.title,
			owner_email = excluded.owner_email,
			main_site = excluded.main_site,
			last_synced_at = COALESCE(excluded.last_synced_at, projects.last_synced_at),
			updated_at = excluded.updated_at`,
		p.Token, p.Title, p.OwnerEmail, p.MainSite,
		nullTime(p.LastSyncedAt), p.CreatedAt.UTC(), p.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert project: %w", err)
	}
	return nil
}

// GetProject loads one project by token.
func (s *Store) GetProject(ctx context.Context, token string) (store.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token, title, owner_email, main_site, last_synced_at, created_at, updated_at
		FROM projects WHERE token = ?`, token)
	p, err := scanProject(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return store.Project{}, store.ErrNotFound
	case err != nil:
		return store.Project{}, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

// ListProjects returns the catalog ordered by title, then token.
func (s *Store) ListProjects(ctx context.Context) ([]store.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token, title, owner_email, main_site, last_synced_at, created_at, updated_at
		FROM projects ORDER BY title, token`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []store.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project row: %w", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return projects, nil
}

// CreateRun inserts the run or refreshes its upstream-reported fields.
// Terminal runs are left alone and capture bookkeeping is never reset.
func (s *Store) CreateRun(ctx context.Context, r store.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_token, project_token, status, pages, started_at, ended_at,
			duration_seconds, last_seq, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (run_token) DO UPDATE SET
			status = excluded.status,
			pages = excluded.pages,
			started_at = COALESCE(excluded.started_at, runs.started_at),
			ended_at = COALESCE(excluded.ended_at, runs.ended_at),
			duration_seconds = COALESCE(excluded.duration_seconds, runs.duration_seconds),
			updated_at = excluded.updated_at
		WHERE runs.status NOT IN ('complete', 'error', 'cancelled')`,
		r.RunToken, r.ProjectToken, string(r.Status), r.Pages,
		nullTime(r.StartedAt), nullTime(r.EndedAt),
		nullInt(durationSeconds(r.StartedAt, r.EndedAt)),
		r.CreatedAt.UTC(), r.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}
	return nil
}

// GetRun loads one run by token.
func (s *Store) GetRun(ctx context.Context, runToken string) (store.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_token = ?`, runToken)
	r, err := scanRun(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return store.Run{}, store.ErrNotFound
	case err != nil:
		return store.Run{}, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns a project's runs newest first.
func (s *Store) ListRuns(ctx context.Context, projectToken string, limit, offset int) ([]store.Run, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE project_token = ?
		ORDER BY COALESCE(started_at, created_at) DESC, run_token
		LIMIT ? OFFSET ?`,
		projectToken, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return collectRuns(rows)
}

// ListUnfinishedRuns returns non-terminal runs plus completed runs whose
// capture is still pending, oldest first.
func (s *Store) ListUnfinishedRuns(ctx context.Context) ([]store.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE status NOT IN ('complete', 'error', 'cancelled')
		   OR (status = 'complete' AND capture_state = 'pending')
		ORDER BY COALESCE(started_at, created_at)`)
	if err != nil {
		return nil, fmt.Errorf("list unfinished runs: %w", err)
	}
	return collectRuns(rows)
}

// FindActiveRun returns the project's newest non-terminal run.
func (s *Store) FindActiveRun(ctx context.Context, projectToken string) (store.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE project_token = ? AND status NOT IN ('complete', 'error', 'cancelled')
		ORDER BY COALESCE(started_at, created_at) DESC
		LIMIT 1`, projectToken)
	r, err := scanRun(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return store.Run{}, store.ErrNotFound
	case err != nil:
		return store.Run{}, fmt.Errorf("find active run: %w", err)
	}
	return r, nil
}

// ApplyStatus applies one poll observation, refusing stale sequences and
// changes to terminal runs.
func (s *Store) ApplyStatus(ctx context.Context, u store.StatusUpdate) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			status = ?,
			pages = ?,
			started_at = COALESCE(?, started_at),
			ended_at = COALESCE(?, ended_at),
			duration_seconds = COALESCE(?, duration_seconds),
			last_seq = ?,
			updated_at = ?
		WHERE run_token = ?
		  AND last_seq < ?
		  AND status NOT IN ('complete', 'error', 'cancelled')`,
		string(u.Status), u.Pages,
		nullTime(u.StartedAt), nullTime(u.EndedAt),
		nullInt(durationSeconds(u.StartedAt, u.EndedAt)),
		u.Seq, u.At.UTC(), u.RunToken, u.Seq)
	if err != nil {
		return false, fmt.Errorf("apply status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("apply status: %w", err)
	}
	if affected > 0 {
		return true, nil
	}
	exists, err := s.runExists(ctx, u.RunToken)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, store.ErrNotFound
	}
	return false, nil
}

// FinishRun forces a terminal status; finishing an already-terminal run is a
// no-op.
func (s *Store) FinishRun(ctx context.Context, runToken string, status store.RunStatus, endedAt time.Time, note string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			status = ?,
			ended_at = COALESCE(ended_at, ?),
			capture_note = CASE WHEN ? = '' THEN capture_note ELSE ? END,
			updated_at = ?
		WHERE run_token = ? AND status NOT IN ('complete', 'error', 'cancelled')`,
		string(status), endedAt.UTC(), note, note, endedAt.UTC(), runToken)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if affected > 0 {
		return nil
	}
	exists, err := s.runExists(ctx, runToken)
	if err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	return nil
}

// MarkPurged records that the run's output is gone upstream.
func (s *Store) MarkPurged(ctx context.Context, runToken, note string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET capture_state = 'purged', capture_note = ?, updated_at = ?
		WHERE run_token = ?`,
		note, time.Now().UTC(), runToken)
	if err != nil {
		return fmt.Errorf("mark purged: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark purged: %w", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CaptureRunData replaces the run's records and capture bookkeeping in one
// transaction.
func (s *Store) CaptureRunData(ctx context.Context, c store.Capture) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin capture tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM scraped_records WHERE run_token = ?`, c.RunToken); err != nil {
		return fmt.Errorf("clear previous records: %w", err)
	}
	if err := insertRecords(ctx, tx, c); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE runs SET
			records_count = ?,
			data_ref = ?,
			capture_state = 'captured',
			capture_note = ?,
			updated_at = ?
		WHERE run_token = ?`,
		int64(len(c.Records)), c.DataRef, c.Note, c.At.UTC(), c.RunToken)
	if err != nil {
		return fmt.Errorf("finalize capture: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize capture: %w", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit capture tx: %w", err)
	}
	return nil
}

func insertRecords(ctx context.Context, tx *sql.Tx, c store.Capture) error {
	var (
		values strings.Builder
		args   []any
		rows   int
	)
	flush := func() error {
		if rows == 0 {
			return nil
		}
		query := `INSERT INTO scraped_records (run_token, project_token, record_index, field_key, field_value) VALUES ` + values.String()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert records: %w", err)
		}
		values.Reset()
		args = args[:0]
		rows = 0
		return nil
	}
	for idx, rec := range c.Records {
		for _, f := range rec.Fields {
			if rows > 0 {
				values.WriteString(", ")
			}
			values.WriteString("(?, ?, ?, ?, ?)")
			args = append(args, c.RunToken, c.ProjectToken, int64(idx), f.Key, f.Value)
			rows++
			if rows >= insertChunkRows {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
	return flush()
}

// ListRecords returns captured records ordered by their run ordinal.
func (s *Store) ListRecords(ctx context.Context, runToken string, limit, offset int) ([]store.StoredRecord, error) {
	if offset < 0 {
		offset = 0
	}
	lo := int64(offset)
	hi := int64(math.MaxInt64)
	if limit > 0 {
		hi = lo + int64(limit)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_token, record_index, field_key, field_value
		FROM scraped_records
		WHERE run_token = ? AND record_index >= ? AND record_index < ?
		ORDER BY record_index, id`,
		runToken, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var (
		records []store.StoredRecord
		current *store.StoredRecord
	)
	for rows.Next() {
		var (
			token string
			index int64
			field store.Field
		)
		if err := rows.Scan(&token, &index, &field.Key, &field.Value); err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		if current == nil || current.Index != index {
			records = append(records, store.StoredRecord{RunToken: token, Index: index})
			current = &records[len(records)-1]
		}
		current.Fields = append(current.Fields, field)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return records, nil
}

// ProjectAnalytics aggregates the project's run history.
func (s *Store) ProjectAnalytics(ctx context.Context, projectToken string) (store.Analytics, error) {
	a := store.Analytics{ProjectToken: projectToken}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'complete' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(pages), 0),
			COALESCE(SUM(records_count), 0),
			COALESCE(AVG(duration_seconds), 0)
		FROM runs WHERE project_token = ?`, projectToken).
		Scan(&a.TotalRuns, &a.CompletedRuns, &a.TotalPages, &a.TotalRecords, &a.AvgDurationSeconds)
	if err != nil {
		return store.Analytics{}, fmt.Errorf("aggregate analytics: %w", err)
	}

	var (
		last    store.LastRun
		started sql.NullTime
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT run_token, status, pages, started_at, records_count
		FROM runs WHERE project_token = ?
		ORDER BY COALESCE(started_at, created_at) DESC, run_token
		LIMIT 1`, projectToken).
		Scan(&last.RunToken, &last.Status, &last.Pages, &started, &last.RecordsCount)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return a, nil
	case err != nil:
		return store.Analytics{}, fmt.Errorf("load last run: %w", err)
	}
	if started.Valid {
		t := started.Time
		last.StartedAt = &t
	}
	a.LastRun = &last
	return a, nil
}

// RecomputeDailyMetrics rebuilds every project's rollup row for the day.
func (s *Store) RecomputeDailyMetrics(ctx context.Context, day time.Time) error {
	start, end := dayBounds(day)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_metrics (project_token, day, runs_count, pages_total, records_total, avg_duration_seconds, updated_at)
		SELECT project_token, ?, COUNT(*),
			COALESCE(SUM(pages), 0),
			COALESCE(SUM(records_count), 0),
			COALESCE(AVG(duration_seconds), 0),
			?
		FROM runs
		WHERE COALESCE(started_at, created_at) >= ? AND COALESCE(started_at, created_at) < ?
		GROUP BY project_token
		ON CONFLICT (project_token, day) DO UPDATE SET
			runs_count = excluded.runs_count,
			pages_total = excluded.pages_total,
			records_total = excluded.records_total,
			avg_duration_seconds = excluded.avg_duration_seconds,
			updated_at = excluded.updated_at`,
		start, time.Now().UTC(), start, end)
	if err != nil {
		return fmt.Errorf("recompute daily metrics: %w", err)
	}
	return nil
}

// ListDailyMetrics returns rollup rows for one project, oldest first.
func (s *Store) ListDailyMetrics(ctx context.Context, projectToken string, from, to time.Time) ([]store.DailyMetric, error) {
	fromDay, _ := dayBounds(from)
	toDay, _ := dayBounds(to)
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_token, day, pages_total, records_total, runs_count, avg_duration_seconds, updated_at
		FROM daily_metrics
		WHERE project_token = ? AND day >= ? AND day <= ?
		ORDER BY day`,
		projectToken, fromDay, toDay)
	if err != nil {
		return nil, fmt.Errorf("list daily metrics: %w", err)
	}
	defer rows.Close()

	var metrics []store.DailyMetric
	for rows.Next() {
		var m store.DailyMetric
		if err := rows.Scan(&m.ProjectToken, &m.Day, &m.TotalPages, &m.TotalRecords, &m.RunsCount, &m.AvgDurationSeconds, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan daily metric row: %w", err)
		}
		metrics = append(metrics, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list daily metrics: %w", err)
	}
	return metrics, nil
}

// CreateSession inserts a new incremental scrape session.
func (s *Store) CreateSession(ctx context.Context, sess store.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scrape_sessions (id, project_token, url_template, next_page, end_page, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ProjectToken, sess.URLTemplate, sess.NextPage, sess.EndPage,
		string(sess.Status), sess.CreatedAt.UTC(), sess.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession loads one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (store.Session, error) {
	var sess store.Session
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_token, url_template, next_page, end_page, status, created_at, updated_at
		FROM scrape_sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.ProjectToken, &sess.URLTemplate, &sess.NextPage, &sess.EndPage,
			&sess.Status, &sess.CreatedAt, &sess.UpdatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return store.Session{}, store.ErrNotFound
	case err != nil:
		return store.Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// UpdateSession persists the session's cursor and status.
func (s *Store) UpdateSession(ctx context.Context, sess store.Session) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scrape_sessions SET next_page = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		sess.NextPage, string(sess.Status), sess.UpdatedAt.UTC(), sess.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AddIteration records the run triggered for one session page.
func (s *Store) AddIteration(ctx context.Context, it store.SessionIteration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_iterations (session_id, iteration, run_token, page, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		it.SessionID, it.Iteration, it.RunToken, it.Page, it.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("add iteration: %w", err)
	}
	return nil
}

// ListIterations returns a session's iterations in order with run status and
// record counts joined in.
func (s *Store) ListIterations(ctx context.Context, sessionID string) ([]store.SessionIteration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.session_id, i.iteration, i.run_token, i.page,
			COALESCE(r.status, ''), COALESCE(r.records_count, 0), i.created_at
		FROM session_iterations i
		LEFT JOIN runs r ON r.run_token = i.run_token
		WHERE i.session_id = ?
		ORDER BY i.iteration`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list iterations: %w", err)
	}
	defer rows.Close()

	var its []store.SessionIteration
	for rows.Next() {
		var it store.SessionIteration
		if err := rows.Scan(&it.SessionID, &it.Iteration, &it.RunToken, &it.Page,
			&it.Status, &it.RecordsCount, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan iteration row: %w", err)
		}
		its = append(its, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list iterations: %w", err)
	}
	return its, nil
}

// UpsertActivity folds one batch of deltas into the run's per-stage counters.
func (s *Store) UpsertActivity(
	ctx context.Context,
	runToken string,
	stage string,
	deltaAttempts int64,
	deltaBytes int64,
	deltaRecords int64,
	note string,
	at time.Time,
) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE run_activity SET
			attempts = attempts + ?,
			bytes = bytes + ?,
			records = records + ?,
			last_note = CASE WHEN ? = '' THEN last_note ELSE ? END,
			last_update = ?
		WHERE run_token = ? AND stage = ?`,
		deltaAttempts, deltaBytes, deltaRecords, note, note, at.UTC(), runToken, stage)
	if err != nil {
		return fmt.Errorf("update activity: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update activity: %w", err)
	}
	if affected > 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_activity (run_token, stage, last_update, attempts, bytes, records, last_note)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_token, stage) DO NOTHING`,
		runToken, stage, at.UTC(), deltaAttempts, deltaBytes, deltaRecords, note)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// ListRunActivity returns the run's per-stage counters, most recent first.
func (s *Store) ListRunActivity(ctx context.Context, runToken string) ([]store.Activity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_token, stage, last_update, attempts, bytes, records, last_note
		FROM run_activity
		WHERE run_token = ?
		ORDER BY last_update DESC, stage`, runToken)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	var acts []store.Activity
	for rows.Next() {
		var a store.Activity
		if err := rows.Scan(&a.RunToken, &a.Stage, &a.LastUpdate, &a.Attempts, &a.Bytes, &a.Records, &a.LastNote); err != nil {
			return nil, fmt.Errorf("scan activity row: %w", err)
		}
		acts = append(acts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	return acts, nil
}

func (s *Store) runExists(ctx context.Context, runToken string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM runs WHERE run_token = ?)`, runToken).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check run exists: %w", err)
	}
	return exists, nil
}

const runColumns = `run_token, project_token, status, pages, started_at, ended_at,
	duration_seconds, records_count, data_ref, capture_state, capture_note,
	last_seq, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (store.Run, error) {
	var (
		r        store.Run
		started  sql.NullTime
		ended    sql.NullTime
		duration sql.NullInt64
	)
	err := row.Scan(&r.RunToken, &r.ProjectToken, &r.Status, &r.Pages, &started, &ended,
		&duration, &r.RecordsCount, &r.DataRef, &r.CaptureState, &r.CaptureNote,
		&r.LastSeq, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return store.Run{}, err
	}
	if started.Valid {
		t := started.Time
		r.StartedAt = &t
	}
	if ended.Valid {
		t := ended.Time
		r.EndedAt = &t
	}
	if duration.Valid {
		d := duration.Int64
		r.DurationSeconds = &d
	}
	return r, nil
}

func scanProject(row rowScanner) (store.Project, error) {
	var (
		p      store.Project
		synced sql.NullTime
	)
	err := row.Scan(&p.Token, &p.Title, &p.OwnerEmail, &p.MainSite, &synced, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return store.Project{}, err
	}
	if synced.Valid {
		t := synced.Time
		p.LastSyncedAt = &t
	}
	return p, nil
}

func collectRuns(rows *sql.Rows) ([]store.Run, error) {
	defer rows.Close()
	var runs []store.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
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

func dayBounds(day time.Time) (time.Time, time.Time) {
	d := day.UTC()
	start := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}
