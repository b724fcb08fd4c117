package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/runharvest/runharvest/internal/store"
)

const runColumns = `run_token, project_token, status, pages, started_at, ended_at,
	duration_seconds, records_count, data_ref, capture_state, capture_note,
	last_seq, created_at, updated_at`

// defaultListLimit caps unbounded list reads.
const defaultListLimit = 100

// insertChunkRows bounds multi-row inserts well under the 65535 parameter
// limit (five parameters per row).
const insertChunkRows = 500

// CreateRun inserts the run or refreshes its upstream-reported fields. The
// update side never touches capture bookkeeping or the poll sequence, and a
// terminal run is left alone entirely so stale catalog snapshots cannot
// revive it.
func (s *Store) CreateRun(ctx context.Context, r store.Run) error {
	query := `
		INSERT INTO runs (run_token, project_token, status, pages, started_at, ended_at,
			duration_seconds, last_seq, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9)
		ON CONFLICT (run_token) DO UPDATE SET
			status = EXCLUDED.status,
			pages = EXCLUDED.pages,
			started_at = COALESCE(EXCLUDED.started_at, runs.started_at),
			ended_at = COALESCE(EXCLUDED.ended_at, runs.ended_at),
			duration_seconds = COALESCE(EXCLUDED.duration_seconds, runs.duration_seconds),
			updated_at = EXCLUDED.updated_at
		WHERE runs.status NOT IN ('complete', 'error', 'cancelled');
	`
	_, err := s.db.Exec(ctx, query,
		r.RunToken,
		r.ProjectToken,
		r.Status,
		r.Pages,
		r.StartedAt,
		r.EndedAt,
		durationSeconds(r.StartedAt, r.EndedAt),
		r.CreatedAt,
		r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}
	return nil
}

// GetRun loads one run by token.
func (s *Store) GetRun(ctx context.Context, runToken string) (store.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE run_token = $1;`
	r, err := scanRun(s.db.QueryRow(ctx, query, runToken))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
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
	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE project_token = $1
		ORDER BY COALESCE(started_at, created_at) DESC, run_token
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.db.Query(ctx, query, projectToken, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// ListUnfinishedRuns returns runs that still need attention after a restart:
// every non-terminal run plus completed runs whose capture never landed.
func (s *Store) ListUnfinishedRuns(ctx context.Context) ([]store.Run, error) {
	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE status NOT IN ('complete', 'error', 'cancelled')
		   OR (status = 'complete' AND capture_state = 'pending')
		ORDER BY COALESCE(started_at, created_at);
	`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list unfinished runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// FindActiveRun returns the project's newest non-terminal run.
func (s *Store) FindActiveRun(ctx context.Context, projectToken string) (store.Run, error) {
	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE project_token = $1
		  AND status NOT IN ('complete', 'error', 'cancelled')
		ORDER BY COALESCE(started_at, created_at) DESC
		LIMIT 1;
	`
	r, err := scanRun(s.db.QueryRow(ctx, query, projectToken))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("find active run: %w", err)
	}
	return r, nil
}

// ApplyStatus applies one poll observation. The WHERE clause enforces both
// orderings at once: the sequence must be newer than the stored one and a
// terminal status never changes. A stale update reports (false, nil).
func (s *Store) ApplyStatus(ctx context.Context, u store.StatusUpdate) (bool, error) {
	query := `
		UPDATE runs SET
			status = $2,
			pages = $3,
			started_at = COALESCE($4, started_at),
			ended_at = COALESCE($5, ended_at),
			duration_seconds = COALESCE($6, duration_seconds),
			last_seq = $7,
			updated_at = $8
		WHERE run_token = $1
		  AND last_seq < $7
		  AND status NOT IN ('complete', 'error', 'cancelled');
	`
	tag, err := s.db.Exec(ctx, query,
		u.RunToken,
		u.Status,
		u.Pages,
		u.StartedAt,
		u.EndedAt,
		durationSeconds(u.StartedAt, u.EndedAt),
		u.Seq,
		u.At,
	)
	if err != nil {
		return false, fmt.Errorf("apply status: %w", err)
	}
	if tag.RowsAffected() > 0 {
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

// FinishRun forces a terminal status outside the poll sequence. Finishing an
// already-terminal run is a no-op, keeping local cancellation idempotent.
func (s *Store) FinishRun(ctx context.Context, runToken string, status store.RunStatus, endedAt time.Time, note string) error {
	query := `
		UPDATE runs SET
			status = $2,
			ended_at = COALESCE(ended_at, $3),
			capture_note = CASE WHEN $4 = '' THEN capture_note ELSE $4 END,
			updated_at = $3
		WHERE run_token = $1
		  AND status NOT IN ('complete', 'error', 'cancelled');
	`
	tag, err := s.db.Exec(ctx, query, runToken, status, endedAt, note)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if tag.RowsAffected() > 0 {
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
	query := `
		UPDATE runs SET capture_state = 'purged', capture_note = $2, updated_at = now()
		WHERE run_token = $1;
	`
	tag, err := s.db.Exec(ctx, query, runToken, note)
	if err != nil {
		return fmt.Errorf("mark purged: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CaptureRunData replaces the run's records and its capture bookkeeping in
// one transaction, so readers either see the full capture or none of it.
func (s *Store) CaptureRunData(ctx context.Context, c store.Capture) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin capture tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM scraped_records WHERE run_token = $1;`, c.RunToken); err != nil {
		return fmt.Errorf("clear previous records: %w", err)
	}
	if err := insertRecords(ctx, tx, c); err != nil {
		return err
	}

	query := `
		UPDATE runs SET
			records_count = $2,
			data_ref = $3,
			capture_state = 'captured',
			capture_note = $4,
			updated_at = $5
		WHERE run_token = $1;
	`
	tag, err := tx.Exec(ctx, query, c.RunToken, int64(len(c.Records)), c.DataRef, c.Note, c.At)
	if err != nil {
		return fmt.Errorf("finalize capture: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit capture tx: %w", err)
	}
	return nil
}

func insertRecords(ctx context.Context, tx pgx.Tx, c store.Capture) error {
	var (
		sb   strings.Builder
		args []any
		rows int
	)
	flush := func() error {
		if rows == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, sb.String(), args...); err != nil {
			return fmt.Errorf("insert records: %w", err)
		}
		sb.Reset()
		args = args[:0]
		rows = 0
		return nil
	}
	for idx, rec := range c.Records {
		for _, f := range rec.Fields {
			if rows == 0 {
				sb.WriteString("INSERT INTO scraped_records (run_token, project_token, record_index, field_key, field_value) VALUES ")
			} else {
				sb.WriteString(", ")
			}
			base := len(args)
			fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5)
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

// ListRecords returns captured records grouped by their ordinal. Indexes are
// dense within a run, so the window is expressed on record_index directly.
func (s *Store) ListRecords(ctx context.Context, runToken string, limit, offset int) ([]store.StoredRecord, error) {
	if offset < 0 {
		offset = 0
	}
	lo := int64(offset)
	hi := int64(math.MaxInt64)
	if limit > 0 {
		hi = lo + int64(limit)
	}
	query := `
		SELECT record_index, field_key, field_value
		FROM scraped_records
		WHERE run_token = $1 AND record_index >= $2 AND record_index < $3
		ORDER BY record_index, id;
	`
	rows, err := s.db.Query(ctx, query, runToken, lo, hi)
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
			idx   int64
			key   string
			value string
		)
		if err := rows.Scan(&idx, &key, &value); err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		if current == nil || current.Index != idx {
			records = append(records, store.StoredRecord{RunToken: runToken, Index: idx})
			current = &records[len(records)-1]
		}
		current.Fields = append(current.Fields, store.Field{Key: key, Value: value})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return records, nil
}

func (s *Store) runExists(ctx context.Context, runToken string) (bool, error) {
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM runs WHERE run_token = $1);`, runToken).Scan(&exists); err != nil {
		return false, fmt.Errorf("check run exists: %w", err)
	}
	return exists, nil
}

func scanRun(row pgx.Row) (store.Run, error) {
	var r store.Run
	err := row.Scan(
		&r.RunToken,
		&r.ProjectToken,
		&r.Status,
		&r.Pages,
		&r.StartedAt,
		&r.EndedAt,
		&r.DurationSeconds,
		&r.RecordsCount,
		&r.DataRef,
		&r.CaptureState,
		&r.CaptureNote,
		&r.LastSeq,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	return r, err
}

func collectRuns(rows pgx.Rows) ([]store.Run, error) {
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
