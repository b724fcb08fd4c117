package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/runharvest/runharvest/internal/store"
)

// ProjectAnalytics aggregates the project's run history. Averages only
// consider runs with a known duration; a project that never ran yields zero
// totals and a nil LastRun.
func (s *Store) ProjectAnalytics(ctx context.Context, projectToken string) (store.Analytics, error) {
	a := store.Analytics{ProjectToken: projectToken}
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'complete'),
			COALESCE(SUM(pages), 0),
			COALESCE(SUM(records_count), 0),
			COALESCE(AVG(duration_seconds), 0)
		FROM runs
		WHERE project_token = $1;
	`
	err := s.db.QueryRow(ctx, query, projectToken).Scan(
		&a.TotalRuns,
		&a.CompletedRuns,
		&a.TotalPages,
		&a.TotalRecords,
		&a.AvgDurationSeconds,
	)
	if err != nil {
		return store.Analytics{}, fmt.Errorf("aggregate project runs: %w", err)
	}

	last := `
		SELECT run_token, status, pages, started_at, records_count
		FROM runs
		WHERE project_token = $1
		ORDER BY COALESCE(started_at, created_at) DESC
		LIMIT 1;
	`
	var lr store.LastRun
	err = s.db.QueryRow(ctx, last, projectToken).Scan(
		&lr.RunToken,
		&lr.Status,
		&lr.Pages,
		&lr.StartedAt,
		&lr.RecordsCount,
	)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// No runs yet, LastRun stays nil.
	case err != nil:
		return store.Analytics{}, fmt.Errorf("load last run: %w", err)
	default:
		a.LastRun = &lr
	}
	return a, nil
}

// RecomputeDailyMetrics rebuilds every project's rollup row for the given
// day from the runs table. Runs are attributed to the day they started, or
// were first seen when the upstream never reported a start.
func (s *Store) RecomputeDailyMetrics(ctx context.Context, day time.Time) error {
	start, end := dayBounds(day)
	query := `
		INSERT INTO daily_metrics (project_token, day, runs_count, pages_total, records_total, avg_duration_seconds, updated_at)
		SELECT
			project_token,
			$1,
			COUNT(*),
			COALESCE(SUM(pages), 0),
			COALESCE(SUM(records_count), 0),
			COALESCE(AVG(duration_seconds), 0),
			now()
		FROM runs
		WHERE COALESCE(started_at, created_at) >= $2
		  AND COALESCE(started_at, created_at) < $3
		GROUP BY project_token
		ON CONFLICT (project_token, day) DO UPDATE SET
			runs_count = EXCLUDED.runs_count,
			pages_total = EXCLUDED.pages_total,
			records_total = EXCLUDED.records_total,
			avg_duration_seconds = EXCLUDED.avg_duration_seconds,
			updated_at = EXCLUDED.updated_at;
	`
	if _, err := s.db.Exec(ctx, query, start, start, end); err != nil {
		return fmt.Errorf("recompute daily metrics: %w", err)
	}
	return nil
}

// ListDailyMetrics returns rollup rows for one project, oldest first, with
// both bounds inclusive.
func (s *Store) ListDailyMetrics(ctx context.Context, projectToken string, from, to time.Time) ([]store.DailyMetric, error) {
	fromDay, _ := dayBounds(from)
	toDay, _ := dayBounds(to)
	query := `
		SELECT project_token, day, pages_total, records_total, runs_count, avg_duration_seconds, updated_at
		FROM daily_metrics
		WHERE project_token = $1 AND day >= $2 AND day <= $3
		ORDER BY day;
	`
	rows, err := s.db.Query(ctx, query, projectToken, fromDay, toDay)
	if err != nil {
		return nil, fmt.Errorf("list daily metrics: %w", err)
	}
	defer rows.Close()

	var metrics []store.DailyMetric
	for rows.Next() {
		var m store.DailyMetric
		if err := rows.Scan(&m.ProjectToken, &m.Day, &m.TotalPages, &m.TotalRecords, &m.RunsCount, &m.AvgDurationSeconds, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan daily metric: %w", err)
		}
		metrics = append(metrics, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list daily metrics: %w", err)
	}
	return metrics, nil
}

// dayBounds maps any instant in a day to that day's UTC [start, end) window.
func dayBounds(day time.Time) (time.Time, time.Time) {
	d := day.UTC()
	start := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}
