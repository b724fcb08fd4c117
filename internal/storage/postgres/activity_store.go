package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/runharvest/runharvest/internal/store"
)

var _ store.ActivityRepository = (*Store)(nil)

// UpsertActivity folds one batch of deltas into the run's per-stage counters.
// The common case is an existing row, so the increment runs first and the
// insert only covers the stage's first delta.
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
	update := `
		UPDATE run_activity SET
			attempts = attempts + $1,
			bytes = bytes + $2,
			records = records + $3,
			last_note = CASE WHEN $4 = '' THEN last_note ELSE $4 END,
			last_update = $5
		WHERE run_token = $6 AND stage = $7;
	`
	res, err := s.db.Exec(ctx, update, deltaAttempts, deltaBytes, deltaRecords, note, at, runToken, stage)
	if err != nil {
		return fmt.Errorf("update run activity: %w", err)
	}
	if res.RowsAffected() == 0 {
		insert := `
			INSERT INTO run_activity (run_token, stage, last_update, attempts, bytes, records, last_note)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (run_token, stage) DO NOTHING;
		`
		_, err = s.db.Exec(ctx, insert, runToken, stage, at, deltaAttempts, deltaBytes, deltaRecords, note)
		if err != nil {
			return fmt.Errorf("insert run activity: %w", err)
		}
	}
	return nil
}

// ListRunActivity returns the run's per-stage counters, most recent first.
func (s *Store) ListRunActivity(ctx context.Context, runToken string) ([]store.Activity, error) {
	query := `
		SELECT run_token, stage, last_update, attempts, bytes, records, last_note
		FROM run_activity
		WHERE run_token = $1
		ORDER BY last_update DESC, stage;
	`
	rows, err := s.db.Query(ctx, query, runToken)
	if err != nil {
		return nil, fmt.Errorf("list run activity: %w", err)
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
		return nil, fmt.Errorf("list run activity: %w", err)
	}
	return acts, nil
}
