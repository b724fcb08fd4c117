package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/runharvest/runharvest/internal/store"
)

// CreateSession inserts a new incremental scrape session.
func (s *Store) CreateSession(ctx context.Context, sess store.Session) error {
	query := `
		INSERT INTO scrape_sessions (id, project_token, url_template, next_page, end_page, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
	`
	_, err := s.db.Exec(ctx, query,
		sess.ID,
		sess.ProjectToken,
		sess.URLTemplate,
		sess.NextPage,
		sess.EndPage,
		sess.Status,
		sess.CreatedAt,
		sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession loads one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (store.Session, error) {
	query := `
		SELECT id, project_token, url_template, next_page, end_page, status, created_at, updated_at
		FROM scrape_sessions
		WHERE id = $1;
	`
	var sess store.Session
	err := s.db.QueryRow(ctx, query, id).Scan(
		&sess.ID,
		&sess.ProjectToken,
		&sess.URLTemplate,
		&sess.NextPage,
		&sess.EndPage,
		&sess.Status,
		&sess.CreatedAt,
		&sess.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Session{}, store.ErrNotFound
		}
		return store.Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// UpdateSession persists the session's cursor and status.
func (s *Store) UpdateSession(ctx context.Context, sess store.Session) error {
	query := `
		UPDATE scrape_sessions SET next_page = $2, status = $3, updated_at = $4
		WHERE id = $1;
	`
	tag, err := s.db.Exec(ctx, query, sess.ID, sess.NextPage, sess.Status, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AddIteration records the run triggered for one session page.
func (s *Store) AddIteration(ctx context.Context, it store.SessionIteration) error {
	query := `
		INSERT INTO session_iterations (session_id, iteration, run_token, page, created_at)
		VALUES ($1, $2, $3, $4, $5);
	`
	_, err := s.db.Exec(ctx, query, it.SessionID, it.Iteration, it.RunToken, it.Page, it.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert session iteration: %w", err)
	}
	return nil
}

// ListIterations returns a session's iterations in order. Run status and
// record counts are joined in so the dashboard shows live values without a
// second lookup per iteration.
func (s *Store) ListIterations(ctx context.Context, sessionID string) ([]store.SessionIteration, error) {
	query := `
		SELECT i.session_id, i.iteration, i.run_token, i.page,
			COALESCE(r.status, ''), COALESCE(r.records_count, 0), i.created_at
		FROM session_iterations i
		LEFT JOIN runs r ON r.run_token = i.run_token
		WHERE i.session_id = $1
		ORDER BY i.iteration;
	`
	rows, err := s.db.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session iterations: %w", err)
	}
	defer rows.Close()

	var its []store.SessionIteration
	for rows.Next() {
		var it store.SessionIteration
		if err := rows.Scan(&it.SessionID, &it.Iteration, &it.RunToken, &it.Page, &it.Status, &it.RecordsCount, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session iteration: %w", err)
		}
		its = append(its, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list session iterations: %w", err)
	}
	return its, nil
}
