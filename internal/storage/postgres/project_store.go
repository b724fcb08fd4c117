package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/runharvest/runharvest/internal/store"
)

// UpsertProject inserts the project or refreshes its mutable fields. The
// created_at column keeps its original value on conflict.
func (s *Store) UpsertProject(ctx context.Context, p store.Project) error {
	query := `
		INSERT INTO projects (token, title, owner_email, main_site, last_synced_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (token) DO UPDATE SET
			title = EXCLUDED.title,
			owner_email = EXCLUDED.owner_email,
			main_site = EXCLUDED.main_site,
			last_synced_at = COALESCE(EXCLUDED.last_synced_at, projects.last_synced_at),
			updated_at = EXCLUDED.updated_at;
	`
	_, err := s.db.Exec(ctx, query,
		p.Token,
		p.Title,
		p.OwnerEmail,
		p.MainSite,
		p.LastSyncedAt,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert project: %w", err)
	}
	return nil
}

// GetProject loads one project by token.
func (s *Store) GetProject(ctx context.Context, token string) (store.Project, error) {
	query := `
		SELECT token, title, owner_email, main_site, last_synced_at, created_at, updated_at
		FROM projects
		WHERE token = $1;
	`
	var p store.Project
	err := s.db.QueryRow(ctx, query, token).Scan(
		&p.Token,
		&p.Title,
		&p.OwnerEmail,
		&p.MainSite,
		&p.LastSyncedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Project{}, store.ErrNotFound
		}
		return store.Project{}, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

// ListProjects returns the mirrored catalog ordered by title, then token for
// a stable order among untitled projects.
func (s *Store) ListProjects(ctx context.Context) ([]store.Project, error) {
	query := `
		SELECT token, title, owner_email, main_site, last_synced_at, created_at, updated_at
		FROM projects
		ORDER BY title, token;
	`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []store.Project
	for rows.Next() {
		var p store.Project
		if err := rows.Scan(
			&p.Token,
			&p.Title,
			&p.OwnerEmail,
			&p.MainSite,
			&p.LastSyncedAt,
			&p.CreatedAt,
			&p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan project row: %w", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return projects, nil
}
