// Package catalog mirrors the upstream project list into the store.
package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/runharvest/runharvest/internal/store"
	"github.com/runharvest/runharvest/internal/upstream"
)

const defaultPageSize = 20

// Lister is the slice of the upstream client the sync needs.
type Lister interface {
	ListProjects(ctx context.Context, offset, limit int) (upstream.ProjectPage, error)
}

// Clock abstracts time for TTL checks.
type Clock interface {
	Now() time.Time
}

// Config tunes sync behavior.
type Config struct {
	// PageSize is how many projects one upstream page carries.
	PageSize int
	// TTL is how long a completed sync satisfies later non-forced calls.
	TTL time.Duration
}

// Service pages through the upstream catalog and upserts every project.
// Syncs are serialized; a call that arrives while another is in flight waits
// and then usually lands on the fresh cache.
type Service struct {
	client   Lister
	projects store.ProjectStore
	clock    Clock
	cfg      Config
	logger   *zap.Logger

	mu        sync.Mutex
	lastSync  time.Time
	lastCount int
}

// New constructs a Service.
func New(client Lister, projects store.ProjectStore, clock Clock, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	return &Service{
		client:   client,
		projects: projects,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.Named("catalog"),
	}
}

// Sync refreshes the project catalog and returns how many projects the
// catalog holds. Unless forced, a sync younger than the TTL is served from
// cache without touching upstream.
func (s *Service) Sync(ctx context.Context, force bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if !force && !s.lastSync.IsZero() && now.Sub(s.lastSync) < s.cfg.TTL {
		return s.lastCount, nil
	}

	synced := 0
	total := 0
	for offset := 0; ; offset += s.cfg.PageSize {
		page, err := s.client.ListProjects(ctx, offset, s.cfg.PageSize)
		if err != nil {
			return 0, fmt.Errorf("list projects at offset %d: %w", offset, err)
		}
		if page.TotalProjects > total {
			total = page.TotalProjects
		}
		for _, info := range page.Projects {
			if err := s.upsert(ctx, info); err != nil {
				return 0, err
			}
			synced++
		}
		if len(page.Projects) == 0 || offset+len(page.Projects) >= total {
			break
		}
	}

	s.lastSync = s.clock.Now()
	s.lastCount = synced
	s.logger.Info("project catalog synced",
		zap.Int("projects", synced),
		zap.Bool("forced", force),
	)
	return synced, nil
}

// LastSync reports when the catalog last completed a sync; zero if never.
func (s *Service) LastSync() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync
}

func (s *Service) upsert(ctx context.Context, info upstream.ProjectInfo) error {
	now := s.clock.Now()
	p := store.Project{
		Token:        info.Token,
		Title:        info.Title,
		OwnerEmail:   info.OwnerEmail,
		MainSite:     info.MainSite,
		LastSyncedAt: &now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.projects.UpsertProject(ctx, p); err != nil {
		return fmt.Errorf("upsert project %s: %w", info.Token, err)
	}
	return nil
}
