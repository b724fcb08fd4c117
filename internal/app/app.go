// Package app initializes and holds the long-lived services of the
// harvester, acting as a dependency injection container. Everything the
// polling units share is constructed here once and passed down explicitly;
// no component reaches for package-level state.
package app

import (
	"context"
	"fmt"
	"time"

	gcppubsub "cloud.google.com/go/pubsub"
	gcsstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/runharvest/runharvest/internal/api"
	"github.com/runharvest/runharvest/internal/capture"
	"github.com/runharvest/runharvest/internal/catalog"
	"github.com/runharvest/runharvest/internal/clock/system"
	"github.com/runharvest/runharvest/internal/config"
	restfetcher "github.com/runharvest/runharvest/internal/fetcher/rest"
	"github.com/runharvest/runharvest/internal/hash/sha256"
	"github.com/runharvest/runharvest/internal/metrics"
	"github.com/runharvest/runharvest/internal/poller"
	"github.com/runharvest/runharvest/internal/progress"
	"github.com/runharvest/runharvest/internal/progress/sinks"
	memorypublisher "github.com/runharvest/runharvest/internal/publisher/memory"
	pubsubpublisher "github.com/runharvest/runharvest/internal/publisher/pubsub"
	"github.com/runharvest/runharvest/internal/queue"
	memoryqueue "github.com/runharvest/runharvest/internal/queue/memory"
	"github.com/runharvest/runharvest/internal/recovery"
	"github.com/runharvest/runharvest/internal/scheduler"
	"github.com/runharvest/runharvest/internal/session"
	"github.com/runharvest/runharvest/internal/storage/gcs"
	"github.com/runharvest/runharvest/internal/storage/local"
	memorystorage "github.com/runharvest/runharvest/internal/storage/memory"
	"github.com/runharvest/runharvest/internal/storage/postgres"
	"github.com/runharvest/runharvest/internal/storage/sqlite"
	"github.com/runharvest/runharvest/internal/store"
	"github.com/runharvest/runharvest/internal/upstream"
)

// Persistence is the full store surface the service needs: the relational
// contract plus the activity repository every provider also implements.
type Persistence interface {
	store.Store
	store.ActivityRepository
}

// App holds the shared, long-lived services of the harvester. It is built
// once at startup and handed to the components that need it; Close tears
// the services down in reverse dependency order.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store     Persistence
	client    *upstream.Client
	queue     capture.Queue
	publisher capture.Publisher
	hub       *progress.Hub
	capturer  *capture.Service
	manager   *poller.Manager
	catalog   *catalog.Service
	scanner   *recovery.Scanner
	sessions  *session.Service
	scheduler *scheduler.Scheduler
	server    *api.Server

	// owned cloud clients, closed on shutdown
	gcsClient    *gcsstorage.Client
	pubsubClient *gcppubsub.Client
}

// New builds the full service graph from cfg. It fails fast: any provider
// that cannot be constructed (bad DSN, missing bucket, absent topic) aborts
// startup instead of limping along without persistence.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}

	st, err := a.buildStore(ctx)
	if err != nil {
		return nil, err
	}
	a.store = st

	artifacts, err := a.buildArtifacts(ctx)
	if err != nil {
		a.store.Close()
		return nil, err
	}

	q, err := a.buildQueue(ctx)
	if err != nil {
		a.closePartial()
		return nil, err
	}
	a.queue = q

	pub, err := a.buildPublisher(ctx)
	if err != nil {
		a.closePartial()
		return nil, err
	}
	a.publisher = pub

	clk := system.New()

	a.client = upstream.New(upstream.Config{
		BaseURL:        cfg.Upstream.BaseURL,
		APIKey:         cfg.Upstream.APIKey,
		StatusTimeout:  cfg.StatusTimeout(),
		DataTimeout:    cfg.DataTimeout(),
		MaxRetries:     cfg.Upstream.MaxRetries,
		BackoffInitial: time.Duration(cfg.Upstream.BackoffInitialMs) * time.Millisecond,
		BackoffMax:     time.Duration(cfg.Upstream.BackoffMaxMs) * time.Millisecond,
		RateLimitRPS:   cfg.Upstream.RateLimitRPS,
		RateLimitBurst: cfg.Upstream.RateLimitBurst,
	}, logger)

	promSink, err := sinks.NewPrometheusSink(nil)
	if err != nil {
		a.closePartial()
		return nil, fmt.Errorf("build prometheus sink: %w", err)
	}
	a.hub = progress.NewHub(progress.Config{
		Buffer:    cfg.Progress.Buffer,
		Batch:     cfg.Progress.Batch,
		FlushWait: time.Duration(cfg.Progress.FlushMs) * time.Millisecond,
		Logger:    logger.Named("progress"),
	},
		sinks.NewLogSink(logger.Named("progress")),
		promSink,
		sinks.NewActivitySink(a.store, logger.Named("progress")),
	)

	fetcher := restfetcher.New(a.client, restfetcher.Config{
		Attempts: cfg.Fetcher.Attempts,
		Backoff:  time.Duration(cfg.Fetcher.BackoffSeconds) * time.Second,
	}, logger)

	a.capturer = capture.New(
		a.store,
		fetcher,
		artifacts,
		a.publisher,
		sha256.New(),
		clk,
		a.hub,
		capture.Config{
			ArchivePrefix: cfg.Artifacts.Prefix,
			Topic:         cfg.Events.PubSub.TopicID,
		},
		logger.Named("capture"),
	)

	a.manager = poller.New(a.client, a.store, a.capturer, a.hub, clk, poller.Config{
		Interval:    cfg.PollInterval(),
		Budget:      cfg.PollBudget(),
		TickRetries: cfg.Poller.TickRetries,
	}, logger)

	a.catalog = catalog.New(a.client, a.store, clk, catalog.Config{
		PageSize: cfg.Catalog.PageSize,
		TTL:      cfg.CatalogTTL(),
	}, logger.Named("catalog"))

	a.scanner = recovery.New(a.client, a.store, a.store, a.capturer, a.hub, clk, logger)

	a.sessions = session.New(a.client, a.store, a.store, a.store, a.queue, a.hub, clk, logger)

	a.scheduler = scheduler.New(a.queue, a.store, a.store, a.manager, a.capturer,
		a.catalog, a.scanner, clk, scheduler.Config{
			SyncSpec:       cfg.Scheduler.SyncSpec,
			RollupSpec:     cfg.Scheduler.RollupSpec,
			RecoverySpec:   cfg.Scheduler.RecoverySpec,
			ResumeInterval: time.Duration(cfg.Scheduler.ResumeIntervalSeconds) * time.Second,
		}, logger)

	a.server = api.NewServer(api.Deps{
		Store:    a.store,
		Activity: a.store,
		Upstream: a.client,
		Manager:  a.manager,
		Queue:    a.queue,
		Catalog:  a.catalog,
		Scanner:  a.scanner,
		Capturer: a.capturer,
		Sessions: a.sessions,
		Emitter:  a.hub,
		Clock:    clk,
		Logger:   logger,
	}, api.Config{
		Timeout:     cfg.RequestTimeout(),
		AuthEnabled: cfg.Auth.Enabled,
		APIKey:      cfg.Auth.APIKey,
	})

	logger.Info("application services initialized",
		zap.String("database", cfg.Database.Provider),
		zap.String("artifacts", cfg.Artifacts.Provider),
		zap.String("queue", cfg.Queue.Provider),
		zap.String("events", cfg.Events.Provider),
	)
	return a, nil
}

// Store exposes the relational store for readiness checks and tests.
func (a *App) Store() Persistence { return a.store }

// Server exposes the HTTP API server.
func (a *App) Server() *api.Server { return a.server }

// Scheduler exposes the background scheduler for lifecycle control.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Manager exposes the poll manager for lifecycle control.
func (a *App) Manager() *poller.Manager { return a.manager }

// Catalog exposes the project catalog sync service.
func (a *App) Catalog() *catalog.Service { return a.catalog }

// Queue exposes the capture task queue.
func (a *App) Queue() capture.Queue { return a.queue }

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

func (a *App) buildStore(ctx context.Context) (Persistence, error) {
	switch a.cfg.Database.Provider {
	case "postgres":
		a.logger.Info("connecting to postgres")
		st, err := postgres.New(ctx, postgres.Config{
			DSN:      a.cfg.Database.Postgres.DSN,
			MaxConns: a.cfg.Database.Postgres.MaxConns,
			MinConns: a.cfg.Database.Postgres.MinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize postgres store: %w", err)
		}
		return st, nil
	case "sqlite":
		a.logger.Info("opening sqlite store", zap.String("path", a.cfg.Database.SQLite.Path))
		st, err := sqlite.New(sqlite.Config{Path: a.cfg.Database.SQLite.Path})
		if err != nil {
			return nil, fmt.Errorf("initialize sqlite store: %w", err)
		}
		return st, nil
	case "memory":
		a.logger.Info("using in-memory store, data will not survive a restart")
		return memorystorage.NewStore(), nil
	default:
		return nil, fmt.Errorf("unknown database provider: %s", a.cfg.Database.Provider)
	}
}

// buildArtifacts returns nil for the noop provider; the capture service
// treats a nil artifact store as archival disabled.
func (a *App) buildArtifacts(ctx context.Context) (capture.ArtifactStore, error) {
	switch a.cfg.Artifacts.Provider {
	case "local":
		bs, err := local.New(local.Config{BaseDir: a.cfg.Artifacts.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("initialize local artifact store: %w", err)
		}
		return bs, nil
	case "gcs":
		client, err := gcsstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		bs, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Artifacts.GCS.Bucket})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("initialize gcs artifact store: %w", err)
		}
		a.gcsClient = client
		a.logger.Info("archiving payloads to gcs", zap.String("bucket", a.cfg.Artifacts.GCS.Bucket))
		return bs, nil
	case "memory":
		return memorystorage.NewBlobStore(), nil
	case "noop":
		a.logger.Info("payload archival disabled")
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown artifacts provider: %s", a.cfg.Artifacts.Provider)
	}
}

func (a *App) buildQueue(ctx context.Context) (capture.Queue, error) {
	switch a.cfg.Queue.Provider {
	case "memory":
		return memoryqueue.NewQueue(a.cfg.Queue.Depth), nil
	case "pubsub":
		if a.cfg.Queue.PubSub.ProjectID == "" || a.cfg.Queue.PubSub.TopicID == "" {
			return nil, fmt.Errorf("queue provider is pubsub but project_id or topic_id is not set")
		}
		a.logger.Info("distributing capture tasks over pubsub",
			zap.String("topic", a.cfg.Queue.PubSub.TopicID))
		q, err := queue.NewPubSubQueue(ctx, queue.PubSubConfig{
			ProjectID:    a.cfg.Queue.PubSub.ProjectID,
			Topic:        a.cfg.Queue.PubSub.TopicID,
			Subscription: a.cfg.Queue.PubSub.SubscriptionID,
			Buffer:       a.cfg.Queue.Depth,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("initialize pubsub queue: %w", err)
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unknown queue provider: %s", a.cfg.Queue.Provider)
	}
}

// buildPublisher returns nil for the noop provider; the capture service
// treats a nil publisher as events disabled.
func (a *App) buildPublisher(ctx context.Context) (capture.Publisher, error) {
	switch a.cfg.Events.Provider {
	case "noop":
		return nil, nil
	case "memory":
		return memorypublisher.New(), nil
	case "pubsub":
		if a.cfg.Events.PubSub.ProjectID == "" || a.cfg.Events.PubSub.TopicID == "" {
			return nil, fmt.Errorf("events provider is pubsub but project_id or topic_id is not set")
		}
		client, err := gcppubsub.NewClient(ctx, a.cfg.Events.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("create pubsub client: %w", err)
		}
		a.pubsubClient = client
		a.logger.Info("publishing run events to pubsub",
			zap.String("topic", a.cfg.Events.PubSub.TopicID))
		return pubsubpublisher.New(client.Topic(a.cfg.Events.PubSub.TopicID)), nil
	default:
		return nil, fmt.Errorf("unknown events provider: %s", a.cfg.Events.Provider)
	}
}

// closePartial releases whatever New managed to construct before failing.
func (a *App) closePartial() {
	if a.queue != nil {
		a.queue.Close()
	}
	if a.gcsClient != nil {
		_ = a.gcsClient.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}

// Close shuts the services down: poll loops first so nothing writes during
// teardown, then the queue, hub and cloud clients, the store last.
func (a *App) Close(ctx context.Context) {
	if err := a.manager.Shutdown(ctx); err != nil {
		a.logger.Warn("poll manager shutdown incomplete", zap.Error(err))
	}
	a.queue.Close()
	if err := a.hub.Close(ctx); err != nil {
		a.logger.Warn("progress hub close failed", zap.Error(err))
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	a.store.Close()
	a.logger.Info("application services shut down")
}
