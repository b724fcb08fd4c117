// Package app_test exercises service graph construction.
package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/runharvest/runharvest/internal/app"
	"github.com/runharvest/runharvest/internal/config"
)

// memoryConfig returns a config that needs no external services.
func memoryConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 8080, RequestTimeoutSeconds: 60},
		Upstream: config.UpstreamConfig{
			BaseURL:              "https://upstream.test/api/v2",
			APIKey:               "test-key",
			StatusTimeoutSeconds: 5,
			DataTimeoutSeconds:   15,
		},
		Poller:    config.PollerConfig{IntervalSeconds: 5, BudgetSeconds: 60, TickRetries: 2},
		Fetcher:   config.FetcherConfig{Attempts: 3, BackoffSeconds: 1},
		Database:  config.DatabaseConfig{Provider: "memory"},
		Artifacts: config.ArtifactsConfig{Provider: "memory", Prefix: "runs"},
		Queue:     config.QueueConfig{Provider: "memory", Depth: 8},
		Events:    config.EventsConfig{Provider: "memory"},
		Catalog:   config.CatalogConfig{PageSize: 20, CacheTTLSeconds: 300},
	}
}

func TestNewWiresMemoryProviders(t *testing.T) {
	a, err := app.New(context.Background(), memoryConfig(), zap.NewNop())
	require.NoError(t, err)

	assert.NotNil(t, a.Store())
	assert.NotNil(t, a.Server())
	assert.NotNil(t, a.Scheduler())
	assert.NotNil(t, a.Manager())
	assert.NotNil(t, a.Catalog())
	assert.NotNil(t, a.Queue())

	require.NoError(t, a.Store().Ping(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	a.Close(ctx)
}

func TestNewRejectsUnknownDatabaseProvider(t *testing.T) {
	cfg := memoryConfig()
	cfg.Database.Provider = "oracle"

	_, err := app.New(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown database provider")
}

func TestNewRejectsUnknownArtifactsProvider(t *testing.T) {
	cfg := memoryConfig()
	cfg.Artifacts.Provider = "tape"

	_, err := app.New(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown artifacts provider")
}

func TestNewRequiresPubSubQueueSettings(t *testing.T) {
	cfg := memoryConfig()
	cfg.Queue.Provider = "pubsub"

	_, err := app.New(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "project_id or topic_id")
}

func TestNewRequiresPubSubEventSettings(t *testing.T) {
	cfg := memoryConfig()
	cfg.Events.Provider = "pubsub"

	_, err := app.New(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "project_id or topic_id")
}
