// Package poller drives the status loops that track live upstream runs.
// The manager owns one goroutine per tracked run; each loop polls the
// upstream status endpoint, applies sequenced observations to the store
// and hands completed runs to the capture pipeline.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/runharvest/runharvest/internal/capture"
	"github.com/runharvest/runharvest/internal/metrics"
	"github.com/runharvest/runharvest/internal/progress"
	"github.com/runharvest/runharvest/internal/store"
	"github.com/runharvest/runharvest/internal/upstream"
)

// StatusClient is the slice of the upstream API the poller needs: status
// reads for the tick loop and cancellation for operator aborts.
type StatusClient interface {
	RunStatus(ctx context.Context, runToken string) (upstream.RunInfo, error)
	CancelRun(ctx context.Context, runToken string) error
}

// Capturer runs the fetch, normalize and persist pipeline for a run that
// reached the complete status.
type Capturer interface {
	CaptureRun(ctx context.Context, run store.Run) (capture.Outcome, error)
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config bounds the poll loops.
type Config struct {
	// Interval is the pause between status ticks.
	Interval time.Duration

	// Budget caps how long a single run is polled. A loop that exhausts
	// its budget exits without touching the run; the recovery scanner
	// picks the run up later.
	Budget time.Duration

	// TickRetries is how many extra status attempts one tick makes on
	// transient upstream errors before skipping to the next interval.
	TickRetries int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.Budget <= 0 {
		c.Budget = time.Hour
	}
	if c.TickRetries < 0 {
		c.TickRetries = 0
	}
	return c
}

type loopHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager tracks the set of live poll loops, one per run token. Start is
// idempotent per token, so duplicate queue deliveries and resume passes
// never race two loops over the same run.
type Manager struct {
	client   StatusClient
	runs     store.RunStore
	capturer Capturer
	emitter  progress.Emitter
	clock    Clock
	cfg      Config
	logger   *zap.Logger

	mu     sync.Mutex
	loops  map[string]*loopHandle
	closed bool
	wg     sync.WaitGroup
}

// New wires a poll manager. The emitter may be nil when progress events
// are disabled.
func New(client StatusClient, runs store.RunStore, capturer Capturer, emitter progress.Emitter, clock Clock, cfg Config, logger *zap.Logger) *Manager {
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		client:   client,
		runs:     runs,
		capturer: capturer,
		emitter:  emitter,
		clock:    clock,
		cfg:      cfg.withDefaults(),
		logger:   logger.Named("poller"),
		loops:    make(map[string]*loopHandle),
	}
}

// Start launches a poll loop for the run. It reports false when a loop is
// already tracking the token or the manager is shutting down. The loop
// seeds its sequence counter from the run's persisted LastSeq, so resumed
// runs keep monotonic ordering across restarts.
func (m *Manager) Start(run store.Run) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	if _, live := m.loops[run.RunToken]; live {
		m.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	handle := &loopHandle{cancel: cancel, done: make(chan struct{})}
	m.loops[run.RunToken] = handle
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(handle.done)
		defer m.drop(run.RunToken)
		m.poll(ctx, run)
	}()
	return true
}

// Cancel aborts a run: it stops the live loop if one exists, asks the
// upstream to cancel best-effort, and marks the run cancelled locally
// regardless of the upstream answer. Unknown tokens return
// store.ErrNotFound. Cancelling an already terminal run is a no-op.
func (m *Manager) Cancel(ctx context.Context, runToken string) error {
	current, err := m.runs.GetRun(ctx, runToken)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}

	m.mu.Lock()
	handle := m.loops[runToken]
	m.mu.Unlock()
	if handle != nil {
		handle.cancel()
	}

	if current.Status.Terminal() {
		return nil
	}

	if err := m.client.CancelRun(ctx, runToken); err != nil {
		m.logger.Warn("upstream cancel failed, marking locally anyway",
			zap.String("run_token", runToken), zap.Error(err))
	}

	now := m.clock.Now()
	if err := m.runs.FinishRun(ctx, runToken, store.StatusCancelled, now, ""); err != nil {
		return fmt.Errorf("mark run cancelled: %w", err)
	}

	metrics.ObserveRunFinished(string(store.StatusCancelled))
	m.emit(progress.Event{
		RunToken:     runToken,
		ProjectToken: current.ProjectToken,
		TS:           now,
		Stage:        progress.StageDone,
		Status:       string(store.StatusCancelled),
	})
	m.logger.Info("run cancelled",
		zap.String("run_token", runToken),
		zap.String("project_token", current.ProjectToken))
	return nil
}

// Running reports whether a loop is live for the token.
func (m *Manager) Running(runToken string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, live := m.loops[runToken]
	return live
}

// Active returns the number of live loops.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.loops)
}

// Shutdown cancels every loop and waits for them to unwind, bounded by
// ctx. New Start calls are refused once shutdown begins.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, handle := range m.loops {
		handle.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("poller shutdown: %w", ctx.Err())
	}
}

func (m *Manager) drop(runToken string) {
	m.mu.Lock()
	delete(m.loops, runToken)
	m.mu.Unlock()
}

func (m *Manager) emit(evt progress.Event) {
	if m.emitter == nil {
		return
	}
	m.emitter.Emit(evt)
}
