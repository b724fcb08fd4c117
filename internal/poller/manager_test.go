package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runharvest/runharvest/internal/capture"
	"github.com/runharvest/runharvest/internal/metrics"
	"github.com/runharvest/runharvest/internal/progress"
	"github.com/runharvest/runharvest/internal/storage/memory"
	"github.com/runharvest/runharvest/internal/store"
	"github.com/runharvest/runharvest/internal/upstream"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

const (
	testRunToken     = "ttx8PCDpjuL2"
	testProjectToken = "tAlpxX9PJKub"
)

func newManager(t *testing.T, client StatusClient, capturer Capturer, cfg Config) (*Manager, *memory.Store, *stubEmitter) {
	t.Helper()
	st := memory.NewStore()
	emitter := &stubEmitter{}
	if cfg.Interval == 0 {
		cfg.Interval = time.Millisecond
	}
	mgr := New(client, st, capturer, emitter, nil, cfg, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})
	return mgr, st, emitter
}

func seedRun(t *testing.T, st *memory.Store) store.Run {
	t.Helper()
	err := st.CreateRun(context.Background(), store.Run{
		RunToken:     testRunToken,
		ProjectToken: testProjectToken,
		Status:       store.StatusQueued,
	})
	require.NoError(t, err)
	run, err := st.GetRun(context.Background(), testRunToken)
	require.NoError(t, err)
	return run
}

func waitForExit(t *testing.T, mgr *Manager, runToken string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !mgr.Running(runToken)
	}, 2*time.Second, 2*time.Millisecond, "poll loop did not exit")
}

func statusInfo(status string, pages int64) upstream.RunInfo {
	return upstream.RunInfo{
		RunToken:     testRunToken,
		ProjectToken: testProjectToken,
		Status:       status,
		Pages:        pages,
	}
}

func completeInfo(pages int64) upstream.RunInfo {
	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ended := started.Add(90 * time.Second)
	info := statusInfo("complete", pages)
	info.StartTime = &started
	info.EndTime = &ended
	info.DataReady = true
	return info
}

// TestPollLoopTracksRunToCompletion walks the happy path: queued, running
// twice, then complete, with the capture pipeline invoked right after the
// terminal observation.
func TestPollLoopTracksRunToCompletion(t *testing.T) {
	client := &scriptedClient{replies: []statusReply{
		{info: statusInfo("queued", 0)},
		{info: statusInfo("running", 2)},
		{info: statusInfo("running", 4)},
		{info: completeInfo(5)},
	}}
	capturer := &fakeCapturer{outcome: capture.OutcomeCaptured}
	mgr, st, emitter := newManager(t, client, capturer, Config{})
	run := seedRun(t, st)

	require.True(t, mgr.Start(run))
	waitForExit(t, mgr, testRunToken)

	got, err := st.GetRun(context.Background(), testRunToken)
	require.NoError(t, err)
	require.Equal(t, store.StatusComplete, got.Status)
	require.Equal(t, int64(5), got.Pages)
	require.Equal(t, int64(4), got.LastSeq)
	require.NotNil(t, got.DurationSeconds)
	require.Equal(t, int64(90), *got.DurationSeconds)

	captured := capturer.captured()
	require.Len(t, captured, 1)
	require.Equal(t, testRunToken, captured[0].RunToken)

	done := emitter.doneEvents()
	require.Len(t, done, 1)
	require.Equal(t, string(store.StatusComplete), done[0].Status)
	require.Equal(t, string(capture.OutcomeCaptured), done[0].Note)
	require.Empty(t, client.cancelled())
	require.Equal(t, 0, mgr.Active())
}

// TestPollSeedsSequenceFromStore verifies a resumed loop continues the
// persisted sequence instead of restarting at zero, so its observations
// are not dropped as stale.
func TestPollSeedsSequenceFromStore(t *testing.T) {
	client := &scriptedClient{replies: []statusReply{{info: completeInfo(7)}}}
	capturer := &fakeCapturer{outcome: capture.OutcomeCaptured}
	mgr, st, _ := newManager(t, client, capturer, Config{})
	seedRun(t, st)

	applied, err := st.ApplyStatus(context.Background(), store.StatusUpdate{
		RunToken: testRunToken,
		Seq:      5,
		Status:   store.StatusRunning,
		Pages:    3,
		At:       time.Now().UTC(),
	})
	require.NoError(t, err)
	require.True(t, applied)

	run, err := st.GetRun(context.Background(), testRunToken)
	require.NoError(t, err)
	require.Equal(t, int64(5), run.LastSeq)

	require.True(t, mgr.Start(run))
	waitForExit(t, mgr, testRunToken)

	got, err := st.GetRun(context.Background(), testRunToken)
	require.NoError(t, err)
	require.Equal(t, store.StatusComplete, got.Status)
	require.Equal(t, int64(6), got.LastSeq)
}

// TestTickRetriesTransientErrors confirms a single tick absorbs transient
// upstream failures up to the retry allowance before giving up.
func TestTickRetriesTransientErrors(t *testing.T) {
	client := &scriptedClient{replies: []statusReply{
		{err: &upstream.StatusError{Code: 503, Body: "upstream flaky"}},
		{err: &upstream.StatusError{Code: 502, Body: "bad gateway"}},
		{info: completeInfo(1)},
	}}
	capturer := &fakeCapturer{outcome: capture.OutcomeCaptured}
	mgr, st, _ := newManager(t, client, capturer, Config{TickRetries: 2})
	run := seedRun(t, st)

	require.True(t, mgr.Start(run))
	waitForExit(t, mgr, testRunToken)

	require.Equal(t, 3, client.callCount())
	got, err := st.GetRun(context.Background(), testRunToken)
	require.NoError(t, err)
	require.Equal(t, store.StatusComplete, got.Status)
	require.Equal(t, int64(1), got.LastSeq)
}

// TestTickSkipsOnPermanentError checks a non-retryable failure ends the
// tick without ending the loop; the next interval polls again.
func TestTickSkipsOnPermanentError(t *testing.T) {
	client := &scriptedClient{replies: []statusReply{
		{err: upstream.ErrUnavailable},
		{info: completeInfo(1)},
	}}
	capturer := &fakeCapturer{outcome: capture.OutcomeCaptured}
	mgr, st, _ := newManager(t, client, capturer, Config{TickRetries: 2})
	run := seedRun(t, st)

	require.True(t, mgr.Start(run))
	waitForExit(t, mgr, testRunToken)

	require.Equal(t, 2, client.callCount())
	got, err := st.GetRun(context.Background(), testRunToken)
	require.NoError(t, err)
	require.Equal(t, store.StatusComplete, got.Status)
}

// TestPollBudgetExhausted verifies a loop that never sees a terminal
// status gives up after its budget and leaves the run as last observed.
func TestPollBudgetExhausted(t *testing.T) {
	client := &scriptedClient{replies: []statusReply{{info: statusInfo("running", 2)}}}
	capturer := &fakeCapturer{outcome: capture.OutcomeCaptured}
	mgr, st, emitter := newManager(t, client, capturer, Config{Budget: 25 * time.Millisecond})
	run := seedRun(t, st)

	require.True(t, mgr.Start(run))
	waitForExit(t, mgr, testRunToken)

	got, err := st.GetRun(context.Background(), testRunToken)
	require.NoError(t, err)
	require.Equal(t, store.StatusRunning, got.Status)
	require.Positive(t, got.LastSeq)
	require.Empty(t, capturer.captured())
	require.Empty(t, emitter.doneEvents())
}

// TestCancelStopsLoopAndMarksRun covers operator cancellation: the loop
// stops, the upstream is told, and the run flips to cancelled locally. A
// second cancel is a no-op.
func TestCancelStopsLoopAndMarksRun(t *testing.T) {
	client := &scriptedClient{replies: []statusReply{{info: statusInfo("running", 2)}}}
	capturer := &fakeCapturer{outcome: capture.OutcomeCaptured}
	mgr, st, emitter := newManager(t, client, capturer, Config{})
	run := seedRun(t, st)

	require.True(t, mgr.Start(run))
	require.Eventually(t, func() bool {
		got, err := st.GetRun(context.Background(), testRunToken)
		return err == nil && got.Status == store.StatusRunning
	}, 2*time.Second, 2*time.Millisecond, "first observation never applied")

	require.NoError(t, mgr.Cancel(context.Background(), testRunToken))
	waitForExit(t, mgr, testRunToken)

	got, err := st.GetRun(context.Background(), testRunToken)
	require.NoError(t, err)
	require.Equal(t, store.StatusCancelled, got.Status)
	require.NotNil(t, got.EndedAt)
	require.Equal(t, []string{testRunToken}, client.cancelled())
	require.Empty(t, capturer.captured())

	done := emitter.doneEvents()
	require.Len(t, done, 1)
	require.Equal(t, string(store.StatusCancelled), done[0].Status)

	require.NoError(t, mgr.Cancel(context.Background(), testRunToken))
	require.Equal(t, []string{testRunToken}, client.cancelled())
}

// TestCancelUnknownRun returns not-found so the API can answer 404.
func TestCancelUnknownRun(t *testing.T) {
	client := &scriptedClient{replies: []statusReply{{info: statusInfo("running", 0)}}}
	mgr, _, _ := newManager(t, client, &fakeCapturer{}, Config{})

	err := mgr.Cancel(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Empty(t, client.cancelled())
}

// TestStartIdempotentAndShutdown refuses a second loop for a live token,
// allows a fresh one once the first exits, and shuts down cleanly.
func TestStartIdempotentAndShutdown(t *testing.T) {
	client := &scriptedClient{replies: []statusReply{{info: statusInfo("running", 1)}}}
	capturer := &fakeCapturer{outcome: capture.OutcomeCaptured}
	mgr, st, _ := newManager(t, client, capturer, Config{})
	run := seedRun(t, st)

	require.True(t, mgr.Start(run))
	require.False(t, mgr.Start(run))
	require.Equal(t, 1, mgr.Active())

	require.NoError(t, mgr.Cancel(context.Background(), testRunToken))
	waitForExit(t, mgr, testRunToken)
	require.True(t, mgr.Start(run))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, mgr.Shutdown(ctx))
	require.Equal(t, 0, mgr.Active())
	require.False(t, mgr.Start(run))
}

// TestErrorRunSkipsCapture ends the loop on an upstream error status with
// no data fetch.
func TestErrorRunSkipsCapture(t *testing.T) {
	client := &scriptedClient{replies: []statusReply{
		{info: statusInfo("queued", 0)},
		{info: statusInfo("error", 0)},
	}}
	capturer := &fakeCapturer{outcome: capture.OutcomeCaptured}
	mgr, st, emitter := newManager(t, client, capturer, Config{})
	run := seedRun(t, st)

	require.True(t, mgr.Start(run))
	waitForExit(t, mgr, testRunToken)

	got, err := st.GetRun(context.Background(), testRunToken)
	require.NoError(t, err)
	require.Equal(t, store.StatusError, got.Status)
	require.Empty(t, capturer.captured())

	done := emitter.doneEvents()
	require.Len(t, done, 1)
	require.Equal(t, string(store.StatusError), done[0].Status)
	require.Empty(t, done[0].Note)
}

// TestCompleteRunAlreadyCaptured skips the data fetch when an earlier
// capture already landed, as happens on duplicate queue deliveries.
func TestCompleteRunAlreadyCaptured(t *testing.T) {
	client := &scriptedClient{replies: []statusReply{{info: completeInfo(3)}}}
	capturer := &fakeCapturer{outcome: capture.OutcomeCaptured}
	mgr, st, emitter := newManager(t, client, capturer, Config{})
	run := seedRun(t, st)

	err := st.CaptureRunData(context.Background(), store.Capture{
		RunToken:     testRunToken,
		ProjectToken: testProjectToken,
		Records: []store.Record{
			{Fields: []store.Field{{Key: "name", Value: "widget"}}},
		},
		At: time.Now().UTC(),
	})
	require.NoError(t, err)

	require.True(t, mgr.Start(run))
	waitForExit(t, mgr, testRunToken)

	require.Empty(t, capturer.captured())
	done := emitter.doneEvents()
	require.Len(t, done, 1)
	require.Equal(t, string(store.CaptureCaptured), done[0].Note)
}

type statusReply struct {
	info upstream.RunInfo
	err  error
}

// scriptedClient replays a fixed answer sequence; the last reply repeats
// once the script runs out.
type scriptedClient struct {
	mu      sync.Mutex
	replies []statusReply
	calls   int
	cancels []string
}

func (c *scriptedClient) RunStatus(context.Context, string) (upstream.RunInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.calls
	if idx >= len(c.replies) {
		idx = len(c.replies) - 1
	}
	c.calls++
	reply := c.replies[idx]
	return reply.info, reply.err
}

func (c *scriptedClient) CancelRun(_ context.Context, runToken string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels = append(c.cancels, runToken)
	return nil
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *scriptedClient) cancelled() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cancels...)
}

type fakeCapturer struct {
	mu      sync.Mutex
	runs    []store.Run
	outcome capture.Outcome
	err     error
}

func (f *fakeCapturer) CaptureRun(_ context.Context, run store.Run) (capture.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	return f.outcome, f.err
}

func (f *fakeCapturer) captured() []store.Run {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Run(nil), f.runs...)
}

type stubEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (s *stubEmitter) Emit(evt progress.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *stubEmitter) doneEvents() []progress.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []progress.Event
	for _, evt := range s.events {
		if evt.Stage == progress.StageDone {
			out = append(out, evt)
		}
	}
	return out
}
