package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runharvest/runharvest/internal/capture"
	"github.com/runharvest/runharvest/internal/progress"
	"github.com/runharvest/runharvest/internal/storage/memory"
	"github.com/runharvest/runharvest/internal/store"
	"github.com/runharvest/runharvest/internal/upstream"
)

const (
	projectToken = "tAlpxX9PJKub"
	urlTemplate  = "https://shop.example/catalog?page={page}"
)

type fixedClock struct {
	at time.Time
}

func (c fixedClock) Now() time.Time { return c.at }

func newService(t *testing.T, trigger Trigger) (*Service, *memory.Store, *fakeQueue, *stubEmitter) {
	t.Helper()
	st := memory.NewStore()
	q := &fakeQueue{}
	emitter := &stubEmitter{}
	clock := fixedClock{at: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	svc := New(trigger, st, st, st, q, emitter, clock, nil)
	require.NoError(t, st.UpsertProject(context.Background(), store.Project{
		Token: projectToken,
		Title: "Catalog Watch",
	}))
	return svc, st, q, emitter
}

// TestCreateMintsIDsPerInstance pins session ids to the service instance:
// overriding one service's generator must not bleed into another.
func TestCreateMintsIDsPerInstance(t *testing.T) {
	ctx := context.Background()
	a, _, _, _ := newService(t, &fakeTrigger{})
	b, _, _, _ := newService(t, &fakeTrigger{})
	a.newID = func() string { return "sess-fixed" }

	sessA, err := a.Create(ctx, projectToken, urlTemplate, 1, 5)
	require.NoError(t, err)
	require.Equal(t, "sess-fixed", sessA.ID)

	sessB, err := b.Create(ctx, projectToken, urlTemplate, 1, 5)
	require.NoError(t, err)
	require.NotEmpty(t, sessB.ID)
	require.NotEqual(t, "sess-fixed", sessB.ID)
}

// TestCreateValidatesRequest rejects templates without the page
// placeholder, bad page ranges, and unknown projects.
func TestCreateValidatesRequest(t *testing.T) {
	svc, _, _, _ := newService(t, &fakeTrigger{})
	ctx := context.Background()

	_, err := svc.Create(ctx, projectToken, "https://shop.example/catalog", 1, 5)
	require.ErrorIs(t, err, ErrInvalid)

	_, err = svc.Create(ctx, projectToken, urlTemplate, 0, 5)
	require.ErrorIs(t, err, ErrInvalid)

	_, err = svc.Create(ctx, projectToken, urlTemplate, 6, 5)
	require.ErrorIs(t, err, ErrInvalid)

	_, err = svc.Create(ctx, "unknown", urlTemplate, 1, 5)
	require.ErrorIs(t, err, store.ErrNotFound)
}

// TestCreatePersistsSession stores the cursor at the start page.
func TestCreatePersistsSession(t *testing.T) {
	svc, st, _, _ := newService(t, &fakeTrigger{})

	sess, err := svc.Create(context.Background(), projectToken, urlTemplate, 2, 6)
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)
	require.Equal(t, store.SessionRunning, sess.Status)
	require.Equal(t, int64(2), sess.NextPage)
	require.Equal(t, int64(6), sess.EndPage)

	stored, err := st.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, sess, stored)
}

// TestRunNextIterationAdvancesCursor walks a two-page session to
// completion: each iteration renders the page URL, records the run,
// enqueues it for polling and advances the cursor.
func TestRunNextIterationAdvancesCursor(t *testing.T) {
	trigger := &fakeTrigger{}
	svc, st, q, emitter := newService(t, trigger)
	ctx := context.Background()

	sess, err := svc.Create(ctx, projectToken, urlTemplate, 3, 4)
	require.NoError(t, err)

	first, err := svc.RunNextIteration(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), first.Iteration)
	require.Equal(t, int64(3), first.Page)
	require.Equal(t, "run-1", first.RunToken)
	require.Equal(t, []string{"https://shop.example/catalog?page=3"}, trigger.urls())

	mid, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, int64(4), mid.NextPage)
	require.Equal(t, store.SessionRunning, mid.Status)

	run, err := st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, store.StatusQueued, run.Status)
	require.Equal(t, projectToken, run.ProjectToken)

	second, err := svc.RunNextIteration(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), second.Iteration)
	require.Equal(t, int64(4), second.Page)

	done, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, store.SessionComplete, done.Status)
	require.Equal(t, int64(5), done.NextPage)

	_, err = svc.RunNextIteration(ctx, sess.ID)
	require.ErrorIs(t, err, ErrExhausted)

	tasks := q.all()
	require.Len(t, tasks, 2)
	require.Equal(t, "run-1", tasks[0].RunToken)
	require.Equal(t, projectToken, tasks[0].ProjectToken)

	triggers := emitter.triggerEvents()
	require.Len(t, triggers, 2)
	require.Equal(t, "session page 3", triggers[0].Note)

	_, iterations, err := svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, iterations, 2)
	require.Equal(t, store.StatusQueued, iterations[0].Status)
}

// TestRunNextIterationConcurrentCallsShareResult verifies the in-flight
// guard: two simultaneous calls produce one upstream trigger and both see
// the same iteration.
func TestRunNextIterationConcurrentCallsShareResult(t *testing.T) {
	trigger := &fakeTrigger{
		started: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
	svc, _, q, _ := newService(t, trigger)
	ctx := context.Background()

	sess, err := svc.Create(ctx, projectToken, urlTemplate, 1, 10)
	require.NoError(t, err)

	type result struct {
		it  store.SessionIteration
		err error
	}
	results := make(chan result, 2)
	go func() {
		it, err := svc.RunNextIteration(ctx, sess.ID)
		results <- result{it, err}
	}()
	<-trigger.started
	go func() {
		it, err := svc.RunNextIteration(ctx, sess.ID)
		results <- result{it, err}
	}()
	// Give the second call time to reach the in-flight guard before the
	// first is released.
	time.Sleep(100 * time.Millisecond)
	close(trigger.gate)

	a := <-results
	b := <-results
	require.NoError(t, a.err)
	require.NoError(t, b.err)
	require.Equal(t, a.it, b.it)
	require.Equal(t, int64(1), a.it.Page)
	require.Equal(t, 1, trigger.count())
	require.Len(t, q.all(), 1)
}

// TestRunNextIterationTriggerFailure leaves the cursor in place so the
// page can be retried.
func TestRunNextIterationTriggerFailure(t *testing.T) {
	trigger := &fakeTrigger{err: errors.New("upstream: status 503: overloaded")}
	svc, st, q, _ := newService(t, trigger)
	ctx := context.Background()

	sess, err := svc.Create(ctx, projectToken, urlTemplate, 1, 3)
	require.NoError(t, err)

	_, err = svc.RunNextIteration(ctx, sess.ID)
	require.Error(t, err)

	after, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), after.NextPage)
	require.Equal(t, store.SessionRunning, after.Status)
	require.Empty(t, q.all())

	iterations, err := st.ListIterations(ctx, sess.ID)
	require.NoError(t, err)
	require.Empty(t, iterations)
}

// TestRunNextIterationUnknownSession surfaces not-found for the API.
func TestRunNextIterationUnknownSession(t *testing.T) {
	svc, _, _, _ := newService(t, &fakeTrigger{})

	_, err := svc.RunNextIteration(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

type fakeTrigger struct {
	mu    sync.Mutex
	calls []string
	next  int
	err   error

	// started signals that a call reached the trigger; gate, when set,
	// blocks the call until closed.
	started chan struct{}
	gate    chan struct{}
}

func (f *fakeTrigger) TriggerRun(_ context.Context, projectToken, startURL string) (upstream.RunInfo, error) {
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return upstream.RunInfo{}, f.err
	}
	f.next++
	f.calls = append(f.calls, startURL)
	return upstream.RunInfo{
		RunToken:     fmt.Sprintf("run-%d", f.next),
		ProjectToken: projectToken,
		Status:       "queued",
	}, nil
}

func (f *fakeTrigger) urls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTrigger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next
}

type fakeQueue struct {
	mu    sync.Mutex
	tasks []capture.Task
	err   error
}

func (q *fakeQueue) Enqueue(_ context.Context, task capture.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *fakeQueue) all() []capture.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]capture.Task(nil), q.tasks...)
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

func (s *stubEmitter) triggerEvents() []progress.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []progress.Event
	for _, evt := range s.events {
		if evt.Stage == progress.StageTrigger {
			out = append(out, evt)
		}
	}
	return out
}
