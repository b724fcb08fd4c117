package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/runharvest/runharvest/internal/store"
)

func TestRunLifecycle(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	created := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

	run := store.Run{
		RunToken:     "run-1",
		ProjectToken: "proj-1",
		Status:       store.StatusQueued,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.CaptureState != store.CapturePending || got.LastSeq != 0 {
		t.Fatalf("expected fresh capture bookkeeping, got %+v", got)
	}

	started := created.Add(time.Minute)
	applied, err := s.ApplyStatus(ctx, store.StatusUpdate{
		RunToken:  "run-1",
		Seq:       5,
		Status:    store.StatusRunning,
		Pages:     12,
		StartedAt: &started,
		At:        started,
	})
	if err != nil || !applied {
		t.Fatalf("ApplyStatus(seq=5) = %v, %v, want applied", applied, err)
	}

	// A slower poll tick arriving out of order must not regress the row.
	stale, err := s.ApplyStatus(ctx, store.StatusUpdate{
		RunToken: "run-1",
		Seq:      3,
		Status:   store.StatusQueued,
		At:       started,
	})
	if err != nil || stale {
		t.Fatalf("ApplyStatus(seq=3) = %v, %v, want stale no-op", stale, err)
	}
	got, _ = s.GetRun(ctx, "run-1")
	if got.Status != store.StatusRunning || got.Pages != 12 || got.LastSeq != 5 {
		t.Fatalf("stale update changed the run: %+v", got)
	}

	ended := started.Add(90 * time.Second)
	applied, err = s.ApplyStatus(ctx, store.StatusUpdate{
		RunToken:  "run-1",
		Seq:       6,
		Status:    store.StatusComplete,
		Pages:     20,
		StartedAt: &started,
		EndedAt:   &ended,
		At:        ended,
	})
	if err != nil || !applied {
		t.Fatalf("ApplyStatus(seq=6) = %v, %v, want applied", applied, err)
	}
	got, _ = s.GetRun(ctx, "run-1")
	if got.DurationSeconds == nil || *got.DurationSeconds != 90 {
		t.Fatalf("expected derived duration 90s, got %+v", got.DurationSeconds)
	}

	// Terminal runs are sticky: later sequences and FinishRun are no-ops.
	applied, err = s.ApplyStatus(ctx, store.StatusUpdate{
		RunToken: "run-1",
		Seq:      7,
		Status:   store.StatusRunning,
		At:       ended,
	})
	if err != nil || applied {
		t.Fatalf("ApplyStatus after terminal = %v, %v, want no-op", applied, err)
	}
	if err := s.FinishRun(ctx, "run-1", store.StatusCancelled, ended, "late cancel"); err != nil {
		t.Fatalf("FinishRun on terminal run error = %v", err)
	}
	got, _ = s.GetRun(ctx, "run-1")
	if got.Status != store.StatusComplete {
		t.Fatalf("FinishRun overwrote terminal status: %+v", got)
	}

	if _, err := s.ApplyStatus(ctx, store.StatusUpdate{RunToken: "missing", Seq: 1}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("ApplyStatus(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetRun(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetRun(missing) error = %v, want ErrNotFound", err)
	}
}

func TestCreateRunRefreshKeepsCaptureBookkeeping(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	created := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

	run := store.Run{
		RunToken:     "run-1",
		ProjectToken: "proj-1",
		Status:       store.StatusQueued,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	if _, err := s.ApplyStatus(ctx, store.StatusUpdate{
		RunToken: "run-1",
		Seq:      3,
		Status:   store.StatusRunning,
		Pages:    4,
		At:       created.Add(time.Minute),
	}); err != nil {
		t.Fatalf("ApplyStatus() error = %v", err)
	}

	// A catalog re-sync reports the run again; the refresh must not reset
	// the poll cursor or capture state.
	refresh := run
	refresh.Status = store.StatusRunning
	refresh.Pages = 6
	refresh.UpdatedAt = created.Add(2 * time.Minute)
	if err := s.CreateRun(ctx, refresh); err != nil {
		t.Fatalf("CreateRun(refresh) error = %v", err)
	}
	got, _ := s.GetRun(ctx, "run-1")
	if got.LastSeq != 3 || got.CaptureState != store.CapturePending {
		t.Fatalf("refresh reset bookkeeping: %+v", got)
	}
	if got.Pages != 6 {
		t.Fatalf("refresh did not apply reported pages: %+v", got)
	}

	ended := created.Add(time.Hour)
	if err := s.FinishRun(ctx, "run-1", store.StatusError, ended, "gave up"); err != nil {
		t.Fatalf("FinishRun() error = %v", err)
	}
	// Terminal runs ignore later catalog refreshes entirely.
	refresh.Status = store.StatusQueued
	if err := s.CreateRun(ctx, refresh); err != nil {
		t.Fatalf("CreateRun(terminal refresh) error = %v", err)
	}
	got, _ = s.GetRun(ctx, "run-1")
	if got.Status != store.StatusError || got.CaptureNote != "gave up" {
		t.Fatalf("terminal refresh changed the run: %+v", got)
	}
}

func TestCaptureRunDataReplacesRecords(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	at := time.Date(2026, 2, 11, 8, 0, 0, 0, time.UTC)

	if err := s.CreateRun(ctx, store.Run{RunToken: "run-1", ProjectToken: "proj-1", Status: store.StatusComplete, CreatedAt: at}); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	first := store.Capture{
		RunToken:     "run-1",
		ProjectToken: "proj-1",
		Records: []store.Record{
			{Fields: []store.Field{{Key: "name", Value: "alpha"}}},
			{Fields: []store.Field{{Key: "name", Value: "beta"}}},
			{Fields: []store.Field{{Key: "name", Value: "gamma"}}},
		},
		DataRef: "memory://runs/run-1/data.csv",
		At:      at,
	}
	if err := s.CaptureRunData(ctx, first); err != nil {
		t.Fatalf("CaptureRunData() error = %v", err)
	}

	second := first
	second.Records = first.Records[:1]
	second.Note = "refetched"
	second.At = at.Add(time.Hour)
	if err := s.CaptureRunData(ctx, second); err != nil {
		t.Fatalf("CaptureRunData(refetch) error = %v", err)
	}
	run, _ := s.GetRun(ctx, "run-1")
	if run.RecordsCount != 1 || run.CaptureState != store.CaptureCaptured || run.CaptureNote != "refetched" {
		t.Fatalf("refetch did not replace capture bookkeeping: %+v", run)
	}

	records, err := s.ListRecords(ctx, "run-1", 0, 0)
	if err != nil || len(records) != 1 {
		t.Fatalf("ListRecords() = %v, %v, want one record", records, err)
	}
	records[0].Fields[0].Value = "mutated"
	if s.records["run-1"][0].Fields[0].Value != "alpha" {
		t.Fatal("expected ListRecords to return copies")
	}

	if err := s.CaptureRunData(ctx, store.Capture{RunToken: "missing", At: at}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("CaptureRunData(missing) error = %v, want ErrNotFound", err)
	}
}

func TestListRecordsWindow(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	at := time.Date(2026, 2, 11, 8, 0, 0, 0, time.UTC)

	if err := s.CreateRun(ctx, store.Run{RunToken: "run-1", ProjectToken: "proj-1", Status: store.StatusComplete, CreatedAt: at}); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	c := store.Capture{RunToken: "run-1", At: at}
	for i := 0; i < 5; i++ {
		c.Records = append(c.Records, store.Record{Fields: []store.Field{{Key: "n", Value: string(rune('a' + i))}}})
	}
	if err := s.CaptureRunData(ctx, c); err != nil {
		t.Fatalf("CaptureRunData() error = %v", err)
	}

	page, err := s.ListRecords(ctx, "run-1", 2, 1)
	if err != nil {
		t.Fatalf("ListRecords() error = %v", err)
	}
	if len(page) != 2 || page[0].Index != 1 || page[1].Index != 2 {
		t.Fatalf("unexpected window: %+v", page)
	}
	if tail, _ := s.ListRecords(ctx, "run-1", 10, 4); len(tail) != 1 || tail[0].Index != 4 {
		t.Fatalf("unexpected tail window: %+v", tail)
	}
	if none, _ := s.ListRecords(ctx, "run-1", 2, 9); none != nil {
		t.Fatalf("expected empty window past the end, got %+v", none)
	}
}

func TestProjectAnalytics(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	base := time.Date(2026, 2, 12, 6, 0, 0, 0, time.UTC)

	addRun := func(token string, status store.RunStatus, pages, records int64, start time.Time, dur int64) {
		end := start.Add(time.Duration(dur) * time.Second)
		if err := s.CreateRun(ctx, store.Run{
			RunToken:     token,
			ProjectToken: "proj-1",
			Status:       status,
			Pages:        pages,
			StartedAt:    &start,
			EndedAt:      &end,
			CreatedAt:    start,
		}); err != nil {
			t.Fatalf("CreateRun(%s) error = %v", token, err)
		}
		if records > 0 {
			if err := s.CaptureRunData(ctx, store.Capture{
				RunToken: token,
				Records:  make([]store.Record, records),
				At:       end,
			}); err != nil {
				t.Fatalf("CaptureRunData(%s) error = %v", token, err)
			}
		}
	}
	addRun("run-1", store.StatusComplete, 10, 3, base, 60)
	addRun("run-2", store.StatusComplete, 20, 5, base.Add(time.Hour), 120)
	addRun("run-3", store.StatusError, 2, 0, base.Add(2*time.Hour), 30)

	a, err := s.ProjectAnalytics(ctx, "proj-1")
	if err != nil {
		t.Fatalf("ProjectAnalytics() error = %v", err)
	}
	if a.TotalRuns != 3 || a.CompletedRuns != 2 || a.TotalPages != 32 || a.TotalRecords != 8 {
		t.Fatalf("unexpected aggregates: %+v", a)
	}
	if a.AvgDurationSeconds != 70 {
		t.Fatalf("AvgDurationSeconds = %v, want 70", a.AvgDurationSeconds)
	}
	if a.LastRun == nil || a.LastRun.RunToken != "run-3" {
		t.Fatalf("unexpected last run: %+v", a.LastRun)
	}

	empty, err := s.ProjectAnalytics(ctx, "proj-none")
	if err != nil {
		t.Fatalf("ProjectAnalytics(empty) error = %v", err)
	}
	if empty.TotalRuns != 0 || empty.LastRun != nil {
		t.Fatalf("expected zero analytics for unknown project, got %+v", empty)
	}
}

func TestDailyMetricsRollup(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	day1 := time.Date(2026, 2, 12, 10, 30, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	dur := int64(45)
	seed := []store.Run{
		{RunToken: "run-1", ProjectToken: "proj-1", Status: store.StatusComplete, Pages: 5, StartedAt: &day1, DurationSeconds: &dur, CreatedAt: day1},
		{RunToken: "run-2", ProjectToken: "proj-1", Status: store.StatusComplete, Pages: 7, StartedAt: &day1, CreatedAt: day1},
		{RunToken: "run-3", ProjectToken: "proj-1", Status: store.StatusComplete, Pages: 9, StartedAt: &day2, CreatedAt: day2},
		{RunToken: "run-4", ProjectToken: "proj-2", Status: store.StatusError, Pages: 1, StartedAt: &day1, CreatedAt: day1},
	}
	for _, r := range seed {
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun(%s) error = %v", r.RunToken, err)
		}
	}

	if err := s.RecomputeDailyMetrics(ctx, day1); err != nil {
		t.Fatalf("RecomputeDailyMetrics() error = %v", err)
	}
	metrics, err := s.ListDailyMetrics(ctx, "proj-1", day1, day2)
	if err != nil {
		t.Fatalf("ListDailyMetrics() error = %v", err)
	}
	if len(metrics) != 1 {
		t.Fatalf("expected one rollup row (day2 not recomputed), got %+v", metrics)
	}
	m := metrics[0]
	if m.RunsCount != 2 || m.TotalPages != 12 || m.AvgDurationSeconds != 45 {
		t.Fatalf("unexpected rollup: %+v", m)
	}
	if !m.Day.Equal(time.Date(2026, 2, 12, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("rollup day not normalized to UTC midnight: %v", m.Day)
	}

	// Recompute is idempotent, not additive.
	if err := s.RecomputeDailyMetrics(ctx, day1); err != nil {
		t.Fatalf("RecomputeDailyMetrics(again) error = %v", err)
	}
	metrics, _ = s.ListDailyMetrics(ctx, "proj-1", day1, day1)
	if len(metrics) != 1 || metrics[0].RunsCount != 2 {
		t.Fatalf("recompute doubled the rollup: %+v", metrics)
	}
}

func TestUnfinishedAndActiveRuns(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	base := time.Date(2026, 2, 13, 7, 0, 0, 0, time.UTC)
	later := base.Add(time.Hour)

	seed := []store.Run{
		{RunToken: "run-old", ProjectToken: "proj-1", Status: store.StatusRunning, StartedAt: &base, CreatedAt: base},
		{RunToken: "run-new", ProjectToken: "proj-1", Status: store.StatusQueued, CreatedAt: later},
		{RunToken: "run-done", ProjectToken: "proj-1", Status: store.StatusComplete, CreatedAt: base},
		{RunToken: "run-err", ProjectToken: "proj-1", Status: store.StatusError, CreatedAt: base},
	}
	for _, r := range seed {
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun(%s) error = %v", r.RunToken, err)
		}
	}

	// run-done is complete but still pending capture, so the resume sweep
	// must pick it up alongside the live runs.
	unfinished, err := s.ListUnfinishedRuns(ctx)
	if err != nil {
		t.Fatalf("ListUnfinishedRuns() error = %v", err)
	}
	if len(unfinished) != 3 {
		t.Fatalf("expected 3 unfinished runs, got %+v", unfinished)
	}
	if unfinished[len(unfinished)-1].RunToken != "run-new" {
		t.Fatalf("expected oldest-first ordering, got %+v", unfinished)
	}

	active, err := s.FindActiveRun(ctx, "proj-1")
	if err != nil {
		t.Fatalf("FindActiveRun() error = %v", err)
	}
	if active.RunToken != "run-new" {
		t.Fatalf("FindActiveRun() = %+v, want newest live run", active)
	}
	if _, err := s.FindActiveRun(ctx, "proj-idle"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("FindActiveRun(idle) error = %v, want ErrNotFound", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	at := time.Date(2026, 2, 14, 9, 0, 0, 0, time.UTC)

	sess := store.Session{
		ID:           "sess-1",
		ProjectToken: "proj-1",
		URLTemplate:  "https://shop.example/catalog?page={page}",
		NextPage:     1,
		EndPage:      3,
		Status:       store.SessionRunning,
		CreatedAt:    at,
		UpdatedAt:    at,
	}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := s.CreateSession(ctx, sess); err == nil {
		t.Fatal("expected duplicate session error")
	}

	if err := s.CreateRun(ctx, store.Run{RunToken: "run-p1", ProjectToken: "proj-1", Status: store.StatusComplete, CreatedAt: at}); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	if err := s.CaptureRunData(ctx, store.Capture{
		RunToken: "run-p1",
		Records:  []store.Record{{Fields: []store.Field{{Key: "sku", Value: "1"}}}},
		At:       at,
	}); err != nil {
		t.Fatalf("CaptureRunData() error = %v", err)
	}
	if err := s.AddIteration(ctx, store.SessionIteration{
		SessionID: "sess-1",
		Iteration: 1,
		RunToken:  "run-p1",
		Page:      1,
		CreatedAt: at,
	}); err != nil {
		t.Fatalf("AddIteration() error = %v", err)
	}

	sess.NextPage = 2
	sess.UpdatedAt = at.Add(time.Minute)
	if err := s.UpdateSession(ctx, sess); err != nil {
		t.Fatalf("UpdateSession() error = %v", err)
	}
	got, err := s.GetSession(ctx, "sess-1")
	if err != nil || got.NextPage != 2 {
		t.Fatalf("GetSession() = %+v, %v, want advanced cursor", got, err)
	}

	its, err := s.ListIterations(ctx, "sess-1")
	if err != nil || len(its) != 1 {
		t.Fatalf("ListIterations() = %+v, %v", its, err)
	}
	if its[0].Status != store.StatusComplete || its[0].RecordsCount != 1 {
		t.Fatalf("iteration did not join live run state: %+v", its[0])
	}

	if err := s.UpdateSession(ctx, store.Session{ID: "missing"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("UpdateSession(missing) error = %v, want ErrNotFound", err)
	}
}

func TestActivityCounters(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	at := time.Date(2026, 2, 15, 11, 0, 0, 0, time.UTC)

	if err := s.UpsertActivity(ctx, "run-1", "poll", 1, 0, 0, "started", at); err != nil {
		t.Fatalf("UpsertActivity() error = %v", err)
	}
	if err := s.UpsertActivity(ctx, "run-1", "poll", 2, 0, 0, "", at.Add(time.Minute)); err != nil {
		t.Fatalf("UpsertActivity(increment) error = %v", err)
	}
	if err := s.UpsertActivity(ctx, "run-1", "capture", 1, 2048, 17, "stored", at.Add(2*time.Minute)); err != nil {
		t.Fatalf("UpsertActivity(capture) error = %v", err)
	}

	acts, err := s.ListRunActivity(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListRunActivity() error = %v", err)
	}
	if len(acts) != 2 || acts[0].Stage != "capture" {
		t.Fatalf("expected capture stage first (most recent), got %+v", acts)
	}
	var poll store.Activity
	for _, a := range acts {
		if a.Stage == "poll" {
			poll = a
		}
	}
	if poll.Attempts != 3 || poll.LastNote != "started" {
		t.Fatalf("poll counters did not accumulate: %+v", poll)
	}
	if acts[0].Bytes != 2048 || acts[0].Records != 17 {
		t.Fatalf("capture counters wrong: %+v", acts[0])
	}
}
