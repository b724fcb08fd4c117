package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/runharvest/runharvest/internal/metrics"
	"github.com/runharvest/runharvest/internal/store"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

func testClient(t *testing.T, ts *httptest.Server, retries int) *Client {
	t.Helper()
	return New(Config{
		BaseURL:        ts.URL,
		APIKey:         "test-key",
		StatusTimeout:  2 * time.Second,
		DataTimeout:    2 * time.Second,
		MaxRetries:     retries,
		BackoffInitial: time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
	}, zap.NewNop())
}

func TestRunDataAddressedByRunTokenOnly(t *testing.T) {
	t.Parallel()

	var gotPath, gotFormat, gotKey string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotFormat = r.URL.Query().Get("format")
		gotKey = r.URL.Query().Get("api_key")
		_, _ = w.Write([]byte("name,price\nwidget,1"))
	}))
	defer ts.Close()

	c := testClient(t, ts, 0)
	body, err := c.RunData(context.Background(), "trun1", "csv")
	require.NoError(t, err)
	require.Equal(t, "name,price\nwidget,1", string(body))
	require.Equal(t, "/runs/trun1/data", gotPath)
	require.Equal(t, "csv", gotFormat)
	require.Equal(t, "test-key", gotKey)
}

func TestRunDataUnavailable(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer ts.Close()

	c := testClient(t, ts, 2)
	_, err := c.RunData(context.Background(), "gone", "csv")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestRejectedNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer ts.Close()

	c := testClient(t, ts, 3)
	_, err := c.RunStatus(context.Background(), "r1")
	require.ErrorIs(t, err, ErrRejected)
	require.Equal(t, int32(1), calls.Load(), "auth failures must not be retried")
}

func TestTransientRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "flaky", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"run_token":"r1","status":"running","pages":4}`))
	}))
	defer ts.Close()

	c := testClient(t, ts, 2)
	info, err := c.RunStatus(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, int32(3), calls.Load())
	require.Equal(t, "running", info.Status)
	require.Equal(t, int64(4), info.Pages)
}

func TestTriggerRunTokenAlias(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/projects/proj1/run", r.URL.Path)
		require.Equal(t, "https://shop.test/page/3", r.URL.Query().Get("start_url"))
		_, _ = w.Write([]byte(`{"token":"newrun"}`))
	}))
	defer ts.Close()

	c := testClient(t, ts, 0)
	info, err := c.TriggerRun(context.Background(), "proj1", "https://shop.test/page/3")
	require.NoError(t, err)
	require.Equal(t, "newrun", info.RunToken)
	require.Equal(t, "proj1", info.ProjectToken)
	require.Equal(t, store.StatusQueued, MapStatus(info.Status))
}

func TestTriggerRunMissingToken(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	c := testClient(t, ts, 0)
	_, err := c.TriggerRun(context.Background(), "proj1", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no run token")
}

func TestListProjectsDecodes(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "20", r.URL.Query().Get("offset"))
		_, _ = w.Write([]byte(`{
			"projects": [
				{"token":"p1","title":"Shoes","owner_email":"ops@shop.test","main_site":"https://shop.test",
				 "last_run":{"run_token":"r9","status":"complete","pages":12,"start_time":"2026-08-20T10:00:00Z","end_time":"2026-08-20T10:05:00Z","data_ready":1}},
				{"token":"p2","title":"Books"}
			],
			"total_projects": 42
		}`))
	}))
	defer ts.Close()

	c := testClient(t, ts, 0)
	page, err := c.ListProjects(context.Background(), 20, 20)
	require.NoError(t, err)
	require.Equal(t, 42, page.TotalProjects)
	require.Len(t, page.Projects, 2)

	first := page.Projects[0]
	require.Equal(t, "p1", first.Token)
	require.Equal(t, "Shoes", first.Title)
	require.NotNil(t, first.LastRun)
	require.True(t, first.LastRun.DataReady)
	require.NotNil(t, first.LastRun.StartTime)
	require.Equal(t, 2026, first.LastRun.StartTime.Year())

	require.Nil(t, page.Projects[1].LastRun)
}

func TestRunStatusParsesNaiveTimestamps(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"run_token":"r1","status":"complete","start_time":"2026-08-20T10:00:00","end_time":""}`))
	}))
	defer ts.Close()

	c := testClient(t, ts, 0)
	info, err := c.RunStatus(context.Background(), "r1")
	require.NoError(t, err)
	require.NotNil(t, info.StartTime)
	require.Nil(t, info.EndTime)
}

func TestCancelRun(t *testing.T) {
	t.Parallel()

	var gotMethod, gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	c := testClient(t, ts, 0)
	require.NoError(t, c.CancelRun(context.Background(), "r77"))
	require.Equal(t, http.MethodPost, gotMethod)
	require.Equal(t, "/runs/r77/cancel", gotPath)
}

func TestListRunsNewestFirstPassthrough(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/projects/p1/runs", r.URL.Path)
		_, _ = w.Write([]byte(`{"runs":[{"run_token":"r3","status":"complete"},{"run_token":"r2","status":"error"},{"run_token":"r1","status":"complete"}]}`))
	}))
	defer ts.Close()

	c := testClient(t, ts, 0)
	runs, err := c.ListRuns(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, runs, 3)
	require.Equal(t, "r3", runs[0].RunToken)
	require.Equal(t, "p1", runs[0].ProjectToken)
}

func TestClientHonorsContext(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	c := testClient(t, ts, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.RunStatus(ctx, "r1")
	require.Error(t, err)
}

func TestMapStatus(t *testing.T) {
	t.Parallel()

	cases := map[string]store.RunStatus{
		"initialized": store.StatusQueued,
		"queued":      store.StatusQueued,
		"running":     store.StatusRunning,
		"complete":    store.StatusComplete,
		"error":       store.StatusError,
		"cancelled":   store.StatusCancelled,
		"mystery":     store.StatusQueued,
	}
	for in, want := range cases {
		require.Equal(t, want, MapStatus(in), "status %q", in)
	}
	require.Equal(t, store.StatusError, MapStatus(StatusFailed))
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	require.False(t, IsTransient(nil))
	require.False(t, IsTransient(ErrUnavailable))
	require.False(t, IsTransient(ErrRejected))
	require.False(t, IsTransient(context.Canceled))
	require.True(t, IsTransient(&StatusError{Code: 500}))
	require.True(t, IsTransient(&StatusError{Code: 429}))
	require.False(t, IsTransient(&StatusError{Code: 422}))
	require.True(t, IsTransient(errors.New("connection reset")))
}
