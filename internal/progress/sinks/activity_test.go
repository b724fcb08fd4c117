package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runharvest/runharvest/internal/progress"
	"github.com/runharvest/runharvest/internal/store"
)

// TestActivitySinkCollapsesDeltas ensures repeated events for the same run and
// stage are merged into a single repository write.
func TestActivitySinkCollapsesDeltas(t *testing.T) {
	t.Parallel()

	repo := &fakeActivityRepo{}
	sink := NewActivitySink(repo, nil)
	now := time.Now()

	batch := []progress.Event{
		{RunToken: "tRunA", Stage: progress.StageFetch, Bytes: 100, TS: now},
		{RunToken: "tRunA", Stage: progress.StageFetch, Bytes: 50, TS: now.Add(1 * time.Second)},
		{RunToken: "tRunA", Stage: progress.StagePersist, Records: 12, Note: "captured", TS: now.Add(2 * time.Second)},
		{RunToken: "tRunB", Stage: progress.StageFetch, Bytes: 7, TS: now},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))
	require.Len(t, repo.calls, 3)

	fetchA := repo.find("tRunA", string(progress.StageFetch))
	require.NotNil(t, fetchA)
	require.Equal(t, int64(2), fetchA.attempts)
	require.Equal(t, int64(150), fetchA.bytes)
	require.Equal(t, now.Add(1*time.Second), fetchA.at)

	persistA := repo.find("tRunA", string(progress.StagePersist))
	require.NotNil(t, persistA)
	require.Equal(t, int64(12), persistA.records)
	require.Equal(t, "captured", persistA.note)
}

// TestActivitySinkHandlesErrors surfaces repository failures back to the caller.
func TestActivitySinkHandlesErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeActivityRepo{fail: true}
	sink := NewActivitySink(repo, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{RunToken: "tRunA", Stage: progress.StagePoll, TS: time.Now()},
	})
	require.Error(t, err)
}

// TestActivitySinkNilRepo verifies a sink without a repository is a no-op.
func TestActivitySinkNilRepo(t *testing.T) {
	t.Parallel()

	sink := NewActivitySink(nil, nil)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunToken: "tRunA", Stage: progress.StagePoll, TS: time.Now()},
	}))
}

type fakeActivityRepo struct {
	fail  bool
	calls []activityCall
}

type activityCall struct {
	runToken string
	stage    string
	attempts int64
	bytes    int64
	records  int64
	note     string
	at       time.Time
}

func (f *fakeActivityRepo) UpsertActivity(
	_ context.Context,
	runToken string,
	stage string,
	deltaAttempts int64,
	deltaBytes int64,
	deltaRecords int64,
	note string,
	at time.Time,
) error {
	if f.fail {
		return errors.New("activity repo unavailable")
	}
	f.calls = append(f.calls, activityCall{
		runToken: runToken,
		stage:    stage,
		attempts: deltaAttempts,
		bytes:    deltaBytes,
		records:  deltaRecords,
		note:     note,
		at:       at,
	})
	return nil
}

func (f *fakeActivityRepo) ListRunActivity(context.Context, string) ([]store.Activity, error) {
	return nil, nil
}

func (f *fakeActivityRepo) find(runToken, stage string) *activityCall {
	for i := range f.calls {
		if f.calls[i].runToken == runToken && f.calls[i].stage == stage {
			return &f.calls[i]
		}
	}
	return nil
}
