package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "backrun.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleRun(id string, started time.Time) (*Run, []*Attempt) {
	finished := started.Add(90 * time.Second)
	run := &Run{
		ID:         id,
		StartedAt:  started,
		FinishedAt: &finished,
		Succeeded:  false,
		JobsTotal:  2,
		JobsFailed: 1,
	}
	attempts := []*Attempt{
		{
			RunID:      id,
			JobName:    "alpha",
			Number:     1,
			ExitCode:   0,
			StartedAt:  started,
			FinishedAt: started.Add(time.Minute),
			StdoutTail: "synced 42 files",
		},
		{
			RunID:      id,
			JobName:    "bravo",
			Number:     1,
			ExitCode:   1,
			StartedAt:  started,
			FinishedAt: started.Add(10 * time.Second),
			StderrTail: "remote unreachable",
		},
		{
			RunID:       id,
			JobName:     "bravo",
			Number:      2,
			ExitCode:    -1,
			TimedOut:    true,
			StartedAt:   started.Add(15 * time.Second),
			FinishedAt:  started.Add(75 * time.Second),
			SpawnFailed: false,
		},
	}
	return run, attempts
}

func TestRecordAndGetRun(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	run, attempts := sampleRun(NewRunID(), time.Now().UTC())
	require.NoError(t, st.RecordRun(ctx, run, attempts))

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, run.ID, got.ID)
	assert.False(t, got.Succeeded)
	assert.Equal(t, 2, got.JobsTotal)
	assert.Equal(t, 1, got.JobsFailed)
	require.NotNil(t, got.FinishedAt)
	assert.WithinDuration(t, *run.FinishedAt, *got.FinishedAt, time.Millisecond)
}

func TestGetRunMissing(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	got, err := st.GetRun(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListAttemptsOrdering(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	run, attempts := sampleRun(NewRunID(), time.Now().UTC())
	require.NoError(t, st.RecordRun(ctx, run, attempts))

	got, err := st.ListAttempts(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "alpha", got[0].JobName)
	assert.Equal(t, 1, got[0].Number)
	assert.Equal(t, "bravo", got[1].JobName)
	assert.Equal(t, 1, got[1].Number)
	assert.Equal(t, "bravo", got[2].JobName)
	assert.Equal(t, 2, got[2].Number)

	assert.Equal(t, "synced 42 files", got[0].StdoutTail)
	assert.Equal(t, "remote unreachable", got[1].StderrTail)
	assert.True(t, got[2].TimedOut)
	assert.Equal(t, -1, got[2].ExitCode)
}

func TestRecordRunReplacesAttempts(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	run, attempts := sampleRun(NewRunID(), time.Now().UTC())
	require.NoError(t, st.RecordRun(ctx, run, attempts))

	// Re-record with a different outcome.
	run.Succeeded = true
	run.JobsFailed = 0
	require.NoError(t, st.RecordRun(ctx, run, attempts[:1]))

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, got.Succeeded)
	assert.Equal(t, 0, got.JobsFailed)

	atts, err := st.ListAttempts(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, atts, 1)
}

func TestListRunsNewestFirst(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 3; i++ {
		run, attempts := sampleRun(NewRunID(), base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, st.RecordRun(ctx, run, attempts))
	}

	runs, err := st.ListRuns(ctx, ListOpts{Limit: 2})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.True(t, runs[0].StartedAt.After(runs[1].StartedAt))
}

func TestNewRunIDUnique(t *testing.T) {
	t.Parallel()

	a, b := NewRunID(), NewRunID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
