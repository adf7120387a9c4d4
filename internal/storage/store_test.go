package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "sim.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sim.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.CreateRun(ctx, Run{ID: "r1", SessionID: "s1", Model: "poly", StartedAt: time.Now()}))
	require.NoError(t, s.Close())

	// Migrations are skipped on an up-to-date database.
	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r1", runs[0].ID)
	assert.Equal(t, path, s.Path())
}

func TestStore_RunLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	started := time.Now().Add(-time.Minute)
	require.NoError(t, s.CreateRun(ctx, Run{
		ID: "r1", SessionID: "s1", Model: "poly", StartedAt: started,
		Counts: Counts{Total: 3},
	}))

	for i, state := range []string{"success", "failed", "cancelled"} {
		now := time.Now()
		require.NoError(t, s.RecordRealization(ctx, Realization{RunID: "r1", Iens: i, State: "running", StartedAt: &now}))
		r := Realization{RunID: "r1", Iens: i, State: state, FinishedAt: &now}
		if state == "failed" {
			r.Error = "exit status 1"
		}
		require.NoError(t, s.RecordRealization(ctx, r))
	}

	counts, err := s.RealizationCounts(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"success": 1, "failed": 1, "cancelled": 1}, counts)

	require.NoError(t, s.FinishRun(ctx, "r1", RunStopped, Counts{Total: 3, Success: 1, Failed: 1, Cancelled: 1}))

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, RunStopped, runs[0].State)
	assert.Equal(t, Counts{Total: 3, Success: 1, Failed: 1, Cancelled: 1}, runs[0].Counts)
	require.NotNil(t, runs[0].FinishedAt)
	assert.WithinDuration(t, started, runs[0].StartedAt, time.Second)
}

func TestStore_ListRunsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now()

	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, s.CreateRun(ctx, Run{ID: id, SessionID: "s", Model: "m", StartedAt: base.Add(time.Duration(i) * time.Second)}))
	}

	runs, err := s.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].ID)
	assert.Equal(t, "mid", runs[1].ID)
	assert.Equal(t, RunRunning, runs[0].State)
	assert.Nil(t, runs[0].FinishedAt)
}

func TestStore_FinishUnknownRun(t *testing.T) {
	s := openTestStore(t)
	err := s.FinishRun(context.Background(), "missing", RunCompleted, Counts{})
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestStore_RealizationRequiresRun(t *testing.T) {
	s := openTestStore(t)
	err := s.RecordRealization(context.Background(), Realization{RunID: "ghost", Iens: 0, State: "running"})
	assert.Error(t, err, "foreign key should reject realizations of unknown runs")
}

func TestStore_DuplicateRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run := Run{ID: "r1", SessionID: "s", Model: "m", StartedAt: time.Now()}

	require.NoError(t, s.CreateRun(ctx, run))
	assert.Error(t, s.CreateRun(ctx, run))
}
