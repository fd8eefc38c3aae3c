package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestRecordRun(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "history.db")
	store, err := Open(path)
	require.NoError(t, err)

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := range 3 {
		started := base.Add(time.Duration(i) * time.Hour)
		run, err := store.RecordRun(Run{
			Started:    started,
			Finished:   started.Add(time.Minute),
			Kind:       20000,
			Candidates: 100 + i,
			Capable:    10 + i,
			Located:    5 + i,
		}, []string{"wss://a.example.com"})
		require.NoError(t, err)
		require.NotEqual(t, uuid.Nil, run.ID)
		require.Equal(t, time.Minute, run.Duration)
	}

	runs, err := store.Runs(2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, 102, runs[0].Candidates)
	require.Equal(t, 101, runs[1].Candidates)
	require.Equal(t, time.Minute, runs[0].Duration)

	runs, err = store.Runs(0)
	require.NoError(t, err)
	require.Len(t, runs, 3)

	seen, ok, err := store.LastCapable("wss://a.example.com")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, seen.Equal(base.Add(2*time.Hour+time.Minute)))

	_, ok, err = store.LastCapable("wss://missing.example.com")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Close())

	store, err = Open(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	runs, err = store.Runs(0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	require.Equal(t, 20000, runs[2].Kind)
	require.True(t, runs[2].Started.Equal(base))
}

func TestRecordRunKeepsID(t *testing.T) {
	t.Parallel()

	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	id := uuid.New()
	run, err := store.RecordRun(Run{ID: id, Started: time.Now()}, nil)
	require.NoError(t, err)
	require.Equal(t, id, run.ID)
	require.False(t, run.Finished.IsZero())

	runs, err := store.Runs(1)
	require.NoError(t, err)
	require.Equal(t, id, runs[0].ID)
}

func TestOpenInvalidPath(t *testing.T) {
	t.Parallel()

	_, err := Open(filepath.Join(t.TempDir(), "missing", "history.db"))
	require.ErrorContains(t, err, "could not open history")
}
