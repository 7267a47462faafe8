package indexer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apex-build/internal/runstore"
	"apex-build/internal/wes"
)

func newTestStore(t *testing.T) *runstore.Store {
	t.Helper()
	store, err := runstore.New(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestRunOnceReconcilesDeadRunToSystemError(t *testing.T) {
	store := newTestStore(t)

	runID, err := store.Create(wes.RunRequest{
		WorkflowType:   wes.WorkflowTypeCWL,
		WorkflowURL:    "https://example.org/wf.cwl",
		WorkflowEngine: wes.EngineCwltool,
	}, "alice", nil, nil)
	require.NoError(t, err)

	require.NoError(t, store.WriteState(runID, wes.StateInitializing))
	require.NoError(t, store.WriteState(runID, wes.StateRunning))
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(runID), "run.pid"), []byte("999999999"), 0o644))

	ix := New(store, time.Minute)
	ix.RunOnce()

	run, err := store.Load(runID)
	require.NoError(t, err)
	assert.Equal(t, wes.StateSystemError, run.State)

	exitCode, err := os.ReadFile(filepath.Join(store.Dir(runID), "exit_code.txt"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(exitCode))
}

func TestRunOnceLeavesTerminalRunsUntouched(t *testing.T) {
	store := newTestStore(t)

	runID, err := store.Create(wes.RunRequest{
		WorkflowType:   wes.WorkflowTypeCWL,
		WorkflowURL:    "https://example.org/wf.cwl",
		WorkflowEngine: wes.EngineCwltool,
	}, "alice", nil, nil)
	require.NoError(t, err)

	require.NoError(t, store.WriteState(runID, wes.StateInitializing))
	require.NoError(t, store.WriteState(runID, wes.StateRunning))
	require.NoError(t, store.WriteState(runID, wes.StateComplete))

	ix := New(store, time.Minute)
	ix.RunOnce()

	run, err := store.Load(runID)
	require.NoError(t, err)
	assert.Equal(t, wes.StateComplete, run.State)
}

func TestRebuildSnapshotAndQueryRuns(t *testing.T) {
	store := newTestStore(t)

	runID, err := store.Create(wes.RunRequest{
		WorkflowType:   wes.WorkflowTypeCWL,
		WorkflowURL:    "https://example.org/wf.cwl",
		WorkflowEngine: wes.EngineCwltool,
		Tags:           map[string]string{"env": "test"},
	}, "bob", nil, nil)
	require.NoError(t, err)

	ix := New(store, time.Minute)
	ix.RunOnce()

	_, err = os.Stat(filepath.Join(store.RootDir, dbFileName))
	require.NoError(t, err)

	rows, nextToken, err := QueryRuns(store.RootDir, "", "bob", "desc", 10, "")
	require.NoError(t, err)
	assert.Empty(t, nextToken)
	require.Len(t, rows, 1)
	assert.Equal(t, runID, rows[0].RunID)
	// The run has no run.pid, so RunOnce's crash-recovery step moves it
	// from QUEUED to SYSTEM_ERROR before the snapshot is written.
	assert.Equal(t, wes.StateSystemError, rows[0].State)
}

func TestQueryRunsOrdersByStartTimeNotRunID(t *testing.T) {
	store := newTestStore(t)

	older, err := store.Create(wes.RunRequest{
		WorkflowType:   wes.WorkflowTypeCWL,
		WorkflowURL:    "https://example.org/wf.cwl",
		WorkflowEngine: wes.EngineCwltool,
	}, "bob", nil, nil)
	require.NoError(t, err)
	require.NoError(t, store.WriteState(older, wes.StateInitializing))
	require.NoError(t, store.WriteState(older, wes.StateRunning))
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(older), "start_time.txt"), []byte("2026-01-01T00:00:00Z"), 0o644))

	newer, err := store.Create(wes.RunRequest{
		WorkflowType:   wes.WorkflowTypeCWL,
		WorkflowURL:    "https://example.org/wf.cwl",
		WorkflowEngine: wes.EngineCwltool,
	}, "bob", nil, nil)
	require.NoError(t, err)
	require.NoError(t, store.WriteState(newer, wes.StateInitializing))
	require.NoError(t, store.WriteState(newer, wes.StateRunning))
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(newer), "start_time.txt"), []byte("2026-06-01T00:00:00Z"), 0o644))

	ix := New(store, time.Minute)
	ix.RunOnce()

	descRows, _, err := QueryRuns(store.RootDir, "", "bob", "desc", 10, "")
	require.NoError(t, err)
	require.Len(t, descRows, 2)
	assert.Equal(t, newer, descRows[0].RunID)
	assert.Equal(t, older, descRows[1].RunID)

	ascRows, _, err := QueryRuns(store.RootDir, "", "bob", "asc", 10, "")
	require.NoError(t, err)
	require.Len(t, ascRows, 2)
	assert.Equal(t, older, ascRows[0].RunID)
	assert.Equal(t, newer, ascRows[1].RunID)
}

func TestSweepAgedRemovesOldTerminalRuns(t *testing.T) {
	store := newTestStore(t)

	runID, err := store.Create(wes.RunRequest{
		WorkflowType:   wes.WorkflowTypeCWL,
		WorkflowURL:    "https://example.org/wf.cwl",
		WorkflowEngine: wes.EngineCwltool,
	}, "alice", nil, nil)
	require.NoError(t, err)

	require.NoError(t, store.WriteState(runID, wes.StateInitializing))
	require.NoError(t, store.WriteState(runID, wes.StateRunning))
	require.NoError(t, store.WriteState(runID, wes.StateComplete))

	old := time.Now().Add(-48 * time.Hour).UTC().Format(time.RFC3339)
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(runID), "end_time.txt"), []byte(old), 0o644))

	ix := New(store, time.Minute)
	ix.SweepAged(24 * time.Hour)

	assert.False(t, store.Exists(runID))
}
