package rocrate

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

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

func completeRun(t *testing.T, store *runstore.Store) string {
	t.Helper()
	runID, err := store.Create(wes.RunRequest{
		WorkflowType:   wes.WorkflowTypeCWL,
		WorkflowURL:    "https://example.org/wf.cwl",
		WorkflowEngine: wes.EngineCwltool,
	}, "alice", nil, nil)
	require.NoError(t, err)

	require.NoError(t, store.WriteState(runID, wes.StateInitializing))
	require.NoError(t, store.WriteState(runID, wes.StateRunning))
	require.NoError(t, store.WriteState(runID, wes.StateComplete))
	return runID
}

// fakeGeneratorSuccess writes a script that, when invoked as `<script> <run-dir>`,
// writes ro-crate-metadata.json into the given run directory and exits 0.
func fakeGeneratorSuccess(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixture requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "generator.sh")
	script := "#!/bin/sh\necho '{\"@context\":\"https://w3id.org/ro/crate/1.1/context\"}' > \"$1/" + metadataFileName + "\"\nexit 0\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func fakeGeneratorFailure(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixture requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "generator.sh")
	script := "#!/bin/sh\necho 'boom' >&2\nexit 1\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func fakeGeneratorSilentSuccess(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixture requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "generator.sh")
	script := "#!/bin/sh\nexit 0\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestGenerateInvokesExternalGeneratorAndLeavesItsOutputUntouched(t *testing.T) {
	store := newTestStore(t)
	runID := completeRun(t, store)

	require.NoError(t, Generate(context.Background(), store, runID, fakeGeneratorSuccess(t)))

	data, err := os.ReadFile(filepath.Join(store.Dir(runID), metadataFileName))
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "https://w3id.org/ro/crate/1.1/context", doc["@context"])
}

func TestGenerateWritesErrorCrateWhenGeneratorExitsNonZero(t *testing.T) {
	store := newTestStore(t)
	runID := completeRun(t, store)

	err := Generate(context.Background(), store, runID, fakeGeneratorFailure(t))
	assert.Error(t, err)

	data, err := os.ReadFile(filepath.Join(store.Dir(runID), metadataFileName))
	require.NoError(t, err)

	var errDoc map[string]string
	require.NoError(t, json.Unmarshal(data, &errDoc))
	assert.Contains(t, errDoc["@error"], "boom")
}

func TestGenerateWritesErrorCrateWhenGeneratorWritesNothing(t *testing.T) {
	store := newTestStore(t)
	runID := completeRun(t, store)

	err := Generate(context.Background(), store, runID, fakeGeneratorSilentSuccess(t))
	assert.Error(t, err)

	data, err := os.ReadFile(filepath.Join(store.Dir(runID), metadataFileName))
	require.NoError(t, err)

	var errDoc map[string]string
	require.NoError(t, json.Unmarshal(data, &errDoc))
	assert.Contains(t, errDoc, "@error")
}

func TestGenerateWritesErrorCrateWhenNoGeneratorConfigured(t *testing.T) {
	store := newTestStore(t)
	runID := completeRun(t, store)

	err := Generate(context.Background(), store, runID, "")
	assert.Error(t, err)

	data, err := os.ReadFile(filepath.Join(store.Dir(runID), metadataFileName))
	require.NoError(t, err)

	var errDoc map[string]string
	require.NoError(t, json.Unmarshal(data, &errDoc))
	assert.Contains(t, errDoc, "@error")
}

func TestGenerateRejectsNonTerminalRun(t *testing.T) {
	store := newTestStore(t)
	runID, err := store.Create(wes.RunRequest{
		WorkflowType:   wes.WorkflowTypeCWL,
		WorkflowURL:    "https://example.org/wf.cwl",
		WorkflowEngine: wes.EngineCwltool,
	}, "alice", nil, nil)
	require.NoError(t, err)

	err = Generate(context.Background(), store, runID, fakeGeneratorSuccess(t))
	assert.Error(t, err)

	data, err := os.ReadFile(filepath.Join(store.Dir(runID), metadataFileName))
	require.NoError(t, err)

	var errDoc map[string]string
	require.NoError(t, json.Unmarshal(data, &errDoc))
	assert.Contains(t, errDoc, "@error")
}

func TestGenerateReturnsErrorForUnknownRun(t *testing.T) {
	store := newTestStore(t)
	err := Generate(context.Background(), store, "does-not-exist", fakeGeneratorSuccess(t))
	assert.Error(t, err)
}
