package supervisor

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apex-build/internal/runstore"
	"apex-build/internal/wes"
)

func TestStartRecordsPIDAndCmd(t *testing.T) {
	dir := t.TempDir()
	store, err := runstore.New(dir)
	require.NoError(t, err)

	runID, err := store.Create(sampleRequest(), "alice", nil, nil)
	require.NoError(t, err)

	sv := New("/bin/sleep", store, nil)
	err = sv.Start(runID)
	require.NoError(t, err)
	t.Cleanup(func() { sv.Cancel(runID) })

	run, err := store.Load(runID)
	require.NoError(t, err)
	assert.Greater(t, run.SupervisorPID, 0)
	assert.Equal(t, "/bin/sleep", run.Cmd)
}

func TestCancelUntrackedRunWithNoContainerObserverReportsPIDGone(t *testing.T) {
	dir := t.TempDir()
	store, err := runstore.New(dir)
	require.NoError(t, err)

	runID, err := store.Create(sampleRequest(), "alice", nil, nil)
	require.NoError(t, err)

	sv := New("/bin/true", store, nil)
	outcome := sv.Cancel(runID)
	assert.Equal(t, CancelPIDGone, outcome)
}

func TestProcessAliveRejectsNonPositivePID(t *testing.T) {
	assert.False(t, processAlive(0))
	assert.False(t, processAlive(-1))
}

func TestProcessAliveDetectsCurrentProcess(t *testing.T) {
	assert.True(t, processAlive(os.Getpid()))
}

func sampleRequest() wes.RunRequest {
	return wes.RunRequest{
		WorkflowType:   wes.WorkflowTypeCWL,
		WorkflowURL:    "https://example.org/workflow.cwl",
		WorkflowEngine: wes.EngineCwltool,
	}
}
