// Package supervisor owns the Run Manager's process-fork contract
// (component C4): launching the dispatcher for a run in its own
// process group, recording its PID, and delivering the cooperative
// cancel signal. It never writes state.txt — the dispatcher does.
package supervisor

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"apex-build/internal/apierror"
	"apex-build/internal/logging"
	"apex-build/internal/metrics"
	"apex-build/internal/runstore"
)

const (
	filePerm = 0o644
)

// child tracks one in-flight dispatcher process.
type child struct {
	pid int
	cmd *exec.Cmd
}

// Supervisor forks the dispatcher for QUEUED runs and signals it on
// cancellation. Grounded on the teacher's internal/preview/server_runner.go
// hostRuntime.StartProcess fork/Setpgid/Wait pattern.
type Supervisor struct {
	dispatcherPath string
	store          *runstore.Store
	containers     *ContainerObserver // nil if Docker is unreachable

	mu       sync.Mutex
	children map[string]*child
}

// New creates a Supervisor that launches dispatcherPath for each run.
// containers may be nil when Docker introspection is unavailable.
func New(dispatcherPath string, store *runstore.Store, containers *ContainerObserver) *Supervisor {
	return &Supervisor{
		dispatcherPath: dispatcherPath,
		store:          store,
		containers:     containers,
		children:       make(map[string]*child),
	}
}

// Start launches the dispatcher for runID in a new process group,
// recording its PID to run.pid and the dispatcher path to cmd.txt. The dispatcher itself
// transitions state.txt QUEUED -> INITIALIZING -> ... -> terminal; this
// method only forks and tracks it.
func (sv *Supervisor) Start(runID string) error {
	runDir := sv.store.Dir(runID)

	cmd := exec.Command(sv.dispatcherPath, runDir)
	cmd.Dir = runDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := os.OpenFile(filepath.Join(runDir, "stdout.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, filePerm)
	if err != nil {
		return apierror.Wrap(apierror.StorageIO, "open stdout.log", err)
	}
	stderr, err := os.OpenFile(filepath.Join(runDir, "stderr.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, filePerm)
	if err != nil {
		stdout.Close()
		return apierror.Wrap(apierror.StorageIO, "open stderr.log", err)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return apierror.Wrap(apierror.Internal, "start dispatcher", err)
	}

	pid := cmd.Process.Pid
	if err := os.WriteFile(filepath.Join(runDir, "run.pid"), []byte(strconv.Itoa(pid)), filePerm); err != nil {
		logging.S().Errorw("write run.pid failed", "run_id", runID, "error", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, "cmd.txt"), []byte(sv.dispatcherPath), filePerm); err != nil {
		logging.S().Errorw("write cmd.txt failed", "run_id", runID, "error", err)
	}

	sv.mu.Lock()
	sv.children[runID] = &child{pid: pid, cmd: cmd}
	metrics.Get().SupervisedChildren.Set(float64(len(sv.children)))
	sv.mu.Unlock()

	go sv.wait(runID, cmd, stdout, stderr)

	return nil
}

// wait blocks until the dispatcher exits, for bookkeeping only: it
// removes the run from the in-memory children map and closes the log
// file handles. It never writes state.txt.
func (sv *Supervisor) wait(runID string, cmd *exec.Cmd, stdout, stderr *os.File) {
	err := cmd.Wait()
	stdout.Close()
	stderr.Close()

	if err != nil {
		logging.S().Infow("dispatcher exited", "run_id", runID, "error", err)
	} else {
		logging.S().Infow("dispatcher exited", "run_id", runID)
	}

	sv.mu.Lock()
	delete(sv.children, runID)
	metrics.Get().SupervisedChildren.Set(float64(len(sv.children)))
	sv.mu.Unlock()
}

// CancelOutcome reports how a Cancel call resolved.
type CancelOutcome string

const (
	CancelSignaled        CancelOutcome = "signaled"
	CancelAlreadyTerminal CancelOutcome = "already_terminal"
	CancelPIDGone         CancelOutcome = "pid_gone"
)

// Cancel delivers SIGUSR1 to the dispatcher's process group for runID,
// per the dispatcher's cooperative-cancel contract. If the tracked PID
// is no longer running, it falls back to the container observer (if
// configured) before reporting CancelPIDGone — the caller still treats
// this as success (the run is not going to keep executing).
func (sv *Supervisor) Cancel(runID string) CancelOutcome {
	sv.mu.Lock()
	c, tracked := sv.children[runID]
	sv.mu.Unlock()

	pid := 0
	if tracked {
		pid = c.pid
	} else if run, err := sv.store.Load(runID); err == nil {
		pid = run.SupervisorPID
	}

	if pid > 0 && processAlive(pid) {
		if err := syscall.Kill(-pid, syscall.SIGUSR1); err != nil {
			logging.S().Warnw("signal dispatcher process group failed", "run_id", runID, "pid", pid, "error", err)
		} else {
			metrics.Get().RecordCancellation(string(CancelSignaled))
			return CancelSignaled
		}
	}

	if sv.containers != nil {
		if sv.containers.SignalRunContainer(runID) {
			metrics.Get().RecordCancellation(string(CancelSignaled))
			return CancelSignaled
		}
	}

	metrics.Get().RecordCancellation(string(CancelPIDGone))
	return CancelPIDGone
}

// processAlive reports whether pid refers to a live process, using the
// signal-0 probe idiom (sending signal 0 performs error checking
// without actually delivering a signal).
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// ChildCount returns the number of dispatchers currently tracked.
func (sv *Supervisor) ChildCount() int {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return len(sv.children)
}
