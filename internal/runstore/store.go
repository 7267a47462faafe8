// Package runstore owns the on-disk run directory layout: atomic
// single-file writes, directory materialization, and reconstruction
// of a Run from disk. The filesystem is authoritative (spec I1) — this
// package never consults the SQLite index.
package runstore

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"apex-build/internal/apierror"
	"apex-build/internal/statemachine"
	"apex-build/internal/wes"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Store is the RunStore (component C1). RootDir is the run directory
// root containing the sharded per-run directories and sapporo.db.
type Store struct {
	RootDir string
	locks   *statemachine.Locks
}

// New creates a Store rooted at rootDir, creating it if necessary.
func New(rootDir string) (*Store, error) {
	if err := os.MkdirAll(rootDir, dirPerm); err != nil {
		return nil, apierror.Wrap(apierror.StorageIO, "create run directory root", err)
	}
	return &Store{RootDir: rootDir, locks: statemachine.NewLocks()}, nil
}

// Dir returns the sharded run directory path for runID, independent
// of whether it exists (I5: run_id is the only externally exposed key).
func (s *Store) Dir(runID string) string {
	shard := runID
	if len(runID) >= 2 {
		shard = runID[:2]
	}
	return filepath.Join(s.RootDir, shard, runID)
}

func (s *Store) outputsDir(runID string) string { return filepath.Join(s.Dir(runID), "outputs") }
func (s *Store) exeDir(runID string) string     { return filepath.Join(s.Dir(runID), "exe") }

// writeAtomic writes data to path by staging to a sibling temp file
// and renaming over the destination, so readers never observe a
// partial write.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	// EEXIST / cross-device rename races get one retry, per spec §7
	// propagation policy ("retried once on rename races").
	if err := os.Rename(tmpName, path); err != nil {
		if err2 := os.Rename(tmpName, path); err2 != nil {
			os.Remove(tmpName)
			return err2
		}
	}
	return nil
}

func readTrimmed(path string) (string, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return strings.TrimSpace(string(data)), true, nil
}

// Create allocates a UUIDv4 run_id, materializes the full directory
// contract under a .tmp-suffixed name, and renames it into its final
// sharded location — either the whole contract is visible, or nothing
// is (P4).
func (s *Store) Create(req wes.RunRequest, username string, attachments map[string][]byte, sapporoConfig []byte) (string, error) {
	runID := uuid.New().String()
	shard := runID[:2]
	shardDir := filepath.Join(s.RootDir, shard)
	if err := os.MkdirAll(shardDir, dirPerm); err != nil {
		return "", apierror.Wrap(apierror.StorageIO, "create shard directory", err)
	}

	stagingDir := filepath.Join(shardDir, runID+".tmp")
	finalDir := filepath.Join(shardDir, runID)

	if err := s.materialize(stagingDir, req, username, attachments, sapporoConfig); err != nil {
		os.RemoveAll(stagingDir)
		return "", err
	}

	if err := os.Rename(stagingDir, finalDir); err != nil {
		os.RemoveAll(stagingDir)
		return "", apierror.Wrap(apierror.StorageIO, "publish run directory", err)
	}

	return runID, nil
}

func (s *Store) materialize(dir string, req wes.RunRequest, username string, attachments map[string][]byte, sapporoConfig []byte) error {
	for _, sub := range []string{"", "outputs", "exe"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), dirPerm); err != nil {
			return apierror.Wrap(apierror.StorageIO, "create run subdirectory", err)
		}
	}

	reqJSON, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return apierror.Wrap(apierror.Internal, "encode run_request.json", err)
	}
	if err := writeAtomic(filepath.Join(dir, "run_request.json"), reqJSON, filePerm); err != nil {
		return apierror.Wrap(apierror.StorageIO, "write run_request.json", err)
	}

	if sapporoConfig != nil {
		if err := writeAtomic(filepath.Join(dir, "sapporo_config.json"), sapporoConfig, filePerm); err != nil {
			return apierror.Wrap(apierror.StorageIO, "write sapporo_config.json", err)
		}
	}

	if req.WorkflowParams != "" {
		if err := writeAtomic(filepath.Join(dir, "exe", "workflow_params.json"), []byte(req.WorkflowParams), filePerm); err != nil {
			return apierror.Wrap(apierror.StorageIO, "write workflow_params.json", err)
		}
	}

	for name, content := range attachments {
		dest := filepath.Join(dir, "exe", name)
		if err := os.MkdirAll(filepath.Dir(dest), dirPerm); err != nil {
			return apierror.Wrap(apierror.StorageIO, "create attachment directory", err)
		}
		if err := writeAtomic(dest, content, filePerm); err != nil {
			return apierror.Wrap(apierror.StorageIO, "write attachment "+name, err)
		}
	}

	if username != "" {
		if err := writeAtomic(filepath.Join(dir, "username.txt"), []byte(username), filePerm); err != nil {
			return apierror.Wrap(apierror.StorageIO, "write username.txt", err)
		}
	}

	params := make([]string, 0, len(req.WorkflowEngineParameters))
	for k, v := range req.WorkflowEngineParameters {
		params = append(params, fmt.Sprintf("%s=%s", k, v))
	}
	if err := writeAtomic(filepath.Join(dir, "workflow_engine_params.txt"), []byte(strings.Join(params, "\n")), filePerm); err != nil {
		return apierror.Wrap(apierror.StorageIO, "write workflow_engine_params.txt", err)
	}

	if err := writeAtomic(filepath.Join(dir, "state.txt"), []byte(wes.StateQueued), filePerm); err != nil {
		return apierror.Wrap(apierror.StorageIO, "write state.txt", err)
	}

	return nil
}

// Exists reports whether runID has a materialized directory.
func (s *Store) Exists(runID string) bool {
	info, err := os.Stat(s.Dir(runID))
	return err == nil && info.IsDir()
}

// Load reconstructs a Run from disk (I1). Missing files map to null
// fields, not errors — except state.txt, which maps to UNKNOWN.
func (s *Store) Load(runID string) (*wes.Run, error) {
	dir := s.Dir(runID)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, apierror.New(apierror.NotFound, "run not found")
	}

	run := &wes.Run{RunID: runID, State: wes.StateUnknown}

	if stateStr, ok, err := readTrimmed(filepath.Join(dir, "state.txt")); err != nil {
		return nil, apierror.Wrap(apierror.StorageIO, "read state.txt", err)
	} else if ok && wes.State(stateStr).Valid() {
		run.State = wes.State(stateStr)
	}

	if username, ok, err := readTrimmed(filepath.Join(dir, "username.txt")); err != nil {
		return nil, apierror.Wrap(apierror.StorageIO, "read username.txt", err)
	} else if ok {
		run.Username = username
	}

	if createdAt := info.ModTime(); true {
		run.CreatedAt = createdAt
	}

	if startStr, ok, err := readTrimmed(filepath.Join(dir, "start_time.txt")); err != nil {
		return nil, apierror.Wrap(apierror.StorageIO, "read start_time.txt", err)
	} else if ok {
		if t, perr := time.Parse(time.RFC3339, startStr); perr == nil {
			run.StartTime = &t
		}
	}

	if endStr, ok, err := readTrimmed(filepath.Join(dir, "end_time.txt")); err != nil {
		return nil, apierror.Wrap(apierror.StorageIO, "read end_time.txt", err)
	} else if ok {
		if t, perr := time.Parse(time.RFC3339, endStr); perr == nil {
			run.EndTime = &t
		}
	}

	if exitStr, ok, err := readTrimmed(filepath.Join(dir, "exit_code.txt")); err != nil {
		return nil, apierror.Wrap(apierror.StorageIO, "read exit_code.txt", err)
	} else if ok {
		if code, perr := strconv.Atoi(exitStr); perr == nil {
			run.ExitCode = &code
		}
	}

	if pidStr, ok, err := readTrimmed(filepath.Join(dir, "run.pid")); err != nil {
		return nil, apierror.Wrap(apierror.StorageIO, "read run.pid", err)
	} else if ok {
		if pid, perr := strconv.Atoi(pidStr); perr == nil {
			run.SupervisorPID = pid
		}
	}

	if cmd, ok, err := readTrimmed(filepath.Join(dir, "cmd.txt")); err != nil {
		return nil, apierror.Wrap(apierror.StorageIO, "read cmd.txt", err)
	} else if ok {
		run.Cmd = cmd
	}

	reqData, err := os.ReadFile(filepath.Join(dir, "run_request.json"))
	if err == nil {
		_ = json.Unmarshal(reqData, &run.Request)
	} else if !os.IsNotExist(err) {
		return nil, apierror.Wrap(apierror.StorageIO, "read run_request.json", err)
	}

	outputs, err := s.ListOutputs(runID)
	if err != nil {
		return nil, err
	}
	run.Outputs = outputs

	return run, nil
}

// WriteState atomically replaces state.txt, rejecting transitions
// forbidden by the state machine (spec §4.3). The write is serialized
// per run_id against concurrent writers (HTTP cancellation vs.
// Supervisor/dispatcher).
func (s *Store) WriteState(runID string, newState wes.State) error {
	lock := s.locks.For(runID)
	lock.Lock()
	defer lock.Unlock()

	path := filepath.Join(s.Dir(runID), "state.txt")
	current := wes.StateUnknown
	if cur, ok, err := readTrimmed(path); err != nil {
		return apierror.Wrap(apierror.StorageIO, "read state.txt", err)
	} else if ok && wes.State(cur).Valid() {
		current = wes.State(cur)
	}

	if !statemachine.CanTransition(current, newState) {
		return apierror.New(apierror.Conflict, fmt.Sprintf("cannot transition %s -> %s", current, newState))
	}

	return writeAtomic(path, []byte(newState), filePerm)
}

// ListOutputs walks outputs/ recursively, emitting forward-slash
// relative paths. Returns an empty slice (not an error) if outputs/ is
// absent, tolerating a run that was deleted mid-scan (I6).
func (s *Store) ListOutputs(runID string) ([]wes.FileObject, error) {
	root := s.outputsDir(runID)
	var files []wes.FileObject
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		files = append(files, wes.FileObject{FileName: rel, FileURL: rel})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, apierror.Wrap(apierror.StorageIO, "list outputs", err)
	}
	return files, nil
}

// OpenOutput opens relpath under outputs/ for reading, rejecting any
// path that escapes the outputs tree (P1, I4, B2).
func (s *Store) OpenOutput(runID, relpath string) (io.ReadCloser, error) {
	if err := validateOutputPath(relpath); err != nil {
		return nil, err
	}
	root := s.outputsDir(runID)
	full := filepath.Join(root, relpath)

	resolvedRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, apierror.Wrap(apierror.StorageIO, "resolve outputs root", err)
	}
	resolvedFull, err := filepath.Abs(full)
	if err != nil {
		return nil, apierror.Wrap(apierror.StorageIO, "resolve output path", err)
	}
	if resolvedFull != resolvedRoot && !strings.HasPrefix(resolvedFull, resolvedRoot+string(filepath.Separator)) {
		return nil, apierror.New(apierror.InvalidRequest, "path escapes outputs directory")
	}

	f, err := os.Open(resolvedFull)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierror.New(apierror.NotFound, "output not found")
		}
		return nil, apierror.Wrap(apierror.StorageIO, "open output", err)
	}
	return f, nil
}

func validateOutputPath(relpath string) error {
	if relpath == "" {
		return apierror.New(apierror.InvalidRequest, "empty output path")
	}
	if strings.Contains(relpath, "\\") {
		return apierror.New(apierror.InvalidRequest, "backslash not allowed in output path")
	}
	if filepath.IsAbs(relpath) {
		return apierror.New(apierror.InvalidRequest, "absolute output path not allowed")
	}
	cleaned := filepath.Clean(relpath)
	for _, seg := range strings.Split(cleaned, string(filepath.Separator)) {
		if seg == ".." {
			return apierror.New(apierror.InvalidRequest, "'..' segment not allowed in output path")
		}
	}
	return nil
}

// Delete transitions the run to DELETING and physically removes its
// directory. No DELETED tombstone is recorded anywhere: the next
// snapshot rebuild simply no longer lists the run.
func (s *Store) Delete(runID string) error {
	if err := s.WriteState(runID, wes.StateDeleting); err != nil {
		return err
	}
	if err := os.RemoveAll(s.Dir(runID)); err != nil {
		return apierror.Wrap(apierror.StorageIO, "remove run directory", err)
	}
	return nil
}

// WriteOutputsManifest writes outputs.json from the current contents
// of outputs/.
func (s *Store) WriteOutputsManifest(runID string) error {
	outputs, err := s.ListOutputs(runID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(outputs, "", "  ")
	if err != nil {
		return apierror.Wrap(apierror.Internal, "encode outputs.json", err)
	}
	return writeAtomic(filepath.Join(s.Dir(runID), "outputs.json"), data, filePerm)
}

// AppendSystemLog appends a structured note to system_logs.json,
// creating it if absent. Used by the Indexer's crash-recovery pass.
func (s *Store) AppendSystemLog(runID string, note map[string]interface{}) error {
	path := filepath.Join(s.Dir(runID), "system_logs.json")
	var entries []map[string]interface{}
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &entries)
	} else if !os.IsNotExist(err) {
		return apierror.Wrap(apierror.StorageIO, "read system_logs.json", err)
	}
	note["logged_at"] = time.Now().UTC().Format(time.RFC3339)
	entries = append(entries, note)
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return apierror.Wrap(apierror.Internal, "encode system_logs.json", err)
	}
	return writeAtomic(path, data, filePerm)
}

// Streams returns the paths of stdout.log and stderr.log; it does not
// open them.
func (s *Store) Streams(runID string) (stdout, stderr string) {
	dir := s.Dir(runID)
	return filepath.Join(dir, "stdout.log"), filepath.Join(dir, "stderr.log")
}
