// Package rocrate bridges to the external RO-Crate generator binary
// (out of scope per spec.md §1/§6 — "an external metadata builder
// invoked after success"). It is invoked by the dispatcher (never by
// the HTTP process) after a workflow engine reaches COMPLETE or
// EXECUTOR_ERROR, via the small wrapper in cmd/rocrate-gen.
//
// Grounded on the teacher's sandbox/v2/executor.go Firecracker-proxy
// shellout: exec.CommandContext with captured stdout/stderr and a
// hard timeout, never a synchronous in-process implementation of the
// thing being shelled out to.
package rocrate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"apex-build/internal/runstore"
	"apex-build/internal/wes"
)

const (
	metadataFileName = "ro-crate-metadata.json"
	generatorTimeout = 2 * time.Minute
)

// Generate invokes generatorCmd as `<generatorCmd> <run-dir>` for
// runID's terminal-success state, per spec §4.8 ("invoked by the
// external dispatcher at terminal states COMPLETE and EXECUTOR_ERROR
// only"). The generator is expected to write ro-crate-metadata.json
// itself; Generate's only job is process supervision and the
// {"@error": "<reason>"} fallback on any failure — it never builds the
// manifest itself, and a write failure here is swallowed rather than
// fatal, since the dispatcher's own terminal-state bookkeeping must
// not be blocked by provenance generation.
func Generate(ctx context.Context, store *runstore.Store, runID, generatorCmd string) error {
	run, err := store.Load(runID)
	if err != nil {
		writeErrorCrate(store, runID, fmt.Sprintf("failed to load run: %v", err))
		return err
	}

	if run.State != wes.StateComplete && run.State != wes.StateExecutorError {
		err := fmt.Errorf("ro-crate generation invoked for non-terminal-success state %q", run.State)
		writeErrorCrate(store, runID, err.Error())
		return err
	}

	if generatorCmd == "" {
		err := fmt.Errorf("no RO-Crate generator configured")
		writeErrorCrate(store, runID, err.Error())
		return err
	}

	runDir := store.Dir(runID)

	runCtx, cancel := context.WithTimeout(ctx, generatorTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, generatorCmd, runDir)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		reason := fmt.Sprintf("generator failed: %v: %s", err, stderr.String())
		writeErrorCrate(store, runID, reason)
		return fmt.Errorf("%s", reason)
	}

	if _, err := os.Stat(filepath.Join(runDir, metadataFileName)); err != nil {
		reason := fmt.Sprintf("generator exited successfully but wrote no %s", metadataFileName)
		writeErrorCrate(store, runID, reason)
		return fmt.Errorf("%s", reason)
	}

	return nil
}

// writeErrorCrate records the {"@error": "<reason>"} shape so readers
// can distinguish "not yet produced" (file absent) from "generation
// failed" (file present, this shape). Failures writing this file are
// swallowed — RO-Crate generation is never allowed to be fatal to the
// dispatcher's own terminal-state bookkeeping.
func writeErrorCrate(store *runstore.Store, runID, reason string) {
	data, err := json.Marshal(map[string]string{"@error": reason})
	if err != nil {
		return
	}
	path := filepath.Join(store.Dir(runID), metadataFileName)
	_ = os.WriteFile(path, data, 0o644)
}
