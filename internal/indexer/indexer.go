// Package indexer rebuilds the SQLite snapshot (sapporo.db) used to
// serve GET /runs cheaply, and performs crash-recovery reconciliation
// and age-based directory cleanup (component C5). Grounded on the
// ticker-driven background task shape of the teacher's
// internal/metrics/collector.go BusinessMetricsCollector, adapted from
// GORM to raw database/sql + modernc.org/sqlite since the snapshot is
// a single disposable table, not an application schema.
package indexer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"apex-build/internal/logging"
	"apex-build/internal/metrics"
	"apex-build/internal/runstore"
	"apex-build/internal/wes"
)

const dbFileName = "sapporo.db"

// Indexer periodically rebuilds sapporo.db from the run directory
// tree and reconciles crashed runs to SYSTEM_ERROR.
type Indexer struct {
	store    *runstore.Store
	interval time.Duration
	stopCh   chan struct{}
}

// New creates an Indexer. interval must be >= 1 minute (enforced by
// config.Load before this is ever called).
func New(store *runstore.Store, interval time.Duration) *Indexer {
	return &Indexer{
		store:    store,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start runs an initial pass synchronously (so crash recovery
// completes before the HTTP server starts accepting traffic), then
// launches the periodic background loop.
func (ix *Indexer) Start(ctx context.Context) {
	ix.RunOnce()

	go func() {
		ticker := time.NewTicker(ix.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ix.RunOnce()
			case <-ix.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the periodic loop. The in-flight pass, if any, still
// completes.
func (ix *Indexer) Stop() {
	close(ix.stopCh)
}

// RunOnce performs one full pass: reconcile crashed runs, then rebuild
// the snapshot. It does not remove aged run directories; that is
// SweepAged, which runs only when called on its own.
func (ix *Indexer) RunOnce() {
	start := time.Now()

	runIDs, err := ix.listRunIDs()
	if err != nil {
		logging.S().Errorw("indexer: list run directories failed", "error", err)
		return
	}

	reconciled := 0
	summaries := make([]wes.Summary, 0, len(runIDs))
	for _, runID := range runIDs {
		run, err := ix.store.Load(runID)
		if err != nil {
			logging.S().Warnw("indexer: load run failed, skipping", "run_id", runID, "error", err)
			continue
		}

		if !run.State.Terminal() && run.State != wes.StateDeleting && !processAlive(run.SupervisorPID) {
			if err := ix.reconcileDead(runID); err != nil {
				logging.S().Errorw("indexer: reconcile dead run failed", "run_id", runID, "error", err)
			} else {
				reconciled++
				run.State = wes.StateSystemError
			}
		}

		summaries = append(summaries, wes.Summary{
			RunID:     run.RunID,
			State:     run.State,
			StartTime: run.StartTime,
			EndTime:   run.EndTime,
			Username:  run.Username,
			Tags:      run.Request.Tags,
		})
	}

	if err := ix.rebuildSnapshot(summaries); err != nil {
		logging.S().Errorw("indexer: rebuild snapshot failed", "error", err)
	}

	metrics.Get().RecordIndexerPass(time.Since(start), len(runIDs), reconciled)

	counts := make(map[wes.State]int)
	for _, s := range summaries {
		counts[s.State]++
	}
	metrics.Get().SetRunsByState(counts)
}

// SweepAged removes run directories whose terminal timestamp is older
// than olderThan, per --run-remove-older-than-days.
func (ix *Indexer) SweepAged(olderThan time.Duration) {
	runIDs, err := ix.listRunIDs()
	if err != nil {
		logging.S().Errorw("indexer: sweep list failed", "error", err)
		return
	}

	cutoff := time.Now().Add(-olderThan)
	for _, runID := range runIDs {
		run, err := ix.store.Load(runID)
		if err != nil {
			continue
		}
		if !run.State.Terminal() || run.EndTime == nil || run.EndTime.After(cutoff) {
			continue
		}
		if err := ix.store.Delete(runID); err != nil {
			logging.S().Warnw("indexer: aged cleanup delete failed", "run_id", runID, "error", err)
		}
	}
}

// reconcileDead writes SYSTEM_ERROR and an explanatory system_logs.json
// note, plus exit_code.txt=1, per spec S6.
func (ix *Indexer) reconcileDead(runID string) error {
	if err := ix.store.WriteState(runID, wes.StateSystemError); err != nil {
		return err
	}
	if err := ix.store.AppendSystemLog(runID, map[string]interface{}{
		"event":  "crash_recovery",
		"reason": "supervised process not found; state was non-terminal at reconciliation time",
	}); err != nil {
		logging.S().Warnw("indexer: append system log failed", "run_id", runID, "error", err)
	}
	exitPath := filepath.Join(ix.store.Dir(runID), "exit_code.txt")
	if err := os.WriteFile(exitPath, []byte("1"), 0o644); err != nil {
		logging.S().Warnw("indexer: write exit_code.txt failed", "run_id", runID, "error", err)
	}
	return nil
}

// listRunIDs walks the sharded run directory tree for directories that
// look like run_ids (a materialized run), skipping .tmp staging dirs.
func (ix *Indexer) listRunIDs() ([]string, error) {
	var runIDs []string
	shards, err := os.ReadDir(ix.store.RootDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	for _, shard := range shards {
		if !shard.IsDir() || len(shard.Name()) != 2 {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(ix.store.RootDir, shard.Name()))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
				continue
			}
			runIDs = append(runIDs, e.Name())
		}
	}
	return runIDs, nil
}

// rebuildSnapshot builds a fresh sapporo.db in a temp file, writes the
// runs table, and atomically renames it over the live snapshot (P5).
func (ix *Indexer) rebuildSnapshot(summaries []wes.Summary) error {
	finalPath := filepath.Join(ix.store.RootDir, dbFileName)
	tmpPath := finalPath + ".tmp"
	os.Remove(tmpPath)

	db, err := sql.Open("sqlite", tmpPath)
	if err != nil {
		return fmt.Errorf("open temp snapshot: %w", err)
	}

	if err := buildRunsTable(db, summaries); err != nil {
		db.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := db.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

func buildRunsTable(db *sql.DB, summaries []wes.Summary) error {
	if _, err := db.Exec(`
		CREATE TABLE runs (
			run_id     TEXT PRIMARY KEY,
			state      TEXT NOT NULL,
			start_time TEXT,
			end_time   TEXT,
			username   TEXT,
			tags_json  TEXT
		)
	`); err != nil {
		return fmt.Errorf("create runs table: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO runs (run_id, state, start_time, end_time, username, tags_json) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range summaries {
		var startStr, endStr sql.NullString
		if s.StartTime != nil {
			startStr = sql.NullString{String: s.StartTime.UTC().Format(time.RFC3339), Valid: true}
		}
		if s.EndTime != nil {
			endStr = sql.NullString{String: s.EndTime.UTC().Format(time.RFC3339), Valid: true}
		}
		tagsJSON, err := json.Marshal(s.Tags)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("encode tags for %s: %w", s.RunID, err)
		}
		if _, err := stmt.Exec(s.RunID, string(s.State), startStr, endStr, s.Username, string(tagsJSON)); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert run %s: %w", s.RunID, err)
		}
	}

	return tx.Commit()
}

// CountRuns returns the total number of rows in sapporo.db matching
// stateFilter/usernameFilter, ignoring pagination — used for the
// GET /runs total_runs field.
func CountRuns(rootDir string, stateFilter, usernameFilter string) (int, error) {
	path := filepath.Join(rootDir, dbFileName)
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return 0, fmt.Errorf("open snapshot: %w", err)
	}
	defer db.Close()

	query := strings.Builder{}
	query.WriteString("SELECT COUNT(*) FROM runs WHERE 1=1")
	args := []interface{}{}
	if stateFilter != "" {
		query.WriteString(" AND state = ?")
		args = append(args, stateFilter)
	}
	if usernameFilter != "" {
		query.WriteString(" AND username = ?")
		args = append(args, usernameFilter)
	}

	var count int
	if err := db.QueryRow(query.String(), args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return count, nil
}

// pageTokenSeparator joins the keyset cursor's (start_time, run_id)
// pair inside an opaque page token. RFC3339 timestamps and UUID
// run IDs never contain it.
const pageTokenSeparator = "|"

func encodePageToken(startTime, runID string) string {
	return startTime + pageTokenSeparator + runID
}

func decodePageToken(token string) (startTime, runID string, ok bool) {
	i := strings.LastIndex(token, pageTokenSeparator)
	if i < 0 {
		return "", "", false
	}
	return token[:i], token[i+1:], true
}

// QueryRuns reads a page of run summaries from sapporo.db, optionally
// filtered by state and/or username, ordered by start_time per spec
// §6.1's sort_order (asc/desc, ties broken by run_id in the same
// direction). Used by the router's snapshot-mode GET /runs path.
func QueryRuns(rootDir string, stateFilter, usernameFilter, sortOrder string, pageSize int, pageToken string) (rows []wes.Summary, nextToken string, err error) {
	path := filepath.Join(rootDir, dbFileName)
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, "", fmt.Errorf("open snapshot: %w", err)
	}
	defer db.Close()

	dir := "DESC"
	cmp := "<"
	if sortOrder == "asc" {
		dir, cmp = "ASC", ">"
	}

	query := strings.Builder{}
	query.WriteString("SELECT run_id, state, start_time, end_time, username, tags_json FROM runs WHERE 1=1")
	args := []interface{}{}

	if stateFilter != "" {
		query.WriteString(" AND state = ?")
		args = append(args, stateFilter)
	}
	if usernameFilter != "" {
		query.WriteString(" AND username = ?")
		args = append(args, usernameFilter)
	}
	if tokenTime, tokenRunID, ok := decodePageToken(pageToken); ok {
		query.WriteString(fmt.Sprintf(" AND (COALESCE(start_time, '') %s ? OR (COALESCE(start_time, '') = ? AND run_id %s ?))", cmp, cmp))
		args = append(args, tokenTime, tokenTime, tokenRunID)
	}
	query.WriteString(fmt.Sprintf(" ORDER BY COALESCE(start_time, '') %s, run_id %s LIMIT ?", dir, dir))
	args = append(args, pageSize+1)

	dbRows, err := db.Query(query.String(), args...)
	if err != nil {
		return nil, "", fmt.Errorf("query runs: %w", err)
	}
	defer dbRows.Close()

	var startStrs []string
	for dbRows.Next() {
		var s wes.Summary
		var startStr, endStr sql.NullString
		var tagsJSON string
		if err := dbRows.Scan(&s.RunID, &s.State, &startStr, &endStr, &s.Username, &tagsJSON); err != nil {
			return nil, "", fmt.Errorf("scan run: %w", err)
		}
		if startStr.Valid {
			if t, perr := time.Parse(time.RFC3339, startStr.String); perr == nil {
				s.StartTime = &t
			}
		}
		if endStr.Valid {
			if t, perr := time.Parse(time.RFC3339, endStr.String); perr == nil {
				s.EndTime = &t
			}
		}
		if tagsJSON != "" {
			_ = json.Unmarshal([]byte(tagsJSON), &s.Tags)
		}
		rows = append(rows, s)
		startStrs = append(startStrs, startStr.String)
	}

	if len(rows) > pageSize {
		nextToken = encodePageToken(startStrs[pageSize-1], rows[pageSize-1].RunID)
		rows = rows[:pageSize]
	}

	return rows, nextToken, nil
}

// processAlive reports whether pid refers to a live process, via the
// signal-0 probe (no signal is actually delivered).
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
