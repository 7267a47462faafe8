package router

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"apex-build/internal/apierror"
	"apex-build/internal/indexer"
	"apex-build/internal/logging"
	"apex-build/internal/metrics"
	"apex-build/internal/middleware"
	"apex-build/internal/supervisor"
	"apex-build/internal/validator"
	"apex-build/internal/wes"
)

const defaultPageSize = 50

// CreateRun implements POST /runs: parse (multipart or JSON), validate
// against the engine/type matrix and whitelist, materialize the run
// directory, and fork the dispatcher.
func (s *Server) CreateRun(c *gin.Context) {
	contentType := c.ContentType()

	var form validator.Form
	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := c.Request.ParseMultipartForm(32 << 20); err != nil {
			status, resp := apierror.ToResponse(apierror.Wrap(apierror.InvalidRequest, "malformed multipart body", err))
			c.JSON(status, resp)
			return
		}
		files := map[string][]byte{}
		if c.Request.MultipartForm != nil {
			// workflow_attachment may carry multiple files; each is
			// keyed by its own filename, not the shared form field name.
			for _, fh := range c.Request.MultipartForm.File["workflow_attachment"] {
				f, err := fh.Open()
				if err != nil {
					continue
				}
				content, err := io.ReadAll(f)
				f.Close()
				if err != nil {
					continue
				}
				files[fh.Filename] = content
			}
		}
		form = validator.ParseMultipart(c.Request.MultipartForm, files)
	} else {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			status, resp := apierror.ToResponse(apierror.Wrap(apierror.InvalidRequest, "failed to read request body", err))
			c.JSON(status, resp)
			return
		}
		form, err = validator.ParseJSON(body)
		if err != nil {
			status, resp := apierror.ToResponse(err)
			c.JSON(status, resp)
			return
		}
	}

	result, err := validator.Validate(form, s.cfg.ExecutableWorkflows, true)
	if err != nil {
		status, resp := apierror.ToResponse(err)
		c.JSON(status, resp)
		return
	}

	username, _ := middleware.Username(c)

	attachments := make(map[string][]byte, len(result.Attachments))
	for _, a := range result.Attachments {
		attachments[a.FileName] = a.Content
	}

	runID, err := s.store.Create(result.Request, username, attachments, nil)
	if err != nil {
		status, resp := apierror.ToResponse(err)
		c.JSON(status, resp)
		return
	}

	if err := s.supervisor.Start(runID); err != nil {
		logging.S().Errorw("failed to start dispatcher", "run_id", runID, "error", err)
		_ = s.store.WriteState(runID, wes.StateSystemError)
		status, resp := apierror.ToResponse(apierror.Wrap(apierror.Internal, "failed to launch workflow engine", err))
		c.JSON(status, resp)
		return
	}

	c.JSON(http.StatusOK, gin.H{"run_id": runID})
}

// ListRuns implements GET /runs, served from the SQLite snapshot
// unless latest=true bypasses it for a live disk read.
func (s *Server) ListRuns(c *gin.Context) {
	pageSize := defaultPageSize
	if raw := c.Query("page_size"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			pageSize = n
		}
	}
	pageToken := c.Query("page_token")
	sortOrder := c.DefaultQuery("sort_order", "desc")
	stateFilter := c.Query("state")
	latest := c.Query("latest") == "true"
	runIDs := c.QueryArray("run_ids")
	tagFilters := c.QueryArray("tags")

	callerUsername, _ := middleware.Username(c)
	usernameFilter := ""
	if s.cfg.AuthConfig.AuthEnabled {
		usernameFilter = callerUsername
	}

	if latest || len(runIDs) > 0 || len(tagFilters) > 0 {
		s.listRunsLive(c, stateFilter, usernameFilter, runIDs, tagFilters, sortOrder, pageSize)
		return
	}

	rows, nextToken, err := indexer.QueryRuns(s.store.RootDir, stateFilter, usernameFilter, sortOrder, pageSize, pageToken)
	if err != nil {
		status, resp := apierror.ToResponse(apierror.Wrap(apierror.StorageIO, "query run index", err))
		c.JSON(status, resp)
		return
	}
	total, err := indexer.CountRuns(s.store.RootDir, stateFilter, usernameFilter)
	if err != nil {
		total = len(rows)
	}

	c.JSON(http.StatusOK, gin.H{"runs": rows, "next_page_token": nextToken, "total_runs": total})
}

// listRunsLive bypasses the snapshot entirely, used for latest=true or
// when filtering by run_ids/tags (not indexed in sapporo.db's schema).
func (s *Server) listRunsLive(c *gin.Context, stateFilter, usernameFilter string, runIDs, tagFilters []string, sortOrder string, pageSize int) {
	candidates := runIDs
	if len(candidates) == 0 {
		ids, err := listAllRunIDs(s.store.RootDir)
		if err != nil {
			status, resp := apierror.ToResponse(apierror.Wrap(apierror.StorageIO, "list run directories", err))
			c.JSON(status, resp)
			return
		}
		candidates = ids
	}

	wantTags := map[string]string{}
	for _, kv := range tagFilters {
		parts := strings.SplitN(kv, ":", 2)
		if len(parts) == 2 {
			wantTags[parts[0]] = parts[1]
		}
	}

	var summaries []wes.Summary
	for _, runID := range candidates {
		run, err := s.store.Load(runID)
		if err != nil {
			continue
		}
		if stateFilter != "" && string(run.State) != stateFilter {
			continue
		}
		if usernameFilter != "" && run.Username != usernameFilter {
			continue
		}
		matchesTags := true
		for k, v := range wantTags {
			if run.Request.Tags[k] != v {
				matchesTags = false
				break
			}
		}
		if !matchesTags {
			continue
		}
		summaries = append(summaries, wes.Summary{
			RunID: run.RunID, State: run.State, StartTime: run.StartTime,
			EndTime: run.EndTime, Username: run.Username, Tags: run.Request.Tags,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		ti, tj := startTimeOrZero(summaries[i]), startTimeOrZero(summaries[j])
		if sortOrder == "asc" {
			return ti.Before(tj)
		}
		return ti.After(tj)
	})

	total := len(summaries)
	if len(summaries) > pageSize {
		summaries = summaries[:pageSize]
	}

	c.JSON(http.StatusOK, gin.H{"runs": summaries, "next_page_token": "", "total_runs": total})
}

// GetRun implements GET /runs/{id}, always reconstructed from disk
// (I1).
func (s *Server) GetRun(c *gin.Context) {
	runID := c.Param("run_id")
	run, err := s.store.Load(runID)
	if err != nil {
		s.respondRunLoadError(c, err)
		return
	}
	if !middleware.RequireOwnership(c, run.Username, s.cfg.AuthConfig.AuthEnabled) {
		return
	}
	c.JSON(http.StatusOK, run)
}

// GetRunStatus implements GET /runs/{id}/status: the reduced
// {run_id, state} projection.
func (s *Server) GetRunStatus(c *gin.Context) {
	runID := c.Param("run_id")
	run, err := s.store.Load(runID)
	if err != nil {
		s.respondRunLoadError(c, err)
		return
	}
	if !middleware.RequireOwnership(c, run.Username, s.cfg.AuthConfig.AuthEnabled) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": run.RunID, "state": run.State})
}

// CancelRun implements POST /runs/{id}/cancel: write CANCELING, then
// signal the supervised process group. A PID already gone is not an
// error (spec §4.4) — the next Indexer pass reconciles it.
func (s *Server) CancelRun(c *gin.Context) {
	runID := c.Param("run_id")
	run, err := s.store.Load(runID)
	if err != nil {
		s.respondRunLoadError(c, err)
		return
	}
	if !middleware.RequireOwnership(c, run.Username, s.cfg.AuthConfig.AuthEnabled) {
		return
	}

	if run.State.Terminal() {
		metrics.Get().RecordCancellation("already_terminal")
		c.JSON(http.StatusOK, gin.H{"run_id": runID, "already_terminal": true})
		return
	}

	if err := s.store.WriteState(runID, wes.StateCanceling); err != nil {
		status, resp := apierror.ToResponse(err)
		c.JSON(status, resp)
		return
	}

	outcome := s.supervisor.Cancel(runID)
	c.JSON(http.StatusOK, gin.H{
		"run_id":       runID,
		"pid_was_gone": outcome == supervisor.CancelPIDGone,
	})
}

// DeleteRun implements DELETE /runs/{id}.
func (s *Server) DeleteRun(c *gin.Context) {
	runID := c.Param("run_id")
	run, err := s.store.Load(runID)
	if err != nil {
		s.respondRunLoadError(c, err)
		return
	}
	if !middleware.RequireOwnership(c, run.Username, s.cfg.AuthConfig.AuthEnabled) {
		return
	}
	if err := s.store.Delete(runID); err != nil {
		status, resp := apierror.ToResponse(err)
		c.JSON(status, resp)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": runID})
}

// DeleteRuns implements DELETE /runs with run_ids[] required.
func (s *Server) DeleteRuns(c *gin.Context) {
	runIDs := c.QueryArray("run_ids")
	if len(runIDs) == 0 {
		status, resp := apierror.ToResponse(apierror.New(apierror.InvalidRequest, "run_ids is required"))
		c.JSON(status, resp)
		return
	}

	caller, _ := middleware.Username(c)
	deleted := make([]string, 0, len(runIDs))
	for _, runID := range runIDs {
		run, err := s.store.Load(runID)
		if err != nil {
			continue
		}
		if !s.ownerMatches(caller, run) {
			continue
		}
		if err := s.store.Delete(runID); err == nil {
			deleted = append(deleted, runID)
		}
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func startTimeOrZero(s wes.Summary) (t time.Time) {
	if s.StartTime != nil {
		return *s.StartTime
	}
	return time.Time{}
}

func listAllRunIDs(rootDir string) ([]string, error) {
	var ids []string
	shards, err := os.ReadDir(rootDir)
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
		entries, err := os.ReadDir(filepath.Join(rootDir, shard.Name()))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
				continue
			}
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}
