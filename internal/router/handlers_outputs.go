package router

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"apex-build/internal/apierror"
	"apex-build/internal/middleware"
)

// ListOutputs implements GET /runs/{id}/outputs.
func (s *Server) ListOutputs(c *gin.Context) {
	runID := c.Param("run_id")
	run, err := s.store.Load(runID)
	if err != nil {
		s.respondRunLoadError(c, err)
		return
	}
	if !middleware.RequireOwnership(c, run.Username, s.cfg.AuthConfig.AuthEnabled) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"outputs": run.Outputs})
}

// GetOutput implements GET /runs/{id}/outputs/{path...}, honoring
// download=true via Content-Disposition.
func (s *Server) GetOutput(c *gin.Context) {
	runID := c.Param("run_id")
	relpath := c.Param("path")
	if len(relpath) > 0 && relpath[0] == '/' {
		relpath = relpath[1:]
	}

	run, err := s.store.Load(runID)
	if err != nil {
		s.respondRunLoadError(c, err)
		return
	}
	if !middleware.RequireOwnership(c, run.Username, s.cfg.AuthConfig.AuthEnabled) {
		return
	}

	f, err := s.store.OpenOutput(runID, relpath)
	if err != nil {
		status, resp := apierror.ToResponse(err)
		c.JSON(status, resp)
		return
	}
	defer f.Close()

	if c.Query("download") == "true" {
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(relpath)))
	}
	c.DataFromReader(http.StatusOK, -1, "application/octet-stream", f, nil)
}

// GetROCrate implements GET /runs/{id}/ro-crate: serves
// ro-crate-metadata.json verbatim, including the {"@error": "..."}
// shape written by the bridge on failure (spec §4.8) — this handler
// never interprets the file's contents, only streams it.
func (s *Server) GetROCrate(c *gin.Context) {
	runID := c.Param("run_id")
	run, err := s.store.Load(runID)
	if err != nil {
		s.respondRunLoadError(c, err)
		return
	}
	if !middleware.RequireOwnership(c, run.Username, s.cfg.AuthConfig.AuthEnabled) {
		return
	}

	path := filepath.Join(s.store.Dir(runID), "ro-crate-metadata.json")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			status, resp := apierror.ToResponse(apierror.New(apierror.NotFound, "ro-crate-metadata.json not yet produced"))
			c.JSON(status, resp)
			return
		}
		status, resp := apierror.ToResponse(apierror.Wrap(apierror.StorageIO, "open ro-crate-metadata.json", err))
		c.JSON(status, resp)
		return
	}
	defer f.Close()

	if c.Query("download") == "true" {
		c.Header("Content-Disposition", "attachment; filename=\"ro-crate-metadata.json\"")
	}
	c.DataFromReader(http.StatusOK, -1, "application/json", f, nil)
}
