package router

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"apex-build/internal/apierror"
	"apex-build/internal/validator"
)

// ServiceInfo implements GET /service-info: the operator-supplied
// document, with the run-submission backpressure policy (if enabled)
// merged into its tags, per spec §5 "cap and policy are documented in
// service-info.tags".
func (s *Server) ServiceInfo(c *gin.Context) {
	info := map[string]interface{}{}
	if len(s.cfg.ServiceInfo) > 0 {
		if err := json.Unmarshal(s.cfg.ServiceInfo, &info); err != nil {
			status, resp := apierror.ToResponse(apierror.Wrap(apierror.Internal, "service-info document is not valid JSON", err))
			c.JSON(status, resp)
			return
		}
	}

	tags, _ := info["tags"].(map[string]interface{})
	if tags == nil {
		tags = map[string]interface{}{}
	}
	if s.cfg.RunSubmissionsPerMinute > 0 {
		tags["run_submission_limit_per_minute"] = s.cfg.RunSubmissionsPerMinute
		tags["run_submission_burst"] = s.cfg.RunSubmissionBurst
	}
	info["tags"] = tags

	c.JSON(http.StatusOK, info)
}

// ExecutableWorkflowsList implements GET /executable-workflows.
func (s *Server) ExecutableWorkflowsList(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.ExecutableWorkflows)
}

// TasksUnsupported implements GET /runs/{id}/tasks and
// GET /runs/{id}/tasks/{task_id}, neither of which this implementation
// supports (spec §4.7, Non-goals).
func (s *Server) TasksUnsupported(c *gin.Context) {
	status, resp := validator.StatusForTasksEndpoint()
	c.JSON(status, resp)
}
