package router

import (
	"github.com/gin-gonic/gin"

	"apex-build/internal/metrics"
	"apex-build/internal/middleware"
)

// RegisterRoutes wires every endpoint from spec §4.7 onto engine,
// ahead of which the caller has already mounted the ambient
// middleware chain (Recovery, RequestID, Logger, CORS, metrics).
func RegisterRoutes(engine *gin.Engine, s *Server) {
	engine.GET("/metrics", gin.WrapH(metrics.PrometheusHandlerHTTP()))
	engine.GET("/service-info", s.ServiceInfo)
	engine.GET("/executable-workflows", s.ExecutableWorkflowsList)
	engine.POST("/token", s.Token)

	authed := engine.Group("/")
	authed.Use(middleware.RequireAuth(s.authn))
	{
		authed.GET("/me", s.Me)

		authed.GET("/runs", s.ListRuns)
		authed.POST("/runs", middleware.RunSubmissionLimiter(s.cfg.RunSubmissionsPerMinute, s.cfg.RunSubmissionBurst), s.CreateRun)
		authed.DELETE("/runs", s.DeleteRuns)

		authed.GET("/runs/:run_id", s.GetRun)
		authed.GET("/runs/:run_id/status", s.GetRunStatus)
		authed.POST("/runs/:run_id/cancel", s.CancelRun)
		authed.DELETE("/runs/:run_id", s.DeleteRun)

		authed.GET("/runs/:run_id/outputs", s.ListOutputs)
		authed.GET("/runs/:run_id/outputs/*path", s.GetOutput)
		authed.GET("/runs/:run_id/ro-crate", s.GetROCrate)

		authed.GET("/runs/:run_id/tasks", s.TasksUnsupported)
		authed.GET("/runs/:run_id/tasks/:task_id", s.TasksUnsupported)
	}
}
