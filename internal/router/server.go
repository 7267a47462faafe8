// Package router is the Run Manager's thin HTTP surface (component
// C7): one handler method per endpoint on a Server receiver, exactly
// the style of the teacher's internal/api/handlers.go Server.
package router

import (
	"github.com/gin-gonic/gin"

	"apex-build/internal/apierror"
	"apex-build/internal/auth"
	"apex-build/internal/config"
	"apex-build/internal/runstore"
	"apex-build/internal/supervisor"
	"apex-build/internal/wes"
)

// Server holds every dependency a handler might need. It owns no
// mutable state of its own beyond what its fields reference.
type Server struct {
	cfg        *config.Config
	store      *runstore.Store
	authn      *auth.Authenticator
	supervisor *supervisor.Supervisor
	containers *supervisor.ContainerObserver
}

// New constructs a Server. containers may be nil when Docker
// introspection is unavailable.
func New(cfg *config.Config, store *runstore.Store, authn *auth.Authenticator, sv *supervisor.Supervisor, containers *supervisor.ContainerObserver) *Server {
	return &Server{
		cfg:        cfg,
		store:      store,
		authn:      authn,
		supervisor: sv,
		containers: containers,
	}
}

func (s *Server) ownerMatches(callerUsername string, run *wes.Run) bool {
	if !s.cfg.AuthConfig.AuthEnabled {
		return true
	}
	return callerUsername == run.Username
}

// respondRunLoadError writes err's normal ErrorResponse, except when
// auth is enabled and err is a run-not-found: per spec §7, an
// authenticated caller must see the same 403 for "doesn't exist" as
// for "exists but isn't yours", so a run ID can't be used as an
// existence oracle. The auth-disabled case is unaffected and still
// reports the bare 404.
func (s *Server) respondRunLoadError(c *gin.Context, err error) {
	if apiErr, ok := err.(*apierror.Error); ok && apiErr.Kind == apierror.NotFound && s.cfg.AuthConfig.AuthEnabled {
		status, resp := apierror.ToResponse(apierror.New(apierror.Forbidden, "forbidden"))
		c.JSON(status, resp)
		return
	}
	status, resp := apierror.ToResponse(err)
	c.JSON(status, resp)
}
