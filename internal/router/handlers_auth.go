package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"apex-build/internal/apierror"
	"apex-build/internal/middleware"
)

// Token implements POST /token, Sapporo (local) mode only. Accepts
// username/password via multipart form per spec §4.5.
func (s *Server) Token(c *gin.Context) {
	username := c.PostForm("username")
	password := c.PostForm("password")
	if username == "" || password == "" {
		status, resp := apierror.ToResponse(apierror.New(apierror.InvalidRequest, "username and password are required"))
		c.JSON(status, resp)
		return
	}

	token, err := s.authn.Login(username, password)
	if err != nil {
		status, resp := apierror.ToResponse(apierror.New(apierror.Unauthenticated, err.Error()))
		c.JSON(status, resp)
		return
	}

	c.JSON(http.StatusOK, gin.H{"access_token": token, "token_type": "bearer"})
}

// Me implements GET /me, returning the username bound by RequireAuth.
func (s *Server) Me(c *gin.Context) {
	username, ok := middleware.Username(c)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"username": nil, "auth_enabled": s.cfg.AuthConfig.AuthEnabled})
		return
	}
	c.JSON(http.StatusOK, gin.H{"username": username, "auth_enabled": s.cfg.AuthConfig.AuthEnabled})
}
