package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestContext() (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/runs/abc", nil)
	return c, w
}

func TestBearerTokenExtractsValidHeader(t *testing.T) {
	token, ok := bearerToken("Bearer abc.def.ghi")
	require.True(t, ok)
	assert.Equal(t, "abc.def.ghi", token)
}

func TestBearerTokenRejectsMalformedHeader(t *testing.T) {
	_, ok := bearerToken("Basic abc")
	assert.False(t, ok)

	_, ok = bearerToken("Bearer ")
	assert.False(t, ok)

	_, ok = bearerToken("")
	assert.False(t, ok)
}

func TestRequireOwnershipAllowsWhenAuthDisabled(t *testing.T) {
	c, w := newTestContext()
	assert.True(t, RequireOwnership(c, "alice", false))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireOwnershipAllowsMatchingOwner(t *testing.T) {
	c, w := newTestContext()
	c.Set(usernameKey, "alice")
	assert.True(t, RequireOwnership(c, "alice", true))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireOwnershipRejectsMismatchedOwner(t *testing.T) {
	c, w := newTestContext()
	c.Set(usernameKey, "bob")
	assert.False(t, RequireOwnership(c, "alice", true))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.True(t, c.IsAborted())
}

func TestUsernameReadsBoundValue(t *testing.T) {
	c, _ := newTestContext()
	_, ok := Username(c)
	assert.False(t, ok)

	c.Set(usernameKey, "alice")
	username, ok := Username(c)
	require.True(t, ok)
	assert.Equal(t, "alice", username)
}
