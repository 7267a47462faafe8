package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestCORSSetsHeadersAndShortCircuitsOptions(t *testing.T) {
	engine := gin.New()
	engine.Use(CORS("https://example.org"))
	engine.GET("/runs", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/runs", nil)
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://example.org", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRunSubmissionLimiterDisabledWhenPerMinuteIsZero(t *testing.T) {
	engine := gin.New()
	engine.POST("/runs", RunSubmissionLimiter(0, 5), func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 10; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/runs", nil)
		engine.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestRunSubmissionLimiterRejectsBeyondBurst(t *testing.T) {
	engine := gin.New()
	engine.POST("/runs", RunSubmissionLimiter(60, 2), func(c *gin.Context) { c.Status(http.StatusOK) })

	var statuses []int
	for i := 0; i < 4; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/runs", nil)
		engine.ServeHTTP(w, req)
		statuses = append(statuses, w.Code)
	}

	assert.Contains(t, statuses, http.StatusServiceUnavailable)
}
