package middleware

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"apex-build/internal/apierror"
	"apex-build/internal/logging"
)

// Recovery turns a panic in any handler into a structured INTERNAL
// error response instead of crashing the process.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		requestID, _ := c.Get("request_id")
		logging.S().Errorw("panic recovered", "request_id", requestID, "error", recovered, "stack", string(debug.Stack()))
		status, resp := apierror.ToResponse(apierror.New(apierror.Internal, "internal error"))
		c.JSON(status, resp)
	})
}

// RequestID assigns a unique ID to every request for correlation
// across Router, Supervisor, and Indexer log lines.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = generateRequestID()
		}
		c.Header("X-Request-ID", id)
		c.Set("request_id", id)
		c.Next()
	}
}

func generateRequestID() string {
	b := make([]byte, 4)
	rand.Read(b)
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), hex.EncodeToString(b))
}

// Logger writes one structured line per request through the shared
// zap logger.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()
		logging.S().Infow("request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

// CORS reflects allowOrigin (supports "*" or a single configured
// origin, per --allow-origin).
func CORS(allowOrigin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if allowOrigin != "" {
			c.Header("Access-Control-Allow-Origin", allowOrigin)
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID")
		c.Header("Access-Control-Expose-Headers", "X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RunSubmissionLimiter caps the rate of new POST /runs submissions
// process-wide, responding 503 once the token bucket is exhausted —
// the optional backpressure mechanism of spec §5, documented in
// GET /service-info's tags. A zero or negative perMinute disables the
// limiter entirely.
func RunSubmissionLimiter(perMinute, burst int) gin.HandlerFunc {
	if perMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}

	limiter := rate.NewLimiter(rate.Limit(perMinute)/60, burst)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			status, resp := apierror.ToResponse(apierror.New(apierror.StorageFull, "too many run submissions, try again shortly"))
			c.JSON(status, resp)
			c.Abort()
			return
		}
		c.Next()
	}
}
