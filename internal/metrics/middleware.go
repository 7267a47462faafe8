package metrics

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMiddleware records HTTP metrics for every request except
// the metrics endpoint itself.
func PrometheusMiddleware() gin.HandlerFunc {
	m := Get()

	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		m.RecordHTTPRequest(endpoint, c.Request.Method, c.Writer.Status(), time.Since(start))
	}
}

// PrometheusHandler adapts promhttp.Handler for mounting under Gin.
func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// PrometheusHandlerHTTP returns a standard net/http handler for
// mounting the metrics endpoint outside of Gin (e.g. a separate
// internal-only listener).
func PrometheusHandlerHTTP() http.Handler {
	return promhttp.Handler()
}
