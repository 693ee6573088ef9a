package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gautema/runlater/internal/metrics"
)

// Metrics records latency, volume and request size per route template.
// c.FullPath() keeps the path label bounded; raw URLs would explode the
// cardinality on the public /in/:slug and /ping/:token routes.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}
		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())

		metrics.HTTPRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		metrics.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		if size := c.Request.ContentLength; size > 0 {
			metrics.HTTPRequestSizeBytes.WithLabelValues(method, path).Observe(float64(size))
		}
	}
}
