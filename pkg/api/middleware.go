package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// observe returns middleware that times every request and feeds the HTTP
// collectors. The path label is the registered route template so metric
// cardinality stays bounded; requests that matched no route share one label.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := c.Writer.Status()
		duration := time.Since(started)

		s.metrics.HTTPRequest(c.Request.Method, path, strconv.Itoa(status), duration)
		s.logger.Info("Request served",
			"method", c.Request.Method, "path", path, "status", status,
			"duration_ms", duration.Milliseconds())
	}
}
