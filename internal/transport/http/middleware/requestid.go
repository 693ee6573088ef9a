package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/gautema/runlater/internal/requestid"
)

// RequestID injects a request ID into the context and response header.
// An incoming X-Request-ID is kept so callers can correlate, but only
// when it looks like an id: /in and /ping are public, and a hostile
// header value would otherwise flow straight into every log line.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if !saneID(id) {
			id = requestid.New()
		}

		ctx := requestid.WithRequestID(c.Request.Context(), id)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func saneID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}
