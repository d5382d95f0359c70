package response

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stemsi/academy-attendance/internal/clock"
)

// Gin context keys set by the middlewares below.
const (
	ContextKeyRequestID = "request_id"
	ContextKeyClock     = "clock"
)

// RequestIDMiddleware generates a unique request ID for every request.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Set(ContextKeyRequestID, reqID)
		c.Header("X-Request-ID", reqID)
		c.Next()
	}
}

// ClockMiddleware stamps response metadata with the authoritative clock instead of
// the process clock.
func ClockMiddleware(clk clock.Clock) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ContextKeyClock, clk)
		c.Next()
	}
}
