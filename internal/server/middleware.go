package server

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/publica/pkg/userctx"
	"go.uber.org/zap"
)

// userIDHeader carries the authenticated principal. Authentication itself
// happens at the edge; the service trusts the header the gateway injects.
const userIDHeader = "X-User-ID"

func (s *Server) UserRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(userIDHeader)
		if raw == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		userID, err := snowflake.ParseString(raw)
		if err != nil || userID == 0 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Request = c.Request.WithContext(userctx.WithUserID(c.Request.Context(), userID))
		c.Next()
	}
}

func (s *Server) userID(c *gin.Context) snowflake.ID {
	id, _ := userctx.UserID(c.Request.Context())
	return id
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http.access")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// Metrics scrapes would drown the log.
		if c.Request.URL.Path == "/metrics" || c.Request.URL.Path == "/health" {
			return
		}

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		}
		if c.Writer.Status() >= 500 {
			log.Error("request", fields...)
			return
		}
		log.Info("request", fields...)
	}
}
