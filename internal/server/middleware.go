package server

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/subledger/internal/appcontext"
	"go.uber.org/zap"
)

// AppScoped resolves the :app_id path parameter and stamps the tenant onto
// the request context for the domain services.
func (s *Server) AppScoped() gin.HandlerFunc {
	return func(c *gin.Context) {
		appID, err := snowflake.ParseString(strings.TrimSpace(c.Param("app_id")))
		if err != nil || appID == 0 {
			AbortWithError(c, newValidationError("app_id", "invalid_app_id", "invalid app_id"))
			return
		}

		ctx := appcontext.WithAppID(c.Request.Context(), appID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http.access")
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
