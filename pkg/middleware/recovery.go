package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/richxcame/visitguard/pkg/common"
	"github.com/richxcame/visitguard/pkg/errortracking"
	"github.com/richxcame/visitguard/pkg/logger"
	"go.uber.org/zap"
)

// Recovery turns a handler panic into a 500 and reports it.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.WithContext(c.Request.Context()).Error("Panic recovered",
					zap.Any("error", rec),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
					zap.Stack("stack"),
				)
				errortracking.CaptureRecovered(c.Request.Context(), rec, map[string]string{
					"route":  c.FullPath(),
					"method": c.Request.Method,
				})

				common.ErrorResponse(c, http.StatusInternalServerError, "internal server error")
				c.Abort()
			}
		}()

		c.Next()
	}
}
