package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cobalt-labs/relay/pkg/api"
)

// ErrorHandler serializes handler errors. Problems render as RFC 9457
// bodies; anything else becomes a generic 500.
func ErrorHandler(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		if problem, ok := err.(*api.Problem); ok {
			if problem.Log != nil {
				logger.Error("request failed",
					zap.Int("status", problem.Status),
					zap.Error(problem.Log))
			}

			// RFC 9457 dictates the json is at the root
			c.JSON(problem.Status, problem)
			c.Abort()
			return
		}

		logger.Error("unhandled error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, api.NewError(
			http.StatusInternalServerError,
			"Internal Server Error",
			"An unexpected error occurred.",
		))
		c.Abort()
	}
}
