package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cobalt-labs/relay/pkg/api"
)

// Auth checks for a valid Bearer token in the Authorization header against
// the configured key set. An empty key set disables auth (local dev).
func Auth(keys []string) gin.HandlerFunc {
	keySet := make(map[string]bool, len(keys))
	for _, k := range keys {
		keySet[k] = true
	}

	return func(c *gin.Context) {
		if len(keySet) == 0 {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, api.ErrorResponse{Message: "Missing Authorization header"})
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, api.ErrorResponse{Message: "Invalid Authorization header format"})
			return
		}

		if !keySet[parts[1]] {
			c.AbortWithStatusJSON(http.StatusUnauthorized, api.ErrorResponse{Message: "Invalid API Key"})
			return
		}

		c.Next()
	}
}
