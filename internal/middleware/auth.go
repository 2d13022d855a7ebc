package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// AuthMiddleware guards the control API with a static bearer token and
// exposes the session user as "userID". An empty token disables the check.
func AuthMiddleware(token, userID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token != "" {
			header := c.GetHeader("Authorization")
			if header == "" && c.Query("token") != "" {
				// websocket clients cannot set headers
				header = "Bearer " + c.Query("token")
			}
			if header == "" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
				return
			}

			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header"})
				return
			}

			if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
				return
			}
		}

		c.Set("userID", userID)
		c.Next()
	}
}
