package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const APIKeyHeader = "X-Atmosync-Key"

// APIKey rejects requests that do not carry the configured key
func APIKey(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := c.GetHeader(APIKeyHeader)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Unauthorized",
				"code":  "UNAUTHORIZED",
			})
			return
		}
		c.Next()
	}
}
