package middleware

import (
	"atmosync/internal/idgen"

	"github.com/gin-gonic/gin"
)

const (
	RequestIDKey = "X-Request-ID"

	maxRequestIDLen = 64
)

// RequestID reuses the caller's request ID when it is well formed and
// assigns a new one otherwise
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDKey)
		if !validRequestID(requestID) {
			requestID = idgen.NewRequest()
		}
		c.Header(RequestIDKey, requestID)
		c.Set(RequestIDKey, requestID)
		c.Next()
	}
}

// validRequestID accepts up to 64 characters of [A-Za-z0-9._:-]
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		ch := id[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		case ch == '.' || ch == '_' || ch == ':' || ch == '-':
		default:
			return false
		}
	}
	return true
}
