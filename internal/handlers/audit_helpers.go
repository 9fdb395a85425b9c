package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"marketplace-chat/internal/middleware"
	"marketplace-chat/internal/observability"
)

const requestIDContextKey = "request_id"

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(requestIDContextKey); ok {
		if id, ok := val.(string); ok && id != "" {
			return id
		}
	}

	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(requestIDContextKey, requestID)
	return requestID
}

// requestContext carries the request id into downstream publishes.
func requestContext(c *gin.Context) context.Context {
	return observability.WithRequestID(c.Request.Context(), requestIDFromContext(c))
}

func userIDFromContext(c *gin.Context) string {
	if id := c.GetString(middleware.UserIDKey); id != "" {
		return id
	}
	return c.GetHeader("X-User-ID")
}

// RequestIDMiddleware assigns a request id and threads it through the request context.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := requestIDFromContext(c)
		c.Header("X-Request-ID", requestID)
		c.Request = c.Request.WithContext(observability.WithRequestID(c.Request.Context(), requestID))
		c.Next()
	}
}
