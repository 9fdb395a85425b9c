package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"marketplace-chat/internal/telemetry"
)

// PresenceReader exposes who is connected.
type PresenceReader interface {
	OnlineUsers() []string
	OnlineCount() int
}

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router *gin.Engine, emitter *telemetry.AuditEmitter, presence PresenceReader, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(requestContext(c), telemetry.AuditEntry{
			Action:    "debug.audit_test",
			Text:      "audit test",
			RequestID: requestIDFromContext(c),
			UserID:    userIDFromContext(c),
		})
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/debug/presence", func(c *gin.Context) {
		if presence == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence not configured"})
			return
		}
		users := presence.OnlineUsers()
		if users == nil {
			users = []string{}
		}
		c.JSON(http.StatusOK, gin.H{"online": presence.OnlineCount(), "users": users})
	})
}
