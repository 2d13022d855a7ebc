package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-sync/internal/telemetry"
)

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router gin.IRouter, engine SyncEngine, emitter *telemetry.AuditEmitter, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		active, _ := engine.Active()
		emitter.Emit(c.Request.Context(), "audit_test", active, "requested via debug endpoint")
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/debug/state", func(c *gin.Context) {
		active, ok := engine.Active()
		c.JSON(http.StatusOK, gin.H{
			"active":   active,
			"attached": ok,
			"degraded": engine.Degraded(),
		})
	})
}
