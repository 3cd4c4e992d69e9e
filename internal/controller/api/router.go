package api

import (
	"github.com/gin-gonic/gin"

	"github.com/phusion/passenger-sub013/internal/common/logger"
	"github.com/phusion/passenger-sub013/internal/events/bus"
	"github.com/phusion/passenger-sub013/internal/pool"
)

// SetupRoutes configures the admin API routes under the given router
// group (normally /api/v1), mirroring the teacher's
// internal/agent/api/router.go grouping-by-resource convention.
func SetupRoutes(router *gin.RouterGroup, p *pool.Pool, poolName string, eb bus.EventBus, log *logger.Logger) {
	handler := NewHandler(p, poolName, log)

	router.GET("/healthz", handler.Health)

	pools := router.Group("/pools")
	{
		pools.GET("/:name", handler.GetPool)
		pools.GET("/:name/analytics", handler.GetAnalytics)
		pools.GET("/:name/groups", handler.ListGroups)
		pools.GET("/:name/groups/:group", handler.GetGroup)
		pools.POST("/:name/groups/:group/restart", handler.RestartGroup)
		pools.DELETE("/:name/groups/:group", handler.DetachGroup)

		if eb != nil {
			hub := NewEventStreamHub(eb, log)
			pools.GET("/:name/events", hub.ServeWS)
		}
	}
}
