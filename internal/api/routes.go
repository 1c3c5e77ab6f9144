package api

import "github.com/gin-gonic/gin"

// SetupRoutes registers the operational API on the router.
func SetupRoutes(router *gin.Engine, handler *Handler) {
	router.GET("/health", handler.Health)

	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/market", handler.LatestMarketData)
		apiGroup.GET("/analysis", handler.LatestAnalysis)
		apiGroup.POST("/analysis/refresh", handler.RefreshAnalysis)
		apiGroup.GET("/alerts/events", handler.AlertEvents)
		apiGroup.GET("/status", handler.Status)
	}
}
