package api

import (
	"github.com/gin-gonic/gin"

	"github.com/corvalhq/corval/internal/handlers"
	"github.com/corvalhq/corval/internal/middleware"
	"github.com/corvalhq/corval/internal/permissions"
)

func registerMonitoringRoutes(api *gin.RouterGroup, handler *handlers.MonitoringHandler, checker *permissions.Checker) {
	if api == nil || handler == nil || checker == nil {
		return
	}

	group := api.Group("/monitoring")
	group.GET("/health", middleware.RequirePermission(checker, "monitoring.view"), handler.Health)
	group.GET("/summary", middleware.RequirePermission(checker, "monitoring.view"), handler.Summary)
}
