package api

import (
	"github.com/gin-gonic/gin"

	"github.com/corvalhq/corval/internal/handlers"
	"github.com/corvalhq/corval/internal/middleware"
	"github.com/corvalhq/corval/internal/permissions"
)

func registerPluginRoutes(api *gin.RouterGroup, handler *handlers.PluginHandler, checker *permissions.Checker) {
	plugins := api.Group("/plugins")
	{
		plugins.GET("", middleware.RequirePermission(checker, "plugin.view"), handler.List)
		plugins.POST("", middleware.RequirePermission(checker, "plugin.install"), handler.Install)
		plugins.GET("/:id", middleware.RequirePermission(checker, "plugin.view"), handler.Get)
		plugins.POST("/:id/enable", middleware.RequirePermission(checker, "plugin.manage"), handler.Enable)
		plugins.POST("/:id/disable", middleware.RequirePermission(checker, "plugin.manage"), handler.Disable)
		plugins.DELETE("/:id", middleware.RequirePermission(checker, "plugin.manage"), handler.Uninstall)
		plugins.POST("/:id/run", middleware.RequirePermission(checker, "plugin.execute"), handler.Run)
		plugins.GET("/:id/executions", middleware.RequirePermission(checker, "plugin.view"), handler.ListExecutions)
	}
}
