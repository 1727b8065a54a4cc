package api

import (
	"github.com/gin-gonic/gin"

	"github.com/corvalhq/corval/internal/handlers"
	"github.com/corvalhq/corval/internal/middleware"
	"github.com/corvalhq/corval/internal/permissions"
)

func registerAutomationRoutes(api *gin.RouterGroup, handler *handlers.AutomationHandler, checker *permissions.Checker) {
	rules := api.Group("/automations")
	{
		rules.GET("", middleware.RequirePermission(checker, "automation.view"), handler.ListRules)
		rules.POST("", middleware.RequirePermission(checker, "automation.manage"), handler.CreateRule)
		rules.GET("/:id", middleware.RequirePermission(checker, "automation.view"), handler.GetRule)
		rules.PATCH("/:id", middleware.RequirePermission(checker, "automation.manage"), handler.UpdateRule)
		rules.DELETE("/:id", middleware.RequirePermission(checker, "automation.manage"), handler.DeleteRule)
		rules.GET("/:id/runs", middleware.RequirePermission(checker, "automation.view"), handler.ListRuns)
	}
}
