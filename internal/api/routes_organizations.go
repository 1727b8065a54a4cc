package api

import (
	"github.com/gin-gonic/gin"

	"github.com/corvalhq/corval/internal/handlers"
	"github.com/corvalhq/corval/internal/middleware"
	"github.com/corvalhq/corval/internal/permissions"
)

func registerOrganizationRoutes(api *gin.RouterGroup, handler *handlers.OrganizationHandler, checker *permissions.Checker) {
	orgs := api.Group("/orgs")
	{
		orgs.GET("", middleware.RequirePermission(checker, "org.view"), handler.List)
		orgs.GET("/:id", middleware.RequirePermission(checker, "org.view"), handler.Get)
		orgs.POST("", middleware.RequirePermission(checker, "org.create"), handler.Create)
		orgs.PATCH("/:id", middleware.RequirePermission(checker, "org.manage"), handler.Update)
		orgs.POST("/:id/suspend", middleware.RequirePermission(checker, "org.manage"), handler.Suspend)
		orgs.POST("/:id/resume", middleware.RequirePermission(checker, "org.manage"), handler.Resume)
		orgs.DELETE("/:id", middleware.RequirePermission(checker, "org.manage"), handler.Delete)
	}
}
