package api

import (
	"github.com/gin-gonic/gin"

	"github.com/corvalhq/corval/internal/handlers"
	"github.com/corvalhq/corval/internal/middleware"
	"github.com/corvalhq/corval/internal/permissions"
)

func registerUserRoutes(api *gin.RouterGroup, handler *handlers.UserHandler, checker *permissions.Checker) {
	users := api.Group("/users")
	{
		users.GET("", middleware.RequirePermission(checker, "user.view"), handler.List)
		users.POST("", middleware.RequirePermission(checker, "user.create"), handler.Create)
		users.GET("/:id", middleware.RequirePermission(checker, "user.view"), handler.Get)
		users.PATCH("/:id", middleware.RequirePermission(checker, "user.edit"), handler.Update)
		users.DELETE("/:id", middleware.RequirePermission(checker, "user.delete"), handler.Delete)
		users.POST("/:id/activate", middleware.RequirePermission(checker, "user.edit"), handler.Activate)
		users.POST("/:id/deactivate", middleware.RequirePermission(checker, "user.edit"), handler.Deactivate)
		users.POST("/:id/password", middleware.RequirePermission(checker, "user.edit"), handler.ResetPassword)
		users.PUT("/:id/roles", middleware.RequirePermission(checker, "permission.manage"), handler.SetRoles)
	}
}
