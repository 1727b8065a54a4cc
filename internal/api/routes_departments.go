package api

import (
	"github.com/gin-gonic/gin"

	"github.com/corvalhq/corval/internal/handlers"
	"github.com/corvalhq/corval/internal/middleware"
	"github.com/corvalhq/corval/internal/permissions"
)

func registerDepartmentRoutes(api *gin.RouterGroup, handler *handlers.DepartmentHandler, checker *permissions.Checker) {
	departments := api.Group("/departments")
	{
		departments.GET("", middleware.RequirePermission(checker, "department.view"), handler.List)
		departments.GET("/:id", middleware.RequirePermission(checker, "department.view"), handler.Get)
		departments.POST("", middleware.RequirePermission(checker, "department.manage"), handler.Create)
		departments.PATCH("/:id", middleware.RequirePermission(checker, "department.manage"), handler.Update)
		departments.DELETE("/:id", middleware.RequirePermission(checker, "department.manage"), handler.Delete)
		departments.GET("/:id/members", middleware.RequirePermission(checker, "department.view"), handler.ListMembers)
		departments.POST("/:id/members", middleware.RequirePermission(checker, "department.manage"), handler.AddMember)
		departments.DELETE("/:id/members/:userID", middleware.RequirePermission(checker, "department.manage"), handler.RemoveMember)
		departments.GET("/:id/roles", middleware.RequirePermission(checker, "department.view"), handler.ListRoles)
		departments.PUT("/:id/roles", middleware.RequirePermission(checker, "department.manage"), handler.SetRoles)
	}
}
