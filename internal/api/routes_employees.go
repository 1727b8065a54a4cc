package api

import (
	"github.com/gin-gonic/gin"

	"github.com/corvalhq/corval/internal/handlers"
	"github.com/corvalhq/corval/internal/middleware"
	"github.com/corvalhq/corval/internal/permissions"
)

func registerEmployeeRoutes(api *gin.RouterGroup, handler *handlers.EmployeeHandler, checker *permissions.Checker) {
	employees := api.Group("/employees")
	{
		employees.GET("", middleware.RequirePermission(checker, "employee.view"), handler.List)
		employees.POST("", middleware.RequirePermission(checker, "employee.create"), handler.Create)
		employees.POST("/sync", middleware.RequirePermission(checker, "employee.sync"), handler.SyncDirectory)
		employees.GET("/:id", middleware.RequirePermission(checker, "employee.view"), handler.Get)
		employees.PATCH("/:id", middleware.RequirePermission(checker, "employee.edit"), handler.Update)
		employees.POST("/:id/transfer", middleware.RequirePermission(checker, "employee.edit"), handler.Transfer)
		employees.POST("/:id/terminate", middleware.RequirePermission(checker, "employee.terminate"), handler.Terminate)
		employees.DELETE("/:id", middleware.RequirePermission(checker, "employee.terminate"), handler.Delete)
	}
}
