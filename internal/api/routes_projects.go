package api

import (
	"github.com/gin-gonic/gin"

	"github.com/corvalhq/corval/internal/handlers"
	"github.com/corvalhq/corval/internal/middleware"
	"github.com/corvalhq/corval/internal/permissions"
)

func registerProjectRoutes(api *gin.RouterGroup, handler *handlers.ProjectHandler, checker *permissions.Checker) {
	projects := api.Group("/projects")
	{
		projects.GET("", middleware.RequirePermission(checker, "project.view"), handler.List)
		projects.POST("", middleware.RequirePermission(checker, "project.manage"), handler.Create)
		projects.GET("/:id", middleware.RequirePermission(checker, "project.view"), handler.Get)
		projects.PATCH("/:id", middleware.RequirePermission(checker, "project.manage"), handler.Update)
		projects.DELETE("/:id", middleware.RequirePermission(checker, "project.manage"), handler.Delete)
		projects.POST("/:id/members", middleware.RequirePermission(checker, "project.manage"), handler.AddMembers)
		projects.DELETE("/:id/members/:userID", middleware.RequirePermission(checker, "project.manage"), handler.RemoveMember)
		projects.GET("/:id/burn", middleware.RequirePermission(checker, "project.view"), handler.BurnReport)

		projects.GET("/:id/tasks", middleware.RequirePermission(checker, "project.view"), handler.ListTasks)
		projects.POST("/:id/tasks", middleware.RequirePermission(checker, "task.manage"), handler.CreateTask)
		projects.GET("/:id/tasks/:taskID", middleware.RequirePermission(checker, "project.view"), handler.GetTask)
		projects.PATCH("/:id/tasks/:taskID", middleware.RequirePermission(checker, "task.manage"), handler.UpdateTask)
		projects.POST("/:id/tasks/:taskID/move", middleware.RequirePermission(checker, "task.manage"), handler.MoveTask)
		projects.DELETE("/:id/tasks/:taskID", middleware.RequirePermission(checker, "task.manage"), handler.DeleteTask)
	}

	entries := api.Group("/time-entries")
	{
		entries.POST("", middleware.RequirePermission(checker, "time.log"), handler.LogTime)
		entries.GET("", middleware.RequirePermission(checker, "time.log"), handler.ListTimeEntries)
	}
}
