package api

import (
	"github.com/gin-gonic/gin"

	"github.com/corvalhq/corval/internal/handlers"
	"github.com/corvalhq/corval/internal/middleware"
	"github.com/corvalhq/corval/internal/permissions"
)

func registerAssistRoutes(api *gin.RouterGroup, handler *handlers.AssistHandler, checker *permissions.Checker) {
	assist := api.Group("/assist")
	{
		assist.POST("/ask", middleware.RequirePermission(checker, "assist.use"), handler.Ask)
		assist.POST("/ask/stream", middleware.RequirePermission(checker, "assist.use"), handler.AskStream)
		assist.GET("/conversations", middleware.RequirePermission(checker, "assist.use"), handler.ListConversations)
		assist.GET("/conversations/:id", middleware.RequirePermission(checker, "assist.use"), handler.GetConversation)
		assist.GET("/conversations/:id/messages", middleware.RequirePermission(checker, "assist.use"), handler.ListMessages)
		assist.POST("/conversations/:id/archive", middleware.RequirePermission(checker, "assist.use"), handler.ArchiveConversation)
		assist.DELETE("/conversations/:id", middleware.RequirePermission(checker, "assist.use"), handler.DeleteConversation)
		assist.GET("/settings", middleware.RequirePermission(checker, "assist.configure"), handler.GetSettings)
		assist.PUT("/settings", middleware.RequirePermission(checker, "assist.configure"), handler.UpdateSettings)
	}
}
