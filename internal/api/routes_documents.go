package api

import (
	"github.com/gin-gonic/gin"

	"github.com/corvalhq/corval/internal/handlers"
	"github.com/corvalhq/corval/internal/middleware"
	"github.com/corvalhq/corval/internal/permissions"
)

func registerDocumentRoutes(api *gin.RouterGroup, handler *handlers.DocumentHandler, checker *permissions.Checker) {
	documents := api.Group("/documents")
	{
		documents.GET("", middleware.RequirePermission(checker, "document.view"), handler.List)
		documents.POST("", middleware.RequirePermission(checker, "document.upload"), handler.Ingest)
		documents.GET("/search", middleware.RequirePermission(checker, "document.view"), handler.Search)
		documents.GET("/:id", middleware.RequirePermission(checker, "document.view"), handler.Get)
		documents.PATCH("/:id", middleware.RequireResourcePermission(checker, "document.edit", "document", "id"), handler.Update)
		documents.DELETE("/:id", middleware.RequireResourcePermission(checker, "document.delete", "document", "id"), handler.Delete)
		documents.POST("/:id/reindex", middleware.RequireResourcePermission(checker, "document.edit", "document", "id"), handler.Reindex)
		documents.GET("/:id/chunks", middleware.RequirePermission(checker, "document.view"), handler.Chunks)
	}
}
