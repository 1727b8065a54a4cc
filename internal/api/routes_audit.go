package api

import (
	"github.com/gin-gonic/gin"

	"github.com/corvalhq/corval/internal/handlers"
	"github.com/corvalhq/corval/internal/middleware"
	"github.com/corvalhq/corval/internal/permissions"
)

func registerAuditRoutes(api *gin.RouterGroup, audit *handlers.AuditHandler, securityAudit *handlers.SecurityHandler, checker *permissions.Checker) {
	api.GET("/audit", middleware.RequirePermission(checker, "audit.view"), audit.List)
	api.GET("/audit/export", middleware.RequirePermission(checker, "audit.export"), audit.Export)

	sec := api.Group("/security")
	sec.GET("/audit", middleware.RequirePermission(checker, "security.audit"), securityAudit.Audit)
}
