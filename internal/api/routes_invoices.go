package api

import (
	"github.com/gin-gonic/gin"

	"github.com/corvalhq/corval/internal/handlers"
	"github.com/corvalhq/corval/internal/middleware"
	"github.com/corvalhq/corval/internal/permissions"
)

func registerInvoiceRoutes(api *gin.RouterGroup, handler *handlers.InvoiceHandler, billing *handlers.BillingHandler, checker *permissions.Checker) {
	invoices := api.Group("/invoices")
	{
		invoices.GET("", middleware.RequirePermission(checker, "invoice.view"), handler.List)
		invoices.POST("", middleware.RequirePermission(checker, "invoice.create"), handler.Create)
		invoices.GET("/:id", middleware.RequirePermission(checker, "invoice.view"), handler.Get)
		invoices.PATCH("/:id", middleware.RequirePermission(checker, "invoice.edit"), handler.Update)
		invoices.POST("/:id/issue", middleware.RequirePermission(checker, "invoice.issue"), handler.Issue)
		invoices.POST("/:id/payments", middleware.RequirePermission(checker, "invoice.pay"), handler.RecordPayment)
		invoices.POST("/:id/void", middleware.RequirePermission(checker, "invoice.void"), handler.Void)
	}

	if billing != nil {
		group := api.Group("/billing")
		group.GET("/usage", middleware.RequirePermission(checker, "billing.view"), billing.ListUsage)
		group.GET("/summary", middleware.RequirePermission(checker, "billing.view"), billing.Summary)
	}
}
