package api

import (
	"github.com/gin-gonic/gin"

	"github.com/corvalhq/corval/internal/handlers"
	"github.com/corvalhq/corval/internal/middleware"
	"github.com/corvalhq/corval/internal/permissions"
)

func registerCustomerRoutes(api *gin.RouterGroup, handler *handlers.CustomerHandler, invoices *handlers.InvoiceHandler, checker *permissions.Checker) {
	customers := api.Group("/customers")
	{
		customers.GET("", middleware.RequirePermission(checker, "customer.view"), handler.List)
		customers.POST("", middleware.RequirePermission(checker, "customer.create"), handler.Create)
		customers.GET("/:id", middleware.RequirePermission(checker, "customer.view"), handler.Get)
		customers.PATCH("/:id", middleware.RequirePermission(checker, "customer.edit"), handler.Update)
		customers.POST("/:id/archive", middleware.RequirePermission(checker, "customer.edit"), handler.Archive)
		customers.DELETE("/:id", middleware.RequirePermission(checker, "customer.delete"), handler.Delete)
		customers.POST("/:id/contacts", middleware.RequirePermission(checker, "customer.edit"), handler.AddContact)
		customers.PATCH("/:id/contacts/:contactID", middleware.RequirePermission(checker, "customer.edit"), handler.UpdateContact)
		customers.DELETE("/:id/contacts/:contactID", middleware.RequirePermission(checker, "customer.edit"), handler.RemoveContact)

		if invoices != nil {
			customers.GET("/:id/balance", middleware.RequirePermission(checker, "invoice.view"), invoices.CustomerBalance)
		}
	}
}
