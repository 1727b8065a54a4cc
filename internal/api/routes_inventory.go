package api

import (
	"github.com/gin-gonic/gin"

	"github.com/corvalhq/corval/internal/handlers"
	"github.com/corvalhq/corval/internal/middleware"
	"github.com/corvalhq/corval/internal/permissions"
)

func registerInventoryRoutes(api *gin.RouterGroup, handler *handlers.InventoryHandler, checker *permissions.Checker) {
	products := api.Group("/products")
	{
		products.GET("", middleware.RequirePermission(checker, "product.view"), handler.ListProducts)
		products.POST("", middleware.RequirePermission(checker, "product.manage"), handler.CreateProduct)
		products.GET("/:id", middleware.RequirePermission(checker, "product.view"), handler.GetProduct)
		products.PATCH("/:id", middleware.RequirePermission(checker, "product.manage"), handler.UpdateProduct)
		products.DELETE("/:id", middleware.RequirePermission(checker, "product.manage"), handler.DeleteProduct)
		products.GET("/:id/stock", middleware.RequirePermission(checker, "stock.view"), handler.StockLevels)
	}

	warehouses := api.Group("/warehouses")
	{
		warehouses.GET("", middleware.RequirePermission(checker, "stock.view"), handler.ListWarehouses)
		warehouses.POST("", middleware.RequirePermission(checker, "product.manage"), handler.CreateWarehouse)
		warehouses.DELETE("/:id", middleware.RequirePermission(checker, "product.manage"), handler.DeleteWarehouse)
	}

	stock := api.Group("/stock")
	{
		stock.POST("/adjust", middleware.RequirePermission(checker, "stock.adjust"), handler.AdjustStock)
		stock.POST("/transfer", middleware.RequirePermission(checker, "stock.adjust"), handler.TransferStock)
		stock.GET("/low", middleware.RequirePermission(checker, "stock.view"), handler.LowStock)
		stock.GET("/movements", middleware.RequirePermission(checker, "stock.view"), handler.ListMovements)
	}
}
