package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/corvalhq/corval/internal/middleware"
	"github.com/corvalhq/corval/internal/services"
	"github.com/corvalhq/corval/pkg/response"
)

// InventoryHandler exposes the product catalog, warehouses, and stock moves.
type InventoryHandler struct {
	svc *services.InventoryService
}

func NewInventoryHandler(svc *services.InventoryService) (*InventoryHandler, error) {
	if svc == nil {
		return nil, errors.New("inventory handler: service is required")
	}
	return &InventoryHandler{svc: svc}, nil
}

type createProductRequest struct {
	SKU          string         `json:"sku" validate:"required,max=64"`
	Name         string         `json:"name" validate:"required,min=2,max=256"`
	Description  string         `json:"description" validate:"omitempty,max=4096"`
	Category     string         `json:"category" validate:"omitempty,max=128"`
	Unit         string         `json:"unit" validate:"omitempty,max=32"`
	PriceCents   int64          `json:"price_cents" validate:"min=0"`
	CostCents    int64          `json:"cost_cents" validate:"min=0"`
	TrackStock   *bool          `json:"track_stock"`
	ReorderPoint int64          `json:"reorder_point" validate:"min=0"`
	Attributes   map[string]any `json:"attributes"`
}

type updateProductRequest struct {
	Name         *string        `json:"name" validate:"omitempty,min=2,max=256"`
	Description  *string        `json:"description" validate:"omitempty,max=4096"`
	Category     *string        `json:"category" validate:"omitempty,max=128"`
	Unit         *string        `json:"unit" validate:"omitempty,max=32"`
	PriceCents   *int64         `json:"price_cents" validate:"omitempty,min=0"`
	CostCents    *int64         `json:"cost_cents" validate:"omitempty,min=0"`
	TrackStock   *bool          `json:"track_stock"`
	ReorderPoint *int64         `json:"reorder_point" validate:"omitempty,min=0"`
	IsActive     *bool          `json:"is_active"`
	Attributes   map[string]any `json:"attributes"`
}

type createWarehouseRequest struct {
	Code      string `json:"code" validate:"required,max=32"`
	Name      string `json:"name" validate:"required,min=2,max=128"`
	Location  string `json:"location" validate:"omitempty,max=256"`
	IsDefault bool   `json:"is_default"`
}

type adjustStockRequest struct {
	ProductID   string `json:"product_id" validate:"required,uuid4"`
	WarehouseID string `json:"warehouse_id" validate:"required,uuid4"`
	Delta       int64  `json:"delta" validate:"required"`
	Reason      string `json:"reason" validate:"required,oneof=receipt sale adjustment correction"`
	Reference   string `json:"reference" validate:"omitempty,max=128"`
	Note        string `json:"note" validate:"omitempty,max=512"`
}

type transferStockRequest struct {
	ProductID       string `json:"product_id" validate:"required,uuid4"`
	FromWarehouseID string `json:"from_warehouse_id" validate:"required,uuid4"`
	ToWarehouseID   string `json:"to_warehouse_id" validate:"required,uuid4"`
	Quantity        int64  `json:"quantity" validate:"required,min=1"`
	Reference       string `json:"reference" validate:"omitempty,max=128"`
}

// GET /api/inventory/products
func (h *InventoryHandler) ListProducts(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	opts := services.ProductListOptions{
		Page:       parseIntQuery(c, "page", 1),
		PageSize:   parseIntQuery(c, "per_page", 50),
		Category:   strings.TrimSpace(c.Query("category")),
		Search:     strings.TrimSpace(c.Query("search")),
		ActiveOnly: c.Query("active") == "true",
	}

	products, total, err := h.svc.ListProducts(requestContext(c), orgID, opts)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMeta(c, http.StatusOK, products, &response.Meta{
		Page:    opts.Page,
		PerPage: opts.PageSize,
		Total:   int(total),
	})
}

// GET /api/inventory/products/:id
func (h *InventoryHandler) GetProduct(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}
	product, err := h.svc.GetProduct(requestContext(c), orgID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, product)
}

// POST /api/inventory/products
func (h *InventoryHandler) CreateProduct(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	var body createProductRequest
	if !bindAndValidate(c, &body) {
		return
	}

	product, err := h.svc.CreateProduct(requestContext(c), services.CreateProductInput{
		OrganizationID: orgID,
		SKU:            strings.TrimSpace(body.SKU),
		Name:           strings.TrimSpace(body.Name),
		Description:    body.Description,
		Category:       strings.TrimSpace(body.Category),
		Unit:           strings.TrimSpace(body.Unit),
		PriceCents:     body.PriceCents,
		CostCents:      body.CostCents,
		TrackStock:     body.TrackStock,
		ReorderPoint:   body.ReorderPoint,
		Attributes:     body.Attributes,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusCreated, product)
}

// PATCH /api/inventory/products/:id
func (h *InventoryHandler) UpdateProduct(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	var body updateProductRequest
	if !bindAndValidate(c, &body) {
		return
	}

	product, err := h.svc.UpdateProduct(requestContext(c), orgID, c.Param("id"), services.UpdateProductInput{
		Name:         body.Name,
		Description:  body.Description,
		Category:     body.Category,
		Unit:         body.Unit,
		PriceCents:   body.PriceCents,
		CostCents:    body.CostCents,
		TrackStock:   body.TrackStock,
		ReorderPoint: body.ReorderPoint,
		IsActive:     body.IsActive,
		Attributes:   body.Attributes,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, product)
}

// DELETE /api/inventory/products/:id
func (h *InventoryHandler) DeleteProduct(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}
	if err := h.svc.DeleteProduct(requestContext(c), orgID, c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"deleted": true})
}

// GET /api/inventory/warehouses
func (h *InventoryHandler) ListWarehouses(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}
	warehouses, err := h.svc.ListWarehouses(requestContext(c), orgID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, warehouses)
}

// POST /api/inventory/warehouses
func (h *InventoryHandler) CreateWarehouse(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	var body createWarehouseRequest
	if !bindAndValidate(c, &body) {
		return
	}

	warehouse, err := h.svc.CreateWarehouse(requestContext(c), services.CreateWarehouseInput{
		OrganizationID: orgID,
		Code:           strings.TrimSpace(body.Code),
		Name:           strings.TrimSpace(body.Name),
		Location:       strings.TrimSpace(body.Location),
		IsDefault:      body.IsDefault,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusCreated, warehouse)
}

// DELETE /api/inventory/warehouses/:id
func (h *InventoryHandler) DeleteWarehouse(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}
	if err := h.svc.DeleteWarehouse(requestContext(c), orgID, c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"deleted": true})
}

// POST /api/inventory/stock/adjust
func (h *InventoryHandler) AdjustStock(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	var body adjustStockRequest
	if !bindAndValidate(c, &body) {
		return
	}

	level, err := h.svc.AdjustStock(requestContext(c), orgID, services.StockAdjustment{
		ProductID:   body.ProductID,
		WarehouseID: body.WarehouseID,
		Delta:       body.Delta,
		Reason:      body.Reason,
		Reference:   strings.TrimSpace(body.Reference),
		ActorID:     c.GetString(middleware.CtxUserIDKey),
		Note:        body.Note,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, level)
}

// POST /api/inventory/stock/transfer moves quantity between warehouses as a
// single transaction, so the totals never drift.
func (h *InventoryHandler) TransferStock(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	var body transferStockRequest
	if !bindAndValidate(c, &body) {
		return
	}

	err := h.svc.Transfer(
		requestContext(c),
		orgID,
		body.ProductID,
		body.FromWarehouseID,
		body.ToWarehouseID,
		body.Quantity,
		strings.TrimSpace(body.Reference),
		c.GetString(middleware.CtxUserIDKey),
	)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"transferred": true})
}

// GET /api/inventory/products/:id/stock
func (h *InventoryHandler) StockLevels(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}
	levels, err := h.svc.StockLevels(requestContext(c), orgID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, levels)
}

// GET /api/inventory/stock/low returns tracked products at or below their
// reorder point.
func (h *InventoryHandler) LowStock(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}
	items, err := h.svc.LowStock(requestContext(c), orgID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, items)
}

// GET /api/inventory/movements
func (h *InventoryHandler) ListMovements(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	opts := services.MovementListOptions{
		Page:        parseIntQuery(c, "page", 1),
		PageSize:    parseIntQuery(c, "per_page", 50),
		ProductID:   strings.TrimSpace(c.Query("product")),
		WarehouseID: strings.TrimSpace(c.Query("warehouse")),
		Reason:      strings.TrimSpace(c.Query("reason")),
	}

	movements, total, err := h.svc.ListMovements(requestContext(c), orgID, opts)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMeta(c, http.StatusOK, movements, &response.Meta{
		Page:    opts.Page,
		PerPage: opts.PageSize,
		Total:   int(total),
	})
}
