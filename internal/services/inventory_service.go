package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/corvalhq/corval/internal/events"
	"github.com/corvalhq/corval/internal/models"
	apperrors "github.com/corvalhq/corval/pkg/errors"
)

var (
	// ErrProductNotFound indicates the requested product does not exist in the organization.
	ErrProductNotFound = apperrors.New("PRODUCT_NOT_FOUND", "Product not found", http.StatusNotFound)
	// ErrWarehouseNotFound indicates the requested warehouse does not exist in the organization.
	ErrWarehouseNotFound = apperrors.New("WAREHOUSE_NOT_FOUND", "Warehouse not found", http.StatusNotFound)
	// ErrProductInUse refuses deleting a product with recorded stock movements.
	ErrProductInUse = apperrors.New("PRODUCT_IN_USE", "Product has recorded stock movements", http.StatusConflict)
	// ErrWarehouseNotEmpty refuses deleting a warehouse that still holds stock.
	ErrWarehouseNotEmpty = apperrors.New("WAREHOUSE_NOT_EMPTY", "Warehouse still holds stock", http.StatusConflict)
	// ErrStockNotTracked rejects stock operations on products that do not track stock.
	ErrStockNotTracked = apperrors.New("STOCK_NOT_TRACKED", "Product does not track stock", http.StatusConflict)
	// ErrInsufficientStock rejects changes that would drive a level negative.
	ErrInsufficientStock = apperrors.New("INSUFFICIENT_STOCK", "Insufficient stock for this operation", http.StatusConflict)
)

// CreateProductInput captures a new catalog item.
type CreateProductInput struct {
	OrganizationID string
	SKU            string
	Name           string
	Description    string
	Category       string
	Unit           string
	PriceCents     int64
	CostCents      int64
	TrackStock     *bool
	ReorderPoint   int64
	Attributes     map[string]any
}

// UpdateProductInput describes mutable product fields.
type UpdateProductInput struct {
	Name         *string
	Description  *string
	Category     *string
	Unit         *string
	PriceCents   *int64
	CostCents    *int64
	TrackStock   *bool
	ReorderPoint *int64
	IsActive     *bool
	Attributes   map[string]any
}

// ProductListOptions controls filtering and pagination for catalog queries.
type ProductListOptions struct {
	Page       int
	PageSize   int
	Category   string
	Search     string
	ActiveOnly bool
}

// CreateWarehouseInput captures a new stock location.
type CreateWarehouseInput struct {
	OrganizationID string
	Code           string
	Name           string
	Location       string
	IsDefault      bool
}

// StockAdjustment is one requested change to a stock level.
type StockAdjustment struct {
	ProductID   string
	WarehouseID string
	Delta       int64
	Reason      string
	Reference   string
	ActorID     string
	Note        string
}

// MovementListOptions controls filtering and pagination for movement history.
type MovementListOptions struct {
	Page        int
	PageSize    int
	ProductID   string
	WarehouseID string
	Reason      string
}

// LowStockItem is one row of the reorder report.
type LowStockItem struct {
	ProductID    string `json:"product_id"`
	SKU          string `json:"sku"`
	Name         string `json:"name"`
	Quantity     int64  `json:"quantity"`
	ReorderPoint int64  `json:"reorder_point"`
}

// InventoryService manages the product catalog, warehouses and stock inside
// a tenant. Every level change writes a movement row in the same transaction.
type InventoryService struct {
	db           *gorm.DB
	auditService *AuditService
	bus          *events.Bus
}

// NewInventoryService constructs an InventoryService instance.
func NewInventoryService(db *gorm.DB, auditService *AuditService, bus *events.Bus) (*InventoryService, error) {
	if db == nil {
		return nil, errors.New("inventory service: db is required")
	}
	return &InventoryService{
		db:           db,
		auditService: auditService,
		bus:          bus,
	}, nil
}

// CreateProduct registers a catalog item.
func (s *InventoryService) CreateProduct(ctx context.Context, input CreateProductInput) (*models.Product, error) {
	ctx = ensureContext(ctx)

	orgID := strings.TrimSpace(input.OrganizationID)
	if orgID == "" {
		return nil, apperrors.NewBadRequest("organization id is required")
	}
	if strings.TrimSpace(input.Name) == "" {
		return nil, apperrors.NewBadRequest("product name is required")
	}
	if strings.TrimSpace(input.SKU) == "" {
		return nil, apperrors.NewBadRequest("product sku is required")
	}
	if input.PriceCents < 0 || input.CostCents < 0 {
		return nil, apperrors.NewBadRequest("product amounts cannot be negative")
	}
	if input.ReorderPoint < 0 {
		return nil, apperrors.NewBadRequest("reorder point cannot be negative")
	}

	product := &models.Product{
		OrganizationID: orgID,
		SKU:            input.SKU,
		Name:           strings.TrimSpace(input.Name),
		Description:    strings.TrimSpace(input.Description),
		Category:       strings.TrimSpace(input.Category),
		PriceCents:     input.PriceCents,
		CostCents:      input.CostCents,
		TrackStock:     true,
		ReorderPoint:   input.ReorderPoint,
		IsActive:       true,
	}
	if unit := strings.TrimSpace(input.Unit); unit != "" {
		product.Unit = unit
	}
	if input.TrackStock != nil {
		product.TrackStock = *input.TrackStock
	}

	var err error
	if product.Attributes, err = marshalJSON("product attributes", input.Attributes); err != nil {
		return nil, fmt.Errorf("inventory service: %w", err)
	}

	if err := s.db.WithContext(ctx).Create(product).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil, apperrors.NewBadRequest("product sku already exists in this organization")
		}
		return nil, fmt.Errorf("inventory service: create product: %w", err)
	}

	recordAudit(s.auditService, ctx, AuditEntry{
		OrganizationID: &product.OrganizationID,
		Action:         "product.create",
		Resource:       product.ID,
		Result:         "success",
		Metadata:       map[string]any{"sku": product.SKU, "name": product.Name},
	})
	if s.bus != nil {
		s.bus.Publish(events.Event{
			Name:           events.ProductCreated,
			OrganizationID: product.OrganizationID,
			Payload: map[string]any{
				"product_id": product.ID,
				"sku":        product.SKU,
				"name":       product.Name,
			},
		})
	}

	return product, nil
}

// GetProduct loads a product scoped to the organization.
func (s *InventoryService) GetProduct(ctx context.Context, organizationID, id string) (*models.Product, error) {
	ctx = ensureContext(ctx)

	var product models.Product
	err := s.db.WithContext(ctx).
		First(&product, "id = ? AND organization_id = ?", id, organizationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("inventory service: get product: %w", err)
	}
	return &product, nil
}

// ListProducts returns catalog items with filters and pagination.
func (s *InventoryService) ListProducts(ctx context.Context, organizationID string, opts ProductListOptions) ([]models.Product, int64, error) {
	ctx = ensureContext(ctx)

	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return nil, 0, apperrors.NewBadRequest("organization id is required")
	}

	page, perPage := clampPage(opts.Page, opts.PageSize)

	query := s.db.WithContext(ctx).
		Model(&models.Product{}).
		Where("organization_id = ?", organizationID)

	if category := strings.TrimSpace(opts.Category); category != "" {
		query = query.Where("category = ?", category)
	}
	if opts.ActiveOnly {
		query = query.Where("is_active = ?", true)
	}
	if search := strings.TrimSpace(opts.Search); search != "" {
		like := "%" + strings.ToLower(search) + "%"
		query = query.Where("LOWER(name) LIKE ? OR LOWER(sku) LIKE ?", like, like)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("inventory service: count products: %w", err)
	}

	var products []models.Product
	if err := query.
		Order("name ASC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&products).Error; err != nil {
		return nil, 0, fmt.Errorf("inventory service: list products: %w", err)
	}

	return products, total, nil
}

// UpdateProduct modifies catalog fields.
func (s *InventoryService) UpdateProduct(ctx context.Context, organizationID, id string, input UpdateProductInput) (*models.Product, error) {
	ctx = ensureContext(ctx)

	product, err := s.GetProduct(ctx, organizationID, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}

	if input.Name != nil {
		if name := strings.TrimSpace(*input.Name); name != "" {
			updates["name"] = name
		}
	}
	if input.Description != nil {
		updates["description"] = strings.TrimSpace(*input.Description)
	}
	if input.Category != nil {
		updates["category"] = strings.TrimSpace(*input.Category)
	}
	if input.Unit != nil {
		if unit := strings.TrimSpace(*input.Unit); unit != "" {
			updates["unit"] = unit
		}
	}
	if input.PriceCents != nil {
		if *input.PriceCents < 0 {
			return nil, apperrors.NewBadRequest("product amounts cannot be negative")
		}
		updates["price_cents"] = *input.PriceCents
	}
	if input.CostCents != nil {
		if *input.CostCents < 0 {
			return nil, apperrors.NewBadRequest("product amounts cannot be negative")
		}
		updates["cost_cents"] = *input.CostCents
	}
	if input.TrackStock != nil {
		updates["track_stock"] = *input.TrackStock
	}
	if input.ReorderPoint != nil {
		if *input.ReorderPoint < 0 {
			return nil, apperrors.NewBadRequest("reorder point cannot be negative")
		}
		updates["reorder_point"] = *input.ReorderPoint
	}
	if input.IsActive != nil {
		updates["is_active"] = *input.IsActive
	}
	if input.Attributes != nil {
		attributes, err := marshalJSON("product attributes", input.Attributes)
		if err != nil {
			return nil, fmt.Errorf("inventory service: %w", err)
		}
		updates["attributes"] = attributes
	}

	if len(updates) == 0 {
		return product, nil
	}

	if err := s.db.WithContext(ctx).Model(product).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("inventory service: update product: %w", err)
	}

	return s.GetProduct(ctx, organizationID, id)
}

// DeleteProduct removes a catalog item without movement history.
func (s *InventoryService) DeleteProduct(ctx context.Context, organizationID, id string) error {
	ctx = ensureContext(ctx)

	product, err := s.GetProduct(ctx, organizationID, id)
	if err != nil {
		return err
	}

	var movements int64
	if err := s.db.WithContext(ctx).
		Model(&models.StockMovement{}).
		Where("product_id = ?", product.ID).
		Count(&movements).Error; err != nil {
		return fmt.Errorf("inventory service: count movements: %w", err)
	}
	if movements > 0 {
		return ErrProductInUse
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("product_id = ?", product.ID).Delete(&models.StockLevel{}).Error; err != nil {
			return fmt.Errorf("delete stock levels: %w", err)
		}
		return tx.Delete(product).Error
	})
	if err != nil {
		return fmt.Errorf("inventory service: delete product: %w", err)
	}

	recordAudit(s.auditService, ctx, AuditEntry{
		OrganizationID: &product.OrganizationID,
		Action:         "product.delete",
		Resource:       product.ID,
		Result:         "success",
	})

	return nil
}

// CreateWarehouse registers a stock location. Flagging it as default clears
// the flag from the others.
func (s *InventoryService) CreateWarehouse(ctx context.Context, input CreateWarehouseInput) (*models.Warehouse, error) {
	ctx = ensureContext(ctx)

	orgID := strings.TrimSpace(input.OrganizationID)
	if orgID == "" {
		return nil, apperrors.NewBadRequest("organization id is required")
	}
	code := strings.ToUpper(strings.TrimSpace(input.Code))
	if code == "" {
		return nil, apperrors.NewBadRequest("warehouse code is required")
	}
	if strings.TrimSpace(input.Name) == "" {
		return nil, apperrors.NewBadRequest("warehouse name is required")
	}

	warehouse := &models.Warehouse{
		OrganizationID: orgID,
		Code:           code,
		Name:           strings.TrimSpace(input.Name),
		Location:       strings.TrimSpace(input.Location),
		IsDefault:      input.IsDefault,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if warehouse.IsDefault {
			if err := tx.Model(&models.Warehouse{}).
				Where("organization_id = ?", orgID).
				Update("is_default", false).Error; err != nil {
				return fmt.Errorf("clear default warehouses: %w", err)
			}
		}
		return tx.Create(warehouse).Error
	})
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, apperrors.NewBadRequest("warehouse code already exists in this organization")
		}
		return nil, fmt.Errorf("inventory service: create warehouse: %w", err)
	}

	return warehouse, nil
}

// ListWarehouses returns the organization's stock locations.
func (s *InventoryService) ListWarehouses(ctx context.Context, organizationID string) ([]models.Warehouse, error) {
	ctx = ensureContext(ctx)

	var warehouses []models.Warehouse
	if err := s.db.WithContext(ctx).
		Where("organization_id = ?", organizationID).
		Order("code ASC").
		Find(&warehouses).Error; err != nil {
		return nil, fmt.Errorf("inventory service: list warehouses: %w", err)
	}
	return warehouses, nil
}

// DeleteWarehouse removes an empty stock location.
func (s *InventoryService) DeleteWarehouse(ctx context.Context, organizationID, id string) error {
	ctx = ensureContext(ctx)

	var warehouse models.Warehouse
	err := s.db.WithContext(ctx).
		First(&warehouse, "id = ? AND organization_id = ?", id, organizationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrWarehouseNotFound
	}
	if err != nil {
		return fmt.Errorf("inventory service: get warehouse: %w", err)
	}

	var held int64
	if err := s.db.WithContext(ctx).
		Model(&models.StockLevel{}).
		Where("warehouse_id = ? AND quantity > 0", warehouse.ID).
		Count(&held).Error; err != nil {
		return fmt.Errorf("inventory service: count stock: %w", err)
	}
	if held > 0 {
		return ErrWarehouseNotEmpty
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("warehouse_id = ?", warehouse.ID).Delete(&models.StockLevel{}).Error; err != nil {
			return fmt.Errorf("delete stock levels: %w", err)
		}
		return tx.Delete(&warehouse).Error
	})
	if err != nil {
		return fmt.Errorf("inventory service: delete warehouse: %w", err)
	}

	return nil
}

// AdjustStock applies a delta to one stock level. The movement row and the
// level change commit in the same transaction, and the result may not go
// negative.
func (s *InventoryService) AdjustStock(ctx context.Context, organizationID string, input StockAdjustment) (*models.StockLevel, error) {
	ctx = ensureContext(ctx)

	if input.Delta == 0 {
		return nil, apperrors.NewBadRequest("delta cannot be zero")
	}
	reason := models.StockMovementReason(strings.TrimSpace(input.Reason))
	if !reason.Valid() {
		return nil, apperrors.NewBadRequest("invalid movement reason")
	}

	var (
		level   models.StockLevel
		product *models.Product
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if product, err = lockProduct(tx, organizationID, input.ProductID); err != nil {
			return err
		}
		if !product.TrackStock {
			return ErrStockNotTracked
		}
		if err := checkWarehouse(tx, organizationID, input.WarehouseID); err != nil {
			return err
		}

		var applyErr error
		level, applyErr = applyStockDelta(tx, organizationID, product.ID, input.WarehouseID, input.Delta, reason, input.Reference, input.ActorID, input.Note)
		return applyErr
	})
	if err != nil {
		return nil, err
	}

	s.publishStock(events.StockAdjusted, organizationID, product, &level, input.Delta)
	if level.Quantity <= product.ReorderPoint {
		s.publishStock(events.StockLow, organizationID, product, &level, input.Delta)
	}

	recordAudit(s.auditService, ctx, AuditEntry{
		OrganizationID: &organizationID,
		Action:         "stock.adjust",
		Resource:       product.ID,
		Result:         "success",
		Metadata: map[string]any{
			"warehouse_id": input.WarehouseID,
			"delta":        input.Delta,
			"reason":       string(reason),
			"quantity":     level.Quantity,
		},
	})

	return &level, nil
}

// Transfer moves quantity between two warehouses: one outbound and one
// inbound movement in a single transaction, conserving total stock.
func (s *InventoryService) Transfer(ctx context.Context, organizationID, productID, fromWarehouseID, toWarehouseID string, quantity int64, reference, actorID string) error {
	ctx = ensureContext(ctx)

	if quantity <= 0 {
		return apperrors.NewBadRequest("transfer quantity must be positive")
	}
	if fromWarehouseID == toWarehouseID {
		return apperrors.NewBadRequest("transfer requires two distinct warehouses")
	}

	var (
		product   *models.Product
		fromLevel models.StockLevel
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if product, err = lockProduct(tx, organizationID, productID); err != nil {
			return err
		}
		if !product.TrackStock {
			return ErrStockNotTracked
		}
		if err := checkWarehouse(tx, organizationID, fromWarehouseID); err != nil {
			return err
		}
		if err := checkWarehouse(tx, organizationID, toWarehouseID); err != nil {
			return err
		}

		if fromLevel, err = applyStockDelta(tx, organizationID, product.ID, fromWarehouseID, -quantity, models.StockReasonTransferOut, reference, actorID, ""); err != nil {
			return err
		}
		if _, err = applyStockDelta(tx, organizationID, product.ID, toWarehouseID, quantity, models.StockReasonTransferIn, reference, actorID, ""); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	if fromLevel.Quantity <= product.ReorderPoint {
		s.publishStock(events.StockLow, organizationID, product, &fromLevel, -quantity)
	}

	recordAudit(s.auditService, ctx, AuditEntry{
		OrganizationID: &organizationID,
		Action:         "stock.transfer",
		Resource:       productID,
		Result:         "success",
		Metadata: map[string]any{
			"from_warehouse": fromWarehouseID,
			"to_warehouse":   toWarehouseID,
			"quantity":       quantity,
		},
	})

	return nil
}

// StockLevels returns the per-warehouse quantities for a product.
func (s *InventoryService) StockLevels(ctx context.Context, organizationID, productID string) ([]models.StockLevel, error) {
	ctx = ensureContext(ctx)

	if _, err := s.GetProduct(ctx, organizationID, productID); err != nil {
		return nil, err
	}

	var levels []models.StockLevel
	if err := s.db.WithContext(ctx).
		Where("product_id = ?", productID).
		Find(&levels).Error; err != nil {
		return nil, fmt.Errorf("inventory service: stock levels: %w", err)
	}
	return levels, nil
}

// LowStock reports active tracked products whose total on-hand quantity is
// at or below their reorder point.
func (s *InventoryService) LowStock(ctx context.Context, organizationID string) ([]LowStockItem, error) {
	ctx = ensureContext(ctx)

	var items []LowStockItem
	err := s.db.WithContext(ctx).
		Table("products").
		Select("products.id AS product_id, products.sku AS sku, products.name AS name, products.reorder_point AS reorder_point, COALESCE(SUM(stock_levels.quantity), 0) AS quantity").
		Joins("LEFT JOIN stock_levels ON stock_levels.product_id = products.id").
		Where("products.organization_id = ? AND products.track_stock = ? AND products.is_active = ?", organizationID, true, true).
		Group("products.id, products.sku, products.name, products.reorder_point").
		Having("COALESCE(SUM(stock_levels.quantity), 0) <= products.reorder_point").
		Order("products.sku ASC").
		Scan(&items).Error
	if err != nil {
		return nil, fmt.Errorf("inventory service: low stock report: %w", err)
	}
	return items, nil
}

// ListMovements returns the movement history with filters and pagination.
func (s *InventoryService) ListMovements(ctx context.Context, organizationID string, opts MovementListOptions) ([]models.StockMovement, int64, error) {
	ctx = ensureContext(ctx)

	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return nil, 0, apperrors.NewBadRequest("organization id is required")
	}

	page, perPage := clampPage(opts.Page, opts.PageSize)

	query := s.db.WithContext(ctx).
		Model(&models.StockMovement{}).
		Where("organization_id = ?", organizationID)

	if productID := strings.TrimSpace(opts.ProductID); productID != "" {
		query = query.Where("product_id = ?", productID)
	}
	if warehouseID := strings.TrimSpace(opts.WarehouseID); warehouseID != "" {
		query = query.Where("warehouse_id = ?", warehouseID)
	}
	if reason := strings.TrimSpace(opts.Reason); reason != "" {
		query = query.Where("reason = ?", reason)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("inventory service: count movements: %w", err)
	}

	var movements []models.StockMovement
	if err := query.
		Order("created_at DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&movements).Error; err != nil {
		return nil, 0, fmt.Errorf("inventory service: list movements: %w", err)
	}

	return movements, total, nil
}

func (s *InventoryService) publishStock(name, organizationID string, product *models.Product, level *models.StockLevel, delta int64) {
	if s.bus == nil || product == nil || level == nil {
		return
	}
	s.bus.Publish(events.Event{
		Name:           name,
		OrganizationID: organizationID,
		Payload: map[string]any{
			"product_id":    product.ID,
			"sku":           product.SKU,
			"warehouse_id":  level.WarehouseID,
			"delta":         delta,
			"quantity":      level.Quantity,
			"reorder_point": product.ReorderPoint,
		},
	})
}

// applyStockDelta writes the movement row and upserts the level inside the
// caller's transaction. The level row is locked for the update.
func applyStockDelta(tx *gorm.DB, organizationID, productID, warehouseID string, delta int64, reason models.StockMovementReason, reference, actorID, note string) (models.StockLevel, error) {
	var level models.StockLevel
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Take(&level, "product_id = ? AND warehouse_id = ?", productID, warehouseID).Error
	exists := true
	if errors.Is(err, gorm.ErrRecordNotFound) {
		exists = false
		level = models.StockLevel{ProductID: productID, WarehouseID: warehouseID}
		err = nil
	}
	if err != nil {
		return level, fmt.Errorf("inventory service: load stock level: %w", err)
	}

	next := level.Quantity + delta
	if next < 0 {
		return level, ErrInsufficientStock
	}

	movement := models.StockMovement{
		OrganizationID: organizationID,
		ProductID:      productID,
		WarehouseID:    warehouseID,
		Delta:          delta,
		Reason:         reason,
		Reference:      strings.TrimSpace(reference),
		Note:           strings.TrimSpace(note),
	}
	if actor := strings.TrimSpace(actorID); actor != "" {
		movement.ActorID = &actor
	}
	if err := tx.Create(&movement).Error; err != nil {
		return level, fmt.Errorf("inventory service: record movement: %w", err)
	}

	level.Quantity = next
	if exists {
		if err := tx.Model(&models.StockLevel{}).
			Where("product_id = ? AND warehouse_id = ?", productID, warehouseID).
			Update("quantity", next).Error; err != nil {
			return level, fmt.Errorf("inventory service: update stock level: %w", err)
		}
	} else {
		if err := tx.Create(&level).Error; err != nil {
			return level, fmt.Errorf("inventory service: create stock level: %w", err)
		}
	}

	return level, nil
}

func lockProduct(tx *gorm.DB, organizationID, productID string) (*models.Product, error) {
	var product models.Product
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&product, "id = ? AND organization_id = ?", productID, organizationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("inventory service: load product: %w", err)
	}
	return &product, nil
}

func checkWarehouse(tx *gorm.DB, organizationID, warehouseID string) error {
	var warehouse models.Warehouse
	err := tx.Select("id").
		Take(&warehouse, "id = ? AND organization_id = ?", warehouseID, organizationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrWarehouseNotFound
	}
	if err != nil {
		return fmt.Errorf("inventory service: load warehouse: %w", err)
	}
	return nil
}
