package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/corvalhq/corval/internal/models"
)

func TestInventoryServiceProductCatalog(t *testing.T) {
	db, org := openInventoryTestDB(t)
	auditSvc, err := NewAuditService(db)
	require.NoError(t, err)

	svc, err := NewInventoryService(db, auditSvc, nil)
	require.NoError(t, err)

	ctx := context.Background()

	product, err := svc.CreateProduct(ctx, CreateProductInput{
		OrganizationID: org.ID,
		SKU:            "widget-9",
		Name:           "Widget",
		Category:       "hardware",
		PriceCents:     1999,
		ReorderPoint:   5,
	})
	require.NoError(t, err)
	require.Equal(t, "WIDGET-9", product.SKU)
	require.Equal(t, "unit", product.Unit)
	require.True(t, product.TrackStock)
	require.True(t, product.IsActive)

	// Duplicate SKU inside the organization is rejected.
	_, err = svc.CreateProduct(ctx, CreateProductInput{
		OrganizationID: org.ID,
		SKU:            "WIDGET-9",
		Name:           "Shadow Widget",
	})
	require.Error(t, err)

	price := int64(2499)
	inactive := false
	updated, err := svc.UpdateProduct(ctx, org.ID, product.ID, UpdateProductInput{
		PriceCents: &price,
		IsActive:   &inactive,
	})
	require.NoError(t, err)
	require.Equal(t, price, updated.PriceCents)
	require.False(t, updated.IsActive)

	_, err = svc.CreateProduct(ctx, CreateProductInput{
		OrganizationID: org.ID,
		SKU:            "CABLE-1",
		Name:           "Cable",
		Category:       "accessories",
	})
	require.NoError(t, err)

	listed, total, err := svc.ListProducts(ctx, org.ID, ProductListOptions{Search: "widget"})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Equal(t, product.ID, listed[0].ID)

	active, total, err := svc.ListProducts(ctx, org.ID, ProductListOptions{ActiveOnly: true})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Equal(t, "CABLE-1", active[0].SKU)

	require.NoError(t, svc.DeleteProduct(ctx, org.ID, product.ID))
	_, err = svc.GetProduct(ctx, org.ID, product.ID)
	require.ErrorIs(t, err, ErrProductNotFound)
}

func TestInventoryServiceAdjustStock(t *testing.T) {
	db, org := openInventoryTestDB(t)
	svc, err := NewInventoryService(db, nil, nil)
	require.NoError(t, err)

	ctx := context.Background()

	product, err := svc.CreateProduct(ctx, CreateProductInput{
		OrganizationID: org.ID,
		SKU:            "BOLT-10",
		Name:           "Bolt",
		ReorderPoint:   3,
	})
	require.NoError(t, err)

	warehouse, err := svc.CreateWarehouse(ctx, CreateWarehouseInput{
		OrganizationID: org.ID,
		Code:           "main",
		Name:           "Main",
		IsDefault:      true,
	})
	require.NoError(t, err)
	require.Equal(t, "MAIN", warehouse.Code)

	level, err := svc.AdjustStock(ctx, org.ID, StockAdjustment{
		ProductID:   product.ID,
		WarehouseID: warehouse.ID,
		Delta:       10,
		Reason:      "receipt",
		Reference:   "PO-77",
	})
	require.NoError(t, err)
	require.EqualValues(t, 10, level.Quantity)

	level, err = svc.AdjustStock(ctx, org.ID, StockAdjustment{
		ProductID:   product.ID,
		WarehouseID: warehouse.ID,
		Delta:       -4,
		Reason:      "sale",
	})
	require.NoError(t, err)
	require.EqualValues(t, 6, level.Quantity)

	// Draining below zero is refused and leaves no trace.
	_, err = svc.AdjustStock(ctx, org.ID, StockAdjustment{
		ProductID:   product.ID,
		WarehouseID: warehouse.ID,
		Delta:       -7,
		Reason:      "sale",
	})
	require.ErrorIs(t, err, ErrInsufficientStock)

	levels, err := svc.StockLevels(ctx, org.ID, product.ID)
	require.NoError(t, err)
	require.Len(t, levels, 1)
	require.EqualValues(t, 6, levels[0].Quantity)

	movements, total, err := svc.ListMovements(ctx, org.ID, MovementListOptions{ProductID: product.ID})
	require.NoError(t, err)
	require.EqualValues(t, 2, total)
	require.Len(t, movements, 2)

	_, err = svc.AdjustStock(ctx, org.ID, StockAdjustment{
		ProductID:   product.ID,
		WarehouseID: warehouse.ID,
		Delta:       -1,
		Reason:      "shrinkage",
	})
	require.Error(t, err)

	_, err = svc.AdjustStock(ctx, org.ID, StockAdjustment{
		ProductID:   product.ID,
		WarehouseID: warehouse.ID,
		Delta:       0,
		Reason:      "adjustment",
	})
	require.Error(t, err)

	tracked := false
	_, err = svc.UpdateProduct(ctx, org.ID, product.ID, UpdateProductInput{TrackStock: &tracked})
	require.NoError(t, err)

	_, err = svc.AdjustStock(ctx, org.ID, StockAdjustment{
		ProductID:   product.ID,
		WarehouseID: warehouse.ID,
		Delta:       5,
		Reason:      "receipt",
	})
	require.ErrorIs(t, err, ErrStockNotTracked)
}

func TestInventoryServiceTransferConservesStock(t *testing.T) {
	db, org := openInventoryTestDB(t)
	svc, err := NewInventoryService(db, nil, nil)
	require.NoError(t, err)

	ctx := context.Background()

	product, err := svc.CreateProduct(ctx, CreateProductInput{
		OrganizationID: org.ID,
		SKU:            "DRIVE-2",
		Name:           "Drive",
	})
	require.NoError(t, err)

	main, err := svc.CreateWarehouse(ctx, CreateWarehouseInput{
		OrganizationID: org.ID, Code: "MAIN", Name: "Main",
	})
	require.NoError(t, err)
	backup, err := svc.CreateWarehouse(ctx, CreateWarehouseInput{
		OrganizationID: org.ID, Code: "BACKUP", Name: "Backup",
	})
	require.NoError(t, err)

	_, err = svc.AdjustStock(ctx, org.ID, StockAdjustment{
		ProductID:   product.ID,
		WarehouseID: main.ID,
		Delta:       10,
		Reason:      "receipt",
	})
	require.NoError(t, err)

	require.NoError(t, svc.Transfer(ctx, org.ID, product.ID, main.ID, backup.ID, 4, "move", ""))

	levels, err := svc.StockLevels(ctx, org.ID, product.ID)
	require.NoError(t, err)
	require.Len(t, levels, 2)

	byWarehouse := map[string]int64{}
	var sum int64
	for _, lvl := range levels {
		byWarehouse[lvl.WarehouseID] = lvl.Quantity
		sum += lvl.Quantity
	}
	require.EqualValues(t, 6, byWarehouse[main.ID])
	require.EqualValues(t, 4, byWarehouse[backup.ID])
	require.EqualValues(t, 10, sum)

	outbound, total, err := svc.ListMovements(ctx, org.ID, MovementListOptions{Reason: "transfer_out"})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.EqualValues(t, -4, outbound[0].Delta)

	inbound, total, err := svc.ListMovements(ctx, org.ID, MovementListOptions{Reason: "transfer_in"})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.EqualValues(t, 4, inbound[0].Delta)

	// More than the source holds rolls everything back.
	err = svc.Transfer(ctx, org.ID, product.ID, main.ID, backup.ID, 50, "", "")
	require.ErrorIs(t, err, ErrInsufficientStock)

	levels, err = svc.StockLevels(ctx, org.ID, product.ID)
	require.NoError(t, err)
	sum = 0
	for _, lvl := range levels {
		sum += lvl.Quantity
	}
	require.EqualValues(t, 10, sum)

	_, total, err = svc.ListMovements(ctx, org.ID, MovementListOptions{ProductID: product.ID})
	require.NoError(t, err)
	require.EqualValues(t, 3, total)

	err = svc.Transfer(ctx, org.ID, product.ID, main.ID, main.ID, 1, "", "")
	require.Error(t, err)
	err = svc.Transfer(ctx, org.ID, product.ID, main.ID, backup.ID, 0, "", "")
	require.Error(t, err)
}

func TestInventoryServiceLowStockReport(t *testing.T) {
	db, org := openInventoryTestDB(t)
	svc, err := NewInventoryService(db, nil, nil)
	require.NoError(t, err)

	ctx := context.Background()

	warehouse, err := svc.CreateWarehouse(ctx, CreateWarehouseInput{
		OrganizationID: org.ID, Code: "MAIN", Name: "Main",
	})
	require.NoError(t, err)

	seed := func(sku string, reorder int64, quantity int64, track bool) *models.Product {
		t.Helper()
		product, err := svc.CreateProduct(ctx, CreateProductInput{
			OrganizationID: org.ID,
			SKU:            sku,
			Name:           sku,
			ReorderPoint:   reorder,
			TrackStock:     &track,
		})
		require.NoError(t, err)
		if quantity > 0 {
			_, err = svc.AdjustStock(ctx, org.ID, StockAdjustment{
				ProductID:   product.ID,
				WarehouseID: warehouse.ID,
				Delta:       quantity,
				Reason:      "receipt",
			})
			require.NoError(t, err)
		}
		return product
	}

	low := seed("LOW-1", 5, 3, true)
	seed("OK-1", 5, 20, true)
	empty := seed("EMPTY-1", 5, 0, true)
	seed("UNTRACKED-1", 5, 0, false)

	items, err := svc.LowStock(ctx, org.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, empty.ID, items[0].ProductID)
	require.EqualValues(t, 0, items[0].Quantity)
	require.Equal(t, low.ID, items[1].ProductID)
	require.EqualValues(t, 3, items[1].Quantity)
	require.EqualValues(t, 5, items[1].ReorderPoint)
}

func TestInventoryServiceScopesByOrganization(t *testing.T) {
	db, org := openInventoryTestDB(t)
	svc, err := NewInventoryService(db, nil, nil)
	require.NoError(t, err)

	other := &models.Organization{Name: "Globex", Slug: "globex"}
	require.NoError(t, db.Create(other).Error)

	ctx := context.Background()

	product, err := svc.CreateProduct(ctx, CreateProductInput{
		OrganizationID: org.ID,
		SKU:            "SCOPED-1",
		Name:           "Scoped",
	})
	require.NoError(t, err)

	// The same SKU may exist in another tenant.
	_, err = svc.CreateProduct(ctx, CreateProductInput{
		OrganizationID: other.ID,
		SKU:            "SCOPED-1",
		Name:           "Scoped Elsewhere",
	})
	require.NoError(t, err)

	_, err = svc.GetProduct(ctx, other.ID, product.ID)
	require.ErrorIs(t, err, ErrProductNotFound)

	warehouse, err := svc.CreateWarehouse(ctx, CreateWarehouseInput{
		OrganizationID: org.ID, Code: "MAIN", Name: "Main",
	})
	require.NoError(t, err)
	foreign, err := svc.CreateWarehouse(ctx, CreateWarehouseInput{
		OrganizationID: other.ID, Code: "MAIN", Name: "Main Elsewhere",
	})
	require.NoError(t, err)

	_, err = svc.AdjustStock(ctx, org.ID, StockAdjustment{
		ProductID:   product.ID,
		WarehouseID: foreign.ID,
		Delta:       5,
		Reason:      "receipt",
	})
	require.ErrorIs(t, err, ErrWarehouseNotFound)

	_, err = svc.AdjustStock(ctx, org.ID, StockAdjustment{
		ProductID:   product.ID,
		WarehouseID: warehouse.ID,
		Delta:       5,
		Reason:      "receipt",
	})
	require.NoError(t, err)

	// History blocks deletion, held stock blocks the warehouse.
	require.ErrorIs(t, svc.DeleteProduct(ctx, org.ID, product.ID), ErrProductInUse)
	require.ErrorIs(t, svc.DeleteWarehouse(ctx, org.ID, warehouse.ID), ErrWarehouseNotEmpty)

	_, err = svc.AdjustStock(ctx, org.ID, StockAdjustment{
		ProductID:   product.ID,
		WarehouseID: warehouse.ID,
		Delta:       -5,
		Reason:      "correction",
	})
	require.NoError(t, err)
	require.NoError(t, svc.DeleteWarehouse(ctx, org.ID, warehouse.ID))
}

func openInventoryTestDB(t *testing.T) (*gorm.DB, *models.Organization) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&models.Organization{},
		&models.Product{},
		&models.Warehouse{},
		&models.StockLevel{},
		&models.StockMovement{},
		&models.AuditLog{},
		&models.User{},
	))

	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			_ = sqlDB.Close()
		}
	})

	org := &models.Organization{Name: "Acme", Slug: "acme"}
	require.NoError(t, db.Create(org).Error)

	return db, org
}
