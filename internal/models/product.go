package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Product is a sellable or stockable item within a tenant catalog.
type Product struct {
	BaseModel

	OrganizationID string `gorm:"type:uuid;not null;uniqueIndex:idx_products_org_sku,priority:1" json:"organization_id"`
	SKU            string `gorm:"not null;uniqueIndex:idx_products_org_sku,priority:2" json:"sku"`
	Name           string `gorm:"not null;index" json:"name"`
	Description    string `gorm:"type:text" json:"description"`
	Category       string `gorm:"index" json:"category"`
	Unit           string `gorm:"type:varchar(32);default:'unit'" json:"unit"`

	PriceCents int64 `gorm:"default:0" json:"price_cents"`
	CostCents  int64 `gorm:"default:0" json:"cost_cents"`

	TrackStock   bool           `gorm:"default:true" json:"track_stock"`
	ReorderPoint int64          `gorm:"default:0" json:"reorder_point"`
	Attributes   datatypes.JSON `json:"attributes"`
	IsActive     bool           `gorm:"default:true;index" json:"is_active"`
}

// BeforeSave normalises the SKU.
func (p *Product) BeforeSave(tx *gorm.DB) error {
	p.SKU = strings.ToUpper(strings.TrimSpace(p.SKU))
	if p.SKU == "" {
		return errors.New("product: sku is required")
	}
	return nil
}

// Warehouse is a physical or logical stock location.
type Warehouse struct {
	BaseModel

	OrganizationID string `gorm:"type:uuid;not null;uniqueIndex:idx_warehouses_org_code,priority:1" json:"organization_id"`
	Code           string `gorm:"not null;uniqueIndex:idx_warehouses_org_code,priority:2" json:"code"`
	Name           string `gorm:"not null" json:"name"`
	Location       string `json:"location"`
	IsDefault      bool   `gorm:"default:false" json:"is_default"`
}

// StockLevel tracks on-hand quantity per product and warehouse.
type StockLevel struct {
	ProductID   string    `gorm:"primaryKey;type:uuid" json:"product_id"`
	WarehouseID string    `gorm:"primaryKey;type:uuid" json:"warehouse_id"`
	Quantity    int64     `gorm:"not null;default:0" json:"quantity"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// StockMovementReason enumerates why stock changed.
type StockMovementReason string

const (
	StockReasonReceipt     StockMovementReason = "receipt"
	StockReasonSale        StockMovementReason = "sale"
	StockReasonAdjustment  StockMovementReason = "adjustment"
	StockReasonTransferIn  StockMovementReason = "transfer_in"
	StockReasonTransferOut StockMovementReason = "transfer_out"
	StockReasonCorrection  StockMovementReason = "correction"
)

var validStockReasons = map[StockMovementReason]struct{}{
	StockReasonReceipt:     {},
	StockReasonSale:        {},
	StockReasonAdjustment:  {},
	StockReasonTransferIn:  {},
	StockReasonTransferOut: {},
	StockReasonCorrection:  {},
}

// Valid reports whether the reason is a known movement kind.
func (r StockMovementReason) Valid() bool {
	_, ok := validStockReasons[r]
	return ok
}

// StockMovement is the append-only ledger behind every stock level change.
type StockMovement struct {
	BaseModel

	OrganizationID string              `gorm:"type:uuid;not null;index" json:"organization_id"`
	ProductID      string              `gorm:"type:uuid;not null;index" json:"product_id"`
	WarehouseID    string              `gorm:"type:uuid;not null;index" json:"warehouse_id"`
	Delta          int64               `gorm:"not null" json:"delta"`
	Reason         StockMovementReason `gorm:"type:varchar(32);not null" json:"reason"`
	Reference      string              `json:"reference"`
	ActorID        *string             `gorm:"type:uuid" json:"actor_id"`
	Note           string              `json:"note"`
}

// BeforeSave validates the movement reason.
func (m *StockMovement) BeforeSave(tx *gorm.DB) error {
	if m.Delta == 0 {
		return errors.New("stock movement: delta cannot be zero")
	}
	if _, ok := validStockReasons[m.Reason]; !ok {
		return fmt.Errorf("stock movement: invalid reason %q", m.Reason)
	}
	return nil
}
