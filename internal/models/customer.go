package models

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CustomerStatus enumerates the CRM lifecycle states.
type CustomerStatus string

const (
	CustomerStatusLead      CustomerStatus = "lead"
	CustomerStatusActive    CustomerStatus = "active"
	CustomerStatusSuspended CustomerStatus = "suspended"
	CustomerStatusArchived  CustomerStatus = "archived"
)

var validCustomerStatuses = map[CustomerStatus]struct{}{
	CustomerStatusLead:      {},
	CustomerStatusActive:    {},
	CustomerStatusSuspended: {},
	CustomerStatusArchived:  {},
}

// Valid reports whether the status is a known lifecycle state.
func (s CustomerStatus) Valid() bool {
	_, ok := validCustomerStatuses[s]
	return ok
}

// Customer is a CRM account within a tenant.
type Customer struct {
	BaseModel

	OrganizationID string `gorm:"type:uuid;not null;uniqueIndex:idx_customers_org_code,priority:1" json:"organization_id"`
	Code           string `gorm:"not null;uniqueIndex:idx_customers_org_code,priority:2" json:"code"`
	Name           string `gorm:"not null;index" json:"name"`

	Email   string `gorm:"index" json:"email"`
	Phone   string `json:"phone"`
	Website string `json:"website"`
	TaxID   string `json:"tax_id"`

	BillingAddress  datatypes.JSON `json:"billing_address"`
	ShippingAddress datatypes.JSON `json:"shipping_address"`

	Currency         string         `gorm:"type:varchar(8);default:'USD'" json:"currency"`
	CreditLimitCents int64          `gorm:"default:0" json:"credit_limit_cents"`
	Status           CustomerStatus `gorm:"type:varchar(32);default:'lead';index" json:"status"`
	OwnerUserID      *string        `gorm:"type:uuid;index" json:"owner_user_id"`
	Tags             datatypes.JSON `json:"tags"`
	Notes            string         `gorm:"type:text" json:"notes"`

	Contacts []Contact      `gorm:"foreignKey:CustomerID" json:"contacts,omitempty"`
	Invoices []Invoice      `gorm:"foreignKey:CustomerID" json:"-"`
	Deleted  gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`
}

// BeforeSave normalises the customer code and validates the lifecycle state.
func (c *Customer) BeforeSave(tx *gorm.DB) error {
	c.Code = strings.ToUpper(strings.TrimSpace(c.Code))
	if c.Code == "" {
		return errors.New("customer: code is required")
	}

	status := CustomerStatus(strings.TrimSpace(string(c.Status)))
	if status == "" {
		status = CustomerStatusLead
	}
	if _, ok := validCustomerStatuses[status]; !ok {
		return fmt.Errorf("customer: invalid status %q", c.Status)
	}
	c.Status = status

	return nil
}

// Contact is a person attached to a customer account.
type Contact struct {
	BaseModel

	CustomerID string `gorm:"type:uuid;not null;index" json:"customer_id"`
	Name       string `gorm:"not null" json:"name"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	Title      string `json:"title"`
	IsPrimary  bool   `gorm:"default:false" json:"is_primary"`
}
