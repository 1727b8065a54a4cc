package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// InvoiceStatus enumerates the invoice lifecycle.
type InvoiceStatus string

const (
	InvoiceStatusDraft   InvoiceStatus = "draft"
	InvoiceStatusIssued  InvoiceStatus = "issued"
	InvoiceStatusPaid    InvoiceStatus = "paid"
	InvoiceStatusOverdue InvoiceStatus = "overdue"
	InvoiceStatusVoid    InvoiceStatus = "void"
)

var validInvoiceStatuses = map[InvoiceStatus]struct{}{
	InvoiceStatusDraft:   {},
	InvoiceStatusIssued:  {},
	InvoiceStatusPaid:    {},
	InvoiceStatusOverdue: {},
	InvoiceStatusVoid:    {},
}

// Invoice is an accounts-receivable document. Monetary amounts are integer
// cents. Drafts carry no number; one is allocated when the invoice is issued.
type Invoice struct {
	BaseModel

	OrganizationID string    `gorm:"type:uuid;not null;index:idx_invoices_org_number,unique,priority:1" json:"organization_id"`
	Number         *string   `gorm:"index:idx_invoices_org_number,unique,priority:2" json:"number,omitempty"`
	CustomerID     string    `gorm:"type:uuid;not null;index" json:"customer_id"`
	Customer       *Customer `json:"customer,omitempty"`

	Status     InvoiceStatus `gorm:"type:varchar(32);default:'draft';index" json:"status"`
	Currency   string        `gorm:"type:varchar(8);default:'USD'" json:"currency"`
	CreditNote bool          `gorm:"default:false" json:"credit_note"`

	IssueDate *time.Time `json:"issue_date"`
	DueDate   *time.Time `gorm:"index" json:"due_date"`

	SubTotalCents int64 `gorm:"default:0" json:"sub_total_cents"`
	TaxRateBP     int64 `gorm:"default:0" json:"tax_rate_bp"`
	TaxCents      int64 `gorm:"default:0" json:"tax_cents"`
	DiscountCents int64 `gorm:"default:0" json:"discount_cents"`
	ShippingCents int64 `gorm:"default:0" json:"shipping_cents"`
	TotalCents    int64 `gorm:"default:0" json:"total_cents"`
	PaidCents     int64 `gorm:"default:0" json:"paid_cents"`

	Notes    string         `gorm:"type:text" json:"notes"`
	IssuedBy *string        `gorm:"type:uuid" json:"issued_by"`
	Metadata datatypes.JSON `json:"metadata"`

	Items    []InvoiceItem `gorm:"foreignKey:InvoiceID" json:"items,omitempty"`
	Payments []Payment     `gorm:"foreignKey:InvoiceID" json:"payments,omitempty"`
}

// BeforeSave validates the lifecycle state and amount bounds.
func (i *Invoice) BeforeSave(tx *gorm.DB) error {
	status := InvoiceStatus(strings.TrimSpace(string(i.Status)))
	if status == "" {
		status = InvoiceStatusDraft
	}
	if _, ok := validInvoiceStatuses[status]; !ok {
		return fmt.Errorf("invoice: invalid status %q", i.Status)
	}
	i.Status = status

	if i.PaidCents < 0 {
		return errors.New("invoice: paid amount cannot be negative")
	}
	if !i.CreditNote {
		if i.TotalCents < 0 {
			return errors.New("invoice: total cannot be negative without the credit note flag")
		}
		if i.PaidCents > i.TotalCents {
			return errors.New("invoice: paid amount cannot exceed total")
		}
	}

	return nil
}

// Outstanding returns the unpaid remainder in cents.
func (i *Invoice) Outstanding() int64 {
	return i.TotalCents - i.PaidCents
}

// Editable reports whether line items may still change.
func (i *Invoice) Editable() bool {
	return i.Status == InvoiceStatusDraft
}

// InvoiceItem is a single line on an invoice.
type InvoiceItem struct {
	BaseModel

	InvoiceID   string  `gorm:"type:uuid;not null;index" json:"invoice_id"`
	ProductID   *string `gorm:"type:uuid;index" json:"product_id"`
	Description string  `gorm:"not null" json:"description"`
	Quantity    int64   `gorm:"not null;default:1" json:"quantity"`
	UnitCents   int64   `gorm:"not null;default:0" json:"unit_cents"`
	AmountCents int64   `gorm:"not null;default:0" json:"amount_cents"`
	Position    int     `gorm:"default:0" json:"position"`
}

// PaymentMethod enumerates how a payment was received.
type PaymentMethod string

const (
	PaymentMethodTransfer PaymentMethod = "transfer"
	PaymentMethodCard     PaymentMethod = "card"
	PaymentMethodCash     PaymentMethod = "cash"
	PaymentMethodOther    PaymentMethod = "other"
)

// Payment records money received against an invoice.
type Payment struct {
	BaseModel

	OrganizationID string        `gorm:"type:uuid;not null;index" json:"organization_id"`
	InvoiceID      string        `gorm:"type:uuid;not null;index" json:"invoice_id"`
	AmountCents    int64         `gorm:"not null" json:"amount_cents"`
	Method         PaymentMethod `gorm:"type:varchar(32);default:'transfer'" json:"method"`
	Reference      string        `json:"reference"`
	ReceivedAt     time.Time     `json:"received_at"`
	RecordedBy     *string       `gorm:"type:uuid" json:"recorded_by"`
	Note           string        `json:"note"`
}

// InvoiceSequence allocates per-tenant invoice numbers inside the issue transaction.
type InvoiceSequence struct {
	OrganizationID string `gorm:"primaryKey;type:uuid"`
	NextNumber     int64  `gorm:"not null;default:1"`
	UpdatedAt      time.Time
}

// FormatInvoiceNumber renders the canonical invoice number for a sequence value.
func FormatInvoiceNumber(n int64) string {
	return fmt.Sprintf("INV-%06d", n)
}
