package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/corvalhq/corval/internal/events"
	"github.com/corvalhq/corval/internal/models"
	apperrors "github.com/corvalhq/corval/pkg/errors"
)

const defaultPaymentTermDays = 30

var (
	// ErrInvoiceNotFound indicates the requested invoice does not exist in the organization.
	ErrInvoiceNotFound = apperrors.New("INVOICE_NOT_FOUND", "Invoice not found", http.StatusNotFound)
	// ErrInvoiceNotDraft rejects edits once an invoice has been issued.
	ErrInvoiceNotDraft = apperrors.New("INVOICE_NOT_DRAFT", "Invoice is no longer editable", http.StatusConflict)
	// ErrInvoiceNotIssued rejects payments against drafts and void invoices.
	ErrInvoiceNotIssued = apperrors.New("INVOICE_NOT_ISSUED", "Invoice is not issued", http.StatusConflict)
	// ErrInvoiceNotVoidable rejects voiding paid or draft invoices.
	ErrInvoiceNotVoidable = apperrors.New("INVOICE_NOT_VOIDABLE", "Only unpaid issued invoices can be voided", http.StatusConflict)
	// ErrPaymentExceedsBalance rejects payments above the outstanding amount.
	ErrPaymentExceedsBalance = apperrors.New("PAYMENT_EXCEEDS_BALANCE", "Payment exceeds the outstanding balance", http.StatusBadRequest)
)

// InvoiceItemInput is one requested line on an invoice.
type InvoiceItemInput struct {
	ProductID   string
	Description string
	Quantity    int64
	UnitCents   int64
}

// CreateInvoiceInput captures a new draft invoice.
type CreateInvoiceInput struct {
	OrganizationID string
	CustomerID     string
	Currency       string
	TaxRateBP      int64
	DiscountCents  int64
	ShippingCents  int64
	Notes          string
	CreditNote     bool
	Metadata       map[string]any
	Items          []InvoiceItemInput
}

// UpdateInvoiceInput describes draft-only invoice changes. A nil Items slice
// leaves the lines untouched; a non-nil one replaces them.
type UpdateInvoiceInput struct {
	Currency      *string
	TaxRateBP     *int64
	DiscountCents *int64
	ShippingCents *int64
	Notes         *string
	Metadata      map[string]any
	Items         []InvoiceItemInput
}

// PaymentInput records money received against an issued invoice.
type PaymentInput struct {
	AmountCents int64
	Method      string
	Reference   string
	ReceivedAt  *time.Time
	RecordedBy  string
	Note        string
}

// InvoiceListOptions controls filtering and pagination for invoice queries.
type InvoiceListOptions struct {
	Page         int
	PageSize     int
	Status       string
	CustomerID   string
	IssuedAfter  *time.Time
	IssuedBefore *time.Time
	DueBefore    *time.Time
}

// InvoiceTotals is the server-side computation of an invoice's amounts.
type InvoiceTotals struct {
	SubTotalCents int64
	TaxCents      int64
	TotalCents    int64
}

// ComputeInvoiceTotals derives invoice amounts from its lines. The discount
// applies before tax, tax rounds half-up, shipping is added after tax.
func ComputeInvoiceTotals(items []InvoiceItemInput, taxRateBP, discountCents, shippingCents int64) InvoiceTotals {
	var subTotal int64
	for _, item := range items {
		quantity := item.Quantity
		if quantity <= 0 {
			quantity = 1
		}
		subTotal += quantity * item.UnitCents
	}

	taxable := subTotal - discountCents
	if taxable < 0 {
		taxable = 0
	}

	var tax int64
	if taxRateBP > 0 {
		tax = (taxable*taxRateBP + 5000) / 10000
	}

	return InvoiceTotals{
		SubTotalCents: subTotal,
		TaxCents:      tax,
		TotalCents:    taxable + tax + shippingCents,
	}
}

// InvoiceService manages invoices and payments inside a tenant.
type InvoiceService struct {
	db           *gorm.DB
	auditService *AuditService
	bus          *events.Bus
}

// NewInvoiceService constructs an InvoiceService instance.
func NewInvoiceService(db *gorm.DB, auditService *AuditService, bus *events.Bus) (*InvoiceService, error) {
	if db == nil {
		return nil, errors.New("invoice service: db is required")
	}
	return &InvoiceService{
		db:           db,
		auditService: auditService,
		bus:          bus,
	}, nil
}

// Create opens a draft invoice with server-computed totals.
func (s *InvoiceService) Create(ctx context.Context, input CreateInvoiceInput) (*models.Invoice, error) {
	ctx = ensureContext(ctx)

	orgID := strings.TrimSpace(input.OrganizationID)
	if orgID == "" {
		return nil, apperrors.NewBadRequest("organization id is required")
	}
	customerID := strings.TrimSpace(input.CustomerID)
	if customerID == "" {
		return nil, apperrors.NewBadRequest("customer id is required")
	}

	var customer models.Customer
	err := s.db.WithContext(ctx).
		Select("id", "currency").
		Take(&customer, "id = ? AND organization_id = ?", customerID, orgID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCustomerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("invoice service: load customer: %w", err)
	}

	items, err := buildInvoiceItems(input.Items, input.CreditNote)
	if err != nil {
		return nil, err
	}

	totals := ComputeInvoiceTotals(input.Items, input.TaxRateBP, input.DiscountCents, input.ShippingCents)
	if !input.CreditNote && totals.TotalCents < 0 {
		return nil, apperrors.NewBadRequest("invoice total cannot be negative")
	}

	invoice := &models.Invoice{
		OrganizationID: orgID,
		CustomerID:     customerID,
		Status:         models.InvoiceStatusDraft,
		CreditNote:     input.CreditNote,
		TaxRateBP:      input.TaxRateBP,
		DiscountCents:  input.DiscountCents,
		ShippingCents:  input.ShippingCents,
		SubTotalCents:  totals.SubTotalCents,
		TaxCents:       totals.TaxCents,
		TotalCents:     totals.TotalCents,
		Notes:          strings.TrimSpace(input.Notes),
	}
	if currency := strings.ToUpper(strings.TrimSpace(input.Currency)); currency != "" {
		invoice.Currency = currency
	} else if customer.Currency != "" {
		invoice.Currency = customer.Currency
	}
	if invoice.Metadata, err = marshalJSON("invoice metadata", input.Metadata); err != nil {
		return nil, fmt.Errorf("invoice service: %w", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(invoice).Error; err != nil {
			return fmt.Errorf("create invoice: %w", err)
		}
		for i := range items {
			items[i].InvoiceID = invoice.ID
		}
		if len(items) > 0 {
			if err := tx.Create(&items).Error; err != nil {
				return fmt.Errorf("create invoice items: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("invoice service: %w", err)
	}
	invoice.Items = items

	recordAudit(s.auditService, ctx, AuditEntry{
		OrganizationID: &invoice.OrganizationID,
		Action:         "invoice.create",
		Resource:       invoice.ID,
		Result:         "success",
		Metadata: map[string]any{
			"customer_id": invoice.CustomerID,
			"total_cents": invoice.TotalCents,
			"credit_note": invoice.CreditNote,
		},
	})

	return invoice, nil
}

// GetByID loads an invoice with items and payments, scoped to the organization.
func (s *InvoiceService) GetByID(ctx context.Context, organizationID, id string) (*models.Invoice, error) {
	ctx = ensureContext(ctx)

	var invoice models.Invoice
	err := s.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Preload("Payments").
		First(&invoice, "id = ? AND organization_id = ?", id, organizationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("invoice service: get invoice: %w", err)
	}
	return &invoice, nil
}

// List returns invoices of an organization with filters and pagination.
func (s *InvoiceService) List(ctx context.Context, organizationID string, opts InvoiceListOptions) ([]models.Invoice, int64, error) {
	ctx = ensureContext(ctx)

	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return nil, 0, apperrors.NewBadRequest("organization id is required")
	}

	page, perPage := clampPage(opts.Page, opts.PageSize)

	query := s.db.WithContext(ctx).
		Model(&models.Invoice{}).
		Where("organization_id = ?", organizationID)

	if status := strings.TrimSpace(opts.Status); status != "" {
		query = query.Where("status = ?", status)
	}
	if customerID := strings.TrimSpace(opts.CustomerID); customerID != "" {
		query = query.Where("customer_id = ?", customerID)
	}
	if opts.IssuedAfter != nil {
		query = query.Where("issue_date >= ?", *opts.IssuedAfter)
	}
	if opts.IssuedBefore != nil {
		query = query.Where("issue_date < ?", *opts.IssuedBefore)
	}
	if opts.DueBefore != nil {
		query = query.Where("due_date < ?", *opts.DueBefore)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("invoice service: count invoices: %w", err)
	}

	var invoices []models.Invoice
	if err := query.
		Order("created_at DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&invoices).Error; err != nil {
		return nil, 0, fmt.Errorf("invoice service: list invoices: %w", err)
	}

	return invoices, total, nil
}

// UpdateDraft modifies a draft invoice and recomputes its totals. Issued
// invoices are immutable apart from status and payment bookkeeping.
func (s *InvoiceService) UpdateDraft(ctx context.Context, organizationID, id string, input UpdateInvoiceInput) (*models.Invoice, error) {
	ctx = ensureContext(ctx)

	invoice, err := s.GetByID(ctx, organizationID, id)
	if err != nil {
		return nil, err
	}
	if !invoice.Editable() {
		return nil, ErrInvoiceNotDraft
	}

	taxRate := invoice.TaxRateBP
	if input.TaxRateBP != nil {
		taxRate = *input.TaxRateBP
	}
	discount := invoice.DiscountCents
	if input.DiscountCents != nil {
		discount = *input.DiscountCents
	}
	shipping := invoice.ShippingCents
	if input.ShippingCents != nil {
		shipping = *input.ShippingCents
	}

	itemInputs := input.Items
	if itemInputs == nil {
		itemInputs = make([]InvoiceItemInput, 0, len(invoice.Items))
		for _, item := range invoice.Items {
			productID := ""
			if item.ProductID != nil {
				productID = *item.ProductID
			}
			itemInputs = append(itemInputs, InvoiceItemInput{
				ProductID:   productID,
				Description: item.Description,
				Quantity:    item.Quantity,
				UnitCents:   item.UnitCents,
			})
		}
	}

	var replacement []models.InvoiceItem
	if input.Items != nil {
		if replacement, err = buildInvoiceItems(input.Items, invoice.CreditNote); err != nil {
			return nil, err
		}
	}

	totals := ComputeInvoiceTotals(itemInputs, taxRate, discount, shipping)
	if !invoice.CreditNote && totals.TotalCents < 0 {
		return nil, apperrors.NewBadRequest("invoice total cannot be negative")
	}

	updates := map[string]any{
		"tax_rate_bp":     taxRate,
		"discount_cents":  discount,
		"shipping_cents":  shipping,
		"sub_total_cents": totals.SubTotalCents,
		"tax_cents":       totals.TaxCents,
		"total_cents":     totals.TotalCents,
	}
	if input.Currency != nil {
		if currency := strings.ToUpper(strings.TrimSpace(*input.Currency)); currency != "" {
			updates["currency"] = currency
		}
	}
	if input.Notes != nil {
		updates["notes"] = strings.TrimSpace(*input.Notes)
	}
	if input.Metadata != nil {
		metadata, err := marshalJSON("invoice metadata", input.Metadata)
		if err != nil {
			return nil, fmt.Errorf("invoice service: %w", err)
		}
		updates["metadata"] = metadata
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if input.Items != nil {
			if err := tx.Where("invoice_id = ?", invoice.ID).Delete(&models.InvoiceItem{}).Error; err != nil {
				return fmt.Errorf("clear invoice items: %w", err)
			}
			for i := range replacement {
				replacement[i].InvoiceID = invoice.ID
			}
			if len(replacement) > 0 {
				if err := tx.Create(&replacement).Error; err != nil {
					return fmt.Errorf("replace invoice items: %w", err)
				}
			}
		}
		if err := tx.Model(invoice).Updates(updates).Error; err != nil {
			return fmt.Errorf("update invoice: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("invoice service: %w", err)
	}

	return s.GetByID(ctx, organizationID, id)
}

// Issue finalises a draft: allocates the next sequential number for the
// organization, stamps the dates and freezes the lines.
func (s *InvoiceService) Issue(ctx context.Context, organizationID, id, issuedBy string) (*models.Invoice, error) {
	ctx = ensureContext(ctx)

	var issued *models.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var invoice models.Invoice
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Preload("Items").
			First(&invoice, "id = ? AND organization_id = ?", id, organizationID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrInvoiceNotFound
		}
		if err != nil {
			return fmt.Errorf("invoice service: load invoice: %w", err)
		}
		if invoice.Status != models.InvoiceStatusDraft {
			return ErrInvoiceNotDraft
		}
		if len(invoice.Items) == 0 {
			return apperrors.NewBadRequest("invoice has no items")
		}

		number, err := nextInvoiceNumber(tx, organizationID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		due := now.AddDate(0, 0, defaultPaymentTermDays)

		updates := map[string]any{
			"number":     number,
			"status":     models.InvoiceStatusIssued,
			"issue_date": now,
			"due_date":   due,
		}
		if by := strings.TrimSpace(issuedBy); by != "" {
			updates["issued_by"] = by
		}
		if err := tx.Model(&invoice).Updates(updates).Error; err != nil {
			return fmt.Errorf("invoice service: issue invoice: %w", err)
		}

		invoice.Number = &number
		invoice.Status = models.InvoiceStatusIssued
		invoice.IssueDate = &now
		invoice.DueDate = &due
		issued = &invoice
		return nil
	})
	if err != nil {
		return nil, err
	}

	recordAudit(s.auditService, ctx, AuditEntry{
		OrganizationID: &issued.OrganizationID,
		Action:         "invoice.issue",
		Resource:       issued.ID,
		Result:         "success",
		Metadata: map[string]any{
			"number":      *issued.Number,
			"total_cents": issued.TotalCents,
		},
	})
	s.publish(events.InvoiceIssued, issued)

	return issued, nil
}

// RecordPayment applies money against an issued invoice. Partial payments are
// allowed; the invoice flips to paid when the balance reaches zero.
func (s *InvoiceService) RecordPayment(ctx context.Context, organizationID, invoiceID string, input PaymentInput) (*models.Payment, error) {
	ctx = ensureContext(ctx)

	if input.AmountCents <= 0 {
		return nil, apperrors.NewBadRequest("payment amount must be positive")
	}
	method := models.PaymentMethod(strings.TrimSpace(input.Method))
	switch method {
	case "", models.PaymentMethodTransfer, models.PaymentMethodCard, models.PaymentMethodCash, models.PaymentMethodOther:
	default:
		return nil, apperrors.NewBadRequest("invalid payment method")
	}

	receivedAt := time.Now().UTC()
	if input.ReceivedAt != nil {
		receivedAt = input.ReceivedAt.UTC()
	}

	var (
		payment  *models.Payment
		fullPaid bool
		invoice  models.Invoice
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&invoice, "id = ? AND organization_id = ?", invoiceID, organizationID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrInvoiceNotFound
		}
		if err != nil {
			return fmt.Errorf("invoice service: load invoice: %w", err)
		}
		if invoice.CreditNote {
			return apperrors.NewBadRequest("credit notes cannot receive payments")
		}
		if invoice.Status != models.InvoiceStatusIssued && invoice.Status != models.InvoiceStatusOverdue {
			return ErrInvoiceNotIssued
		}
		if invoice.PaidCents+input.AmountCents > invoice.TotalCents {
			return ErrPaymentExceedsBalance
		}

		payment = &models.Payment{
			OrganizationID: organizationID,
			InvoiceID:      invoice.ID,
			AmountCents:    input.AmountCents,
			Method:         method,
			Reference:      strings.TrimSpace(input.Reference),
			ReceivedAt:     receivedAt,
			Note:           strings.TrimSpace(input.Note),
		}
		if by := strings.TrimSpace(input.RecordedBy); by != "" {
			payment.RecordedBy = &by
		}
		if err := tx.Create(payment).Error; err != nil {
			return fmt.Errorf("invoice service: create payment: %w", err)
		}

		paid := invoice.PaidCents + input.AmountCents
		updates := map[string]any{"paid_cents": paid}
		if paid == invoice.TotalCents {
			updates["status"] = models.InvoiceStatusPaid
			fullPaid = true
		}
		if err := tx.Model(&invoice).Updates(updates).Error; err != nil {
			return fmt.Errorf("invoice service: update invoice balance: %w", err)
		}
		invoice.PaidCents = paid
		return nil
	})
	if err != nil {
		return nil, err
	}

	recordAudit(s.auditService, ctx, AuditEntry{
		OrganizationID: &invoice.OrganizationID,
		Action:         "invoice.payment",
		Resource:       invoice.ID,
		Result:         "success",
		Metadata: map[string]any{
			"amount_cents": input.AmountCents,
			"paid_cents":   invoice.PaidCents,
		},
	})
	if fullPaid {
		invoice.Status = models.InvoiceStatusPaid
		s.publish(events.InvoicePaid, &invoice)
	}

	return payment, nil
}

// Void cancels an unpaid issued invoice. The allocated number stays consumed.
func (s *InvoiceService) Void(ctx context.Context, organizationID, id string) error {
	ctx = ensureContext(ctx)

	invoice, err := s.GetByID(ctx, organizationID, id)
	if err != nil {
		return err
	}
	if invoice.PaidCents != 0 {
		return ErrInvoiceNotVoidable
	}
	if invoice.Status != models.InvoiceStatusIssued && invoice.Status != models.InvoiceStatusOverdue {
		return ErrInvoiceNotVoidable
	}

	if err := s.db.WithContext(ctx).
		Model(invoice).
		Update("status", models.InvoiceStatusVoid).Error; err != nil {
		return fmt.Errorf("invoice service: void invoice: %w", err)
	}

	recordAudit(s.auditService, ctx, AuditEntry{
		OrganizationID: &invoice.OrganizationID,
		Action:         "invoice.void",
		Resource:       invoice.ID,
		Result:         "success",
	})

	return nil
}

// MarkOverdue flips issued invoices past their due date to overdue. The sweep
// runs across tenants from the maintenance scheduler.
func (s *InvoiceService) MarkOverdue(ctx context.Context, now time.Time) (int, error) {
	ctx = ensureContext(ctx)

	var invoices []models.Invoice
	if err := s.db.WithContext(ctx).
		Where("status = ? AND due_date IS NOT NULL AND due_date < ?", models.InvoiceStatusIssued, now).
		Find(&invoices).Error; err != nil {
		return 0, fmt.Errorf("invoice service: find overdue invoices: %w", err)
	}
	if len(invoices) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(invoices))
	for _, invoice := range invoices {
		ids = append(ids, invoice.ID)
	}

	if err := s.db.WithContext(ctx).
		Model(&models.Invoice{}).
		Where("id IN ?", ids).
		Update("status", models.InvoiceStatusOverdue).Error; err != nil {
		return 0, fmt.Errorf("invoice service: mark overdue: %w", err)
	}

	for i := range invoices {
		invoices[i].Status = models.InvoiceStatusOverdue
		s.publish(events.InvoiceOverdue, &invoices[i])
	}

	return len(invoices), nil
}

// CustomerOpenBalance sums the outstanding amount across a customer's issued
// and overdue invoices.
func (s *InvoiceService) CustomerOpenBalance(ctx context.Context, organizationID, customerID string) (int64, error) {
	ctx = ensureContext(ctx)

	var balance int64
	err := s.db.WithContext(ctx).
		Model(&models.Invoice{}).
		Select("COALESCE(SUM(total_cents - paid_cents), 0)").
		Where("organization_id = ? AND customer_id = ?", organizationID, customerID).
		Where("status IN ?", []models.InvoiceStatus{models.InvoiceStatusIssued, models.InvoiceStatusOverdue}).
		Scan(&balance).Error
	if err != nil {
		return 0, fmt.Errorf("invoice service: open balance: %w", err)
	}
	return balance, nil
}

func (s *InvoiceService) publish(name string, invoice *models.Invoice) {
	if s.bus == nil || invoice == nil {
		return
	}
	var number string
	if invoice.Number != nil {
		number = *invoice.Number
	}
	var actor string
	if invoice.IssuedBy != nil {
		actor = *invoice.IssuedBy
	}
	s.bus.Publish(events.Event{
		Name:           name,
		OrganizationID: invoice.OrganizationID,
		ActorID:        actor,
		Payload: map[string]any{
			"invoice_id":  invoice.ID,
			"number":      number,
			"customer_id": invoice.CustomerID,
			"total_cents": invoice.TotalCents,
			"currency":    invoice.Currency,
			"status":      string(invoice.Status),
		},
	})
}

func buildInvoiceItems(inputs []InvoiceItemInput, creditNote bool) ([]models.InvoiceItem, error) {
	items := make([]models.InvoiceItem, 0, len(inputs))
	for i, input := range inputs {
		description := strings.TrimSpace(input.Description)
		if description == "" {
			return nil, apperrors.NewBadRequest("invoice item description is required")
		}
		if input.Quantity < 0 {
			return nil, apperrors.NewBadRequest("invoice item quantity cannot be negative")
		}
		if !creditNote && input.UnitCents < 0 {
			return nil, apperrors.NewBadRequest("negative amounts require a credit note")
		}

		quantity := input.Quantity
		if quantity == 0 {
			quantity = 1
		}

		item := models.InvoiceItem{
			Description: description,
			Quantity:    quantity,
			UnitCents:   input.UnitCents,
			AmountCents: quantity * input.UnitCents,
			Position:    i,
		}
		if productID := strings.TrimSpace(input.ProductID); productID != "" {
			item.ProductID = &productID
		}
		items = append(items, item)
	}
	return items, nil
}

// nextInvoiceNumber allocates the next sequence value for the organization
// inside the caller's transaction, locking the counter row.
func nextInvoiceNumber(tx *gorm.DB, organizationID string) (string, error) {
	var seq models.InvoiceSequence
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Take(&seq, "organization_id = ?", organizationID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		seq = models.InvoiceSequence{OrganizationID: organizationID, NextNumber: 1}
		if err := tx.Create(&seq).Error; err != nil {
			return "", fmt.Errorf("create invoice sequence: %w", err)
		}
	case err != nil:
		return "", fmt.Errorf("load invoice sequence: %w", err)
	}

	number := models.FormatInvoiceNumber(seq.NextNumber)
	if err := tx.Model(&models.InvoiceSequence{}).
		Where("organization_id = ?", organizationID).
		Update("next_number", seq.NextNumber+1).Error; err != nil {
		return "", fmt.Errorf("advance invoice sequence: %w", err)
	}
	return number, nil
}
