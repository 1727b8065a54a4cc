package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/corvalhq/corval/internal/middleware"
	"github.com/corvalhq/corval/internal/services"
	"github.com/corvalhq/corval/pkg/response"
)

// InvoiceHandler exposes the receivables side of the ledger: draft
// lifecycle, payments, and per-customer balances.
type InvoiceHandler struct {
	svc *services.InvoiceService
}

func NewInvoiceHandler(svc *services.InvoiceService) (*InvoiceHandler, error) {
	if svc == nil {
		return nil, errors.New("invoice handler: service is required")
	}
	return &InvoiceHandler{svc: svc}, nil
}

type invoiceItemRequest struct {
	ProductID   string `json:"product_id" validate:"omitempty,uuid4"`
	Description string `json:"description" validate:"required,max=512"`
	Quantity    int64  `json:"quantity" validate:"required,min=1"`
	UnitCents   int64  `json:"unit_cents" validate:"min=0"`
}

type createInvoiceRequest struct {
	CustomerID    string               `json:"customer_id" validate:"required,uuid4"`
	Currency      string               `json:"currency" validate:"omitempty,len=3"`
	TaxRateBP     int64                `json:"tax_rate_bp" validate:"min=0,max=10000"`
	DiscountCents int64                `json:"discount_cents" validate:"min=0"`
	ShippingCents int64                `json:"shipping_cents" validate:"min=0"`
	Notes         string               `json:"notes" validate:"omitempty,max=4096"`
	CreditNote    bool                 `json:"credit_note"`
	Metadata      map[string]any       `json:"metadata"`
	Items         []invoiceItemRequest `json:"items" validate:"omitempty,dive"`
}

type updateInvoiceRequest struct {
	Currency      *string              `json:"currency" validate:"omitempty,len=3"`
	TaxRateBP     *int64               `json:"tax_rate_bp" validate:"omitempty,min=0,max=10000"`
	DiscountCents *int64               `json:"discount_cents" validate:"omitempty,min=0"`
	ShippingCents *int64               `json:"shipping_cents" validate:"omitempty,min=0"`
	Notes         *string              `json:"notes" validate:"omitempty,max=4096"`
	Metadata      map[string]any       `json:"metadata"`
	Items         []invoiceItemRequest `json:"items" validate:"omitempty,dive"`
}

type recordPaymentRequest struct {
	AmountCents int64      `json:"amount_cents" validate:"required,min=1"`
	Method      string     `json:"method" validate:"omitempty,oneof=bank_transfer card cash check other"`
	Reference   string     `json:"reference" validate:"omitempty,max=128"`
	ReceivedAt  *time.Time `json:"received_at"`
	Note        string     `json:"note" validate:"omitempty,max=512"`
}

func invoiceItems(items []invoiceItemRequest) []services.InvoiceItemInput {
	if items == nil {
		return nil
	}
	out := make([]services.InvoiceItemInput, 0, len(items))
	for _, item := range items {
		out = append(out, services.InvoiceItemInput{
			ProductID:   strings.TrimSpace(item.ProductID),
			Description: strings.TrimSpace(item.Description),
			Quantity:    item.Quantity,
			UnitCents:   item.UnitCents,
		})
	}
	return out
}

// GET /api/invoices
func (h *InvoiceHandler) List(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	opts := services.InvoiceListOptions{
		Page:         parseIntQuery(c, "page", 1),
		PageSize:     parseIntQuery(c, "per_page", 50),
		Status:       strings.TrimSpace(c.Query("status")),
		CustomerID:   strings.TrimSpace(c.Query("customer")),
		IssuedAfter:  parseTimeQuery(c, "issued_after"),
		IssuedBefore: parseTimeQuery(c, "issued_before"),
		DueBefore:    parseTimeQuery(c, "due_before"),
	}

	invoices, total, err := h.svc.List(requestContext(c), orgID, opts)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMeta(c, http.StatusOK, invoices, &response.Meta{
		Page:    opts.Page,
		PerPage: opts.PageSize,
		Total:   int(total),
	})
}

// GET /api/invoices/:id
func (h *InvoiceHandler) Get(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}
	invoice, err := h.svc.GetByID(requestContext(c), orgID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, invoice)
}

// POST /api/invoices
func (h *InvoiceHandler) Create(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	var body createInvoiceRequest
	if !bindAndValidate(c, &body) {
		return
	}

	invoice, err := h.svc.Create(requestContext(c), services.CreateInvoiceInput{
		OrganizationID: orgID,
		CustomerID:     body.CustomerID,
		Currency:       strings.ToUpper(strings.TrimSpace(body.Currency)),
		TaxRateBP:      body.TaxRateBP,
		DiscountCents:  body.DiscountCents,
		ShippingCents:  body.ShippingCents,
		Notes:          body.Notes,
		CreditNote:     body.CreditNote,
		Metadata:       body.Metadata,
		Items:          invoiceItems(body.Items),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusCreated, invoice)
}

// PATCH /api/invoices/:id only touches drafts; issued invoices are immutable.
func (h *InvoiceHandler) Update(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	var body updateInvoiceRequest
	if !bindAndValidate(c, &body) {
		return
	}

	var currency *string
	if body.Currency != nil {
		normalized := strings.ToUpper(strings.TrimSpace(*body.Currency))
		currency = &normalized
	}

	invoice, err := h.svc.UpdateDraft(requestContext(c), orgID, c.Param("id"), services.UpdateInvoiceInput{
		Currency:      currency,
		TaxRateBP:     body.TaxRateBP,
		DiscountCents: body.DiscountCents,
		ShippingCents: body.ShippingCents,
		Notes:         body.Notes,
		Metadata:      body.Metadata,
		Items:         invoiceItems(body.Items),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, invoice)
}

// POST /api/invoices/:id/issue freezes the draft, assigns the invoice number,
// and starts the payment clock.
func (h *InvoiceHandler) Issue(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	invoice, err := h.svc.Issue(requestContext(c), orgID, c.Param("id"), c.GetString(middleware.CtxUserIDKey))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, invoice)
}

// POST /api/invoices/:id/payments
func (h *InvoiceHandler) RecordPayment(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	var body recordPaymentRequest
	if !bindAndValidate(c, &body) {
		return
	}

	payment, err := h.svc.RecordPayment(requestContext(c), orgID, c.Param("id"), services.PaymentInput{
		AmountCents: body.AmountCents,
		Method:      body.Method,
		Reference:   strings.TrimSpace(body.Reference),
		ReceivedAt:  body.ReceivedAt,
		RecordedBy:  c.GetString(middleware.CtxUserIDKey),
		Note:        body.Note,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusCreated, payment)
}

// POST /api/invoices/:id/void
func (h *InvoiceHandler) Void(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}
	if err := h.svc.Void(requestContext(c), orgID, c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"voided": true})
}

// GET /api/customers/:id/balance sums the customer's open invoices.
func (h *InvoiceHandler) CustomerBalance(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	balance, err := h.svc.CustomerOpenBalance(requestContext(c), orgID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{
		"customer_id":        c.Param("id"),
		"open_balance_cents": balance,
	})
}
