package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/corvalhq/corval/internal/services"
	"github.com/corvalhq/corval/pkg/response"
)

// CustomerHandler exposes CRM account and contact endpoints.
type CustomerHandler struct {
	svc *services.CustomerService
}

func NewCustomerHandler(svc *services.CustomerService) (*CustomerHandler, error) {
	if svc == nil {
		return nil, errors.New("customer handler: service is required")
	}
	return &CustomerHandler{svc: svc}, nil
}

type createCustomerRequest struct {
	Code             string         `json:"code" validate:"omitempty,max=32"`
	Name             string         `json:"name" validate:"required,min=2,max=256"`
	Email            string         `json:"email" validate:"omitempty,email"`
	Phone            string         `json:"phone" validate:"omitempty,max=32"`
	Website          string         `json:"website" validate:"omitempty,max=256"`
	TaxID            string         `json:"tax_id" validate:"omitempty,max=64"`
	Currency         string         `json:"currency" validate:"omitempty,len=3"`
	CreditLimitCents int64          `json:"credit_limit_cents" validate:"min=0"`
	OwnerUserID      string         `json:"owner_user_id" validate:"omitempty,uuid4"`
	Status           string         `json:"status" validate:"omitempty,oneof=lead prospect active archived"`
	Tags             []string       `json:"tags" validate:"omitempty,dive,max=64"`
	Notes            string         `json:"notes" validate:"omitempty,max=4096"`
	BillingAddress   map[string]any `json:"billing_address"`
	ShippingAddress  map[string]any `json:"shipping_address"`
}

type updateCustomerRequest struct {
	Name             *string        `json:"name" validate:"omitempty,min=2,max=256"`
	Email            *string        `json:"email" validate:"omitempty,email"`
	Phone            *string        `json:"phone" validate:"omitempty,max=32"`
	Website          *string        `json:"website" validate:"omitempty,max=256"`
	TaxID            *string        `json:"tax_id" validate:"omitempty,max=64"`
	Currency         *string        `json:"currency" validate:"omitempty,len=3"`
	CreditLimitCents *int64         `json:"credit_limit_cents" validate:"omitempty,min=0"`
	OwnerUserID      *string        `json:"owner_user_id"`
	Status           *string        `json:"status" validate:"omitempty,oneof=lead prospect active archived"`
	Tags             []string       `json:"tags" validate:"omitempty,dive,max=64"`
	Notes            *string        `json:"notes" validate:"omitempty,max=4096"`
	BillingAddress   map[string]any `json:"billing_address"`
	ShippingAddress  map[string]any `json:"shipping_address"`
}

type contactRequest struct {
	Name      string `json:"name" validate:"required,min=2,max=128"`
	Email     string `json:"email" validate:"omitempty,email"`
	Phone     string `json:"phone" validate:"omitempty,max=32"`
	Title     string `json:"title" validate:"omitempty,max=128"`
	IsPrimary bool   `json:"is_primary"`
}

func (r contactRequest) toInput() services.ContactInput {
	return services.ContactInput{
		Name:      strings.TrimSpace(r.Name),
		Email:     strings.ToLower(strings.TrimSpace(r.Email)),
		Phone:     strings.TrimSpace(r.Phone),
		Title:     strings.TrimSpace(r.Title),
		IsPrimary: r.IsPrimary,
	}
}

// GET /api/customers
func (h *CustomerHandler) List(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	opts := services.CustomerListOptions{
		Page:        parseIntQuery(c, "page", 1),
		PageSize:    parseIntQuery(c, "per_page", 50),
		Status:      strings.TrimSpace(c.Query("status")),
		OwnerUserID: strings.TrimSpace(c.Query("owner")),
		Tag:         strings.TrimSpace(c.Query("tag")),
		Search:      strings.TrimSpace(c.Query("search")),
	}

	customers, total, err := h.svc.List(requestContext(c), orgID, opts)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMeta(c, http.StatusOK, customers, &response.Meta{
		Page:    opts.Page,
		PerPage: opts.PageSize,
		Total:   int(total),
	})
}

// GET /api/customers/:id
func (h *CustomerHandler) Get(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}
	customer, err := h.svc.GetByID(requestContext(c), orgID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, customer)
}

// POST /api/customers
func (h *CustomerHandler) Create(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	var body createCustomerRequest
	if !bindAndValidate(c, &body) {
		return
	}

	customer, err := h.svc.Create(requestContext(c), services.CreateCustomerInput{
		OrganizationID:   orgID,
		Code:             strings.TrimSpace(body.Code),
		Name:             strings.TrimSpace(body.Name),
		Email:            strings.ToLower(strings.TrimSpace(body.Email)),
		Phone:            strings.TrimSpace(body.Phone),
		Website:          strings.TrimSpace(body.Website),
		TaxID:            strings.TrimSpace(body.TaxID),
		Currency:         strings.ToUpper(strings.TrimSpace(body.Currency)),
		CreditLimitCents: body.CreditLimitCents,
		OwnerUserID:      strings.TrimSpace(body.OwnerUserID),
		Status:           body.Status,
		Tags:             body.Tags,
		Notes:            body.Notes,
		BillingAddress:   body.BillingAddress,
		ShippingAddress:  body.ShippingAddress,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusCreated, customer)
}

// PATCH /api/customers/:id
func (h *CustomerHandler) Update(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	var body updateCustomerRequest
	if !bindAndValidate(c, &body) {
		return
	}

	customer, err := h.svc.Update(requestContext(c), orgID, c.Param("id"), services.UpdateCustomerInput{
		Name:             body.Name,
		Email:            body.Email,
		Phone:            body.Phone,
		Website:          body.Website,
		TaxID:            body.TaxID,
		Currency:         body.Currency,
		CreditLimitCents: body.CreditLimitCents,
		OwnerUserID:      body.OwnerUserID,
		Status:           body.Status,
		Tags:             body.Tags,
		Notes:            body.Notes,
		BillingAddress:   body.BillingAddress,
		ShippingAddress:  body.ShippingAddress,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, customer)
}

// POST /api/customers/:id/archive
func (h *CustomerHandler) Archive(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}
	if err := h.svc.Archive(requestContext(c), orgID, c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"archived": true})
}

// DELETE /api/customers/:id
func (h *CustomerHandler) Delete(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}
	if err := h.svc.Delete(requestContext(c), orgID, c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"deleted": true})
}

// POST /api/customers/:id/contacts
func (h *CustomerHandler) AddContact(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	var body contactRequest
	if !bindAndValidate(c, &body) {
		return
	}

	contact, err := h.svc.AddContact(requestContext(c), orgID, c.Param("id"), body.toInput())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusCreated, contact)
}

// PUT /api/customers/:id/contacts/:contactID
func (h *CustomerHandler) UpdateContact(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	var body contactRequest
	if !bindAndValidate(c, &body) {
		return
	}

	contact, err := h.svc.UpdateContact(requestContext(c), orgID, c.Param("id"), c.Param("contactID"), body.toInput())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, contact)
}

// DELETE /api/customers/:id/contacts/:contactID
func (h *CustomerHandler) RemoveContact(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}
	if err := h.svc.RemoveContact(requestContext(c), orgID, c.Param("id"), c.Param("contactID")); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"deleted": true})
}
