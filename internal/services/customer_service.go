package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"gorm.io/gorm"

	"github.com/corvalhq/corval/internal/events"
	"github.com/corvalhq/corval/internal/models"
	apperrors "github.com/corvalhq/corval/pkg/errors"
)

var (
	// ErrCustomerNotFound indicates the requested customer does not exist in the organization.
	ErrCustomerNotFound = apperrors.New("CUSTOMER_NOT_FOUND", "Customer not found", http.StatusNotFound)
	// ErrCustomerArchived signals a write against an archived customer account.
	ErrCustomerArchived = apperrors.New("CUSTOMER_ARCHIVED", "Customer is archived", http.StatusConflict)
	// ErrContactNotFound indicates the requested contact does not exist.
	ErrContactNotFound = apperrors.New("CONTACT_NOT_FOUND", "Contact not found", http.StatusNotFound)
)

// CreateCustomerInput captures the attributes of a new CRM account.
type CreateCustomerInput struct {
	OrganizationID   string
	Code             string
	Name             string
	Email            string
	Phone            string
	Website          string
	TaxID            string
	Currency         string
	CreditLimitCents int64
	OwnerUserID      string
	Status           string
	Tags             []string
	Notes            string
	BillingAddress   map[string]any
	ShippingAddress  map[string]any
}

// UpdateCustomerInput describes mutable customer fields.
type UpdateCustomerInput struct {
	Name             *string
	Email            *string
	Phone            *string
	Website          *string
	TaxID            *string
	Currency         *string
	CreditLimitCents *int64
	OwnerUserID      *string
	Status           *string
	Tags             []string
	Notes            *string
	BillingAddress   map[string]any
	ShippingAddress  map[string]any
}

// ContactInput captures a person attached to a customer.
type ContactInput struct {
	Name      string
	Email     string
	Phone     string
	Title     string
	IsPrimary bool
}

// CustomerListOptions controls filtering and pagination for customer queries.
type CustomerListOptions struct {
	Page        int
	PageSize    int
	Status      string
	OwnerUserID string
	Tag         string
	Search      string
}

// CustomerService manages CRM accounts and their contacts inside a tenant.
type CustomerService struct {
	db           *gorm.DB
	auditService *AuditService
	bus          *events.Bus
}

// NewCustomerService constructs a CustomerService instance.
func NewCustomerService(db *gorm.DB, auditService *AuditService, bus *events.Bus) (*CustomerService, error) {
	if db == nil {
		return nil, errors.New("customer service: db is required")
	}
	return &CustomerService{
		db:           db,
		auditService: auditService,
		bus:          bus,
	}, nil
}

// Create registers a new customer account.
func (s *CustomerService) Create(ctx context.Context, input CreateCustomerInput) (*models.Customer, error) {
	ctx = ensureContext(ctx)

	orgID := strings.TrimSpace(input.OrganizationID)
	if orgID == "" {
		return nil, apperrors.NewBadRequest("organization id is required")
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, apperrors.NewBadRequest("customer name is required")
	}
	if strings.TrimSpace(input.Code) == "" {
		return nil, apperrors.NewBadRequest("customer code is required")
	}

	customer := &models.Customer{
		OrganizationID:   orgID,
		Code:             input.Code,
		Name:             name,
		Email:            strings.ToLower(strings.TrimSpace(input.Email)),
		Phone:            strings.TrimSpace(input.Phone),
		Website:          strings.TrimSpace(input.Website),
		TaxID:            strings.TrimSpace(input.TaxID),
		Currency:         strings.ToUpper(strings.TrimSpace(input.Currency)),
		CreditLimitCents: input.CreditLimitCents,
		Status:           models.CustomerStatus(strings.TrimSpace(input.Status)),
		Notes:            strings.TrimSpace(input.Notes),
	}
	if customer.CreditLimitCents < 0 {
		return nil, apperrors.NewBadRequest("credit limit cannot be negative")
	}
	if owner := strings.TrimSpace(input.OwnerUserID); owner != "" {
		customer.OwnerUserID = &owner
	}

	var err error
	if customer.Tags, err = marshalJSON("customer tags", normaliseIDs(input.Tags)); err != nil {
		return nil, fmt.Errorf("customer service: %w", err)
	}
	if customer.BillingAddress, err = marshalJSON("billing address", input.BillingAddress); err != nil {
		return nil, fmt.Errorf("customer service: %w", err)
	}
	if customer.ShippingAddress, err = marshalJSON("shipping address", input.ShippingAddress); err != nil {
		return nil, fmt.Errorf("customer service: %w", err)
	}

	if err := s.db.WithContext(ctx).Create(customer).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil, apperrors.NewBadRequest("customer code already exists in this organization")
		}
		return nil, fmt.Errorf("customer service: create customer: %w", err)
	}

	recordAudit(s.auditService, ctx, AuditEntry{
		OrganizationID: &customer.OrganizationID,
		Action:         "customer.create",
		Resource:       customer.ID,
		Result:         "success",
		Metadata: map[string]any{
			"code": customer.Code,
			"name": customer.Name,
		},
	})
	s.publish(events.CustomerCreated, customer)

	return customer, nil
}

// GetByID loads a customer with contacts, scoped to the organization.
func (s *CustomerService) GetByID(ctx context.Context, organizationID, id string) (*models.Customer, error) {
	ctx = ensureContext(ctx)

	var customer models.Customer
	err := s.db.WithContext(ctx).
		Preload("Contacts").
		First(&customer, "id = ? AND organization_id = ?", id, organizationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCustomerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("customer service: get customer: %w", err)
	}
	return &customer, nil
}

// List returns customers of an organization with filters and pagination.
func (s *CustomerService) List(ctx context.Context, organizationID string, opts CustomerListOptions) ([]models.Customer, int64, error) {
	ctx = ensureContext(ctx)

	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return nil, 0, apperrors.NewBadRequest("organization id is required")
	}

	page, perPage := clampPage(opts.Page, opts.PageSize)

	query := s.db.WithContext(ctx).
		Model(&models.Customer{}).
		Where("organization_id = ?", organizationID)

	if status := strings.TrimSpace(opts.Status); status != "" {
		query = query.Where("status = ?", status)
	}
	if owner := strings.TrimSpace(opts.OwnerUserID); owner != "" {
		query = query.Where("owner_user_id = ?", owner)
	}
	if tag := strings.TrimSpace(opts.Tag); tag != "" {
		// Tags live in a JSON array; match the quoted element.
		query = query.Where("tags LIKE ?", "%\""+tag+"\"%")
	}
	if search := strings.TrimSpace(opts.Search); search != "" {
		like := "%" + strings.ToLower(search) + "%"
		query = query.Where(
			"LOWER(name) LIKE ? OR LOWER(code) LIKE ? OR LOWER(email) LIKE ?",
			like, like, like,
		)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("customer service: count customers: %w", err)
	}

	var customers []models.Customer
	if err := query.
		Order("created_at DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&customers).Error; err != nil {
		return nil, 0, fmt.Errorf("customer service: list customers: %w", err)
	}

	return customers, total, nil
}

// Update modifies customer fields. Archived customers reject writes until
// their status is restored in the same call.
func (s *CustomerService) Update(ctx context.Context, organizationID, id string, input UpdateCustomerInput) (*models.Customer, error) {
	ctx = ensureContext(ctx)

	customer, err := s.GetByID(ctx, organizationID, id)
	if err != nil {
		return nil, err
	}

	restoring := input.Status != nil &&
		models.CustomerStatus(strings.TrimSpace(*input.Status)) != models.CustomerStatusArchived
	if customer.Status == models.CustomerStatusArchived && !restoring {
		return nil, ErrCustomerArchived
	}

	updates := map[string]any{}

	if input.Name != nil {
		if name := strings.TrimSpace(*input.Name); name != "" {
			updates["name"] = name
		}
	}
	if input.Email != nil {
		updates["email"] = strings.ToLower(strings.TrimSpace(*input.Email))
	}
	if input.Phone != nil {
		updates["phone"] = strings.TrimSpace(*input.Phone)
	}
	if input.Website != nil {
		updates["website"] = strings.TrimSpace(*input.Website)
	}
	if input.TaxID != nil {
		updates["tax_id"] = strings.TrimSpace(*input.TaxID)
	}
	if input.Currency != nil {
		if currency := strings.ToUpper(strings.TrimSpace(*input.Currency)); currency != "" {
			updates["currency"] = currency
		}
	}
	if input.CreditLimitCents != nil {
		if *input.CreditLimitCents < 0 {
			return nil, apperrors.NewBadRequest("credit limit cannot be negative")
		}
		updates["credit_limit_cents"] = *input.CreditLimitCents
	}
	if input.OwnerUserID != nil {
		if owner := strings.TrimSpace(*input.OwnerUserID); owner != "" {
			updates["owner_user_id"] = owner
		} else {
			updates["owner_user_id"] = nil
		}
	}
	if input.Status != nil {
		status := models.CustomerStatus(strings.TrimSpace(*input.Status))
		if !status.Valid() {
			return nil, apperrors.NewBadRequest("invalid customer status")
		}
		updates["status"] = status
	}
	if input.Notes != nil {
		updates["notes"] = strings.TrimSpace(*input.Notes)
	}
	if input.Tags != nil {
		tags, err := marshalJSON("customer tags", normaliseIDs(input.Tags))
		if err != nil {
			return nil, fmt.Errorf("customer service: %w", err)
		}
		updates["tags"] = tags
	}
	if input.BillingAddress != nil {
		addr, err := marshalJSON("billing address", input.BillingAddress)
		if err != nil {
			return nil, fmt.Errorf("customer service: %w", err)
		}
		updates["billing_address"] = addr
	}
	if input.ShippingAddress != nil {
		addr, err := marshalJSON("shipping address", input.ShippingAddress)
		if err != nil {
			return nil, fmt.Errorf("customer service: %w", err)
		}
		updates["shipping_address"] = addr
	}

	if len(updates) == 0 {
		return customer, nil
	}

	if err := s.db.WithContext(ctx).Model(customer).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("customer service: update customer: %w", err)
	}

	reloaded, err := s.GetByID(ctx, organizationID, id)
	if err != nil {
		return nil, err
	}

	recordAudit(s.auditService, ctx, AuditEntry{
		OrganizationID: &reloaded.OrganizationID,
		Action:         "customer.update",
		Resource:       reloaded.ID,
		Result:         "success",
		Metadata:       updates,
	})
	s.publish(events.CustomerUpdated, reloaded)
	if input.Notes != nil && reloaded.Notes != "" && reloaded.Notes != customer.Notes && s.bus != nil {
		s.bus.Publish(events.Event{
			Name:           events.CustomerNoteAdded,
			OrganizationID: reloaded.OrganizationID,
			Payload: map[string]any{
				"customer_id": reloaded.ID,
				"code":        reloaded.Code,
				"name":        reloaded.Name,
				"note":        reloaded.Notes,
			},
		})
	}

	return reloaded, nil
}

// Archive moves a customer to the archived state, hiding it from active
// listings while keeping invoices intact.
func (s *CustomerService) Archive(ctx context.Context, organizationID, id string) error {
	ctx = ensureContext(ctx)

	customer, err := s.GetByID(ctx, organizationID, id)
	if err != nil {
		return err
	}
	if customer.Status == models.CustomerStatusArchived {
		return nil
	}

	if err := s.db.WithContext(ctx).
		Model(customer).
		Update("status", models.CustomerStatusArchived).Error; err != nil {
		return fmt.Errorf("customer service: archive customer: %w", err)
	}

	recordAudit(s.auditService, ctx, AuditEntry{
		OrganizationID: &customer.OrganizationID,
		Action:         "customer.archive",
		Resource:       customer.ID,
		Result:         "success",
	})

	return nil
}

// Delete soft-deletes a customer account.
func (s *CustomerService) Delete(ctx context.Context, organizationID, id string) error {
	ctx = ensureContext(ctx)

	customer, err := s.GetByID(ctx, organizationID, id)
	if err != nil {
		return err
	}

	if err := s.db.WithContext(ctx).Delete(customer).Error; err != nil {
		return fmt.Errorf("customer service: delete customer: %w", err)
	}

	recordAudit(s.auditService, ctx, AuditEntry{
		OrganizationID: &customer.OrganizationID,
		Action:         "customer.delete",
		Resource:       customer.ID,
		Result:         "success",
	})

	return nil
}

// AddContact attaches a person to the customer. Flagging the new contact as
// primary clears the flag from the others.
func (s *CustomerService) AddContact(ctx context.Context, organizationID, customerID string, input ContactInput) (*models.Contact, error) {
	ctx = ensureContext(ctx)

	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, apperrors.NewBadRequest("contact name is required")
	}

	customer, err := s.GetByID(ctx, organizationID, customerID)
	if err != nil {
		return nil, err
	}

	contact := &models.Contact{
		CustomerID: customer.ID,
		Name:       name,
		Email:      strings.ToLower(strings.TrimSpace(input.Email)),
		Phone:      strings.TrimSpace(input.Phone),
		Title:      strings.TrimSpace(input.Title),
		IsPrimary:  input.IsPrimary,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if contact.IsPrimary {
			if err := tx.Model(&models.Contact{}).
				Where("customer_id = ?", customer.ID).
				Update("is_primary", false).Error; err != nil {
				return fmt.Errorf("clear primary contacts: %w", err)
			}
		}
		return tx.Create(contact).Error
	})
	if err != nil {
		return nil, fmt.Errorf("customer service: add contact: %w", err)
	}

	recordAudit(s.auditService, ctx, AuditEntry{
		OrganizationID: &customer.OrganizationID,
		Action:         "customer.add_contact",
		Resource:       customer.ID,
		Result:         "success",
		Metadata:       map[string]any{"contact_id": contact.ID},
	})

	return contact, nil
}

// UpdateContact modifies an existing contact.
func (s *CustomerService) UpdateContact(ctx context.Context, organizationID, customerID, contactID string, input ContactInput) (*models.Contact, error) {
	ctx = ensureContext(ctx)

	customer, err := s.GetByID(ctx, organizationID, customerID)
	if err != nil {
		return nil, err
	}

	var contact models.Contact
	err = s.db.WithContext(ctx).
		First(&contact, "id = ? AND customer_id = ?", contactID, customer.ID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrContactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("customer service: load contact: %w", err)
	}

	updates := map[string]any{
		"email": strings.ToLower(strings.TrimSpace(input.Email)),
		"phone": strings.TrimSpace(input.Phone),
		"title": strings.TrimSpace(input.Title),
	}
	if name := strings.TrimSpace(input.Name); name != "" {
		updates["name"] = name
	}
	updates["is_primary"] = input.IsPrimary

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if input.IsPrimary {
			if err := tx.Model(&models.Contact{}).
				Where("customer_id = ? AND id <> ?", customer.ID, contact.ID).
				Update("is_primary", false).Error; err != nil {
				return fmt.Errorf("clear primary contacts: %w", err)
			}
		}
		return tx.Model(&contact).Updates(updates).Error
	})
	if err != nil {
		return nil, fmt.Errorf("customer service: update contact: %w", err)
	}

	if err := s.db.WithContext(ctx).First(&contact, "id = ?", contact.ID).Error; err != nil {
		return nil, fmt.Errorf("customer service: reload contact: %w", err)
	}

	return &contact, nil
}

// RemoveContact detaches a person from the customer.
func (s *CustomerService) RemoveContact(ctx context.Context, organizationID, customerID, contactID string) error {
	ctx = ensureContext(ctx)

	customer, err := s.GetByID(ctx, organizationID, customerID)
	if err != nil {
		return err
	}

	result := s.db.WithContext(ctx).
		Where("id = ? AND customer_id = ?", contactID, customer.ID).
		Delete(&models.Contact{})
	if result.Error != nil {
		return fmt.Errorf("customer service: remove contact: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrContactNotFound
	}

	return nil
}

func (s *CustomerService) publish(name string, customer *models.Customer) {
	if s.bus == nil || customer == nil {
		return
	}
	var owner string
	if customer.OwnerUserID != nil {
		owner = *customer.OwnerUserID
	}
	s.bus.Publish(events.Event{
		Name:           name,
		OrganizationID: customer.OrganizationID,
		ActorID:        owner,
		Payload: map[string]any{
			"customer_id": customer.ID,
			"code":        customer.Code,
			"name":        customer.Name,
			"status":      string(customer.Status),
		},
	})
}
