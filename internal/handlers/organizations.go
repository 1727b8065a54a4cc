package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/corvalhq/corval/internal/services"
	apperrors "github.com/corvalhq/corval/pkg/errors"
	"github.com/corvalhq/corval/pkg/response"
)

// OrganizationHandler administers tenants. Routes using it are restricted to
// root principals.
type OrganizationHandler struct {
	svc *services.OrganizationService
}

// NewOrganizationHandler constructs an OrganizationHandler.
func NewOrganizationHandler(svc *services.OrganizationService) (*OrganizationHandler, error) {
	if svc == nil {
		return nil, errors.New("organization handler: organization service is required")
	}
	return &OrganizationHandler{svc: svc}, nil
}

type createOrganizationRequest struct {
	Name        string         `json:"name" validate:"required,min=3,max=128"`
	Slug        string         `json:"slug" validate:"required,min=2,max=63"`
	Description string         `json:"description" validate:"omitempty,max=512"`
	Plan        string         `json:"plan" validate:"omitempty,max=32"`
	Settings    map[string]any `json:"settings"`
}

type updateOrganizationRequest struct {
	Name        *string        `json:"name" validate:"omitempty,min=3,max=128"`
	Description *string        `json:"description" validate:"omitempty,max=512"`
	Plan        *string        `json:"plan" validate:"omitempty,max=32"`
	Settings    map[string]any `json:"settings"`
}

// GET /api/orgs
func (h *OrganizationHandler) List(c *gin.Context) {
	orgs, err := h.svc.List(requestContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, orgs)
}

// GET /api/orgs/:id
func (h *OrganizationHandler) Get(c *gin.Context) {
	org, err := h.svc.GetByID(requestContext(c), c.Param("id"))
	if err != nil {
		respondOrganizationError(c, err)
		return
	}
	response.Success(c, http.StatusOK, org)
}

// POST /api/orgs
func (h *OrganizationHandler) Create(c *gin.Context) {
	var body createOrganizationRequest
	if !bindAndValidate(c, &body) {
		return
	}

	org, err := h.svc.Create(requestContext(c), services.CreateOrganizationInput{
		Name:        body.Name,
		Slug:        body.Slug,
		Description: body.Description,
		Plan:        body.Plan,
		Settings:    body.Settings,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusCreated, org)
}

// PATCH /api/orgs/:id
func (h *OrganizationHandler) Update(c *gin.Context) {
	var body updateOrganizationRequest
	if !bindAndValidate(c, &body) {
		return
	}

	org, err := h.svc.Update(requestContext(c), c.Param("id"), services.UpdateOrganizationInput{
		Name:        body.Name,
		Description: body.Description,
		Plan:        body.Plan,
		Settings:    body.Settings,
	})
	if err != nil {
		respondOrganizationError(c, err)
		return
	}
	response.Success(c, http.StatusOK, org)
}

// POST /api/orgs/:id/suspend
func (h *OrganizationHandler) Suspend(c *gin.Context) {
	if err := h.svc.Suspend(requestContext(c), c.Param("id")); err != nil {
		respondOrganizationError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"is_active": false})
}

// POST /api/orgs/:id/resume
func (h *OrganizationHandler) Resume(c *gin.Context) {
	if err := h.svc.Resume(requestContext(c), c.Param("id")); err != nil {
		respondOrganizationError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"is_active": true})
}

// DELETE /api/orgs/:id
func (h *OrganizationHandler) Delete(c *gin.Context) {
	if err := h.svc.Delete(requestContext(c), c.Param("id")); err != nil {
		respondOrganizationError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"deleted": true})
}

func respondOrganizationError(c *gin.Context, err error) {
	if errors.Is(err, services.ErrOrganizationNotFound) {
		response.Error(c, apperrors.ErrNotFound)
		return
	}
	response.Error(c, err)
}
