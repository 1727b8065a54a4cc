package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/corvalhq/corval/internal/middleware"
	"github.com/corvalhq/corval/internal/services"
	apperrors "github.com/corvalhq/corval/pkg/errors"
	"github.com/corvalhq/corval/pkg/response"
)

type DepartmentHandler struct {
	svc *services.DepartmentService
}

type createDepartmentRequest struct {
	Name        string `json:"name" validate:"required,min=2,max=128"`
	Description string `json:"description" validate:"omitempty,max=512"`
}

type updateDepartmentRequest struct {
	Name        *string `json:"name" validate:"omitempty,min=2,max=128"`
	Description *string `json:"description" validate:"omitempty,max=512"`
}

type departmentMemberRequest struct {
	UserID string `json:"user_id" validate:"required,uuid4"`
}

type departmentRolesRequest struct {
	RoleIDs []string `json:"role_ids" validate:"required,dive,uuid4"`
}

func NewDepartmentHandler(svc *services.DepartmentService) (*DepartmentHandler, error) {
	if svc == nil {
		return nil, errors.New("department handler: service is required")
	}
	return &DepartmentHandler{svc: svc}, nil
}

// GET /api/departments
func (h *DepartmentHandler) List(c *gin.Context) {
	requesterID := c.GetString(middleware.CtxUserIDKey)
	orgID := middleware.OrganizationID(c)
	if orgID == "" {
		orgID = strings.TrimSpace(c.Query("org"))
	}
	departments, err := h.svc.List(requestContext(c), requesterID, orgID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, departments)
}

// GET /api/departments/:id
func (h *DepartmentHandler) Get(c *gin.Context) {
	requesterID := c.GetString(middleware.CtxUserIDKey)
	department, err := h.svc.GetByID(requestContext(c), c.Param("id"), requesterID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, department)
}

// POST /api/departments
func (h *DepartmentHandler) Create(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	var body createDepartmentRequest
	if !bindAndValidate(c, &body) {
		return
	}

	name := strings.TrimSpace(body.Name)
	if name == "" {
		response.Error(c, apperrors.NewBadRequest("name is required"))
		return
	}

	department, err := h.svc.Create(requestContext(c), services.CreateDepartmentInput{
		OrganizationID: orgID,
		Name:           name,
		Description:    strings.TrimSpace(body.Description),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusCreated, department)
}

// PATCH /api/departments/:id
func (h *DepartmentHandler) Update(c *gin.Context) {
	var body updateDepartmentRequest
	if !bindAndValidate(c, &body) {
		return
	}

	if body.Name == nil && body.Description == nil {
		response.Error(c, apperrors.NewBadRequest("no fields provided for update"))
		return
	}

	var namePtr *string
	if body.Name != nil {
		trimmed := strings.TrimSpace(*body.Name)
		if trimmed == "" {
			response.Error(c, apperrors.NewBadRequest("name must not be empty"))
			return
		}
		namePtr = &trimmed
	}

	var descPtr *string
	if body.Description != nil {
		trimmed := strings.TrimSpace(*body.Description)
		descPtr = &trimmed
	}

	department, err := h.svc.Update(requestContext(c), c.Param("id"), services.UpdateDepartmentInput{
		Name:        namePtr,
		Description: descPtr,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, department)
}

// DELETE /api/departments/:id
func (h *DepartmentHandler) Delete(c *gin.Context) {
	if err := h.svc.Delete(requestContext(c), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"deleted": true})
}

// POST /api/departments/:id/members
func (h *DepartmentHandler) AddMember(c *gin.Context) {
	var body departmentMemberRequest
	if !bindAndValidate(c, &body) {
		return
	}
	if err := h.svc.AddMember(requestContext(c), c.Param("id"), strings.TrimSpace(body.UserID)); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"added": true})
}

// DELETE /api/departments/:id/members/:userID
func (h *DepartmentHandler) RemoveMember(c *gin.Context) {
	if err := h.svc.RemoveMember(requestContext(c), c.Param("id"), c.Param("userID")); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"removed": true})
}

// GET /api/departments/:id/members
func (h *DepartmentHandler) ListMembers(c *gin.Context) {
	requesterID := c.GetString(middleware.CtxUserIDKey)
	users, err := h.svc.ListMembers(requestContext(c), requesterID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, users)
}

// GET /api/departments/:id/roles
func (h *DepartmentHandler) ListRoles(c *gin.Context) {
	requesterID := c.GetString(middleware.CtxUserIDKey)
	roles, err := h.svc.ListRoles(requestContext(c), requesterID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, roles)
}

// PUT /api/departments/:id/roles
func (h *DepartmentHandler) SetRoles(c *gin.Context) {
	var body departmentRolesRequest
	if !bindAndValidate(c, &body) {
		return
	}
	roles, err := h.svc.SetRoles(requestContext(c), c.Param("id"), body.RoleIDs)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, roles)
}
