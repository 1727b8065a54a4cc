package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/corvalhq/corval/internal/middleware"
	"github.com/corvalhq/corval/internal/models"
	"github.com/corvalhq/corval/internal/services"
	apperrors "github.com/corvalhq/corval/pkg/errors"
	"github.com/corvalhq/corval/pkg/response"
)

// UserHandler exposes the administrative user management surface.
type UserHandler struct {
	service *services.UserService
}

// NewUserHandler constructs a UserHandler backed by the provided service.
func NewUserHandler(service *services.UserService) (*UserHandler, error) {
	if service == nil {
		return nil, errors.New("user handler: user service is required")
	}
	return &UserHandler{service: service}, nil
}

type createUserRequest struct {
	Username  string `json:"username" validate:"required,min=3,max=64"`
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required,min=8"`
	FirstName string `json:"first_name" validate:"omitempty,max=128"`
	LastName  string `json:"last_name" validate:"omitempty,max=128"`
	IsRoot    bool   `json:"is_root"`
	IsActive  *bool  `json:"is_active"`
}

type updateUserRequest struct {
	Username  *string `json:"username" validate:"omitempty,min=3,max=64"`
	Email     *string `json:"email" validate:"omitempty,email"`
	FirstName *string `json:"first_name" validate:"omitempty,max=128"`
	LastName  *string `json:"last_name" validate:"omitempty,max=128"`
	Avatar    *string `json:"avatar" validate:"omitempty,max=512"`
}

type setUserRolesRequest struct {
	RoleIDs []string `json:"role_ids" validate:"required,dive,max=64"`
}

type resetPasswordRequest struct {
	Password string `json:"password" validate:"required,min=8"`
}

// GET /api/users
func (h *UserHandler) List(c *gin.Context) {
	organizationID, ok := organizationScope(c)
	if !ok {
		return
	}

	page := parseIntQuery(c, "page", 1)
	perPage := parseIntQuery(c, "per_page", 20)

	filters := services.UserFilters{
		OrganizationID: organizationID,
		Query:          c.Query("q"),
	}
	switch c.Query("active") {
	case "true":
		active := true
		filters.IsActive = &active
	case "false":
		active := false
		filters.IsActive = &active
	}

	users, total, err := h.service.List(requestContext(c), services.ListUsersOptions{
		Page:     page,
		PageSize: perPage,
		Filters:  filters,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.SuccessWithMeta(c, http.StatusOK, users, &response.Meta{Page: page, PerPage: perPage, Total: int(total)})
}

// GET /api/users/:id
func (h *UserHandler) Get(c *gin.Context) {
	user, ok := h.scopedUser(c)
	if !ok {
		return
	}
	response.Success(c, http.StatusOK, user)
}

// POST /api/users
func (h *UserHandler) Create(c *gin.Context) {
	var body createUserRequest
	if !bindAndValidate(c, &body) {
		return
	}

	input := services.CreateUserInput{
		Username:  body.Username,
		Email:     body.Email,
		Password:  body.Password,
		FirstName: body.FirstName,
		LastName:  body.LastName,
		IsRoot:    body.IsRoot,
		IsActive:  body.IsActive,
	}

	if body.IsRoot {
		// Only an existing root principal may mint another root account.
		caller, err := h.service.GetByID(requestContext(c), c.GetString(middleware.CtxUserIDKey))
		if err != nil || !caller.IsRoot {
			response.Error(c, apperrors.ErrForbidden)
			return
		}
	} else {
		organizationID, ok := organizationScope(c)
		if !ok {
			return
		}
		input.OrganizationID = organizationID
	}

	user, err := h.service.Create(requestContext(c), input)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusCreated, user)
}

// PATCH /api/users/:id
func (h *UserHandler) Update(c *gin.Context) {
	user, ok := h.scopedUser(c)
	if !ok {
		return
	}

	var body updateUserRequest
	if !bindAndValidate(c, &body) {
		return
	}

	updated, err := h.service.Update(requestContext(c), user.ID, services.UpdateUserInput{
		Username:  body.Username,
		Email:     body.Email,
		FirstName: body.FirstName,
		LastName:  body.LastName,
		Avatar:    body.Avatar,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, updated)
}

// DELETE /api/users/:id
func (h *UserHandler) Delete(c *gin.Context) {
	user, ok := h.scopedUser(c)
	if !ok {
		return
	}

	if err := h.service.Delete(requestContext(c), user.ID); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"deleted": true})
}

// POST /api/users/:id/activate
func (h *UserHandler) Activate(c *gin.Context) {
	h.setActive(c, true)
}

// POST /api/users/:id/deactivate
func (h *UserHandler) Deactivate(c *gin.Context) {
	h.setActive(c, false)
}

func (h *UserHandler) setActive(c *gin.Context, active bool) {
	user, ok := h.scopedUser(c)
	if !ok {
		return
	}

	if err := h.service.SetActive(requestContext(c), user.ID, active); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"is_active": active})
}

// PUT /api/users/:id/roles
func (h *UserHandler) SetRoles(c *gin.Context) {
	user, ok := h.scopedUser(c)
	if !ok {
		return
	}

	var body setUserRolesRequest
	if !bindAndValidate(c, &body) {
		return
	}

	updated, err := h.service.SetRoles(requestContext(c), user.ID, body.RoleIDs)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, updated)
}

// POST /api/users/:id/password
func (h *UserHandler) ResetPassword(c *gin.Context) {
	user, ok := h.scopedUser(c)
	if !ok {
		return
	}

	var body resetPasswordRequest
	if !bindAndValidate(c, &body) {
		return
	}

	if err := h.service.ChangePassword(requestContext(c), user.ID, body.Password); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"changed": true})
}

// scopedUser loads the target user and pins organization admins to their own
// tenant. Cross-tenant lookups answer not found so user ids do not leak.
func (h *UserHandler) scopedUser(c *gin.Context) (*models.User, bool) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		response.Error(c, apperrors.NewBadRequest("user id is required"))
		return nil, false
	}

	user, err := h.service.GetByID(requestContext(c), id)
	if err != nil {
		response.Error(c, err)
		return nil, false
	}

	if orgID := middleware.OrganizationID(c); orgID != "" && !user.InOrganization(orgID) {
		response.Error(c, apperrors.ErrNotFound)
		return nil, false
	}

	return user, true
}
