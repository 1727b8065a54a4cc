package handlers

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/corvalhq/corval/internal/middleware"
	"github.com/corvalhq/corval/internal/models"
	"github.com/corvalhq/corval/internal/services"
	apperrors "github.com/corvalhq/corval/pkg/errors"
	"github.com/corvalhq/corval/pkg/response"
)

// InviteHandler manages organization invites and the public redeem flow.
// When a verifier is configured, redeemed invites create inactive accounts
// that must confirm their email address before they can sign in.
type InviteHandler struct {
	invites     *services.InviteService
	users       *services.UserService
	departments *services.DepartmentService
	verifier    *services.EmailVerificationService
}

// NewInviteHandler constructs an InviteHandler. The verifier may be nil when
// email confirmation is disabled.
func NewInviteHandler(
	invites *services.InviteService,
	users *services.UserService,
	departments *services.DepartmentService,
	verifier *services.EmailVerificationService,
) (*InviteHandler, error) {
	if invites == nil {
		return nil, errors.New("invite handler: invite service is required")
	}
	if users == nil {
		return nil, errors.New("invite handler: user service is required")
	}
	if departments == nil {
		return nil, errors.New("invite handler: department service is required")
	}
	return &InviteHandler{
		invites:     invites,
		users:       users,
		departments: departments,
		verifier:    verifier,
	}, nil
}

type createInviteRequest struct {
	Email        string `json:"email" validate:"required,email"`
	DepartmentID string `json:"department_id" validate:"omitempty,uuid4"`
}

type redeemInviteRequest struct {
	Token     string `json:"token" validate:"required"`
	Username  string `json:"username" validate:"omitempty,min=3,max=64"`
	Password  string `json:"password" validate:"omitempty,min=8"`
	FirstName string `json:"first_name" validate:"omitempty,max=128"`
	LastName  string `json:"last_name" validate:"omitempty,max=128"`
}

type verifyEmailRequest struct {
	Token string `json:"token" validate:"required"`
}

type inviteDTO struct {
	ID             string     `json:"id"`
	Email          string     `json:"email"`
	InvitedBy      string     `json:"invited_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	AcceptedAt     *time.Time `json:"accepted_at,omitempty"`
	Status         string     `json:"status"`
	DepartmentID   string     `json:"department_id,omitempty"`
	DepartmentName string     `json:"department_name,omitempty"`
}

type inviteCreatedResponse struct {
	Invite inviteDTO `json:"invite"`
	Token  string    `json:"token"`
	Link   string    `json:"link,omitempty"`
}

type redeemInviteResponse struct {
	User    inviteUserDTO `json:"user"`
	Message string        `json:"message"`
	Created bool          `json:"created_user"`
}

type inviteInfoResponse struct {
	Email          string `json:"email"`
	DepartmentID   string `json:"department_id,omitempty"`
	DepartmentName string `json:"department_name,omitempty"`
	HasAccount     bool   `json:"has_account"`
	Provider       string `json:"provider,omitempty"`
}

type inviteUserDTO struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	IsActive  bool   `json:"is_active"`
	Provider  string `json:"provider,omitempty"`
}

// POST /api/invites
func (h *InviteHandler) Create(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	organizationID, ok := organizationScope(c)
	if !ok {
		return
	}

	var req createInviteRequest
	if !bindAndValidate(c, &req) {
		return
	}

	invite, token, link, err := h.invites.GenerateInvite(requestContext(c), services.GenerateInviteInput{
		OrganizationID: organizationID,
		Email:          req.Email,
		InvitedBy:      userID,
		DepartmentID:   req.DepartmentID,
	})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInviteAlreadyPending):
			response.Error(c, apperrors.NewBadRequest("An active invite already exists for this email"))
		case errors.Is(err, services.ErrInviteEmailInUse):
			response.Error(c, apperrors.NewBadRequest("An account already exists for this email address"))
		case errors.Is(err, services.ErrOrganizationNotFound):
			response.Error(c, apperrors.ErrNotFound)
		default:
			response.Error(c, err)
		}
		return
	}

	if strings.TrimSpace(link) == "" {
		link = "/invite/accept?token=" + url.QueryEscape(token)
	}

	payload := inviteCreatedResponse{
		Invite: toInviteDTO(invite, time.Now()),
		Token:  token,
		Link:   link,
	}

	response.Success(c, http.StatusCreated, payload)
}

// GET /api/invites
func (h *InviteHandler) List(c *gin.Context) {
	organizationID, ok := organizationScope(c)
	if !ok {
		return
	}

	status := strings.TrimSpace(c.Query("status"))
	search := c.Query("search")

	invites, err := h.invites.List(requestContext(c), organizationID, status, search)
	if err != nil {
		response.Error(c, err)
		return
	}

	now := time.Now()
	items := make([]inviteDTO, 0, len(invites))
	for i := range invites {
		items = append(items, toInviteDTO(&invites[i], now))
	}

	response.Success(c, http.StatusOK, gin.H{"invites": items})
}

// DELETE /api/invites/:id
func (h *InviteHandler) Delete(c *gin.Context) {
	organizationID, ok := organizationScope(c)
	if !ok {
		return
	}

	inviteID := strings.TrimSpace(c.Param("id"))
	if inviteID == "" {
		response.Error(c, apperrors.NewBadRequest("Invite ID is required"))
		return
	}

	if err := h.invites.Delete(requestContext(c), organizationID, inviteID); err != nil {
		switch {
		case errors.Is(err, services.ErrInviteNotFound):
			response.Error(c, apperrors.ErrNotFound)
		case errors.Is(err, services.ErrInviteAlreadyUsed):
			response.Error(c, apperrors.NewBadRequest("Invite has already been accepted"))
		default:
			response.Error(c, err)
		}
		return
	}

	response.Success(c, http.StatusOK, gin.H{"deleted": true})
}

// POST /api/auth/invite/redeem
func (h *InviteHandler) Redeem(c *gin.Context) {
	var req redeemInviteRequest
	if !bindAndValidate(c, &req) {
		return
	}

	ctx := requestContext(c)

	invite, err := h.invites.ValidateToken(ctx, req.Token)
	if err != nil {
		respondInviteTokenError(c, err)
		return
	}

	existingUser, err := h.users.FindByEmail(ctx, invite.Email)
	if err != nil {
		response.Error(c, err)
		return
	}

	if currentUserID := c.GetString(middleware.CtxUserIDKey); currentUserID != "" {
		if existingUser == nil || existingUser.ID != currentUserID {
			response.Error(c, apperrors.NewBadRequest("Signed in account does not match invitation email"))
			return
		}
	}

	requiresVerification := h.verifier != nil

	createdUser := false
	user := existingUser
	if user == nil {
		username := strings.TrimSpace(req.Username)
		if len(username) < 3 || len(username) > 64 {
			response.Error(c, apperrors.NewBadRequest("Username must be between 3 and 64 characters"))
			return
		}
		if len(req.Password) < 8 {
			response.Error(c, apperrors.NewBadRequest("Password must be at least 8 characters"))
			return
		}

		isActive := !requiresVerification
		user, err = h.users.Create(ctx, services.CreateUserInput{
			Username:       username,
			Email:          invite.Email,
			Password:       req.Password,
			FirstName:      strings.TrimSpace(req.FirstName),
			LastName:       strings.TrimSpace(req.LastName),
			OrganizationID: invite.OrganizationID,
			IsActive:       &isActive,
		})
		if err != nil {
			response.Error(c, err)
			return
		}
		createdUser = true

		if requiresVerification {
			if _, _, err := h.verifier.CreateToken(ctx, user.ID, user.Email); err != nil {
				_ = h.users.Delete(ctx, user.ID)
				response.Error(c, apperrors.ErrInternalServer)
				return
			}
		}
	}

	addedToDepartment := false
	if invite.DepartmentID != nil {
		err := h.departments.AddMember(ctx, *invite.DepartmentID, user.ID)
		if err != nil && !errors.Is(err, services.ErrDepartmentMemberAlreadyExists) {
			if createdUser {
				_ = h.users.Delete(ctx, user.ID)
			}
			switch {
			case errors.Is(err, services.ErrDepartmentNotFound):
				response.Error(c, apperrors.NewBadRequest("Assigned department no longer exists"))
			default:
				response.Error(c, err)
			}
			return
		}
		if err == nil {
			addedToDepartment = true
		}
	}

	if err := h.invites.AcceptInvite(ctx, invite.ID); err != nil {
		if addedToDepartment {
			_ = h.departments.RemoveMember(ctx, *invite.DepartmentID, user.ID)
		}
		if createdUser {
			_ = h.users.Delete(ctx, user.ID)
		}
		respondInviteTokenError(c, err)
		return
	}

	message := "Account created successfully. You can now sign in."
	switch {
	case createdUser && requiresVerification:
		message = "Account created. Please check your email to verify and activate your account."
	case !createdUser:
		message = "Organization access granted successfully. You can now sign in."
	}

	payload := redeemInviteResponse{
		User: inviteUserDTO{
			ID:        user.ID,
			Username:  user.Username,
			Email:     user.Email,
			FirstName: user.FirstName,
			LastName:  user.LastName,
			IsActive:  user.IsActive,
			Provider:  user.AuthProvider,
		},
		Message: message,
		Created: createdUser,
	}

	response.Success(c, http.StatusCreated, payload)
}

// GET /api/auth/invite?token=...
func (h *InviteHandler) Info(c *gin.Context) {
	token := strings.TrimSpace(c.Query("token"))
	if token == "" {
		response.Error(c, apperrors.NewBadRequest("Invite token is required"))
		return
	}

	ctx := requestContext(c)
	invite, err := h.invites.ValidateToken(ctx, token)
	if err != nil {
		respondInviteTokenError(c, err)
		return
	}

	info := inviteInfoResponse{
		Email: invite.Email,
	}
	if invite.DepartmentID != nil {
		info.DepartmentID = *invite.DepartmentID
	}
	if invite.Department != nil {
		info.DepartmentName = invite.Department.Name
	}

	user, err := h.users.FindByEmail(ctx, invite.Email)
	if err != nil {
		response.Error(c, err)
		return
	}
	if user != nil {
		info.HasAccount = true
		info.Provider = user.AuthProvider
	}

	response.Success(c, http.StatusOK, info)
}

// POST /api/auth/verify-email
func (h *InviteHandler) VerifyEmail(c *gin.Context) {
	if h.verifier == nil {
		response.Error(c, apperrors.ErrNotFound)
		return
	}

	var req verifyEmailRequest
	if !bindAndValidate(c, &req) {
		return
	}

	ctx := requestContext(c)
	verification, err := h.verifier.VerifyToken(ctx, req.Token)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrVerificationNotFound):
			response.Error(c, apperrors.NewBadRequest("Verification token is invalid"))
		case errors.Is(err, services.ErrVerificationExpired):
			response.Error(c, apperrors.NewBadRequest("Verification token has expired"))
		case errors.Is(err, services.ErrVerificationUsed):
			response.Error(c, apperrors.NewBadRequest("Email address has already been verified"))
		default:
			response.Error(c, err)
		}
		return
	}

	if err := h.users.SetActive(ctx, verification.UserID, true); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"verified": true,
		"message":  "Email verified. You can now sign in.",
	})
}

func respondInviteTokenError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrInviteNotFound):
		response.Error(c, apperrors.NewBadRequest("Invite token is invalid"))
	case errors.Is(err, services.ErrInviteExpired):
		response.Error(c, apperrors.NewBadRequest("Invite token has expired"))
	case errors.Is(err, services.ErrInviteAlreadyUsed):
		response.Error(c, apperrors.NewBadRequest("Invite has already been used"))
	default:
		response.Error(c, err)
	}
}

func toInviteDTO(invite *models.UserInvite, now time.Time) inviteDTO {
	status := "pending"
	switch {
	case invite.AcceptedAt != nil:
		status = "accepted"
	case invite.ExpiresAt.Before(now):
		status = "expired"
	}

	dto := inviteDTO{
		ID:         invite.ID,
		Email:      invite.Email,
		InvitedBy:  invite.InvitedBy,
		CreatedAt:  invite.CreatedAt,
		ExpiresAt:  invite.ExpiresAt,
		AcceptedAt: invite.AcceptedAt,
		Status:     status,
	}
	if invite.DepartmentID != nil {
		dto.DepartmentID = *invite.DepartmentID
	}
	if invite.Department != nil {
		dto.DepartmentName = invite.Department.Name
	}
	return dto
}
