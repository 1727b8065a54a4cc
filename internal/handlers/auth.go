package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	iauth "github.com/corvalhq/corval/internal/auth"
	"github.com/corvalhq/corval/internal/auth/mfa"
	"github.com/corvalhq/corval/internal/auth/providers"
	"github.com/corvalhq/corval/internal/middleware"
	"github.com/corvalhq/corval/internal/models"
	"github.com/corvalhq/corval/internal/permissions"
	"github.com/corvalhq/corval/internal/services"
	apperrors "github.com/corvalhq/corval/pkg/errors"
	"github.com/corvalhq/corval/pkg/metrics"
	"github.com/corvalhq/corval/pkg/response"
)

// AuthHandler manages authentication flows (login/refresh/logout/me).
type AuthHandler struct {
	db        *gorm.DB
	jwt       *iauth.JWTService
	sessions  *iauth.SessionService
	totp      *mfa.TOTPService
	audit     *services.AuditService
	checker   *permissions.Checker
	providers *services.AuthProviderService
	sso       *iauth.SSOManager
	localCfg  providers.LocalConfig
}

// NewAuthHandler wires the authentication endpoints. The TOTP service may be
// nil; MFA-enabled users then fail closed at the gate. The provider service
// and SSO manager are optional; without them login is local-only and the
// directory fallback is skipped. localCfg carries the lockout policy for the
// password provider; zero values fall back to the provider defaults.
func NewAuthHandler(db *gorm.DB, jwt *iauth.JWTService, sessions *iauth.SessionService, totp *mfa.TOTPService, authProviders *services.AuthProviderService, sso *iauth.SSOManager, localCfg providers.LocalConfig) (*AuthHandler, error) {
	audit, err := services.NewAuditService(db)
	if err != nil {
		return nil, err
	}
	checker, err := permissions.NewChecker(db)
	if err != nil {
		return nil, err
	}
	return &AuthHandler{
		db:        db,
		jwt:       jwt,
		sessions:  sessions,
		totp:      totp,
		audit:     audit,
		checker:   checker,
		providers: authProviders,
		sso:       sso,
		localCfg:  localCfg,
	}, nil
}

type loginRequest struct {
	Identifier string `json:"identifier" validate:"required"`
	Password   string `json:"password" validate:"required"`
	MFACode    string `json:"mfa_code"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

func (h *AuthHandler) tokens(pair iauth.TokenPair) tokenResponse {
	return tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    int(h.jwt.AccessTokenTTL().Seconds()),
	}
}

// POST /api/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if !bindAndValidate(c, &req) {
		return
	}
	req.Identifier = strings.TrimSpace(req.Identifier)
	if req.Identifier == "" {
		response.Error(c, apperrors.NewBadRequest("identifier is required"))
		return
	}

	lp, err := providers.NewLocalProvider(h.db, h.localCfg)
	if err != nil {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		response.Error(c, apperrors.ErrInternalServer)
		return
	}

	var directorySubject string

	user, err := lp.Authenticate(providers.AuthenticateInput{
		Identifier: req.Identifier,
		Password:   req.Password,
		IPAddress:  c.ClientIP(),
		UserAgent:  c.Request.UserAgent(),
	})
	if err != nil {
		if errors.Is(err, providers.ErrAccountLocked) {
			metrics.AuthAttempts.WithLabelValues("failure").Inc()
			h.auditAuth(c, nil, req.Identifier, "auth.login_failed", "failure", map[string]any{"reason": "locked"})
			response.Error(c, apperrors.ErrAccountLocked)
			return
		}

		// Accounts unknown locally may still exist in the directory.
		user, directorySubject, err = h.loginViaDirectory(c, req)
		if err != nil {
			metrics.AuthAttempts.WithLabelValues("failure").Inc()
			h.auditAuth(c, nil, req.Identifier, "auth.login_failed", "failure", map[string]any{"reason": "credentials"})
			response.Error(c, apperrors.ErrUnauthorized)
			return
		}
	}

	if user.MFAEnabled {
		code := strings.TrimSpace(req.MFACode)
		if code == "" {
			h.auditAuth(c, user, user.Username, "auth.login_failed", "mfa_required", nil)
			response.Error(c, apperrors.ErrMFARequired)
			return
		}
		if !h.verifyMFACode(user.ID, code) {
			metrics.AuthAttempts.WithLabelValues("failure").Inc()
			h.auditAuth(c, user, user.Username, "auth.login_failed", "failure", map[string]any{"reason": "mfa"})
			response.Error(c, apperrors.ErrMFAInvalid)
			return
		}
	}

	meta := iauth.SessionMetadata{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}

	var pair iauth.TokenPair
	if directorySubject != "" {
		pair, _, err = h.sessions.CreateForSubject(iauth.AuthSubject{
			UserID:     user.ID,
			Provider:   "ldap",
			ExternalID: directorySubject,
			Email:      user.Email,
		}, meta)
	} else {
		pair, _, err = h.sessions.CreateSession(user.ID, meta)
	}
	if err != nil {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		response.Error(c, apperrors.ErrInternalServer)
		return
	}

	metrics.AuthAttempts.WithLabelValues("success").Inc()
	h.auditAuth(c, user, user.Username, "auth.login", "success", nil)

	perms, _ := h.checker.GetUserPermissions(c.Request.Context(), user.ID)

	payload := gin.H{
		"tokens":      h.tokens(pair),
		"user":        userSummary(user),
		"permissions": perms,
	}

	response.Success(c, http.StatusOK, payload)
}

// loginViaDirectory binds the supplied credentials against the configured
// LDAP provider and links or provisions the matching account. It returns the
// directory subject on success so the session records its origin.
func (h *AuthHandler) loginViaDirectory(c *gin.Context, req loginRequest) (*models.User, string, error) {
	if h.providers == nil || h.sso == nil {
		return nil, "", providers.ErrInvalidCredentials
	}

	ctx := c.Request.Context()
	provider, cfg, err := h.providers.LoadLDAPConfig(ctx)
	if err != nil || !provider.Enabled {
		return nil, "", providers.ErrInvalidCredentials
	}

	authenticator, err := providers.NewLDAPAuthenticator(*cfg, providers.LDAPAuthenticatorOptions{})
	if err != nil {
		return nil, "", err
	}

	identity, err := authenticator.Authenticate(ctx, providers.LDAPAuthenticateInput{
		Identifier: req.Identifier,
		Password:   req.Password,
	})
	if err != nil {
		return nil, "", err
	}

	user, err := h.sso.LinkIdentity(ctx, *identity, provider.AllowRegistration)
	if err != nil {
		return nil, "", err
	}
	if !user.IsActive {
		return nil, "", providers.ErrInvalidCredentials
	}

	return user, identity.Subject, nil
}

// verifyMFACode accepts a current TOTP code or an unused recovery code.
func (h *AuthHandler) verifyMFACode(userID, code string) bool {
	if h.totp == nil {
		return false
	}
	if ok, err := h.totp.VerifyCode(userID, code); err == nil && ok {
		return true
	}
	ok, err := h.totp.UseBackupCode(userID, code)
	return err == nil && ok
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// POST /api/auth/refresh
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if !bindAndValidate(c, &req) {
		return
	}
	req.RefreshToken = strings.TrimSpace(req.RefreshToken)
	if req.RefreshToken == "" {
		response.Error(c, apperrors.NewBadRequest("refresh token is required"))
		return
	}

	pair, _, err := h.sessions.RefreshSession(req.RefreshToken)
	if err != nil {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	response.Success(c, http.StatusOK, h.tokens(pair))
}

// POST /api/auth/logout
func (h *AuthHandler) Logout(c *gin.Context) {
	sid := c.GetString(middleware.CtxSessionIDKey)
	if sid == "" {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	if err := h.sessions.RevokeSession(sid); err != nil {
		response.Error(c, apperrors.ErrInternalServer)
		return
	}

	userID := c.GetString(middleware.CtxUserIDKey)
	h.auditAuth(c, &models.User{ID: userID}, "", "auth.logout", "success", nil)

	response.Success(c, http.StatusOK, gin.H{"revoked": true})
}

// GET /api/auth/me
func (h *AuthHandler) Me(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	var user models.User
	if err := h.db.WithContext(c.Request.Context()).
		Preload("Organization").Preload("Departments").Preload("Roles").
		Take(&user, "id = ?", userID).Error; err != nil {
		response.Error(c, apperrors.ErrNotFound)
		return
	}

	perms, _ := h.checker.GetUserPermissions(c.Request.Context(), user.ID)

	payload := userSummary(&user)
	payload["organization"] = user.Organization
	payload["departments"] = user.Departments
	payload["permissions"] = perms

	response.Success(c, http.StatusOK, payload)
}

func userSummary(user *models.User) gin.H {
	return gin.H{
		"id":              user.ID,
		"username":        user.Username,
		"email":           user.Email,
		"is_root":         user.IsRoot,
		"is_active":       user.IsActive,
		"first_name":      user.FirstName,
		"last_name":       user.LastName,
		"mfa_enabled":     user.MFAEnabled,
		"organization_id": user.OrganizationID,
	}
}

func (h *AuthHandler) auditAuth(c *gin.Context, user *models.User, username, action, result string, meta map[string]any) {
	entry := services.AuditEntry{
		Username:  username,
		Action:    action,
		Resource:  "auth",
		Result:    result,
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		Metadata:  meta,
	}
	if user != nil && user.ID != "" {
		id := user.ID
		entry.UserID = &id
		entry.OrganizationID = user.OrganizationID
	}
	_ = h.audit.Log(c.Request.Context(), entry)
}
