package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/corvalhq/corval/internal/auth/providers"
	"github.com/corvalhq/corval/internal/models"
	"github.com/corvalhq/corval/internal/services"
	apperrors "github.com/corvalhq/corval/pkg/errors"
	"github.com/corvalhq/corval/pkg/response"
)

// AuthProviderHandler administers the authentication provider catalogue.
// Mutating routes are restricted to root principals by the router.
type AuthProviderHandler struct {
	svc       *services.AuthProviderService
	ldapSync  *services.LDAPSyncService
	employees *services.EmployeeService
}

// NewAuthProviderHandler wires the provider administration endpoints. The
// sync and employee services may be nil when directory synchronisation or
// the HR module is not offered.
func NewAuthProviderHandler(svc *services.AuthProviderService, ldapSync *services.LDAPSyncService, employees *services.EmployeeService) (*AuthProviderHandler, error) {
	if svc == nil {
		return nil, fmt.Errorf("auth provider handler: service is required")
	}
	return &AuthProviderHandler{svc: svc, ldapSync: ldapSync, employees: employees}, nil
}

type localProviderSettingsRequest struct {
	AllowRegistration        bool `json:"allow_registration"`
	RequireEmailVerification bool `json:"require_email_verification"`
	AllowPasswordReset       bool `json:"allow_password_reset"`
}

type inviteProviderSettingsRequest struct {
	Enabled                  bool `json:"enabled"`
	RequireEmailVerification bool `json:"require_email_verification"`
}

type setProviderEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// ListAll returns every provider with secrets redacted.
//
// GET /api/auth/providers/all
func (h *AuthProviderHandler) ListAll(c *gin.Context) {
	providers, err := h.svc.List(requestContext(c))
	if err != nil {
		respondAuthProviderError(c, err)
		return
	}
	response.Success(c, http.StatusOK, providers)
}

// GetEnabled returns providers currently usable for sign-in.
//
// GET /api/auth/providers/enabled
func (h *AuthProviderHandler) GetEnabled(c *gin.Context) {
	providers, err := h.svc.GetEnabled(requestContext(c))
	if err != nil {
		respondAuthProviderError(c, err)
		return
	}
	response.Success(c, http.StatusOK, providers)
}

// Get returns a single provider with its decrypted configuration. Secret
// material is blanked before the document leaves the handler.
//
// GET /api/auth/providers/:type
func (h *AuthProviderHandler) Get(c *gin.Context) {
	ctx := requestContext(c)

	provider, err := h.svc.GetByType(ctx, c.Param("type"))
	if err != nil {
		respondAuthProviderError(c, err)
		return
	}
	provider.Config = nil

	var cfg any
	switch provider.Type {
	case "oidc":
		if _, loaded, loadErr := h.svc.LoadOIDCConfig(ctx); loadErr == nil {
			loaded.ClientSecret = ""
			cfg = loaded
		}
	case "saml":
		if _, loaded, loadErr := h.svc.LoadSAMLConfig(ctx); loadErr == nil {
			loaded.PrivateKey = ""
			cfg = loaded
		}
	case "ldap":
		if _, loaded, loadErr := h.svc.LoadLDAPConfig(ctx); loadErr == nil {
			loaded.BindPassword = ""
			cfg = loaded
		}
	}

	response.Success(c, http.StatusOK, gin.H{
		"provider": provider,
		"config":   cfg,
	})
}

// SyncLDAP runs a full directory synchronisation for the caller's
// organization using the stored LDAP configuration. Accounts and department
// memberships are always synchronised; employee records follow when the HR
// module is wired.
//
// POST /api/auth/providers/ldap/sync
func (h *AuthProviderHandler) SyncLDAP(c *gin.Context) {
	if h.ldapSync == nil {
		response.Error(c, apperrors.NewBadRequest("Directory synchronisation is not configured"))
		return
	}

	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	ctx := requestContext(c)
	provider, cfg, err := h.svc.LoadLDAPConfig(ctx)
	if err != nil {
		respondAuthProviderError(c, err)
		return
	}
	if !provider.Enabled {
		response.Error(c, apperrors.NewBadRequest("LDAP provider is disabled"))
		return
	}

	authenticator, err := providers.NewLDAPAuthenticator(*cfg, providers.LDAPAuthenticatorOptions{})
	if err != nil {
		response.Error(c, apperrors.NewBadRequest(err.Error()))
		return
	}

	summary, err := h.ldapSync.SyncAll(ctx, orgID, authenticator, *cfg, provider.AllowRegistration)
	if err != nil {
		respondAuthProviderError(c, err)
		return
	}

	payload := gin.H{"accounts": summary}
	if h.employees != nil {
		employeeSummary, err := h.employees.SyncFromDirectory(ctx, orgID, authenticator, cfg.AttributeMapping)
		if err != nil {
			respondAuthProviderError(c, err)
			return
		}
		payload["employees"] = employeeSummary
	}
	response.Success(c, http.StatusOK, payload)
}

// ListPublic returns provider metadata safe for unauthenticated clients.
//
// GET /api/auth/providers
func (h *AuthProviderHandler) ListPublic(c *gin.Context) {
	providers, err := h.svc.GetEnabledPublic(requestContext(c))
	if err != nil {
		respondAuthProviderError(c, err)
		return
	}
	response.Success(c, http.StatusOK, providers)
}

// UpdateLocalSettings toggles registration and recovery options on the local provider.
//
// POST /api/auth/providers/local/settings
func (h *AuthProviderHandler) UpdateLocalSettings(c *gin.Context) {
	var body localProviderSettingsRequest
	if !bindAndValidate(c, &body) {
		return
	}
	if err := h.svc.UpdateLocalSettings(requestContext(c), body.AllowRegistration, body.RequireEmailVerification, body.AllowPasswordReset); err != nil {
		respondAuthProviderError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"updated": true})
}

// UpdateInviteSettings toggles the invite provider state.
//
// POST /api/auth/providers/invite/settings
func (h *AuthProviderHandler) UpdateInviteSettings(c *gin.Context) {
	var body inviteProviderSettingsRequest
	if !bindAndValidate(c, &body) {
		return
	}
	if err := h.svc.UpdateInviteSettings(requestContext(c), body.Enabled, body.RequireEmailVerification); err != nil {
		respondAuthProviderError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"updated": true})
}

// SetEnabled toggles a provider on or off.
//
// POST /api/auth/providers/:type/enable
func (h *AuthProviderHandler) SetEnabled(c *gin.Context) {
	var body setProviderEnabledRequest
	if !bindAndValidate(c, &body) {
		return
	}
	if err := h.svc.SetEnabled(requestContext(c), c.Param("type"), body.Enabled); err != nil {
		respondAuthProviderError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"updated": true})
}

// TestConnection validates connectivity for providers that support it.
//
// POST /api/auth/providers/:type/test
func (h *AuthProviderHandler) TestConnection(c *gin.Context) {
	if err := h.svc.TestConnection(requestContext(c), c.Param("type")); err != nil {
		if errors.Is(err, services.ErrAuthProviderNotFound) {
			response.Error(c, apperrors.ErrNotFound)
			return
		}
		response.Error(c, apperrors.NewBadRequest(err.Error()))
		return
	}
	response.Success(c, http.StatusOK, gin.H{"ok": true})
}

// Delete removes a non-system provider configuration.
//
// DELETE /api/auth/providers/:type
func (h *AuthProviderHandler) Delete(c *gin.Context) {
	if err := h.svc.Delete(requestContext(c), c.Param("type")); err != nil {
		respondAuthProviderError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"deleted": true})
}

// Configure upserts a provider configuration. Secrets are encrypted at rest
// by the service before persistence.
//
// POST /api/auth/providers/:type/configure
func (h *AuthProviderHandler) Configure(c *gin.Context) {
	var actor string
	if v, ok := c.Get("userID"); ok {
		actor, _ = v.(string)
	}

	switch c.Param("type") {
	case "oidc":
		var body struct {
			Enabled           bool              `json:"enabled"`
			AllowRegistration bool              `json:"allow_registration"`
			Config            models.OIDCConfig `json:"config"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			response.Error(c, apperrors.ErrBadRequest)
			return
		}
		if err := h.svc.ConfigureOIDC(requestContext(c), body.Config, body.Enabled, body.AllowRegistration, actor); err != nil {
			respondAuthProviderError(c, err)
			return
		}
		response.Success(c, http.StatusOK, gin.H{"updated": true})
	case "saml":
		var body struct {
			Enabled           bool              `json:"enabled"`
			AllowRegistration bool              `json:"allow_registration"`
			Config            models.SAMLConfig `json:"config"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			response.Error(c, apperrors.ErrBadRequest)
			return
		}
		if err := h.svc.ConfigureSAML(requestContext(c), body.Config, body.Enabled, body.AllowRegistration, actor); err != nil {
			respondAuthProviderError(c, err)
			return
		}
		response.Success(c, http.StatusOK, gin.H{"updated": true})
	case "ldap":
		var body struct {
			Enabled           bool              `json:"enabled"`
			AllowRegistration bool              `json:"allow_registration"`
			Config            models.LDAPConfig `json:"config"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			response.Error(c, apperrors.ErrBadRequest)
			return
		}
		if err := h.svc.ConfigureLDAP(requestContext(c), body.Config, body.Enabled, body.AllowRegistration, actor); err != nil {
			respondAuthProviderError(c, err)
			return
		}
		response.Success(c, http.StatusOK, gin.H{"updated": true})
	default:
		response.Error(c, apperrors.NewBadRequest("unsupported provider type"))
	}
}

func respondAuthProviderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrAuthProviderNotFound):
		response.Error(c, apperrors.ErrNotFound)
	case errors.Is(err, services.ErrAuthProviderImmutable):
		response.Error(c, apperrors.NewConflict("Provider cannot be modified"))
	default:
		response.Error(c, err)
	}
}
