package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/corvalhq/corval/internal/api"
	"github.com/corvalhq/corval/internal/app"
	"github.com/corvalhq/corval/internal/assist"
	iauth "github.com/corvalhq/corval/internal/auth"
	"github.com/corvalhq/corval/internal/auth/mfa"
	"github.com/corvalhq/corval/internal/auth/providers"
	"github.com/corvalhq/corval/internal/automation"
	sharedtestutil "github.com/corvalhq/corval/internal/database/testutil"
	"github.com/corvalhq/corval/internal/events"
	"github.com/corvalhq/corval/internal/knowledge"
	"github.com/corvalhq/corval/internal/middleware"
	"github.com/corvalhq/corval/internal/models"
	"github.com/corvalhq/corval/internal/monitoring"
	"github.com/corvalhq/corval/internal/monitoring/checks"
	"github.com/corvalhq/corval/internal/permissions"
	"github.com/corvalhq/corval/internal/plugins"
	"github.com/corvalhq/corval/internal/policy"
	"github.com/corvalhq/corval/internal/realtime"
	"github.com/corvalhq/corval/internal/services"
	"github.com/corvalhq/corval/pkg/crypto"
	"github.com/corvalhq/corval/pkg/response"
)

// Env encapsulates a fully-wired API instance backed by an in-memory database for handler tests.
type Env struct {
	T          *testing.T
	DB         *gorm.DB
	Router     *gin.Engine
	JWT        *iauth.JWTService
	csrfToken  string
	csrfCookie *http.Cookie
}

// NewEnv provisions a fresh handler test environment with every module wired,
// migrations and seed data applied, and external probes stubbed out.
func NewEnv(t *testing.T) *Env {
	t.Helper()

	gin.SetMode(gin.TestMode)

	db := sharedtestutil.MustOpenTestDB(t, sharedtestutil.WithSeedData())

	jwtSecret := "test-suite-super-secret-key-32-bytes!!"
	cfg := &app.Config{
		Server: app.ServerConfig{
			BaseURL: "http://localhost:8080",
			CSRF:    app.CSRFConfig{Enabled: true},
		},
		Vault: app.VaultConfig{
			EncryptionKey: "0123456789abcdef0123456789abcdef",
		},
		Auth: app.AuthConfig{
			JWT: app.JWTSettings{
				Secret: jwtSecret,
				Issuer: "test-suite",
				TTL:    time.Hour,
			},
			Session: app.SessionSettings{
				RefreshTTL:    24 * time.Hour,
				RefreshLength: 48,
			},
			MFA: app.MFASettings{
				Issuer:          "test-suite",
				BackupCodeCount: 10,
			},
		},
		RateLimit: app.RateLimitConfig{
			Requests: 1000,
			Window:   time.Minute,
		},
	}

	jwtSvc, err := iauth.NewJWTService(cfg.Auth.JWTServiceConfig())
	require.NoError(t, err)

	sessions, err := iauth.NewSessionService(db, jwtSvc, cfg.Auth.SessionServiceConfig())
	require.NoError(t, err)

	vaultKey, err := app.DecodeKey(cfg.Vault.EncryptionKey)
	require.NoError(t, err)

	totp, err := mfa.NewTOTPService(db, vaultKey)
	require.NoError(t, err)

	audit, err := services.NewAuditService(db)
	require.NoError(t, err)

	users, err := services.NewUserService(db, audit)
	require.NoError(t, err)

	prefs, err := services.NewUserPreferencesService(db, audit)
	require.NoError(t, err)

	orgs, err := services.NewOrganizationService(db, audit)
	require.NoError(t, err)

	checker, err := permissions.NewChecker(db)
	require.NoError(t, err)

	departments, err := services.NewDepartmentService(db, audit, checker)
	require.NoError(t, err)

	permSvc, err := services.NewPermissionService(db, audit)
	require.NoError(t, err)

	invites, err := services.NewInviteService(db, nil)
	require.NoError(t, err)

	verifier, err := services.NewEmailVerificationService(db, nil)
	require.NoError(t, err)

	authProviders, err := services.NewAuthProviderService(db, audit, vaultKey)
	require.NoError(t, err)
	// Connectivity probes would otherwise dial real OIDC and LDAP endpoints.
	authProviders.SetOIDCTester(func(models.OIDCConfig) error { return nil })
	authProviders.SetLDAPTester(func(models.LDAPConfig) error { return nil })

	sso, err := iauth.NewSSOManager(db, sessions, iauth.SSOConfig{})
	require.NoError(t, err)

	stateCodec, err := iauth.NewStateCodec(vaultKey, 10*time.Minute, nil)
	require.NoError(t, err)

	registry := providers.NewRegistry()
	require.NoError(t, registry.Register(providers.NewOIDCDescriptor(providers.OIDCOptions{})))
	require.NoError(t, registry.Register(providers.NewSAMLDescriptor(providers.SAMLOptions{})))

	ldapSync, err := services.NewLDAPSyncService(db, sso)
	require.NoError(t, err)

	hub := realtime.NewHub()
	t.Cleanup(hub.Close)

	notifications, err := services.NewNotificationService(db, hub)
	require.NoError(t, err)

	bus := events.NewBus(64)
	t.Cleanup(bus.Close)
	t.Cleanup(notifications.Attach(bus))

	employees, err := services.NewEmployeeService(db, audit, sessions, bus)
	require.NoError(t, err)

	customers, err := services.NewCustomerService(db, audit, bus)
	require.NoError(t, err)

	invoices, err := services.NewInvoiceService(db, audit, bus)
	require.NoError(t, err)

	usage, err := services.NewUsageService(db)
	require.NoError(t, err)

	inventory, err := services.NewInventoryService(db, audit, bus)
	require.NoError(t, err)

	projects, err := services.NewProjectService(db, audit, bus)
	require.NoError(t, err)

	// The stub provider serves as both the chat backend and the embedder,
	// keeping retrieval deterministic without network access.
	stub := assist.NewStubProvider()

	knowledgeSvc, err := knowledge.NewService(db, stub, bus, knowledge.Config{})
	require.NoError(t, err)

	policyEngine, err := policy.NewEngine()
	require.NoError(t, err)

	resolver, err := knowledge.NewResolver(db, policyEngine, checker)
	require.NoError(t, err)

	retriever, err := assist.NewRetriever(db, stub, resolver, assist.RetrieverConfig{})
	require.NoError(t, err)

	gateway, err := assist.NewGateway([]assist.Provider{stub}, usage, assist.GatewayConfig{})
	require.NoError(t, err)

	assistSvc, err := assist.NewService(db, gateway, retriever, resolver, audit, assist.ServiceConfig{})
	require.NoError(t, err)

	assistSettings, err := services.NewAssistSettingsService(db, audit)
	require.NoError(t, err)

	executor := plugins.NewExecutor(plugins.ExecutorConfig{})

	pluginSvc, err := plugins.NewService(db, executor, audit)
	require.NoError(t, err)

	dispatcher, err := plugins.NewDispatcher(db, executor, knowledgeSvc, notifications, plugins.DispatcherConfig{})
	require.NoError(t, err)

	engine := automation.NewEngine(automation.EngineConfig{})

	automationSvc, err := automation.NewService(db, engine, audit)
	require.NoError(t, err)

	monitor, err := monitoring.NewModule(monitoring.Options{DB: db, Hub: hub, Gateway: gateway})
	require.NoError(t, err)
	monitor.RegisterLiveness(checks.Database(db, time.Second))
	monitor.RegisterReadiness(
		checks.Database(db, time.Second),
		checks.Assist(gateway, time.Second),
		checks.Plugins(executor, time.Second),
		checks.Policy(policyEngine, time.Second),
		checks.Realtime(hub),
	)

	router, err := api.NewRouter(api.Deps{
		DB:     db,
		Config: cfg,

		JWT:      jwtSvc,
		Sessions: sessions,
		TOTP:     totp,

		Users:         users,
		Preferences:   prefs,
		Organizations: orgs,
		Departments:   departments,
		Permissions:   permSvc,
		Invites:       invites,
		Verifier:      verifier,
		Audit:         audit,

		AuthProviders:    authProviders,
		LDAPSync:         ldapSync,
		SSO:              sso,
		SSOState:         stateCodec,
		ProviderRegistry: registry,

		Notifications: notifications,

		Employees: employees,
		Customers: customers,
		Invoices:  invoices,
		Usage:     usage,
		Inventory: inventory,
		Projects:  projects,

		Knowledge:         knowledgeSvc,
		KnowledgeResolver: resolver,
		Retriever:         retriever,
		Assist:            assistSvc,
		AssistSettings:    assistSettings,

		Plugins:          pluginSvc,
		PluginDispatcher: dispatcher,
		Automation:       automationSvc,

		Hub:        hub,
		Monitoring: monitor,
		Bus:        bus,
	})
	require.NoError(t, err)

	return &Env{
		T:      t,
		DB:     db,
		Router: router,
		JWT:    jwtSvc,
	}
}

// CreateRootUser inserts a new active root user with a random username and returns the record.
func (e *Env) CreateRootUser(password string) *models.User {
	e.T.Helper()

	username := "root-" + uuid.NewString()
	hashed, err := crypto.HashPassword(password)
	require.NoError(e.T, err)

	user := &models.User{
		Username: username,
		Email:    username + "@example.com",
		Password: hashed,
		IsActive: true,
		IsRoot:   true,
	}

	require.NoError(e.T, e.DB.Create(user).Error)

	var roles []models.Role
	require.NoError(e.T, e.DB.Where("id IN ?", []string{"admin", "user"}).Find(&roles).Error)
	require.Len(e.T, roles, 2)
	roleInterfaces := make([]any, len(roles))
	for i := range roles {
		roleInterfaces[i] = &roles[i]
	}
	require.NoError(e.T, e.DB.Model(user).Association("Roles").Append(roleInterfaces...))
	return user
}

// TokenPair mirrors the token payload issued by the auth endpoints.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// UserPayload captures the subset of user fields returned from auth endpoints.
type UserPayload struct {
	ID          string        `json:"id"`
	Username    string        `json:"username"`
	Email       string        `json:"email"`
	IsRoot      bool          `json:"is_root"`
	IsActive    bool          `json:"is_active"`
	FirstName   string        `json:"first_name"`
	LastName    string        `json:"last_name"`
	Permissions []string      `json:"permissions"`
	Roles       []RolePayload `json:"roles"`
}

type RolePayload struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoginResult bundles the JSON response from POST /api/auth/login.
type LoginResult struct {
	User        UserPayload `json:"user"`
	Tokens      TokenPair   `json:"tokens"`
	Permissions []string    `json:"permissions"`
}

// Login authenticates using the local provider and returns the issued token pair.
func (e *Env) Login(username, password string) LoginResult {
	e.T.Helper()

	payload := map[string]string{
		"identifier": username,
		"password":   password,
	}

	w := e.Request(http.MethodPost, "/api/auth/login", payload, "")
	require.Equal(e.T, http.StatusOK, w.Code, w.Body.String())

	resp := DecodeResponse(e.T, w)
	require.True(e.T, resp.Success, w.Body.String())

	var result LoginResult
	DecodeInto(e.T, resp.Data, &result)
	require.NotEmpty(e.T, result.Tokens.AccessToken)
	require.NotEmpty(e.T, result.Tokens.RefreshToken)
	require.Greater(e.T, result.Tokens.ExpiresIn, 0)
	require.Equal(e.T, username, result.User.Username)

	return result
}

// APIResponse represents the canonical API envelope returned by handlers.
type APIResponse struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *response.ErrorInfo `json:"error"`
	Meta    *response.Meta      `json:"meta"`
}

// DecodeResponse parses the standard API response object from a recorder.
func DecodeResponse(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

// DecodeInto unmarshals the data payload into the provided destination.
func DecodeInto[T any](t *testing.T, raw json.RawMessage, dest *T) {
	t.Helper()
	if dest == nil {
		t.Fatal("destination must not be nil")
	}
	require.NoError(t, json.Unmarshal(raw, dest))
}

// Request executes an HTTP request against the test router, applying JSON encoding and auth headers automatically.
func (e *Env) Request(method, path string, body any, token string) *httptest.ResponseRecorder {
	e.T.Helper()
	return e.request(method, path, body, token, false)
}

func (e *Env) request(method, path string, body any, token string, skipCSRF bool) *httptest.ResponseRecorder {
	e.T.Helper()

	var buf *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(e.T, err)
		buf = bytes.NewBuffer(data)
	} else {
		buf = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, path, buf)
	require.NoError(e.T, err)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	if !skipCSRF && requiresCSRFAttestation(method) {
		e.ensureCSRFToken()
		if e.csrfCookie != nil {
			req.AddCookie(e.csrfCookie)
		}
		if e.csrfToken != "" {
			req.Header.Set(middleware.CSRFHeaderName, e.csrfToken)
		}
	}

	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)

	e.captureCSRF(w.Result())
	return w
}

func (e *Env) ensureCSRFToken() {
	if e.csrfToken != "" && e.csrfCookie != nil {
		return
	}
	resp := e.request(http.MethodGet, "/health", nil, "", true)
	require.Equal(e.T, http.StatusOK, resp.Code, resp.Body.String())
}

func (e *Env) captureCSRF(resp *http.Response) {
	if resp == nil {
		return
	}
	defer resp.Body.Close()

	if token := resp.Header.Get(middleware.CSRFHeaderName); token != "" {
		e.csrfToken = token
	}
	for _, c := range resp.Cookies() {
		if c.Name == middleware.CSRFCookieName {
			// Clone to avoid unintended mutations between tests
			e.csrfCookie = &http.Cookie{
				Name:       c.Name,
				Value:      c.Value,
				Path:       c.Path,
				Domain:     c.Domain,
				Expires:    c.Expires,
				Raw:        c.Raw,
				MaxAge:     c.MaxAge,
				Secure:     c.Secure,
				HttpOnly:   c.HttpOnly,
				SameSite:   c.SameSite,
				RawExpires: c.RawExpires,
			}
			break
		}
	}
}

func requiresCSRFAttestation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}
