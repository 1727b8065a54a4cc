package api

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/corvalhq/corval/internal/app"
	"github.com/corvalhq/corval/internal/assist"
	iauth "github.com/corvalhq/corval/internal/auth"
	"github.com/corvalhq/corval/internal/auth/mfa"
	"github.com/corvalhq/corval/internal/auth/providers"
	"github.com/corvalhq/corval/internal/automation"
	"github.com/corvalhq/corval/internal/events"
	"github.com/corvalhq/corval/internal/handlers"
	"github.com/corvalhq/corval/internal/knowledge"
	"github.com/corvalhq/corval/internal/middleware"
	"github.com/corvalhq/corval/internal/monitoring"
	"github.com/corvalhq/corval/internal/permissions"
	"github.com/corvalhq/corval/internal/plugins"
	"github.com/corvalhq/corval/internal/realtime"
	"github.com/corvalhq/corval/internal/security"
	"github.com/corvalhq/corval/internal/services"
)

// Deps carries the constructed services the HTTP layer mounts. The identity
// and tenancy fields are mandatory. Module groups whose services are nil are
// not registered, so trimmed deployments and focused tests can run without
// the full suite.
type Deps struct {
	DB     *gorm.DB
	Config *app.Config

	// RateStore shares rate limit counters between replicas. When nil the
	// limiter falls back to process-local counters.
	RateStore middleware.RateStore

	JWT      *iauth.JWTService
	Sessions *iauth.SessionService
	TOTP     *mfa.TOTPService

	Users         *services.UserService
	Preferences   *services.UserPreferencesService
	Organizations *services.OrganizationService
	Departments   *services.DepartmentService
	Permissions   *services.PermissionService
	Invites       *services.InviteService
	Verifier      *services.EmailVerificationService
	Audit         *services.AuditService

	AuthProviders    *services.AuthProviderService
	LDAPSync         *services.LDAPSyncService
	SSO              *iauth.SSOManager
	SSOState         *iauth.StateCodec
	ProviderRegistry *providers.Registry

	Notifications *services.NotificationService

	Employees *services.EmployeeService
	Customers *services.CustomerService
	Invoices  *services.InvoiceService
	Usage     *services.UsageService
	Inventory *services.InventoryService
	Projects  *services.ProjectService

	Knowledge         *knowledge.Service
	KnowledgeResolver *knowledge.Resolver
	Retriever         *assist.Retriever
	Assist            *assist.Service
	AssistSettings    *services.AssistSettingsService

	Plugins          *plugins.Service
	PluginDispatcher *plugins.Dispatcher
	Automation       *automation.Service

	Hub        *realtime.Hub
	Monitoring *monitoring.Module

	// Bus feeds domain events to subscribers. The auth handler publishes
	// lockout events on it when present.
	Bus *events.Bus
}

func (d Deps) validate() error {
	switch {
	case d.DB == nil:
		return fmt.Errorf("router: database handle is required")
	case d.Config == nil:
		return fmt.Errorf("router: config is required")
	case d.JWT == nil:
		return fmt.Errorf("router: jwt service is required")
	case d.Sessions == nil:
		return fmt.Errorf("router: session service is required")
	case d.TOTP == nil:
		return fmt.Errorf("router: totp service is required")
	case d.Users == nil:
		return fmt.Errorf("router: user service is required")
	case d.Preferences == nil:
		return fmt.Errorf("router: preferences service is required")
	case d.Organizations == nil:
		return fmt.Errorf("router: organization service is required")
	case d.Departments == nil:
		return fmt.Errorf("router: department service is required")
	case d.Permissions == nil:
		return fmt.Errorf("router: permission service is required")
	case d.Invites == nil:
		return fmt.Errorf("router: invite service is required")
	case d.Audit == nil:
		return fmt.Errorf("router: audit service is required")
	case d.AuthProviders == nil:
		return fmt.Errorf("router: auth provider service is required")
	case d.SSO == nil:
		return fmt.Errorf("router: sso manager is required")
	case d.SSOState == nil:
		return fmt.Errorf("router: sso state codec is required")
	case d.ProviderRegistry == nil:
		return fmt.Errorf("router: provider registry is required")
	}
	return nil
}

// NewRouter builds the Gin engine, wires global middleware and registers the
// routes for every module present in deps.
func NewRouter(deps Deps) (*gin.Engine, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}

	engine := gin.New()

	// Global middleware
	engine.Use(middleware.Recovery())
	engine.Use(middleware.Logger())
	engine.Use(middleware.Metrics())
	engine.Use(middleware.SecurityHeaders())
	engine.Use(middleware.CORS())
	if deps.Config.Server.CSRF.Enabled {
		engine.Use(middleware.CSRF())
	}
	rl := deps.Config.RateLimit
	if rl.Requests <= 0 {
		rl.Requests = 100
	}
	if rl.Window <= 0 {
		rl.Window = time.Minute
	}
	engine.Use(middleware.RateLimitWithStore(deps.RateStore, rl.Requests, rl.Window))

	checker, err := permissions.NewChecker(deps.DB)
	if err != nil {
		return nil, err
	}

	localCfg := deps.Config.Auth.LocalProviderConfig()
	localCfg.Bus = deps.Bus

	authHandler, err := handlers.NewAuthHandler(deps.DB, deps.JWT, deps.Sessions, deps.TOTP, deps.AuthProviders, deps.SSO, localCfg)
	if err != nil {
		return nil, err
	}
	providerHandler, err := handlers.NewAuthProviderHandler(deps.AuthProviders, deps.LDAPSync, deps.Employees)
	if err != nil {
		return nil, err
	}
	ssoHandler, err := handlers.NewSSOHandler(deps.ProviderRegistry, deps.AuthProviders, deps.SSO, deps.SSOState)
	if err != nil {
		return nil, err
	}
	inviteHandler, err := handlers.NewInviteHandler(deps.Invites, deps.Users, deps.Departments, deps.Verifier)
	if err != nil {
		return nil, err
	}
	userHandler, err := handlers.NewUserHandler(deps.Users)
	if err != nil {
		return nil, err
	}
	profileHandler, err := handlers.NewProfileHandler(deps.Users, deps.Preferences, deps.TOTP)
	if err != nil {
		return nil, err
	}
	orgHandler, err := handlers.NewOrganizationHandler(deps.Organizations)
	if err != nil {
		return nil, err
	}
	departmentHandler, err := handlers.NewDepartmentHandler(deps.Departments)
	if err != nil {
		return nil, err
	}
	permissionHandler, err := handlers.NewPermissionHandler(deps.Permissions)
	if err != nil {
		return nil, err
	}
	sessionHandler, err := handlers.NewSessionHandler(deps.DB, deps.Sessions)
	if err != nil {
		return nil, err
	}
	auditHandler, err := handlers.NewAuditHandler(deps.Audit)
	if err != nil {
		return nil, err
	}
	securityHandler, err := handlers.NewSecurityHandler(security.NewAuditService(deps.DB, deps.JWT, deps.Config))
	if err != nil {
		return nil, err
	}
	setupHandler, err := handlers.NewSetupHandler(deps.DB)
	if err != nil {
		return nil, err
	}

	// Public surface
	registerHealthRoutes(engine, deps.Config, deps.Monitoring)
	registerSetupRoutes(engine, setupHandler)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Authenticated surface. Tenant verification runs after the token check
	// so org claims always reference a live organization.
	api := engine.Group("/api")
	api.Use(middleware.Auth(deps.JWT))
	api.Use(middleware.Tenant(deps.DB))

	registerAuthRoutes(engine, api, authRouteDeps{
		AuthHandler:       authHandler,
		ProviderHandler:   providerHandler,
		SSOHandler:        ssoHandler,
		InviteHandler:     inviteHandler,
		PermissionChecker: checker,
	})
	registerUserRoutes(api, userHandler, checker)
	registerProfileRoutes(api, profileHandler)
	registerSessionRoutes(api, sessionHandler)
	registerOrganizationRoutes(api, orgHandler, checker)
	registerDepartmentRoutes(api, departmentHandler, checker)
	registerPermissionRoutes(api, permissionHandler, checker)
	registerAuditRoutes(api, auditHandler, securityHandler, checker)

	if deps.Notifications != nil {
		notificationHandler, err := handlers.NewNotificationHandler(deps.Notifications)
		if err != nil {
			return nil, err
		}
		registerNotificationRoutes(api, notificationHandler, checker)
	}

	if deps.Employees != nil {
		employeeHandler, err := handlers.NewEmployeeHandler(deps.Employees)
		if err != nil {
			return nil, err
		}
		registerEmployeeRoutes(api, employeeHandler, checker)
	}

	// The invoice handler also serves customer balances, so it is built
	// ahead of the customer routes.
	var invoiceHandler *handlers.InvoiceHandler
	if deps.Invoices != nil {
		invoiceHandler, err = handlers.NewInvoiceHandler(deps.Invoices)
		if err != nil {
			return nil, err
		}
	}

	if deps.Customers != nil {
		customerHandler, err := handlers.NewCustomerHandler(deps.Customers)
		if err != nil {
			return nil, err
		}
		registerCustomerRoutes(api, customerHandler, invoiceHandler, checker)
	}

	if invoiceHandler != nil {
		var billingHandler *handlers.BillingHandler
		if deps.Usage != nil {
			billingHandler, err = handlers.NewBillingHandler(deps.Usage)
			if err != nil {
				return nil, err
			}
		}
		registerInvoiceRoutes(api, invoiceHandler, billingHandler, checker)
	}

	if deps.Inventory != nil {
		inventoryHandler, err := handlers.NewInventoryHandler(deps.Inventory)
		if err != nil {
			return nil, err
		}
		registerInventoryRoutes(api, inventoryHandler, checker)
	}

	if deps.Projects != nil {
		projectHandler, err := handlers.NewProjectHandler(deps.Projects, checker)
		if err != nil {
			return nil, err
		}
		registerProjectRoutes(api, projectHandler, checker)
	}

	if deps.Knowledge != nil && deps.KnowledgeResolver != nil && deps.Retriever != nil {
		documentHandler, err := handlers.NewDocumentHandler(deps.Knowledge, deps.KnowledgeResolver, deps.Retriever)
		if err != nil {
			return nil, err
		}
		registerDocumentRoutes(api, documentHandler, checker)
	}

	if deps.Assist != nil && deps.AssistSettings != nil {
		assistHandler, err := handlers.NewAssistHandler(deps.Assist, deps.AssistSettings, checker)
		if err != nil {
			return nil, err
		}
		registerAssistRoutes(api, assistHandler, checker)
	}

	if deps.Plugins != nil && deps.PluginDispatcher != nil {
		pluginHandler, err := handlers.NewPluginHandler(deps.Plugins, deps.PluginDispatcher)
		if err != nil {
			return nil, err
		}
		registerPluginRoutes(api, pluginHandler, checker)
	}

	if deps.Automation != nil {
		automationHandler, err := handlers.NewAutomationHandler(deps.Automation)
		if err != nil {
			return nil, err
		}
		registerAutomationRoutes(api, automationHandler, checker)
	}

	if deps.Hub != nil {
		realtimeHandler, err := handlers.NewRealtimeHandler(deps.Hub, deps.JWT, checker)
		if err != nil {
			return nil, err
		}
		registerRealtimeRoutes(engine, realtimeHandler)
	}

	if deps.Monitoring != nil {
		registerMonitoringRoutes(api, handlers.NewMonitoringHandler(deps.Monitoring, deps.Config), checker)
	}

	engine.NoRoute(middleware.NotFoundHandler)

	return engine, nil
}
