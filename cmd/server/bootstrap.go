package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gin-gonic/gin"

	"github.com/corvalhq/corval/internal/api"
	"github.com/corvalhq/corval/internal/app"
	"github.com/corvalhq/corval/internal/app/maintenance"
	"github.com/corvalhq/corval/internal/assist"
	iauth "github.com/corvalhq/corval/internal/auth"
	"github.com/corvalhq/corval/internal/auth/mfa"
	"github.com/corvalhq/corval/internal/auth/providers"
	"github.com/corvalhq/corval/internal/automation"
	"github.com/corvalhq/corval/internal/cache"
	"github.com/corvalhq/corval/internal/database"
	"github.com/corvalhq/corval/internal/events"
	"github.com/corvalhq/corval/internal/knowledge"
	"github.com/corvalhq/corval/internal/middleware"
	"github.com/corvalhq/corval/internal/monitoring"
	"github.com/corvalhq/corval/internal/monitoring/checks"
	"github.com/corvalhq/corval/internal/permissions"
	"github.com/corvalhq/corval/internal/plugins"
	"github.com/corvalhq/corval/internal/policy"
	"github.com/corvalhq/corval/internal/realtime"
	"github.com/corvalhq/corval/internal/services"
	"github.com/corvalhq/corval/pkg/logger"
	"github.com/corvalhq/corval/pkg/mail"
)

const shutdownDrainTimeout = 5 * time.Second

// runtimeStack bundles the long-lived components behind the HTTP server so
// they can be shut down in one place, in the right order.
type runtimeStack struct {
	DB        *gorm.DB
	Redis     cache.Store
	Bus       *events.Bus
	Hub       *realtime.Hub
	Cleaner   *maintenance.Cleaner
	Scheduler *automation.Scheduler
	Watcher   *monitoring.Watcher
	RateStore middleware.RateStore
	Router    *gin.Engine

	// detach unsubscribes event consumers from the bus, in attach order.
	detach []func()
}

// bootstrapRuntime initialises the database, caches, domain services, background
// workers, and the HTTP router.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown(context.Background(), log)
		}
	}()

	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	if err := database.EnsureVaultEncryptionKey(ctx, stack.DB, cfg.Vault.EncryptionKey); err != nil {
		return nil, err
	}

	dbStore := cache.NewDatabaseStore(stack.DB)

	if cfg.Cache.Redis.Enabled {
		if stack.Redis, err = cache.NewRedisClient(cfg.Cache.RedisClientConfig()); err != nil {
			log.Warn("redis unavailable; falling back to database-backed operations", zap.Error(err))
			stack.Redis = nil
		} else {
			log.Info("redis connected", zap.String("addr", cfg.Cache.Redis.Address))
		}
	}

	jwtSvc, err := iauth.NewJWTService(cfg.Auth.JWTServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise jwt service: %w", err)
	}

	sessionCfg := cfg.Auth.SessionServiceConfig()
	switch {
	case stack.Redis != nil:
		sessionCfg.Cache = iauth.NewRedisSessionCache(stack.Redis)
	case dbStore != nil:
		sessionCfg.Cache = iauth.NewDatabaseSessionCache(dbStore)
	}

	sessions, err := iauth.NewSessionService(stack.DB, jwtSvc, sessionCfg)
	if err != nil {
		return nil, fmt.Errorf("initialise session service: %w", err)
	}

	vaultKey, err := app.DecodeKey(cfg.Vault.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decode vault encryption key: %w", err)
	}

	totp, err := mfa.NewTOTPService(stack.DB, vaultKey)
	if err != nil {
		return nil, fmt.Errorf("initialise totp service: %w", err)
	}

	audit, err := services.NewAuditService(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise audit service: %w", err)
	}

	users, err := services.NewUserService(stack.DB, audit)
	if err != nil {
		return nil, fmt.Errorf("initialise user service: %w", err)
	}

	prefs, err := services.NewUserPreferencesService(stack.DB, audit)
	if err != nil {
		return nil, fmt.Errorf("initialise preferences service: %w", err)
	}

	orgs, err := services.NewOrganizationService(stack.DB, audit)
	if err != nil {
		return nil, fmt.Errorf("initialise organization service: %w", err)
	}

	checker, err := permissions.NewChecker(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise permission checker: %w", err)
	}

	departments, err := services.NewDepartmentService(stack.DB, audit, checker)
	if err != nil {
		return nil, fmt.Errorf("initialise department service: %w", err)
	}

	permSvc, err := services.NewPermissionService(stack.DB, audit)
	if err != nil {
		return nil, fmt.Errorf("initialise permission service: %w", err)
	}

	mailer, err := mail.NewSMTPMailer(cfg.Mail.SMTPSettings())
	if err != nil {
		return nil, fmt.Errorf("initialise mailer: %w", err)
	}

	invites, err := services.NewInviteService(stack.DB, mailer)
	if err != nil {
		return nil, fmt.Errorf("initialise invite service: %w", err)
	}

	verifier, err := services.NewEmailVerificationService(stack.DB, mailer)
	if err != nil {
		return nil, fmt.Errorf("initialise email verification service: %w", err)
	}

	authProviders, err := services.NewAuthProviderService(stack.DB, audit, vaultKey)
	if err != nil {
		return nil, fmt.Errorf("initialise auth provider service: %w", err)
	}

	sso, err := iauth.NewSSOManager(stack.DB, sessions, iauth.SSOConfig{})
	if err != nil {
		return nil, fmt.Errorf("initialise sso manager: %w", err)
	}

	ssoState, err := iauth.NewStateCodec(vaultKey, 10*time.Minute, nil)
	if err != nil {
		return nil, fmt.Errorf("initialise sso state codec: %w", err)
	}

	registry := providers.NewRegistry()
	if err := registry.Register(providers.NewOIDCDescriptor(providers.OIDCOptions{})); err != nil {
		return nil, fmt.Errorf("register oidc descriptor: %w", err)
	}
	if err := registry.Register(providers.NewSAMLDescriptor(providers.SAMLOptions{})); err != nil {
		return nil, fmt.Errorf("register saml descriptor: %w", err)
	}

	ldapSync, err := services.NewLDAPSyncService(stack.DB, sso)
	if err != nil {
		return nil, fmt.Errorf("initialise ldap sync service: %w", err)
	}

	stack.Hub = realtime.NewHub()

	notifications, err := services.NewNotificationService(stack.DB, stack.Hub, services.WithMailer(mailer))
	if err != nil {
		return nil, fmt.Errorf("initialise notification service: %w", err)
	}

	stack.Bus = events.NewBus(64)

	employees, err := services.NewEmployeeService(stack.DB, audit, sessions, stack.Bus)
	if err != nil {
		return nil, fmt.Errorf("initialise employee service: %w", err)
	}

	customers, err := services.NewCustomerService(stack.DB, audit, stack.Bus)
	if err != nil {
		return nil, fmt.Errorf("initialise customer service: %w", err)
	}

	invoices, err := services.NewInvoiceService(stack.DB, audit, stack.Bus)
	if err != nil {
		return nil, fmt.Errorf("initialise invoice service: %w", err)
	}

	usage, err := services.NewUsageService(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise usage service: %w", err)
	}

	inventory, err := services.NewInventoryService(stack.DB, audit, stack.Bus)
	if err != nil {
		return nil, fmt.Errorf("initialise inventory service: %w", err)
	}

	projects, err := services.NewProjectService(stack.DB, audit, stack.Bus)
	if err != nil {
		return nil, fmt.Errorf("initialise project service: %w", err)
	}

	assistProviders, err := buildAssistProviders(ctx, cfg.Assist.Providers, log)
	if err != nil {
		return nil, err
	}

	// Embeddings stay pinned to the primary provider; mixing embedding
	// models across fallbacks would make stored vectors incomparable.
	embedder := assistProviders[0]

	knowledgeSvc, err := knowledge.NewService(stack.DB, embedder, stack.Bus, knowledge.Config{
		ChunkTokens:      cfg.Assist.Retrieval.ChunkTokens,
		ChunkOverlap:     cfg.Assist.Retrieval.ChunkOverlap,
		EmbedConcurrency: cfg.Assist.Retrieval.EmbedConcurrency,
	})
	if err != nil {
		return nil, fmt.Errorf("initialise knowledge service: %w", err)
	}

	policyEngine, err := policy.NewEngine()
	if err != nil {
		return nil, fmt.Errorf("initialise policy engine: %w", err)
	}

	resolver, err := knowledge.NewResolver(stack.DB, policyEngine, checker)
	if err != nil {
		return nil, fmt.Errorf("initialise access resolver: %w", err)
	}

	retriever, err := assist.NewRetriever(stack.DB, embedder, resolver, assist.RetrieverConfig{
		TopK:           cfg.Assist.Retrieval.TopK,
		MinScore:       cfg.Assist.Retrieval.MinScore,
		CandidateLimit: cfg.Assist.Retrieval.CandidateLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("initialise retriever: %w", err)
	}

	gateway, err := assist.NewGateway(assistProviders, usage, assist.GatewayConfig{
		NodeID:           cfg.Node.ID,
		FailureThreshold: cfg.Assist.Gateway.FailureThreshold,
		OpenFor:          cfg.Assist.Gateway.OpenFor,
		Retry: assist.RetryPolicy{
			Attempts:  cfg.Assist.Gateway.RetryAttempts,
			BaseDelay: cfg.Assist.Gateway.RetryBaseDelay,
			MaxDelay:  cfg.Assist.Gateway.RetryMaxDelay,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("initialise assist gateway: %w", err)
	}

	assistSvc, err := assist.NewService(stack.DB, gateway, retriever, resolver, audit, assist.ServiceConfig{
		HistoryLimit:   cfg.Assist.Chat.HistoryLimit,
		SystemPreamble: cfg.Assist.Chat.Preamble,
		MaxTokens:      cfg.Assist.Chat.MaxTokens,
		Temperature:    cfg.Assist.Chat.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("initialise assist service: %w", err)
	}
	assistSvc.SetNotifier(stack.Hub)

	assistSettings, err := services.NewAssistSettingsService(stack.DB, audit)
	if err != nil {
		return nil, fmt.Errorf("initialise assist settings service: %w", err)
	}

	executor := plugins.NewExecutor(plugins.ExecutorConfig{
		Timeout:        cfg.Plugins.Timeout,
		MaxSourceBytes: cfg.Plugins.MaxSourceBytes,
	})

	pluginSvc, err := plugins.NewService(stack.DB, executor, audit)
	if err != nil {
		return nil, fmt.Errorf("initialise plugin service: %w", err)
	}

	dispatcher, err := plugins.NewDispatcher(stack.DB, executor, knowledgeSvc, notifications, plugins.DispatcherConfig{
		NodeID: cfg.Node.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("initialise plugin dispatcher: %w", err)
	}

	engine := automation.NewEngine(automation.EngineConfig{
		Timeout:        cfg.Automation.Timeout,
		MaxScriptBytes: cfg.Automation.MaxScriptBytes,
		MaxAllocs:      cfg.Automation.MaxAllocs,
	})

	runner, err := automation.NewRunner(stack.DB, engine, notifications, projects, automation.RunnerConfig{
		MaxConsecutiveFailures: cfg.Automation.MaxConsecutiveFailures,
	})
	if err != nil {
		return nil, fmt.Errorf("initialise automation runner: %w", err)
	}

	stack.Scheduler, err = automation.NewScheduler(stack.DB, runner)
	if err != nil {
		return nil, fmt.Errorf("initialise automation scheduler: %w", err)
	}

	automationSvc, err := automation.NewService(stack.DB, engine, audit, automation.WithSyncer(stack.Scheduler))
	if err != nil {
		return nil, fmt.Errorf("initialise automation service: %w", err)
	}

	recorder, err := knowledge.NewRecorder(stack.DB, knowledgeSvc)
	if err != nil {
		return nil, fmt.Errorf("initialise knowledge recorder: %w", err)
	}

	stack.detach = append(stack.detach,
		recorder.Attach(stack.Bus),
		runner.Attach(stack.Bus),
		dispatcher.Attach(stack.Bus),
		notifications.Attach(stack.Bus),
	)

	monitor, err := monitoring.NewModule(monitoring.Options{
		DB:            stack.DB,
		Hub:           stack.Hub,
		Gateway:       gateway,
		AlertInterval: cfg.Monitoring.AlertInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("initialise monitoring module: %w", err)
	}
	monitor.RegisterLiveness(checks.Database(stack.DB, time.Second))
	monitor.RegisterReadiness(
		checks.Database(stack.DB, time.Second),
		checks.Cache(stack.Redis, cfg.Cache.Redis.Enabled, time.Second),
		checks.Assist(gateway, time.Second),
		checks.Plugins(executor, time.Second),
		checks.Policy(policyEngine, time.Second),
		checks.Realtime(stack.Hub),
	)

	stack.Cleaner = maintenance.NewCleaner(stack.DB, sessions, audit,
		maintenance.WithAuditRetentionDays(cfg.Maintenance.AuditRetentionDays),
		maintenance.WithConversationIdle(cfg.Maintenance.ConversationIdle),
		maintenance.WithInvoiceSweep(invoices),
		maintenance.WithUsageRollup(usage),
	)
	if cfg.Maintenance.Enabled {
		if err := stack.Cleaner.Start(); err != nil {
			return nil, fmt.Errorf("start maintenance jobs: %w", err)
		}
	}

	if err := stack.Scheduler.Start(); err != nil {
		return nil, fmt.Errorf("start automation scheduler: %w", err)
	}

	stack.Watcher = monitor.Watcher()
	stack.Watcher.Start()

	switch {
	case stack.Redis != nil:
		stack.RateStore = middleware.NewRedisRateStore(stack.Redis)
	case dbStore != nil:
		stack.RateStore = middleware.NewDatabaseRateStore(dbStore)
	}

	stack.Router, err = api.NewRouter(api.Deps{
		DB:        stack.DB,
		Config:    cfg,
		RateStore: stack.RateStore,

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
		SSOState:         ssoState,
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

		Hub:        stack.Hub,
		Monitoring: monitor,
		Bus:        stack.Bus,
	})
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

// buildAssistProviders constructs the model backends in the configured
// fallback order. An empty list degrades to the deterministic stub so the
// assistant endpoints stay functional in development installs.
func buildAssistProviders(ctx context.Context, cfgs []app.AssistProviderConfig, log *zap.Logger) ([]assist.Provider, error) {
	providerList := make([]assist.Provider, 0, len(cfgs))
	for _, pc := range cfgs {
		switch strings.ToLower(strings.TrimSpace(pc.Type)) {
		case "gemini":
			provider, err := assist.NewGeminiProvider(ctx, assist.GeminiConfig{
				APIKey:     pc.APIKey,
				BaseURL:    pc.BaseURL,
				ChatModel:  pc.ChatModel,
				EmbedModel: pc.EmbedModel,
				Timeout:    pc.Timeout,
			})
			if err != nil {
				return nil, fmt.Errorf("configure gemini provider: %w", err)
			}
			providerList = append(providerList, provider)
		case "ollama":
			providerList = append(providerList, assist.NewOllamaProvider(assist.OllamaConfig{
				BaseURL:    pc.BaseURL,
				ChatModel:  pc.ChatModel,
				EmbedModel: pc.EmbedModel,
				Timeout:    pc.Timeout,
			}))
		case "stub":
			providerList = append(providerList, assist.NewStubProvider())
		default:
			return nil, fmt.Errorf("assist provider %q is not supported", pc.Type)
		}
	}

	if len(providerList) == 0 {
		log.Warn("no assist providers configured; using the stub backend")
		providerList = append(providerList, assist.NewStubProvider())
	}

	return providerList, nil
}

// Shutdown stops background workers and releases resources. Workers go first
// so nothing publishes to a closed bus or a closed hub.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) {
	if s == nil {
		return
	}

	if s.Watcher != nil {
		s.Watcher.Stop()
	}

	if s.Scheduler != nil {
		stopCtx := s.Scheduler.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(shutdownDrainTimeout):
			log.Warn("automation jobs still running at shutdown")
		}
	}

	for i := len(s.detach) - 1; i >= 0; i-- {
		s.detach[i]()
	}

	if s.Bus != nil {
		s.Bus.Close()
	}

	if s.Cleaner != nil {
		stopCtx := s.Cleaner.Stop()
		if stopCtx != nil {
			ctx = stopCtx
		}
		if err := s.Cleaner.RunOnce(ctx); err != nil {
			log.Warn("maintenance shutdown cleanup failed", zap.Error(err))
		}
	}

	if s.Hub != nil {
		s.Hub.Close()
	}

	if rc, ok := s.Redis.(*cache.RedisClient); ok && rc != nil {
		if err := rc.Close(); err != nil {
			log.Warn("redis shutdown", zap.Error(err))
		}
	}

	if s.DB != nil {
		closeDatabase(s.DB, log)
	}
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := cfg.Database.DatabaseSettings()
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrateAndSeed(db); err != nil {
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", dbCfg.Driver))

	return db, nil
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	if db == nil {
		return
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("failed to obtain underlying sql DB for closing", zap.Error(err))
		return
	}

	if err := sqlDB.Close(); err != nil {
		log.Warn("failed to close database", zap.Error(err))
	}
}
