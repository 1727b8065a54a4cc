package plugins

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/corvalhq/corval/internal/models"
	"github.com/corvalhq/corval/internal/services"
	apperrors "github.com/corvalhq/corval/pkg/errors"
	"github.com/corvalhq/corval/pkg/logger"
)

var (
	// ErrPluginNotFound is returned when a plugin does not exist in the
	// caller's scope.
	ErrPluginNotFound = apperrors.New("PLUGIN_NOT_FOUND", "plugin not found", http.StatusNotFound)
	// ErrPluginExists is returned when the organization already has a plugin
	// with the same name.
	ErrPluginExists = apperrors.New("PLUGIN_EXISTS", "a plugin with this name is already installed", http.StatusConflict)
)

// Service manages the plugin registry: install, lifecycle, and the
// execution audit trail. Sandboxed runs themselves are driven by the
// Dispatcher.
type Service struct {
	db       *gorm.DB
	executor *Executor
	audit    *services.AuditService
	log      *zap.Logger
}

// NewService creates the plugin registry service.
func NewService(db *gorm.DB, executor *Executor, audit *services.AuditService) (*Service, error) {
	if db == nil {
		return nil, errors.New("plugin service: db is required")
	}
	if executor == nil {
		return nil, errors.New("plugin service: executor is required")
	}
	return &Service{
		db:       db,
		executor: executor,
		audit:    audit,
		log:      logger.WithModule("plugins"),
	}, nil
}

// InstallInput carries a plugin submission. An empty OrganizationID
// installs a platform plugin visible to every organization.
type InstallInput struct {
	OrganizationID string
	Manifest       json.RawMessage
	Source         string
	InstalledBy    string
}

// Install validates the manifest, compile-checks the source in the
// sandbox, and registers the plugin in the installed state.
func (s *Service) Install(ctx context.Context, input InstallInput) (*models.Plugin, error) {
	ctx = ensureContext(ctx)

	manifest, err := ParseManifest(input.Manifest)
	if err != nil {
		return nil, err
	}
	source := strings.TrimSpace(input.Source)
	if source == "" {
		return nil, apperrors.NewBadRequest("plugin source is required")
	}

	if err := s.executor.Compile(ctx, source, manifest.Entrypoint); err != nil {
		return nil, err
	}

	var existing int64
	if err := s.scoped(input.OrganizationID).
		Model(&models.Plugin{}).
		Where("name = ?", manifest.Name).
		Count(&existing).Error; err != nil {
		return nil, fmt.Errorf("plugin service: check existing: %w", err)
	}
	if existing > 0 {
		return nil, ErrPluginExists
	}

	canonical, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("plugin service: encode manifest: %w", err)
	}
	sum := sha256.Sum256([]byte(source))

	plugin := models.Plugin{
		Name:        manifest.Name,
		Version:     manifest.Version,
		Description: manifest.Description,
		Author:      manifest.Author,
		Source:      source,
		Manifest:    canonical,
		Checksum:    hex.EncodeToString(sum[:]),
		Status:      models.PluginStatusInstalled,
	}
	if orgID := strings.TrimSpace(input.OrganizationID); orgID != "" {
		plugin.OrganizationID = &orgID
	}
	if installer := strings.TrimSpace(input.InstalledBy); installer != "" {
		plugin.InstalledBy = &installer
	}

	if err := s.db.WithContext(ctx).Create(&plugin).Error; err != nil {
		return nil, fmt.Errorf("plugin service: install: %w", err)
	}

	s.recordAudit(ctx, &plugin, input.InstalledBy, "plugin.installed")
	s.log.Info("plugin installed",
		zap.String("plugin", plugin.Name),
		zap.String("version", plugin.Version),
		zap.String("checksum", plugin.Checksum))
	return &plugin, nil
}

// Enable marks a plugin runnable. The dispatcher only ever runs enabled
// plugins.
func (s *Service) Enable(ctx context.Context, organizationID, id, actorID string) (*models.Plugin, error) {
	ctx = ensureContext(ctx)

	plugin, err := s.Get(ctx, organizationID, id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	updates := map[string]any{
		"status":     models.PluginStatusEnabled,
		"enabled_at": now,
		"last_error": "",
	}
	if err := s.db.WithContext(ctx).Model(plugin).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("plugin service: enable: %w", err)
	}
	plugin.Status = models.PluginStatusEnabled
	plugin.EnabledAt = &now
	plugin.LastError = ""

	s.recordAudit(ctx, plugin, actorID, "plugin.enabled")
	return plugin, nil
}

// Disable stops a plugin from running without removing it.
func (s *Service) Disable(ctx context.Context, organizationID, id, actorID string) (*models.Plugin, error) {
	ctx = ensureContext(ctx)

	plugin, err := s.Get(ctx, organizationID, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{
		"status":     models.PluginStatusDisabled,
		"enabled_at": nil,
	}
	if err := s.db.WithContext(ctx).Model(plugin).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("plugin service: disable: %w", err)
	}
	plugin.Status = models.PluginStatusDisabled
	plugin.EnabledAt = nil

	s.recordAudit(ctx, plugin, actorID, "plugin.disabled")
	return plugin, nil
}

// Uninstall removes the plugin together with its execution history.
func (s *Service) Uninstall(ctx context.Context, organizationID, id, actorID string) error {
	ctx = ensureContext(ctx)

	plugin, err := s.Get(ctx, organizationID, id)
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("plugin_id = ?", plugin.ID).Delete(&models.PluginExecution{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Plugin{}, "id = ?", plugin.ID).Error
	})
	if err != nil {
		return fmt.Errorf("plugin service: uninstall: %w", err)
	}

	s.recordAudit(ctx, plugin, actorID, "plugin.uninstalled")
	s.log.Info("plugin uninstalled", zap.String("plugin", plugin.Name))
	return nil
}

// Get returns a plugin visible to the organization. Platform plugins are
// visible everywhere; another organization's plugins are not found.
func (s *Service) Get(ctx context.Context, organizationID, id string) (*models.Plugin, error) {
	ctx = ensureContext(ctx)

	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrPluginNotFound
	}

	var plugin models.Plugin
	err := s.visible(organizationID).
		WithContext(ctx).
		Where("id = ?", id).
		First(&plugin).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPluginNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("plugin service: get: %w", err)
	}
	return &plugin, nil
}

// ListOptions filters the plugin listing.
type ListOptions struct {
	Page     int
	PageSize int
	Status   models.PluginStatus
}

// List returns the organization's plugins plus platform plugins.
func (s *Service) List(ctx context.Context, organizationID string, opts ListOptions) ([]models.Plugin, int64, error) {
	ctx = ensureContext(ctx)

	page, perPage := clampPage(opts.Page, opts.PageSize)

	query := s.visible(organizationID).WithContext(ctx).Model(&models.Plugin{})
	if opts.Status != "" {
		query = query.Where("status = ?", opts.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("plugin service: count: %w", err)
	}

	var items []models.Plugin
	if err := query.
		Order("name ASC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&items).Error; err != nil {
		return nil, 0, fmt.Errorf("plugin service: list: %w", err)
	}
	return items, total, nil
}

// ListExecutions returns the run history for one plugin, newest first.
func (s *Service) ListExecutions(ctx context.Context, organizationID, pluginID string, page, pageSize int) ([]models.PluginExecution, int64, error) {
	ctx = ensureContext(ctx)

	plugin, err := s.Get(ctx, organizationID, pluginID)
	if err != nil {
		return nil, 0, err
	}

	pageNum, perPage := clampPage(page, pageSize)
	query := s.db.WithContext(ctx).
		Model(&models.PluginExecution{}).
		Where("plugin_id = ?", plugin.ID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("plugin service: count executions: %w", err)
	}

	var runs []models.PluginExecution
	if err := query.
		Order("created_at DESC").
		Offset((pageNum - 1) * perPage).
		Limit(perPage).
		Find(&runs).Error; err != nil {
		return nil, 0, fmt.Errorf("plugin service: list executions: %w", err)
	}
	return runs, total, nil
}

// DecodeManifest re-parses the stored manifest of an installed plugin.
func DecodeManifest(plugin *models.Plugin) (*Manifest, error) {
	if plugin == nil || len(plugin.Manifest) == 0 {
		return nil, apperrors.NewBadRequest("plugin has no manifest")
	}
	var manifest Manifest
	if err := json.Unmarshal(plugin.Manifest, &manifest); err != nil {
		return nil, fmt.Errorf("decode plugin manifest: %w", err)
	}
	return &manifest, nil
}

// scoped restricts a query to exactly one install scope: the organization's
// own rows, or platform rows when organizationID is empty.
func (s *Service) scoped(organizationID string) *gorm.DB {
	if orgID := strings.TrimSpace(organizationID); orgID != "" {
		return s.db.Where("organization_id = ?", orgID)
	}
	return s.db.Where("organization_id IS NULL")
}

// visible widens a query to everything the organization may see, which
// includes platform plugins.
func (s *Service) visible(organizationID string) *gorm.DB {
	if orgID := strings.TrimSpace(organizationID); orgID != "" {
		return s.db.Where("organization_id = ? OR organization_id IS NULL", orgID)
	}
	return s.db.Where("organization_id IS NULL")
}

func (s *Service) recordAudit(ctx context.Context, plugin *models.Plugin, actorID, action string) {
	if s.audit == nil {
		return
	}
	entry := services.AuditEntry{
		OrganizationID: plugin.OrganizationID,
		Action:         action,
		Resource:       "plugin:" + plugin.ID,
		Result:         "success",
		Metadata: map[string]any{
			"name":    plugin.Name,
			"version": plugin.Version,
		},
	}
	if actorID = strings.TrimSpace(actorID); actorID != "" {
		entry.UserID = &actorID
	}
	if err := s.audit.Log(ctx, entry); err != nil {
		s.log.Warn("failed to write plugin audit entry", zap.Error(err))
	}
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func clampPage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}
	return page, pageSize
}
