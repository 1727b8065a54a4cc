package plugins

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/corvalhq/corval/internal/models"
	"github.com/corvalhq/corval/internal/services"
)

func openPluginTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&models.Plugin{},
		&models.PluginExecution{},
		&models.AuditLog{},
	))

	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func newPluginTestService(t *testing.T, db *gorm.DB) *Service {
	t.Helper()

	audit, err := services.NewAuditService(db)
	require.NoError(t, err)

	svc, err := NewService(db, NewExecutor(ExecutorConfig{}), audit)
	require.NoError(t, err)
	return svc
}

func stockWatcherManifest(t *testing.T) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"name":         "stock-watcher",
		"version":      "1.0.0",
		"description":  "Flags low stock",
		"author":       "Acme Labs",
		"capabilities": []string{"notification.manage"},
		"hooks":        []string{"stock.low"},
	})
	require.NoError(t, err)
	return raw
}

func TestPluginServiceInstall(t *testing.T) {
	db := openPluginTestDB(t)
	svc := newPluginTestService(t, db)
	ctx := context.Background()

	plugin, err := svc.Install(ctx, InstallInput{
		OrganizationID: "org-1",
		Manifest:       stockWatcherManifest(t),
		Source:         echoPluginSource,
		InstalledBy:    "user-1",
	})
	require.NoError(t, err)

	require.Equal(t, "stock-watcher", plugin.Name)
	require.Equal(t, "1.0.0", plugin.Version)
	require.Equal(t, models.PluginStatusInstalled, plugin.Status)
	require.False(t, plugin.Runnable())
	require.NotNil(t, plugin.OrganizationID)
	require.Equal(t, "org-1", *plugin.OrganizationID)
	require.NotNil(t, plugin.InstalledBy)
	require.Equal(t, "user-1", *plugin.InstalledBy)

	sum := sha256.Sum256([]byte(echoPluginSource))
	require.Equal(t, hex.EncodeToString(sum[:]), plugin.Checksum)

	stored, err := DecodeManifest(plugin)
	require.NoError(t, err)
	require.Equal(t, []string{"stock.low"}, stored.Hooks)
	require.Equal(t, DefaultEntrypoint, stored.Entrypoint)

	var audits []models.AuditLog
	require.NoError(t, db.Where("action = ?", "plugin.installed").Find(&audits).Error)
	require.Len(t, audits, 1)
	require.Equal(t, "plugin:"+plugin.ID, audits[0].Resource)
}

func TestPluginServiceInstallRejectsBadSource(t *testing.T) {
	db := openPluginTestDB(t)
	svc := newPluginTestService(t, db)
	ctx := context.Background()

	forbidden := `package plugin

import (
	"context"
	"os/exec"
)

func Handle(ctx context.Context, event map[string]any) (map[string]any, error) {
	_ = exec.Command
	return nil, nil
}
`
	_, err := svc.Install(ctx, InstallInput{
		OrganizationID: "org-1",
		Manifest:       stockWatcherManifest(t),
		Source:         forbidden,
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "forbidden imports")

	_, err = svc.Install(ctx, InstallInput{
		OrganizationID: "org-1",
		Manifest:       stockWatcherManifest(t),
		Source:         "",
	})
	require.Error(t, err)

	var count int64
	require.NoError(t, db.Model(&models.Plugin{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestPluginServiceInstallRejectsMissingEntrypoint(t *testing.T) {
	db := openPluginTestDB(t)
	svc := newPluginTestService(t, db)

	raw, err := json.Marshal(map[string]any{
		"name":       "renamed-entry",
		"version":    "1.0.0",
		"hooks":      []string{"stock.low"},
		"entrypoint": "Process",
	})
	require.NoError(t, err)

	_, err = svc.Install(context.Background(), InstallInput{
		OrganizationID: "org-1",
		Manifest:       raw,
		Source:         echoPluginSource,
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "entrypoint Process not found")
}

func TestPluginServiceInstallDuplicateName(t *testing.T) {
	db := openPluginTestDB(t)
	svc := newPluginTestService(t, db)
	ctx := context.Background()

	install := func(orgID string) error {
		_, err := svc.Install(ctx, InstallInput{
			OrganizationID: orgID,
			Manifest:       stockWatcherManifest(t),
			Source:         echoPluginSource,
		})
		return err
	}

	require.NoError(t, install("org-1"))
	require.ErrorIs(t, install("org-1"), ErrPluginExists)

	// Same name in another organization and at platform scope is fine.
	require.NoError(t, install("org-2"))
	require.NoError(t, install(""))
	require.ErrorIs(t, install(""), ErrPluginExists)
}

func TestPluginServiceLifecycle(t *testing.T) {
	db := openPluginTestDB(t)
	svc := newPluginTestService(t, db)
	ctx := context.Background()

	installed, err := svc.Install(ctx, InstallInput{
		OrganizationID: "org-1",
		Manifest:       stockWatcherManifest(t),
		Source:         echoPluginSource,
	})
	require.NoError(t, err)

	enabled, err := svc.Enable(ctx, "org-1", installed.ID, "user-1")
	require.NoError(t, err)
	require.Equal(t, models.PluginStatusEnabled, enabled.Status)
	require.True(t, enabled.Runnable())
	require.NotNil(t, enabled.EnabledAt)

	disabled, err := svc.Disable(ctx, "org-1", installed.ID, "user-1")
	require.NoError(t, err)
	require.Equal(t, models.PluginStatusDisabled, disabled.Status)
	require.False(t, disabled.Runnable())
	require.Nil(t, disabled.EnabledAt)

	var actions []string
	var audits []models.AuditLog
	require.NoError(t, db.Order("created_at ASC").Find(&audits).Error)
	for _, entry := range audits {
		actions = append(actions, entry.Action)
	}
	require.Equal(t, []string{"plugin.installed", "plugin.enabled", "plugin.disabled"}, actions)
}

func TestPluginServiceGetScoping(t *testing.T) {
	db := openPluginTestDB(t)
	svc := newPluginTestService(t, db)
	ctx := context.Background()

	orgPlugin, err := svc.Install(ctx, InstallInput{
		OrganizationID: "org-1",
		Manifest:       stockWatcherManifest(t),
		Source:         echoPluginSource,
	})
	require.NoError(t, err)

	platformManifest, err := json.Marshal(map[string]any{
		"name":    "platform-auditor",
		"version": "0.1.0",
		"hooks":   []string{"auth.user_locked"},
	})
	require.NoError(t, err)
	platformPlugin, err := svc.Install(ctx, InstallInput{
		Manifest: platformManifest,
		Source:   echoPluginSource,
	})
	require.NoError(t, err)
	require.Nil(t, platformPlugin.OrganizationID)

	// Plugins stay invisible outside their organization.
	_, err = svc.Get(ctx, "org-2", orgPlugin.ID)
	require.ErrorIs(t, err, ErrPluginNotFound)

	// Platform plugins are visible from every organization.
	got, err := svc.Get(ctx, "org-2", platformPlugin.ID)
	require.NoError(t, err)
	require.Equal(t, "platform-auditor", got.Name)

	items, total, err := svc.List(ctx, "org-1", ListOptions{})
	require.NoError(t, err)
	require.EqualValues(t, 2, total)
	names := []string{items[0].Name, items[1].Name}
	require.Equal(t, []string{"platform-auditor", "stock-watcher"}, names)

	items, total, err = svc.List(ctx, "org-2", ListOptions{})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Equal(t, "platform-auditor", items[0].Name)

	_, total, err = svc.List(ctx, "org-1", ListOptions{Status: models.PluginStatusEnabled})
	require.NoError(t, err)
	require.Zero(t, total)
}

func TestPluginServiceUninstallRemovesExecutions(t *testing.T) {
	db := openPluginTestDB(t)
	svc := newPluginTestService(t, db)
	ctx := context.Background()

	plugin, err := svc.Install(ctx, InstallInput{
		OrganizationID: "org-1",
		Manifest:       stockWatcherManifest(t),
		Source:         echoPluginSource,
	})
	require.NoError(t, err)

	require.NoError(t, db.Create(&models.PluginExecution{
		PluginID: plugin.ID,
		Event:    "stock.low",
		Status:   "ok",
	}).Error)

	require.NoError(t, svc.Uninstall(ctx, "org-1", plugin.ID, "user-1"))

	var plugins, executions int64
	require.NoError(t, db.Model(&models.Plugin{}).Count(&plugins).Error)
	require.NoError(t, db.Model(&models.PluginExecution{}).Count(&executions).Error)
	require.Zero(t, plugins)
	require.Zero(t, executions)

	require.ErrorIs(t, svc.Uninstall(ctx, "org-1", plugin.ID, "user-1"), ErrPluginNotFound)
}
