package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/corvalhq/corval/internal/events"
	"github.com/corvalhq/corval/internal/models"
	"github.com/corvalhq/corval/internal/permissions"
	apperrors "github.com/corvalhq/corval/pkg/errors"
	"github.com/corvalhq/corval/pkg/logger"
	"github.com/corvalhq/corval/pkg/metrics"
)

const maxRunOutputBytes = 16 * 1024

// DispatcherConfig tunes hook dispatch.
type DispatcherConfig struct {
	// NodeID seeds the snowflake generator for run request ids.
	NodeID int64
}

// Dispatcher runs enabled plugins against bus events. Plugins whose
// manifest lists the event run sequentially; one plugin's failure never
// blocks the others, and every run leaves an execution row.
type Dispatcher struct {
	db            *gorm.DB
	executor      *Executor
	documents     DocumentSearcher
	notifications NotificationCreator
	node          *snowflake.Node
	log           *zap.Logger
}

// NewDispatcher wires hook dispatch. The document and notification
// arguments back the host facade and may be nil, in which case the
// corresponding host calls report unavailability.
func NewDispatcher(db *gorm.DB, executor *Executor, documents DocumentSearcher, notifications NotificationCreator, cfg DispatcherConfig) (*Dispatcher, error) {
	if db == nil {
		return nil, errors.New("plugin dispatcher: db is required")
	}
	if executor == nil {
		return nil, errors.New("plugin dispatcher: executor is required")
	}
	if cfg.NodeID == 0 {
		cfg.NodeID = 1
	}
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("plugin dispatcher: snowflake node: %w", err)
	}
	return &Dispatcher{
		db:            db,
		executor:      executor,
		documents:     documents,
		notifications: notifications,
		node:          node,
		log:           logger.WithModule("plugins.dispatcher"),
	}, nil
}

// Attach subscribes the dispatcher to every event on the bus. The returned
// function detaches it.
func (d *Dispatcher) Attach(bus *events.Bus) func() {
	if bus == nil {
		return func() {}
	}
	return bus.Subscribe(d.HandleEvent)
}

// HandleEvent runs each enabled plugin hooked on the event.
func (d *Dispatcher) HandleEvent(ctx context.Context, evt events.Event) {
	candidates, err := d.enabledFor(ctx, evt.OrganizationID)
	if err != nil {
		d.log.Error("failed to load plugins for event",
			zap.String("event", evt.Name),
			zap.Error(err))
		return
	}

	for i := range candidates {
		plugin := &candidates[i]
		manifest, err := DecodeManifest(plugin)
		if err != nil {
			d.log.Warn("skipping plugin with unreadable manifest",
				zap.String("plugin", plugin.Name),
				zap.Error(err))
			continue
		}
		if !manifest.HandlesEvent(evt.Name) {
			continue
		}
		if missing := unregisteredCapability(manifest); missing != "" {
			d.log.Warn("skipping plugin with unregistered capability",
				zap.String("plugin", plugin.Name),
				zap.String("capability", missing))
			continue
		}
		d.run(ctx, plugin, manifest, evt)
	}
}

// enabledFor returns enabled plugins installed for the organization plus
// enabled platform plugins. Events without an organization reach platform
// plugins only.
func (d *Dispatcher) enabledFor(ctx context.Context, organizationID string) ([]models.Plugin, error) {
	query := d.db.WithContext(ctx).Where("status = ?", models.PluginStatusEnabled)
	if organizationID != "" {
		query = query.Where("organization_id = ? OR organization_id IS NULL", organizationID)
	} else {
		query = query.Where("organization_id IS NULL")
	}

	var items []models.Plugin
	if err := query.Order("name ASC").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("list enabled plugins: %w", err)
	}
	return items, nil
}

// RunManual executes one plugin immediately with a synthetic event, outside
// hook dispatch. The run is recorded like any other. Disabled plugins are
// rejected so manual runs cannot bypass the lifecycle.
func (d *Dispatcher) RunManual(ctx context.Context, plugin *models.Plugin, organizationID, actorID string, payload map[string]any) (*models.PluginExecution, error) {
	if plugin == nil {
		return nil, errors.New("plugin dispatcher: plugin is required")
	}
	if !plugin.Runnable() {
		return nil, apperrors.ErrPluginDisabled
	}
	manifest, err := DecodeManifest(plugin)
	if err != nil {
		return nil, err
	}
	if missing := unregisteredCapability(manifest); missing != "" {
		return nil, apperrors.NewBadRequest(fmt.Sprintf("manifest requests unregistered capability %q", missing))
	}

	return d.run(ctx, plugin, manifest, events.Event{
		Name:           "manual.run",
		OrganizationID: organizationID,
		ActorID:        actorID,
		Payload:        payload,
		OccurredAt:     time.Now().UTC(),
	}), nil
}

func (d *Dispatcher) run(ctx context.Context, plugin *models.Plugin, manifest *Manifest, evt events.Event) *models.PluginExecution {
	requestID := d.node.Generate().String()
	host := NewHostAPI(plugin.Name, evt.OrganizationID, manifest.Capabilities, d.documents, d.notifications)

	event := map[string]any{
		"name":            evt.Name,
		"organization_id": evt.OrganizationID,
		"actor_id":        evt.ActorID,
		"payload":         evt.Payload,
		"occurred_at":     evt.OccurredAt.UTC().Format(time.RFC3339),
	}

	started := time.Now()
	output, runErr := d.executor.Execute(ctx, plugin.Source, manifest.Entrypoint, event, host)
	duration := time.Since(started)

	status := "ok"
	if runErr != nil {
		status = "error"
		if errors.Is(runErr, context.DeadlineExceeded) {
			status = "timeout"
		}
	}

	execution := models.PluginExecution{
		PluginID:   plugin.ID,
		Event:      evt.Name,
		RequestID:  requestID,
		DurationMS: duration.Milliseconds(),
		Status:     status,
	}
	if runErr != nil {
		execution.Error = runErr.Error()
	} else if len(output) > 0 {
		execution.Output = encodeRunOutput(output)
	}

	if err := d.db.WithContext(ctx).Create(&execution).Error; err != nil {
		d.log.Error("failed to record plugin execution",
			zap.String("plugin", plugin.Name),
			zap.Error(err))
	}

	metrics.PluginExecutions.WithLabelValues(plugin.Name, status).Inc()

	lastError := ""
	if runErr != nil {
		lastError = runErr.Error()
	}
	if plugin.LastError != lastError {
		if err := d.db.WithContext(ctx).
			Model(&models.Plugin{}).
			Where("id = ?", plugin.ID).
			Update("last_error", lastError).Error; err != nil {
			d.log.Error("failed to update plugin last error",
				zap.String("plugin", plugin.Name),
				zap.Error(err))
		}
	}

	if runErr != nil {
		d.log.Warn("plugin run failed",
			zap.String("plugin", plugin.Name),
			zap.String("event", evt.Name),
			zap.String("request_id", requestID),
			zap.String("status", status),
			zap.Duration("duration", duration),
			zap.Error(runErr))
		return &execution
	}
	d.log.Debug("plugin run finished",
		zap.String("plugin", plugin.Name),
		zap.String("event", evt.Name),
		zap.String("request_id", requestID),
		zap.Duration("duration", duration))
	return &execution
}

func encodeRunOutput(output map[string]any) string {
	raw, err := json.Marshal(output)
	if err != nil {
		return fmt.Sprintf(`{"encode_error":%q}`, err.Error())
	}
	if len(raw) > maxRunOutputBytes {
		raw = raw[:maxRunOutputBytes]
	}
	return string(raw)
}

func unregisteredCapability(manifest *Manifest) string {
	for _, capability := range manifest.Capabilities {
		if _, ok := permissions.Get(capability); !ok {
			return capability
		}
	}
	return ""
}
