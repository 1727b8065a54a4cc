package plugins

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/corvalhq/corval/internal/events"
	"github.com/corvalhq/corval/internal/models"
)

const invoiceSeenSource = `package plugin

import (
	"context"
	"fmt"
)

func Handle(ctx context.Context, event map[string]any) (map[string]any, error) {
	payload, _ := event["payload"].(map[string]any)
	number, _ := payload["number"].(string)
	return map[string]any{"seen": fmt.Sprintf("invoice %s", number)}, nil
}
`

const failingSource = `package plugin

import (
	"context"
	"errors"
)

func Handle(ctx context.Context, event map[string]any) (map[string]any, error) {
	return nil, errors.New("kaput")
}
`

func manifestJSON(t *testing.T, name string, hooks, capabilities []string) json.RawMessage {
	t.Helper()
	payload := map[string]any{
		"name":    name,
		"version": "1.0.0",
		"hooks":   hooks,
	}
	if len(capabilities) > 0 {
		payload["capabilities"] = capabilities
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return raw
}

func installEnabled(t *testing.T, svc *Service, orgID, name, source string, hooks, capabilities []string) *models.Plugin {
	t.Helper()
	ctx := context.Background()

	plugin, err := svc.Install(ctx, InstallInput{
		OrganizationID: orgID,
		Manifest:       manifestJSON(t, name, hooks, capabilities),
		Source:         source,
	})
	require.NoError(t, err)

	enabled, err := svc.Enable(ctx, orgID, plugin.ID, "")
	require.NoError(t, err)
	return enabled
}

func executionsFor(t *testing.T, db *gorm.DB, pluginID string) []models.PluginExecution {
	t.Helper()
	var runs []models.PluginExecution
	require.NoError(t, db.Where("plugin_id = ?", pluginID).Order("created_at ASC").Find(&runs).Error)
	return runs
}

func TestDispatcherRunsHookedEnabledPlugins(t *testing.T) {
	db := openPluginTestDB(t)
	svc := newPluginTestService(t, db)
	ctx := context.Background()

	hooked := installEnabled(t, svc, "org-1", "invoice-echo", invoiceSeenSource, []string{"invoice.paid"}, nil)
	otherHook := installEnabled(t, svc, "org-1", "task-watch", echoPluginSource, []string{"task.completed"}, nil)

	dormant, err := svc.Install(ctx, InstallInput{
		OrganizationID: "org-1",
		Manifest:       manifestJSON(t, "dormant", []string{"invoice.paid"}, nil),
		Source:         invoiceSeenSource,
	})
	require.NoError(t, err)

	dispatcher, err := NewDispatcher(db, NewExecutor(ExecutorConfig{}), nil, nil, DispatcherConfig{})
	require.NoError(t, err)

	dispatcher.HandleEvent(ctx, events.Event{
		Name:           events.InvoicePaid,
		OrganizationID: "org-1",
		ActorID:        "user-9",
		Payload:        map[string]any{"number": "INV-7"},
		OccurredAt:     time.Now().UTC(),
	})

	runs := executionsFor(t, db, hooked.ID)
	require.Len(t, runs, 1)
	run := runs[0]
	require.Equal(t, events.InvoicePaid, run.Event)
	require.Equal(t, "ok", run.Status)
	require.NotEmpty(t, run.RequestID)
	require.Empty(t, run.Error)

	var output map[string]any
	require.NoError(t, json.Unmarshal([]byte(run.Output), &output))
	require.Equal(t, map[string]any{"seen": "invoice INV-7"}, output)

	require.Empty(t, executionsFor(t, db, otherHook.ID))
	require.Empty(t, executionsFor(t, db, dormant.ID), "plugins stay inert until enabled")
}

func TestDispatcherIsolatesFailures(t *testing.T) {
	db := openPluginTestDB(t)
	svc := newPluginTestService(t, db)
	ctx := context.Background()

	failing := installEnabled(t, svc, "org-1", "a-fails", failingSource, []string{"invoice.paid"}, nil)
	working := installEnabled(t, svc, "org-1", "b-works", invoiceSeenSource, []string{"invoice.paid"}, nil)

	dispatcher, err := NewDispatcher(db, NewExecutor(ExecutorConfig{}), nil, nil, DispatcherConfig{})
	require.NoError(t, err)

	dispatcher.HandleEvent(ctx, events.Event{
		Name:           events.InvoicePaid,
		OrganizationID: "org-1",
		Payload:        map[string]any{"number": "INV-1"},
	})

	failedRuns := executionsFor(t, db, failing.ID)
	require.Len(t, failedRuns, 1)
	require.Equal(t, "error", failedRuns[0].Status)
	require.Contains(t, failedRuns[0].Error, "kaput")

	workingRuns := executionsFor(t, db, working.ID)
	require.Len(t, workingRuns, 1, "one plugin's failure must not block the next")
	require.Equal(t, "ok", workingRuns[0].Status)

	var reloaded models.Plugin
	require.NoError(t, db.First(&reloaded, "id = ?", failing.ID).Error)
	require.Contains(t, reloaded.LastError, "kaput")

	require.NoError(t, db.First(&reloaded, "id = ?", working.ID).Error)
	require.Empty(t, reloaded.LastError)
}

func TestDispatcherRecordsTimeouts(t *testing.T) {
	db := openPluginTestDB(t)
	svc := newPluginTestService(t, db)
	ctx := context.Background()

	slowSource := `package plugin

import (
	"context"
	"time"
)

func Handle(ctx context.Context, event map[string]any) (map[string]any, error) {
	time.Sleep(500 * time.Millisecond)
	return nil, nil
}
`
	slow := installEnabled(t, svc, "org-1", "slowpoke", slowSource, []string{"stock.low"}, nil)

	dispatcher, err := NewDispatcher(db, NewExecutor(ExecutorConfig{Timeout: 50 * time.Millisecond}), nil, nil, DispatcherConfig{})
	require.NoError(t, err)

	dispatcher.HandleEvent(ctx, events.Event{
		Name:           events.StockLow,
		OrganizationID: "org-1",
	})

	runs := executionsFor(t, db, slow.ID)
	require.Len(t, runs, 1)
	require.Equal(t, "timeout", runs[0].Status)
	require.Contains(t, runs[0].Error, "deadline exceeded")
}

func TestDispatcherScopesByOrganization(t *testing.T) {
	db := openPluginTestDB(t)
	svc := newPluginTestService(t, db)
	ctx := context.Background()

	platform := installEnabled(t, svc, "", "platform-watch", echoPluginSource, []string{"customer.created"}, nil)
	orgOne := installEnabled(t, svc, "org-1", "org-one-watch", echoPluginSource, []string{"customer.created"}, nil)
	orgTwo := installEnabled(t, svc, "org-2", "org-two-watch", echoPluginSource, []string{"customer.created"}, nil)

	dispatcher, err := NewDispatcher(db, NewExecutor(ExecutorConfig{}), nil, nil, DispatcherConfig{})
	require.NoError(t, err)

	dispatcher.HandleEvent(ctx, events.Event{
		Name:           events.CustomerCreated,
		OrganizationID: "org-1",
	})

	require.Len(t, executionsFor(t, db, platform.ID), 1)
	require.Len(t, executionsFor(t, db, orgOne.ID), 1)
	require.Empty(t, executionsFor(t, db, orgTwo.ID))

	// Events without an organization reach platform plugins only.
	dispatcher.HandleEvent(ctx, events.Event{Name: events.CustomerCreated})
	require.Len(t, executionsFor(t, db, platform.ID), 2)
	require.Len(t, executionsFor(t, db, orgOne.ID), 1)
}

func TestDispatcherBridgesHostNotifications(t *testing.T) {
	db := openPluginTestDB(t)
	svc := newPluginTestService(t, db)
	ctx := context.Background()

	notifySource := `package plugin

import (
	"context"

	"corval/host"
)

func Handle(ctx context.Context, event map[string]any) (map[string]any, error) {
	actor, _ := event["actor_id"].(string)
	if err := host.Notify(actor, "Stock alert", "A product ran low"); err != nil {
		return nil, err
	}
	return map[string]any{"notified": actor}, nil
}
`
	alerter := installEnabled(t, svc, "org-1", "stock-alerter", notifySource, []string{"stock.low"}, []string{"notification.manage"})

	notifier := &fakeNotifier{}
	dispatcher, err := NewDispatcher(db, NewExecutor(ExecutorConfig{}), &fakeDocs{}, notifier, DispatcherConfig{})
	require.NoError(t, err)

	dispatcher.HandleEvent(ctx, events.Event{
		Name:           events.StockLow,
		OrganizationID: "org-1",
		ActorID:        "user-3",
	})

	runs := executionsFor(t, db, alerter.ID)
	require.Len(t, runs, 1)
	require.Equal(t, "ok", runs[0].Status)

	require.Len(t, notifier.calls, 1)
	require.Equal(t, "user-3", notifier.calls[0].UserID)
	require.Equal(t, map[string]any{"plugin": "stock-alerter"}, notifier.calls[0].Metadata)
}

func TestDispatcherSkipsUnregisteredCapabilities(t *testing.T) {
	db := openPluginTestDB(t)
	ctx := context.Background()

	// A manifest can only reference registered permissions at install time,
	// so fabricate a stored row whose capability has since disappeared.
	rogue := models.Plugin{
		OrganizationID: ptr("org-1"),
		Name:           "ghost-caps",
		Version:        "1.0.0",
		Source:         echoPluginSource,
		Manifest:       datatypes.JSON(`{"name":"ghost-caps","version":"1.0.0","capabilities":["ghost.capability"],"hooks":["stock.low"],"entrypoint":"Handle"}`),
		Checksum:       "deadbeef",
		Status:         models.PluginStatusEnabled,
	}
	require.NoError(t, db.Create(&rogue).Error)

	dispatcher, err := NewDispatcher(db, NewExecutor(ExecutorConfig{}), nil, nil, DispatcherConfig{})
	require.NoError(t, err)

	dispatcher.HandleEvent(ctx, events.Event{
		Name:           events.StockLow,
		OrganizationID: "org-1",
	})

	require.Empty(t, executionsFor(t, db, rogue.ID))
}

func TestDispatcherAttachReceivesBusEvents(t *testing.T) {
	db := openPluginTestDB(t)
	svc := newPluginTestService(t, db)

	hooked := installEnabled(t, svc, "org-1", "bus-listener", invoiceSeenSource, []string{"invoice.paid"}, nil)

	dispatcher, err := NewDispatcher(db, NewExecutor(ExecutorConfig{}), nil, nil, DispatcherConfig{})
	require.NoError(t, err)

	bus := events.NewBus(8)
	defer bus.Close()
	detach := dispatcher.Attach(bus)
	defer detach()

	delivered := bus.Publish(events.Event{
		Name:           events.InvoicePaid,
		OrganizationID: "org-1",
		Payload:        map[string]any{"number": "INV-42"},
	})
	require.Equal(t, 1, delivered)

	require.Eventually(t, func() bool {
		return len(executionsFor(t, db, hooked.ID)) == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func ptr(s string) *string {
	return &s
}
