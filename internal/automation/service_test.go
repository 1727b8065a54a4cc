package automation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corvalhq/corval/internal/events"
	"github.com/corvalhq/corval/internal/models"
	"github.com/corvalhq/corval/internal/services"
)

type syncCounter struct {
	n int
}

func (s *syncCounter) Resync() error {
	s.n++
	return nil
}

func newTestService(t *testing.T) (*Service, *syncCounter, func() []models.AuditLog) {
	t.Helper()

	db := openAutomationTestDB(t)
	audit, err := services.NewAuditService(db)
	require.NoError(t, err)

	syncer := &syncCounter{}
	svc, err := NewService(db, NewEngine(EngineConfig{}), audit, WithSyncer(syncer))
	require.NoError(t, err)

	auditRows := func() []models.AuditLog {
		var rows []models.AuditLog
		require.NoError(t, db.Order("created_at ASC").Find(&rows).Error)
		return rows
	}
	return svc, syncer, auditRows
}

func TestServiceCreateRule(t *testing.T) {
	svc, syncer, auditRows := newTestService(t)
	ctx := context.Background()

	rule, err := svc.CreateRule(ctx, CreateRuleInput{
		OrganizationID: "org-1",
		Name:           "notify-on-paid",
		Description:    "pings billing",
		Kind:           models.TriggerEvent,
		Trigger:        events.InvoicePaid,
		Script:         `notify(event.actor_id, "Invoice paid", "balance updated")`,
		CreatedBy:      "user-1",
	})
	require.NoError(t, err)
	require.True(t, rule.Enabled)
	require.Equal(t, models.TriggerEvent, rule.Kind)
	require.NotNil(t, rule.CreatedBy)
	require.Equal(t, "user-1", *rule.CreatedBy)
	require.Equal(t, 1, syncer.n)

	scheduled, err := svc.CreateRule(ctx, CreateRuleInput{
		OrganizationID: "org-1",
		Name:           "nightly-digest",
		Kind:           models.TriggerSchedule,
		Trigger:        "0 6 * * *",
		Script:         `output := {ran: true}`,
	})
	require.NoError(t, err)
	require.Equal(t, models.TriggerSchedule, scheduled.Kind)
	require.Equal(t, 2, syncer.n)

	rows := auditRows()
	require.Len(t, rows, 2)
	require.Equal(t, "automation.rule.created", rows[0].Action)
}

func TestServiceCreateRuleValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	base := CreateRuleInput{
		OrganizationID: "org-1",
		Name:           "bad-rule",
		Kind:           models.TriggerEvent,
		Trigger:        events.StockLow,
		Script:         `output := {}`,
	}

	missingOrg := base
	missingOrg.OrganizationID = ""
	_, err := svc.CreateRule(ctx, missingOrg)
	require.Error(t, err)

	unknownEvent := base
	unknownEvent.Trigger = "comet.sighted"
	_, err = svc.CreateRule(ctx, unknownEvent)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown event trigger")

	badCron := base
	badCron.Kind = models.TriggerSchedule
	badCron.Trigger = "every tuesday"
	_, err = svc.CreateRule(ctx, badCron)
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid cron schedule")

	badKind := base
	badKind.Kind = "webhook"
	_, err = svc.CreateRule(ctx, badKind)
	require.Error(t, err)

	badScript := base
	badScript.Script = `output := {`
	_, err = svc.CreateRule(ctx, badScript)
	require.Error(t, err)
	require.Contains(t, err.Error(), "does not compile")
}

func TestServiceCreateRuleDuplicateName(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	input := CreateRuleInput{
		OrganizationID: "org-1",
		Name:           "dup",
		Kind:           models.TriggerEvent,
		Trigger:        events.StockLow,
		Script:         `output := {}`,
	}
	_, err := svc.CreateRule(ctx, input)
	require.NoError(t, err)

	_, err = svc.CreateRule(ctx, input)
	require.ErrorIs(t, err, ErrRuleExists)

	input.OrganizationID = "org-2"
	_, err = svc.CreateRule(ctx, input)
	require.NoError(t, err, "the same name is fine in another organization")
}

func TestServiceUpdateRule(t *testing.T) {
	svc, syncer, _ := newTestService(t)
	ctx := context.Background()

	rule, err := svc.CreateRule(ctx, CreateRuleInput{
		OrganizationID: "org-1",
		Name:           "mutable",
		Kind:           models.TriggerEvent,
		Trigger:        events.StockLow,
		Script:         `output := {}`,
	})
	require.NoError(t, err)
	syncsAfterCreate := syncer.n

	// Flip the rule to a schedule.
	kind := models.TriggerSchedule
	trigger := "@hourly"
	updated, err := svc.UpdateRule(ctx, "org-1", rule.ID, UpdateRuleInput{
		Kind:    &kind,
		Trigger: &trigger,
	}, "user-1")
	require.NoError(t, err)
	require.Equal(t, models.TriggerSchedule, updated.Kind)
	require.Equal(t, "@hourly", updated.Trigger)
	require.Equal(t, syncsAfterCreate+1, syncer.n)

	// A broken replacement script is rejected before touching the rule.
	badScript := `output := {`
	_, err = svc.UpdateRule(ctx, "org-1", rule.ID, UpdateRuleInput{Script: &badScript}, "user-1")
	require.Error(t, err)

	// Disabling and re-enabling clears the failure budget.
	require.NoError(t, svc.db.Model(updated).Updates(map[string]any{
		"failure_count": 4,
		"last_error":    "boom",
		"enabled":       false,
	}).Error)

	enabled := true
	updated, err = svc.UpdateRule(ctx, "org-1", rule.ID, UpdateRuleInput{Enabled: &enabled}, "user-1")
	require.NoError(t, err)
	require.True(t, updated.Enabled)
	require.Zero(t, updated.FailureCount)
	require.Empty(t, updated.LastError)

	var reloaded models.AutomationRule
	require.NoError(t, svc.db.First(&reloaded, "id = ?", rule.ID).Error)
	require.Zero(t, reloaded.FailureCount)
	require.Empty(t, reloaded.LastError)

	// Renaming onto an existing rule collides.
	_, err = svc.CreateRule(ctx, CreateRuleInput{
		OrganizationID: "org-1",
		Name:           "taken",
		Kind:           models.TriggerEvent,
		Trigger:        events.StockLow,
		Script:         `output := {}`,
	})
	require.NoError(t, err)
	taken := "taken"
	_, err = svc.UpdateRule(ctx, "org-1", rule.ID, UpdateRuleInput{Name: &taken}, "user-1")
	require.ErrorIs(t, err, ErrRuleExists)

	// Rules are invisible across organizations.
	_, err = svc.UpdateRule(ctx, "org-2", rule.ID, UpdateRuleInput{Enabled: &enabled}, "user-1")
	require.ErrorIs(t, err, ErrRuleNotFound)
}

func TestServiceDeleteRuleCascades(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	rule, err := svc.CreateRule(ctx, CreateRuleInput{
		OrganizationID: "org-1",
		Name:           "short-lived",
		Kind:           models.TriggerEvent,
		Trigger:        events.StockLow,
		Script:         `output := {}`,
	})
	require.NoError(t, err)

	require.NoError(t, svc.db.Create(&models.AutomationRun{
		RuleID: rule.ID,
		Status: "ok",
	}).Error)

	require.NoError(t, svc.DeleteRule(ctx, "org-1", rule.ID, "user-1"))

	var rules, runs int64
	require.NoError(t, svc.db.Model(&models.AutomationRule{}).Count(&rules).Error)
	require.NoError(t, svc.db.Model(&models.AutomationRun{}).Count(&runs).Error)
	require.Zero(t, rules)
	require.Zero(t, runs)

	require.ErrorIs(t, svc.DeleteRule(ctx, "org-1", rule.ID, "user-1"), ErrRuleNotFound)
}

func TestServiceListRulesAndRuns(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	eventRule, err := svc.CreateRule(ctx, CreateRuleInput{
		OrganizationID: "org-1",
		Name:           "a-event",
		Kind:           models.TriggerEvent,
		Trigger:        events.StockLow,
		Script:         `output := {}`,
	})
	require.NoError(t, err)

	_, err = svc.CreateRule(ctx, CreateRuleInput{
		OrganizationID: "org-1",
		Name:           "b-schedule",
		Kind:           models.TriggerSchedule,
		Trigger:        "@daily",
		Script:         `output := {}`,
	})
	require.NoError(t, err)

	all, total, err := svc.ListRules(ctx, "org-1", ListRulesOptions{})
	require.NoError(t, err)
	require.EqualValues(t, 2, total)
	require.Equal(t, "a-event", all[0].Name)

	scheduled, total, err := svc.ListRules(ctx, "org-1", ListRulesOptions{Kind: models.TriggerSchedule})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Equal(t, "b-schedule", scheduled[0].Name)

	_, total, err = svc.ListRules(ctx, "org-2", ListRulesOptions{})
	require.NoError(t, err)
	require.Zero(t, total)

	require.NoError(t, svc.db.Create(&models.AutomationRun{RuleID: eventRule.ID, Status: "ok"}).Error)
	require.NoError(t, svc.db.Create(&models.AutomationRun{RuleID: eventRule.ID, Status: "error", Error: "boom"}).Error)

	runs, total, err := svc.ListRuns(ctx, "org-1", eventRule.ID, 1, 10)
	require.NoError(t, err)
	require.EqualValues(t, 2, total)
	require.Len(t, runs, 2)

	_, _, err = svc.ListRuns(ctx, "org-2", eventRule.ID, 1, 10)
	require.ErrorIs(t, err, ErrRuleNotFound)
}
