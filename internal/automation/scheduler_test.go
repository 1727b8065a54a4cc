package automation

import (
	"testing"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"

	"github.com/corvalhq/corval/internal/events"
	"github.com/corvalhq/corval/internal/models"
)

func TestSchedulerResyncTracksScheduleRules(t *testing.T) {
	db := openAutomationTestDB(t)
	runner, err := NewRunner(db, NewEngine(EngineConfig{}), nil, nil, RunnerConfig{})
	require.NoError(t, err)

	scheduler, err := NewScheduler(db, runner, WithCron(cron.New(cron.WithLogger(cron.DiscardLogger))))
	require.NoError(t, err)

	hourly := seedRule(t, db, "org-1", "hourly-digest", models.TriggerSchedule, "@hourly", `output := {}`, true)
	disabled := seedRule(t, db, "org-1", "paused", models.TriggerSchedule, "@daily", `output := {}`, false)
	eventKind := seedRule(t, db, "org-1", "on-event", models.TriggerEvent, events.StockLow, `output := {}`, true)

	require.NoError(t, scheduler.Resync())
	require.True(t, scheduler.Scheduled(hourly.ID))
	require.False(t, scheduler.Scheduled(disabled.ID))
	require.False(t, scheduler.Scheduled(eventKind.ID))

	// A disabled rule loses its entry on the next sync.
	require.NoError(t, db.Model(hourly).Update("enabled", false).Error)
	require.NoError(t, scheduler.Resync())
	require.False(t, scheduler.Scheduled(hourly.ID))

	// Re-enabled with a new spec, it comes back under that spec.
	require.NoError(t, db.Model(hourly).Updates(map[string]any{
		"enabled": true,
		"trigger": "*/5 * * * *",
	}).Error)
	require.NoError(t, scheduler.Resync())
	require.True(t, scheduler.Scheduled(hourly.ID))

	scheduler.mu.Lock()
	require.Equal(t, "*/5 * * * *", scheduler.specs[hourly.ID])
	scheduler.mu.Unlock()

	// Deleted rules are pruned.
	require.NoError(t, db.Delete(&models.AutomationRule{}, "id = ?", hourly.ID).Error)
	require.NoError(t, scheduler.Resync())
	require.False(t, scheduler.Scheduled(hourly.ID))
}

func TestSchedulerFireRechecksRuleState(t *testing.T) {
	db := openAutomationTestDB(t)
	runner, err := NewRunner(db, NewEngine(EngineConfig{}), nil, nil, RunnerConfig{})
	require.NoError(t, err)

	scheduler, err := NewScheduler(db, runner, WithCron(cron.New(cron.WithLogger(cron.DiscardLogger))))
	require.NoError(t, err)

	rule := seedRule(t, db, "org-1", "tick", models.TriggerSchedule, "@hourly", `output := {tick: true}`, false)

	// A stale entry firing for a disabled rule does nothing.
	scheduler.fire(rule.ID)
	require.Empty(t, runsFor(t, db, rule.ID))

	require.NoError(t, db.Model(rule).Update("enabled", true).Error)
	scheduler.fire(rule.ID)

	runs := runsFor(t, db, rule.ID)
	require.Len(t, runs, 1)
	require.Equal(t, "ok", runs[0].Status)

	// Unknown ids are ignored.
	scheduler.fire("no-such-rule")
}

func TestSchedulerStartStop(t *testing.T) {
	db := openAutomationTestDB(t)
	runner, err := NewRunner(db, NewEngine(EngineConfig{}), nil, nil, RunnerConfig{})
	require.NoError(t, err)

	scheduler, err := NewScheduler(db, runner)
	require.NoError(t, err)

	seedRule(t, db, "org-1", "quiet", models.TriggerSchedule, "@hourly", `output := {}`, true)

	require.NoError(t, scheduler.Start())
	<-scheduler.Stop().Done()
}
