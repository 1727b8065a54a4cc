package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/corvalhq/corval/internal/events"
	"github.com/corvalhq/corval/internal/models"
	"github.com/corvalhq/corval/pkg/logger"
	"github.com/corvalhq/corval/pkg/metrics"
)

const maxRunOutputBytes = 16 * 1024

// RunnerConfig tunes rule execution.
type RunnerConfig struct {
	// MaxConsecutiveFailures disables a rule once it fails this many runs
	// in a row. Zero keeps failing rules enabled forever.
	MaxConsecutiveFailures int
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.MaxConsecutiveFailures < 0 {
		c.MaxConsecutiveFailures = 0
	}
	return c
}

// DefaultMaxConsecutiveFailures is applied by the wiring layer when the
// configuration leaves the threshold unset.
const DefaultMaxConsecutiveFailures = 5

// Runner executes automation rules, either for a bus event or a schedule
// tick. Every run leaves an AutomationRun row and adjusts the rule's
// failure accounting; rules that keep failing are switched off.
type Runner struct {
	db            *gorm.DB
	engine        *Engine
	notifications NotificationCreator
	tasks         TaskCreator
	cfg           RunnerConfig
	log           *zap.Logger
}

// NewRunner wires rule execution. The notification and task arguments
// back the script host functions and may be nil, in which case the
// corresponding calls fail inside the script.
func NewRunner(db *gorm.DB, engine *Engine, notifications NotificationCreator, tasks TaskCreator, cfg RunnerConfig) (*Runner, error) {
	if db == nil {
		return nil, errors.New("automation runner: db is required")
	}
	if engine == nil {
		return nil, errors.New("automation runner: engine is required")
	}
	return &Runner{
		db:            db,
		engine:        engine,
		notifications: notifications,
		tasks:         tasks,
		cfg:           cfg.withDefaults(),
		log:           logger.WithModule("automation.runner"),
	}, nil
}

// Attach subscribes the runner to every event on the bus. The returned
// function detaches it.
func (r *Runner) Attach(bus *events.Bus) func() {
	if bus == nil {
		return func() {}
	}
	return bus.Subscribe(r.HandleEvent)
}

// HandleEvent runs every enabled event rule of the organization whose
// trigger matches. Rules run sequentially; one rule's failure never
// blocks the next.
func (r *Runner) HandleEvent(ctx context.Context, evt events.Event) {
	if evt.OrganizationID == "" {
		return
	}

	var rules []models.AutomationRule
	err := r.db.WithContext(ctx).
		Where("organization_id = ? AND kind = ? AND trigger = ? AND enabled = ?",
			evt.OrganizationID, models.TriggerEvent, evt.Name, true).
		Order("name ASC").
		Find(&rules).Error
	if err != nil {
		r.log.Error("failed to load rules for event",
			zap.String("event", evt.Name),
			zap.Error(err))
		return
	}

	event := map[string]any{
		"name":        evt.Name,
		"actor_id":    evt.ActorID,
		"payload":     evt.Payload,
		"occurred_at": evt.OccurredAt.UTC().Format(time.RFC3339),
	}
	for i := range rules {
		r.Run(ctx, &rules[i], "event", event)
	}
}

// Run executes one rule and records the outcome. The rule struct is
// updated in place with the new failure accounting.
func (r *Runner) Run(ctx context.Context, rule *models.AutomationRule, trigger string, event map[string]any) *models.AutomationRun {
	if ctx == nil {
		ctx = context.Background()
	}

	actions := NewActions(rule.Name, rule.OrganizationID, r.notifications, r.tasks)
	env := Env{OrganizationID: rule.OrganizationID, Event: event}

	started := time.Now().UTC()
	output, runErr := r.engine.Run(ctx, rule.Script, env, actions)
	duration := time.Since(started)

	status := "ok"
	if runErr != nil {
		status = "error"
	}

	run := &models.AutomationRun{
		RuleID:     rule.ID,
		StartedAt:  started,
		DurationMS: duration.Milliseconds(),
		Status:     status,
	}
	if runErr != nil {
		run.Error = runErr.Error()
	} else if len(output) > 0 {
		run.Output = encodeRunOutput(output)
	}
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		r.log.Error("failed to record automation run",
			zap.String("rule", rule.Name),
			zap.Error(err))
	}

	metrics.AutomationRuns.WithLabelValues(trigger, status).Inc()
	r.settle(ctx, rule, started, status, runErr)

	if runErr != nil {
		r.log.Warn("automation rule failed",
			zap.String("rule", rule.Name),
			zap.String("trigger", trigger),
			zap.Int("failures", rule.FailureCount),
			zap.Duration("duration", duration),
			zap.Error(runErr))
	} else {
		r.log.Debug("automation rule finished",
			zap.String("rule", rule.Name),
			zap.String("trigger", trigger),
			zap.Duration("duration", duration))
	}
	return run
}

// settle updates the rule's last-run bookkeeping and disables it when the
// consecutive failure budget is spent.
func (r *Runner) settle(ctx context.Context, rule *models.AutomationRule, ranAt time.Time, status string, runErr error) {
	updates := map[string]any{
		"last_run_at": ranAt,
		"last_status": status,
	}
	rule.LastRunAt = &ranAt
	rule.LastStatus = status

	if runErr != nil {
		failures := rule.FailureCount + 1
		updates["failure_count"] = failures
		updates["last_error"] = runErr.Error()
		rule.FailureCount = failures
		rule.LastError = runErr.Error()

		if r.cfg.MaxConsecutiveFailures > 0 && failures >= r.cfg.MaxConsecutiveFailures {
			updates["enabled"] = false
			rule.Enabled = false
			r.log.Warn("automation rule disabled after repeated failures",
				zap.String("rule", rule.Name),
				zap.Int("failures", failures))
		}
	} else {
		updates["failure_count"] = 0
		updates["last_error"] = ""
		rule.FailureCount = 0
		rule.LastError = ""
	}

	// Updates run against the loaded rule so the model's save validation
	// sees the real kind and trigger.
	if err := r.db.WithContext(ctx).Model(rule).Updates(updates).Error; err != nil {
		r.log.Error("failed to update rule state",
			zap.String("rule", rule.Name),
			zap.Error(err))
	}
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
