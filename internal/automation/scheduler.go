package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/corvalhq/corval/internal/models"
	"github.com/corvalhq/corval/pkg/logger"
)

// Scheduler keeps the cron registry in step with the enabled schedule
// rules. Resync is called after every rule mutation; a fired entry
// re-reads its rule so a rule disabled between syncs still never runs.
type Scheduler struct {
	db     *gorm.DB
	runner *Runner
	cron   *cron.Cron
	log    *zap.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
	specs   map[string]string
}

// SchedulerOption customises the Scheduler.
type SchedulerOption func(*Scheduler)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) SchedulerOption {
	return func(s *Scheduler) {
		if c != nil {
			s.cron = c
		}
	}
}

// NewScheduler builds the schedule registry.
func NewScheduler(db *gorm.DB, runner *Runner, opts ...SchedulerOption) (*Scheduler, error) {
	if db == nil {
		return nil, errors.New("automation scheduler: db is required")
	}
	if runner == nil {
		return nil, errors.New("automation scheduler: runner is required")
	}

	scheduler := &Scheduler{
		db:      db,
		runner:  runner,
		entries: make(map[string]cron.EntryID),
		specs:   make(map[string]string),
		log:     logger.WithModule("automation.scheduler"),
	}
	for _, opt := range opts {
		opt(scheduler)
	}
	if scheduler.cron == nil {
		scheduler.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}
	return scheduler, nil
}

// Start loads the current schedule rules and begins firing them.
func (s *Scheduler) Start() error {
	if err := s.Resync(); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any running jobs to complete.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Resync reconciles cron entries against the enabled schedule rules:
// new rules gain entries, retriggered rules are re-registered, and
// removed or disabled rules lose theirs.
func (s *Scheduler) Resync() error {
	var rules []models.AutomationRule
	if err := s.db.
		Where("kind = ? AND enabled = ?", models.TriggerSchedule, true).
		Find(&rules).Error; err != nil {
		return fmt.Errorf("automation scheduler: load rules: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(rules))
	for _, rule := range rules {
		seen[rule.ID] = struct{}{}
		if spec, ok := s.specs[rule.ID]; ok && spec == rule.Trigger {
			continue
		}
		if entry, ok := s.entries[rule.ID]; ok {
			s.cron.Remove(entry)
			delete(s.entries, rule.ID)
			delete(s.specs, rule.ID)
		}

		ruleID := rule.ID
		entry, err := s.cron.AddFunc(rule.Trigger, func() { s.fire(ruleID) })
		if err != nil {
			s.log.Warn("rule has an invalid schedule",
				zap.String("rule", rule.Name),
				zap.String("trigger", rule.Trigger),
				zap.Error(err))
			continue
		}
		s.entries[rule.ID] = entry
		s.specs[rule.ID] = rule.Trigger
	}

	for id, entry := range s.entries {
		if _, ok := seen[id]; !ok {
			s.cron.Remove(entry)
			delete(s.entries, id)
			delete(s.specs, id)
		}
	}
	return nil
}

// Scheduled reports whether a rule currently holds a cron entry.
func (s *Scheduler) Scheduled(ruleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[ruleID]
	return ok
}

func (s *Scheduler) fire(ruleID string) {
	ctx := context.Background()

	var rule models.AutomationRule
	err := s.db.WithContext(ctx).First(&rule, "id = ?", ruleID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return
	}
	if err != nil {
		s.log.Error("failed to load scheduled rule", zap.Error(err))
		return
	}
	if !rule.Enabled || rule.Kind != models.TriggerSchedule {
		return
	}

	event := map[string]any{
		"name":     "schedule",
		"trigger":  rule.Trigger,
		"fired_at": time.Now().UTC().Format(time.RFC3339),
	}
	s.runner.Run(ctx, &rule, "schedule", event)
}
