package automation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/corvalhq/corval/internal/events"
	"github.com/corvalhq/corval/internal/models"
	"github.com/corvalhq/corval/internal/services"
	apperrors "github.com/corvalhq/corval/pkg/errors"
	"github.com/corvalhq/corval/pkg/logger"
)

var (
	// ErrRuleNotFound is returned when a rule does not exist in the caller's
	// organization.
	ErrRuleNotFound = apperrors.New("AUTOMATION_RULE_NOT_FOUND", "automation rule not found", http.StatusNotFound)
	// ErrRuleExists is returned when the organization already has a rule
	// with the same name.
	ErrRuleExists = apperrors.New("AUTOMATION_RULE_EXISTS", "an automation rule with this name already exists", http.StatusConflict)
)

// RuleSyncer is notified after rule mutations so schedule entries reload.
type RuleSyncer interface {
	Resync() error
}

// Service manages automation rules: CRUD with trigger and script
// validation at save time, plus the run history.
type Service struct {
	db     *gorm.DB
	engine *Engine
	audit  *services.AuditService
	syncer RuleSyncer
	log    *zap.Logger
}

// ServiceOption customises the Service.
type ServiceOption func(*Service)

// WithSyncer wires the scheduler so saved rules take effect immediately.
func WithSyncer(syncer RuleSyncer) ServiceOption {
	return func(s *Service) {
		if syncer != nil {
			s.syncer = syncer
		}
	}
}

// NewService creates the rule service.
func NewService(db *gorm.DB, engine *Engine, audit *services.AuditService, opts ...ServiceOption) (*Service, error) {
	if db == nil {
		return nil, errors.New("automation service: db is required")
	}
	if engine == nil {
		return nil, errors.New("automation service: engine is required")
	}
	svc := &Service{
		db:     db,
		engine: engine,
		audit:  audit,
		log:    logger.WithModule("automation"),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// CreateRuleInput carries a new rule.
type CreateRuleInput struct {
	OrganizationID string
	Name           string
	Description    string
	Kind           models.AutomationTriggerKind
	Trigger        string
	Script         string
	CreatedBy      string
}

// CreateRule validates the trigger and compiles the script before
// persisting. New rules start enabled.
func (s *Service) CreateRule(ctx context.Context, input CreateRuleInput) (*models.AutomationRule, error) {
	ctx = ensureContext(ctx)

	organizationID := strings.TrimSpace(input.OrganizationID)
	if organizationID == "" {
		return nil, apperrors.NewBadRequest("organization id is required")
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, apperrors.NewBadRequest("rule name is required")
	}
	trigger := strings.TrimSpace(input.Trigger)
	if err := validateTrigger(input.Kind, trigger); err != nil {
		return nil, err
	}
	if err := s.engine.CheckScript(input.Script); err != nil {
		return nil, err
	}

	var existing int64
	if err := s.db.WithContext(ctx).
		Model(&models.AutomationRule{}).
		Where("organization_id = ? AND name = ?", organizationID, name).
		Count(&existing).Error; err != nil {
		return nil, fmt.Errorf("automation service: check existing: %w", err)
	}
	if existing > 0 {
		return nil, ErrRuleExists
	}

	rule := models.AutomationRule{
		OrganizationID: organizationID,
		Name:           name,
		Description:    strings.TrimSpace(input.Description),
		Kind:           input.Kind,
		Trigger:        trigger,
		Script:         input.Script,
		Enabled:        true,
	}
	if creator := strings.TrimSpace(input.CreatedBy); creator != "" {
		rule.CreatedBy = &creator
	}

	if err := s.db.WithContext(ctx).Create(&rule).Error; err != nil {
		return nil, fmt.Errorf("automation service: create rule: %w", err)
	}

	s.recordAudit(ctx, &rule, input.CreatedBy, "automation.rule.created")
	s.resync()
	s.log.Info("automation rule created",
		zap.String("rule", rule.Name),
		zap.String("kind", string(rule.Kind)),
		zap.String("trigger", rule.Trigger))
	return &rule, nil
}

// UpdateRuleInput describes mutable rule fields. Nil fields stay as they
// are.
type UpdateRuleInput struct {
	Name        *string
	Description *string
	Kind        *models.AutomationTriggerKind
	Trigger     *string
	Script      *string
	Enabled     *bool
}

// UpdateRule applies the changes after re-validating the effective
// trigger and script. Re-enabling a rule resets its failure budget.
func (s *Service) UpdateRule(ctx context.Context, organizationID, id string, input UpdateRuleInput, actorID string) (*models.AutomationRule, error) {
	ctx = ensureContext(ctx)

	rule, err := s.GetRule(ctx, organizationID, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}

	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if name == "" {
			return nil, apperrors.NewBadRequest("rule name is required")
		}
		if name != rule.Name {
			var existing int64
			if err := s.db.WithContext(ctx).
				Model(&models.AutomationRule{}).
				Where("organization_id = ? AND name = ? AND id <> ?", organizationID, name, rule.ID).
				Count(&existing).Error; err != nil {
				return nil, fmt.Errorf("automation service: check existing: %w", err)
			}
			if existing > 0 {
				return nil, ErrRuleExists
			}
			updates["name"] = name
			rule.Name = name
		}
	}
	if input.Description != nil {
		description := strings.TrimSpace(*input.Description)
		updates["description"] = description
		rule.Description = description
	}

	kind := rule.Kind
	if input.Kind != nil {
		kind = *input.Kind
	}
	trigger := rule.Trigger
	if input.Trigger != nil {
		trigger = strings.TrimSpace(*input.Trigger)
	}
	if kind != rule.Kind || trigger != rule.Trigger {
		if err := validateTrigger(kind, trigger); err != nil {
			return nil, err
		}
		updates["kind"] = kind
		updates["trigger"] = trigger
		rule.Kind = kind
		rule.Trigger = trigger
	}

	if input.Script != nil {
		if err := s.engine.CheckScript(*input.Script); err != nil {
			return nil, err
		}
		updates["script"] = *input.Script
		rule.Script = *input.Script
	}

	if input.Enabled != nil && *input.Enabled != rule.Enabled {
		updates["enabled"] = *input.Enabled
		rule.Enabled = *input.Enabled
		if *input.Enabled {
			updates["failure_count"] = 0
			updates["last_error"] = ""
			rule.FailureCount = 0
			rule.LastError = ""
		}
	}

	if len(updates) == 0 {
		return rule, nil
	}

	if err := s.db.WithContext(ctx).Model(rule).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("automation service: update rule: %w", err)
	}

	s.recordAudit(ctx, rule, actorID, "automation.rule.updated")
	s.resync()
	return rule, nil
}

// DeleteRule removes the rule together with its run history.
func (s *Service) DeleteRule(ctx context.Context, organizationID, id, actorID string) error {
	ctx = ensureContext(ctx)

	rule, err := s.GetRule(ctx, organizationID, id)
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("rule_id = ?", rule.ID).Delete(&models.AutomationRun{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.AutomationRule{}, "id = ?", rule.ID).Error
	})
	if err != nil {
		return fmt.Errorf("automation service: delete rule: %w", err)
	}

	s.recordAudit(ctx, rule, actorID, "automation.rule.deleted")
	s.resync()
	return nil
}

// GetRule returns a rule scoped to the organization.
func (s *Service) GetRule(ctx context.Context, organizationID, id string) (*models.AutomationRule, error) {
	ctx = ensureContext(ctx)

	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrRuleNotFound
	}

	var rule models.AutomationRule
	err := s.db.WithContext(ctx).
		Where("id = ? AND organization_id = ?", id, strings.TrimSpace(organizationID)).
		First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("automation service: get rule: %w", err)
	}
	return &rule, nil
}

// ListRulesOptions filters the rule listing.
type ListRulesOptions struct {
	Page     int
	PageSize int
	Kind     models.AutomationTriggerKind
	Enabled  *bool
}

// ListRules returns the organization's rules ordered by name.
func (s *Service) ListRules(ctx context.Context, organizationID string, opts ListRulesOptions) ([]models.AutomationRule, int64, error) {
	ctx = ensureContext(ctx)

	page, perPage := clampPage(opts.Page, opts.PageSize)

	query := s.db.WithContext(ctx).
		Model(&models.AutomationRule{}).
		Where("organization_id = ?", strings.TrimSpace(organizationID))
	if opts.Kind != "" {
		query = query.Where("kind = ?", opts.Kind)
	}
	if opts.Enabled != nil {
		query = query.Where("enabled = ?", *opts.Enabled)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("automation service: count rules: %w", err)
	}

	var rules []models.AutomationRule
	if err := query.
		Order("name ASC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&rules).Error; err != nil {
		return nil, 0, fmt.Errorf("automation service: list rules: %w", err)
	}
	return rules, total, nil
}

// ListRuns returns the run history for one rule, newest first.
func (s *Service) ListRuns(ctx context.Context, organizationID, ruleID string, page, pageSize int) ([]models.AutomationRun, int64, error) {
	ctx = ensureContext(ctx)

	rule, err := s.GetRule(ctx, organizationID, ruleID)
	if err != nil {
		return nil, 0, err
	}

	pageNum, perPage := clampPage(page, pageSize)
	query := s.db.WithContext(ctx).
		Model(&models.AutomationRun{}).
		Where("rule_id = ?", rule.ID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("automation service: count runs: %w", err)
	}

	var runs []models.AutomationRun
	if err := query.
		Order("created_at DESC").
		Offset((pageNum - 1) * perPage).
		Limit(perPage).
		Find(&runs).Error; err != nil {
		return nil, 0, fmt.Errorf("automation service: list runs: %w", err)
	}
	return runs, total, nil
}

func validateTrigger(kind models.AutomationTriggerKind, trigger string) error {
	if trigger == "" {
		return apperrors.NewBadRequest("rule trigger is required")
	}
	switch kind {
	case models.TriggerEvent:
		if !events.Known(trigger) {
			return apperrors.NewBadRequest("unknown event trigger: " + trigger)
		}
	case models.TriggerSchedule:
		if _, err := cron.ParseStandard(trigger); err != nil {
			return apperrors.NewBadRequest("invalid cron schedule: " + err.Error())
		}
	default:
		return apperrors.NewBadRequest("rule kind must be event or schedule")
	}
	return nil
}

func (s *Service) resync() {
	if s.syncer == nil {
		return
	}
	if err := s.syncer.Resync(); err != nil {
		s.log.Warn("failed to resync schedules", zap.Error(err))
	}
}

func (s *Service) recordAudit(ctx context.Context, rule *models.AutomationRule, actorID, action string) {
	if s.audit == nil {
		return
	}
	entry := services.AuditEntry{
		OrganizationID: &rule.OrganizationID,
		Action:         action,
		Resource:       "automation_rule:" + rule.ID,
		Result:         "success",
		Metadata: map[string]any{
			"name":    rule.Name,
			"kind":    string(rule.Kind),
			"trigger": rule.Trigger,
		},
	}
	if actorID = strings.TrimSpace(actorID); actorID != "" {
		entry.UserID = &actorID
	}
	if err := s.audit.Log(ctx, entry); err != nil {
		s.log.Warn("failed to write automation audit entry", zap.Error(err))
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
