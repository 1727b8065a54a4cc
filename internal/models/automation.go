package models

import (
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
)

// AutomationTriggerKind distinguishes event-driven rules from scheduled ones.
type AutomationTriggerKind string

const (
	TriggerEvent    AutomationTriggerKind = "event"
	TriggerSchedule AutomationTriggerKind = "schedule"
)

// AutomationRule is a tenant-defined script that reacts to domain events or a cron schedule.
type AutomationRule struct {
	BaseModel

	OrganizationID string                `gorm:"type:uuid;not null;uniqueIndex:idx_automation_org_name,priority:1" json:"organization_id"`
	Name           string                `gorm:"not null;uniqueIndex:idx_automation_org_name,priority:2" json:"name"`
	Description    string                `json:"description"`
	Kind           AutomationTriggerKind `gorm:"type:varchar(16);not null" json:"kind"`
	Trigger        string                `gorm:"not null;index" json:"trigger"`
	Script         string                `gorm:"type:text;not null" json:"script"`
	Enabled        bool                  `gorm:"default:true;index" json:"enabled"`

	FailureCount int        `gorm:"default:0" json:"failure_count"`
	LastRunAt    *time.Time `json:"last_run_at"`
	LastStatus   string     `gorm:"type:varchar(32)" json:"last_status"`
	LastError    string     `gorm:"type:text" json:"last_error,omitempty"`
	CreatedBy    *string    `gorm:"type:uuid" json:"created_by"`
}

// BeforeSave validates the trigger kind and presence of the script body.
func (r *AutomationRule) BeforeSave(tx *gorm.DB) error {
	kind := AutomationTriggerKind(strings.TrimSpace(string(r.Kind)))
	if kind != TriggerEvent && kind != TriggerSchedule {
		return errors.New("automation rule: kind must be event or schedule")
	}
	r.Kind = kind

	r.Trigger = strings.TrimSpace(r.Trigger)
	if r.Trigger == "" {
		return errors.New("automation rule: trigger is required")
	}
	if strings.TrimSpace(r.Script) == "" {
		return errors.New("automation rule: script is required")
	}
	return nil
}

// AutomationRun records one execution of a rule.
type AutomationRun struct {
	BaseModel

	RuleID     string    `gorm:"type:uuid;not null;index" json:"rule_id"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `gorm:"default:0" json:"duration_ms"`
	Status     string    `gorm:"type:varchar(32);not null" json:"status"`
	Output     string    `gorm:"type:text" json:"output,omitempty"`
	Error      string    `gorm:"type:text" json:"error,omitempty"`
}
