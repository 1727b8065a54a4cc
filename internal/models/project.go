package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ProjectStatus enumerates the project lifecycle.
type ProjectStatus string

const (
	ProjectStatusPlanned   ProjectStatus = "planned"
	ProjectStatusActive    ProjectStatus = "active"
	ProjectStatusOnHold    ProjectStatus = "on_hold"
	ProjectStatusDone      ProjectStatus = "done"
	ProjectStatusCancelled ProjectStatus = "cancelled"
)

var validProjectStatuses = map[ProjectStatus]struct{}{
	ProjectStatusPlanned:   {},
	ProjectStatusActive:    {},
	ProjectStatusOnHold:    {},
	ProjectStatusDone:      {},
	ProjectStatusCancelled: {},
}

// Project groups tasks and time tracking, optionally for a customer.
type Project struct {
	BaseModel

	OrganizationID string  `gorm:"type:uuid;not null;uniqueIndex:idx_projects_org_code,priority:1" json:"organization_id"`
	Code           string  `gorm:"not null;uniqueIndex:idx_projects_org_code,priority:2" json:"code"`
	Name           string  `gorm:"not null" json:"name"`
	Description    string  `gorm:"type:text" json:"description"`
	CustomerID     *string `gorm:"type:uuid;index" json:"customer_id"`

	Status      ProjectStatus `gorm:"type:varchar(32);default:'planned';index" json:"status"`
	StartDate   *time.Time    `json:"start_date"`
	EndDate     *time.Time    `json:"end_date"`
	BudgetCents int64         `gorm:"default:0" json:"budget_cents"`
	OwnerUserID *string       `gorm:"type:uuid;index" json:"owner_user_id"`

	Members []User `gorm:"many2many:project_members;" json:"members,omitempty"`
	Tasks   []Task `gorm:"foreignKey:ProjectID" json:"tasks,omitempty"`
}

// Valid reports whether the status is a known lifecycle state.
func (s ProjectStatus) Valid() bool {
	_, ok := validProjectStatuses[s]
	return ok
}

// Closed reports whether the project rejects new tasks and time entries.
func (p *Project) Closed() bool {
	return p.Status == ProjectStatusDone || p.Status == ProjectStatusCancelled
}

// BeforeSave normalises the code and validates the lifecycle state.
func (p *Project) BeforeSave(tx *gorm.DB) error {
	p.Code = strings.ToUpper(strings.TrimSpace(p.Code))
	if p.Code == "" {
		return errors.New("project: code is required")
	}

	status := ProjectStatus(strings.TrimSpace(string(p.Status)))
	if status == "" {
		status = ProjectStatusPlanned
	}
	if _, ok := validProjectStatuses[status]; !ok {
		return fmt.Errorf("project: invalid status %q", p.Status)
	}
	p.Status = status

	return nil
}

// TaskStatus enumerates the task board lanes.
type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusReview     TaskStatus = "review"
	TaskStatusDone       TaskStatus = "done"
)

var validTaskStatuses = map[TaskStatus]struct{}{
	TaskStatusTodo:       {},
	TaskStatusInProgress: {},
	TaskStatusReview:     {},
	TaskStatusDone:       {},
}

// Valid reports whether the status is a known board lane.
func (s TaskStatus) Valid() bool {
	_, ok := validTaskStatuses[s]
	return ok
}

// TaskPriority enumerates scheduling urgency.
type TaskPriority string

const (
	TaskPriorityLow    TaskPriority = "low"
	TaskPriorityMedium TaskPriority = "medium"
	TaskPriorityHigh   TaskPriority = "high"
	TaskPriorityUrgent TaskPriority = "urgent"
)

// Task is a unit of work on a project board.
type Task struct {
	BaseModel

	ProjectID string `gorm:"type:uuid;not null;index" json:"project_id"`
	Title     string `gorm:"not null" json:"title"`
	Details   string `gorm:"type:text" json:"details"`

	Status   TaskStatus   `gorm:"type:varchar(32);default:'todo';index" json:"status"`
	Priority TaskPriority `gorm:"type:varchar(16);default:'medium'" json:"priority"`

	AssigneeID      *string        `gorm:"type:uuid;index" json:"assignee_id"`
	DueDate         *time.Time     `json:"due_date"`
	Position        int            `gorm:"default:0" json:"position"`
	EstimateMinutes int64          `gorm:"default:0" json:"estimate_minutes"`
	Labels          datatypes.JSON `json:"labels"`
}

// BeforeSave validates the board lane.
func (t *Task) BeforeSave(tx *gorm.DB) error {
	status := TaskStatus(strings.TrimSpace(string(t.Status)))
	if status == "" {
		status = TaskStatusTodo
	}
	if _, ok := validTaskStatuses[status]; !ok {
		return fmt.Errorf("task: invalid status %q", t.Status)
	}
	t.Status = status
	return nil
}

// TimeEntry records minutes a user spent on a task.
type TimeEntry struct {
	BaseModel

	OrganizationID string    `gorm:"type:uuid;not null;index" json:"organization_id"`
	TaskID         string    `gorm:"type:uuid;not null;index" json:"task_id"`
	UserID         string    `gorm:"type:uuid;not null;index" json:"user_id"`
	Minutes        int64     `gorm:"not null" json:"minutes"`
	SpentOn        time.Time `gorm:"index" json:"spent_on"`
	Note           string    `json:"note"`
	Billable       bool      `gorm:"default:true" json:"billable"`
}

// BeforeSave rejects empty or negative durations.
func (t *TimeEntry) BeforeSave(tx *gorm.DB) error {
	if t.Minutes <= 0 {
		return errors.New("time entry: minutes must be positive")
	}
	return nil
}
