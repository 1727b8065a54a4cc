package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EmployeeStatus enumerates the supported employment states.
type EmployeeStatus string

const (
	EmployeeStatusActive     EmployeeStatus = "active"
	EmployeeStatusOnLeave    EmployeeStatus = "on_leave"
	EmployeeStatusTerminated EmployeeStatus = "terminated"
)

var validEmployeeStatuses = map[EmployeeStatus]struct{}{
	EmployeeStatusActive:     {},
	EmployeeStatusOnLeave:    {},
	EmployeeStatusTerminated: {},
}

// Valid reports whether the status is a known employment state.
func (s EmployeeStatus) Valid() bool {
	_, ok := validEmployeeStatuses[s]
	return ok
}

// EmploymentType enumerates contract kinds for payroll grouping.
type EmploymentType string

const (
	EmploymentFullTime EmploymentType = "full_time"
	EmploymentPartTime EmploymentType = "part_time"
	EmploymentContract EmploymentType = "contract"
)

// Employee is an HR record, optionally linked to a platform user account.
type Employee struct {
	BaseModel

	OrganizationID string  `gorm:"type:uuid;not null;uniqueIndex:idx_employees_org_number,priority:1" json:"organization_id"`
	EmployeeNo     string  `gorm:"not null;uniqueIndex:idx_employees_org_number,priority:2" json:"employee_no"`
	UserID         *string `gorm:"type:uuid;index" json:"user_id"`

	FirstName string `gorm:"not null" json:"first_name"`
	LastName  string `gorm:"not null" json:"last_name"`
	Email     string `gorm:"index" json:"email"`
	Phone     string `json:"phone"`

	DepartmentID *string     `gorm:"type:uuid;index" json:"department_id"`
	Department   *Department `json:"department,omitempty"`
	Title        string      `json:"title"`
	Location     string      `json:"location"`

	EmploymentType EmploymentType `gorm:"type:varchar(32);default:'full_time'" json:"employment_type"`
	SalaryCents    int64          `gorm:"default:0" json:"-"`
	Currency       string         `gorm:"type:varchar(8);default:'USD'" json:"currency"`

	HiredAt      *time.Time     `json:"hired_at"`
	TerminatedAt *time.Time     `json:"terminated_at"`
	Status       EmployeeStatus `gorm:"type:varchar(32);default:'active';index" json:"status"`
	Profile      datatypes.JSON `json:"profile"`

	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// FullName renders the display name used in notifications and exports.
func (e *Employee) FullName() string {
	return strings.TrimSpace(e.FirstName + " " + e.LastName)
}

// BeforeSave validates employment status and required identifiers.
func (e *Employee) BeforeSave(tx *gorm.DB) error {
	e.EmployeeNo = strings.TrimSpace(e.EmployeeNo)
	if e.EmployeeNo == "" {
		return errors.New("employee: employee_no is required")
	}

	status := EmployeeStatus(strings.TrimSpace(string(e.Status)))
	if status == "" {
		status = EmployeeStatusActive
	}
	if _, ok := validEmployeeStatuses[status]; !ok {
		return fmt.Errorf("employee: invalid status %q", e.Status)
	}
	e.Status = status

	if e.Status == EmployeeStatusTerminated && e.TerminatedAt == nil {
		return errors.New("employee: terminated_at is required for terminated employees")
	}

	return nil
}
